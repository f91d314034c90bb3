// Package data embeds the default dictionaries so the engine can be built
// without an external dictionary directory.
package data

import (
	"embed"
	"io/fs"
)

//go:embed dict/*.txt
var dictionaries embed.FS

// Dictionaries returns the embedded dictionary files rooted at dict/.
func Dictionaries() fs.FS {
	sub, err := fs.Sub(dictionaries, "dict")
	if err != nil {
		// dict/ is compiled in; fs.Sub only fails on an invalid path literal.
		panic(err)
	}
	return sub
}
