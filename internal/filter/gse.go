package filter

import (
	"fmt"
	"strings"

	"github.com/go-ego/gse"
)

// GseTagger tags text with the gse segmenter's part-of-speech model.
// The segmenter is read-only after loading and may be shared.
type GseTagger struct {
	seg gse.Segmenter
}

// NewGseTagger loads the embedded Chinese dictionary plus any extra
// dictionary files. Loading takes a few seconds; build one per process.
func NewGseTagger(dictFiles ...string) (*GseTagger, error) {
	t := &GseTagger{}
	if err := t.seg.LoadDictEmbed(); err != nil {
		return nil, fmt.Errorf("load gse dictionary: %w", err)
	}
	if len(dictFiles) > 0 {
		if err := t.seg.LoadDict(strings.Join(dictFiles, ", ")); err != nil {
			return nil, fmt.Errorf("load gse user dictionary: %w", err)
		}
	}
	return t, nil
}

// Tag implements Tagger.
func (t *GseTagger) Tag(text string) ([]Token, error) {
	segs := t.seg.Pos(text, false)
	tokens := make([]Token, 0, len(segs))
	for _, s := range segs {
		tokens = append(tokens, Token{Text: s.Text, Role: s.Pos})
	}
	return tokens, nil
}
