// Package rewrite applies redactions to text and reports what it replaced.
//
// Two strategies share the transform dispatcher and the consistency cache:
//
//   - EntityPass extracts spans with the matchers, filters name-like
//     candidates, transforms every accepted span into a (raw, redacted) pair
//     and replaces every occurrence of each raw string in one scan.
//   - Passes runs independent substitution passes in a fixed order, each
//     over the output of the previous one.
//
// Both return the rewritten text and a statistics map keyed by category or
// pass key. Neither holds state between calls beyond the cache.
package rewrite

import (
	"strings"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"med-deid/internal/entity"
)

// Strategy rewrites one text and reports per-key substitution counts.
type Strategy interface {
	Run(text string) (string, entity.Stats)
}

// Pair is one accepted replacement.
type Pair struct {
	Raw      string
	Redacted string
	Category entity.Category
}

// Apply replaces every occurrence of every pair's raw string in text. The
// scan is leftmost-longest: where raw strings overlap the longer one wins,
// and replaced text is never rescanned. When two pairs share a raw string
// the first one is used. Stats count replaced occurrences per category key.
func Apply(text string, pairs []Pair) (string, entity.Stats) {
	stats := entity.Stats{}
	if text == "" || len(pairs) == 0 {
		return text, stats
	}

	seen := make(map[string]struct{}, len(pairs))
	kept := make([]Pair, 0, len(pairs))
	patterns := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.Raw == "" || p.Raw == p.Redacted {
			continue
		}
		if _, dup := seen[p.Raw]; dup {
			continue
		}
		seen[p.Raw] = struct{}{}
		kept = append(kept, p)
		patterns = append(patterns, p.Raw)
	}
	if len(patterns) == 0 {
		return text, stats
	}

	ac := newScanner(patterns)
	matches := ac.FindAll(text)
	if len(matches) == 0 {
		return text, stats
	}

	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		if m.Start() < last {
			continue
		}
		p := kept[m.Pattern()]
		b.WriteString(text[last:m.Start()])
		b.WriteString(p.Redacted)
		last = m.End()
		stats.Add(p.Category.Key(), 1)
	}
	b.WriteString(text[last:])
	return b.String(), stats
}

func newScanner(patterns []string) ahocorasick.AhoCorasick {
	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: false,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
	})
	return builder.Build(patterns)
}

// replaceTerms replaces every occurrence of any term with repl(term),
// leftmost-longest, and returns the number of replacements. A match that
// overlaps one already replaced is skipped.
func replaceTerms(text string, terms []string, repl func(term string) string) (string, int) {
	if text == "" || len(terms) == 0 {
		return text, 0
	}
	ac := newScanner(terms)
	matches := ac.FindAll(text)
	if len(matches) == 0 {
		return text, 0
	}
	var b strings.Builder
	b.Grow(len(text))
	last, n := 0, 0
	for _, m := range matches {
		if m.Start() < last {
			continue
		}
		b.WriteString(text[last:m.Start()])
		b.WriteString(repl(text[m.Start():m.End()]))
		last = m.End()
		n++
	}
	b.WriteString(text[last:])
	return b.String(), n
}
