// Package filter re-examines name-like candidate spans before they are
// accepted.
//
// A NAME or DOCTOR candidate is accepted only when the role tagger finds at
// least one token tagged as a personal name and the candidate contains no
// deny-listed term. Both checks must pass. A tagger failure rejects the
// candidate; it is never a hard error. Other categories are accepted as
// matched.
package filter

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"med-deid/internal/dict"
	"med-deid/internal/entity"
	"med-deid/internal/logger"
)

// RolePersonName is the part-of-speech role of a personal name. Taggers
// refine it with suffixes (nrt, nrfg), which count as names too.
const RolePersonName = "nr"

// ErrTaggerUnavailable is returned by a tagger whose backing capability
// could not be loaded.
var ErrTaggerUnavailable = errors.New("role tagger unavailable")

// ErrUnknownTagger is returned by NewTagger for an unrecognised kind.
var ErrUnknownTagger = errors.New("unknown tagger")

// Token is one segment of the tagged text.
type Token struct {
	Text string
	Role string
}

// Tagger segments text into words and assigns each a part-of-speech role.
type Tagger interface {
	Tag(text string) ([]Token, error)
}

// Filter is the candidate filter. It is safe for concurrent use when its
// tagger is.
type Filter struct {
	tagger Tagger
	deny   *dict.List
	log    *logger.Logger
}

// New returns a Filter using tagger and the name deny-list.
func New(tagger Tagger, deny *dict.List, log *logger.Logger) *Filter {
	if log == nil {
		log = logger.Nop()
	}
	return &Filter{tagger: tagger, deny: deny, log: log}
}

// Accept reports whether a candidate of category cat with text raw should
// be redacted.
func (f *Filter) Accept(cat entity.Category, raw string) bool {
	if !cat.NameLike() {
		return true
	}
	if f.deny.ContainedIn(raw) {
		f.log.Debugf("candidate_skip", "%s %q: deny-listed term", cat, raw)
		return false
	}
	tokens, err := f.tagger.Tag(raw)
	if err != nil {
		f.log.Warnf("candidate_skip", "%s %q: tagger failed: %v", cat, raw, err)
		return false
	}
	for _, t := range tokens {
		if strings.HasPrefix(t.Role, RolePersonName) {
			return true
		}
	}
	f.log.Debugf("candidate_skip", "%s %q: no personal name token", cat, raw)
	return false
}

// Spans returns the spans of in that Accept admits, preserving order.
func (f *Filter) Spans(in []entity.Span) []entity.Span {
	out := in[:0:0]
	for _, s := range in {
		if f.Accept(s.Category, s.Text) {
			out = append(out, s)
		}
	}
	return out
}

// Tagger kinds accepted by NewTagger.
const (
	TaggerSurname = "surname"
	TaggerGse     = "gse"
)

// NewTagger builds the tagger named by kind. dictFiles are extra word
// dictionaries for the gse tagger.
func NewTagger(kind string, d *dict.Set, dictFiles ...string) (Tagger, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", TaggerSurname:
		return NewSurnameTagger(d), nil
	case TaggerGse:
		return NewGseTagger(dictFiles...)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownTagger, kind)
}

// Unavailable returns a tagger that fails every call with err wrapped in
// ErrTaggerUnavailable. Name-like categories then accept no candidates.
func Unavailable(err error) Tagger {
	return unavailable{err: fmt.Errorf("%w: %v", ErrTaggerUnavailable, err)}
}

type unavailable struct{ err error }

func (u unavailable) Tag(string) ([]Token, error) { return nil, u.err }

// --- surname tagger -----------------------------------------------------

// SurnameTagger is a dictionary tagger. Known titles and common clinical
// words are split off and tagged "n"; a remaining ideograph run of 2 to 4
// characters that starts with a dictionary surname is tagged as a personal
// name.
type SurnameTagger struct {
	surnames []string // compound first, longest first
	words    []string // titles and common words, longest first
}

// NewSurnameTagger builds a SurnameTagger over d.
func NewSurnameTagger(d *dict.Set) *SurnameTagger {
	words := d.Titles.Merge(d.CommonWords.Items()).ByLength()
	return &SurnameTagger{surnames: d.AllSurnames(), words: words}
}

// Tag implements Tagger.
func (t *SurnameTagger) Tag(text string) ([]Token, error) {
	var tokens []Token
	var run []rune
	flush := func() {
		if len(run) == 0 {
			return
		}
		word := string(run)
		role := "x"
		if len(run) >= 2 && len(run) <= 4 && t.startsWithSurname(word) {
			role = RolePersonName
		}
		tokens = append(tokens, Token{Text: word, Role: role})
		run = run[:0]
	}

	rest := text
	for rest != "" {
		if w := t.wordAt(rest); w != "" {
			flush()
			tokens = append(tokens, Token{Text: w, Role: "n"})
			rest = rest[len(w):]
			continue
		}
		r, size := utf8.DecodeRuneInString(rest)
		rest = rest[size:]
		if r >= 0x4e00 && r <= 0x9fa5 {
			run = append(run, r)
			continue
		}
		flush()
		if r != ' ' && r != '\t' {
			tokens = append(tokens, Token{Text: string(r), Role: "w"})
		}
	}
	flush()
	return tokens, nil
}

func (t *SurnameTagger) wordAt(s string) string {
	for _, w := range t.words {
		if strings.HasPrefix(s, w) {
			return w
		}
	}
	return ""
}

func (t *SurnameTagger) startsWithSurname(word string) bool {
	for _, sn := range t.surnames {
		if strings.HasPrefix(word, sn) {
			return len(word) > len(sn)
		}
	}
	return false
}
