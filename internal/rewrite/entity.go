package rewrite

import (
	"med-deid/internal/entity"
	"med-deid/internal/filter"
	"med-deid/internal/logger"
	"med-deid/internal/matcher"
	"med-deid/internal/transform"
)

// Finding is an accepted span together with its redacted form.
type Finding struct {
	entity.Span
	Redacted string `json:"redacted"`
}

// EntityPass is the entity-driven strategy.
type EntityPass struct {
	matcher    *matcher.Matcher
	filter     *filter.Filter
	dispatcher *transform.Dispatcher
	toggles    entity.Toggles
	log        *logger.Logger
}

// NewEntityPass wires the matchers, the candidate filter and the dispatcher.
func NewEntityPass(m *matcher.Matcher, f *filter.Filter, d *transform.Dispatcher, toggles entity.Toggles, log *logger.Logger) *EntityPass {
	if log == nil {
		log = logger.Nop()
	}
	return &EntityPass{matcher: m, filter: f, dispatcher: d, toggles: toggles.Clone(), log: log}
}

// Run implements Strategy.
func (e *EntityPass) Run(text string) (string, entity.Stats) {
	findings := e.find(text)
	pairs := make([]Pair, 0, len(findings))
	for _, f := range findings {
		pairs = append(pairs, Pair{Raw: f.Text, Redacted: f.Redacted, Category: f.Category})
	}
	return Apply(text, pairs)
}

// Entities returns the accepted spans of text with their redacted forms,
// ordered by offset.
func (e *EntityPass) Entities(text string) []Finding {
	findings := e.find(text)
	if len(findings) == 0 {
		return nil
	}
	spans := make([]entity.Span, len(findings))
	redacted := make(map[entity.Span]string, len(findings))
	for i, f := range findings {
		spans[i] = f.Span
		redacted[f.Span] = f.Redacted
	}
	entity.SortSpans(spans)
	out := make([]Finding, len(spans))
	for i, s := range spans {
		out[i] = Finding{Span: s, Redacted: redacted[s]}
	}
	return out
}

// find returns accepted, transformable spans in matcher order.
func (e *EntityPass) find(text string) []Finding {
	if text == "" {
		return nil
	}
	spans := e.matcher.FindAll(text, func(c entity.Category) bool {
		return e.toggles.Enabled(c.Key())
	})
	spans = e.filter.Spans(spans)

	out := make([]Finding, 0, len(spans))
	for _, s := range spans {
		red, ok := e.dispatcher.Transform(s.Category, s.Text)
		if !ok {
			e.log.Debugf("span_skip", "%s %q: not transformable", s.Category, s.Text)
			continue
		}
		out = append(out, Finding{Span: s, Redacted: red})
	}
	return out
}
