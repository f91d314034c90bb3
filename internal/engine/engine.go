// Package engine assembles the dictionaries, matchers, candidate filter,
// transform dispatcher and consistency cache into one redaction engine,
// and dispatches to an optional preferred backend with fallback to the
// rule engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"med-deid/internal/consistency"
	"med-deid/internal/dict"
	"med-deid/internal/entity"
	"med-deid/internal/filter"
	"med-deid/internal/logger"
	"med-deid/internal/matcher"
	"med-deid/internal/metrics"
	"med-deid/internal/rewrite"
	"med-deid/internal/transform"
)

// BackendRules is the name of the built-in rule engine.
const BackendRules = "rules"

// Matching strategies.
const (
	StrategyEntity   = "entity"
	StrategyCategory = "category"
)

var (
	// ErrUnknownBackend is returned for a backend name nothing implements.
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrUnknownStrategy is returned for a strategy other than entity or category.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// Backend is an implementation that redacts one text.
type Backend interface {
	Name() string
	Redact(ctx context.Context, text string) (string, entity.Stats, error)
}

// Options configures New. The zero value builds an entity-driven engine
// over the embedded dictionaries with an in-memory cache and the default
// date shift.
type Options struct {
	Dicts       *dict.Set // takes precedence over DictDir
	DictDir     string    // empty means the embedded dictionaries
	Terms       map[string][]string
	Toggles     entity.Toggles
	Strategy    string // StrategyEntity when empty
	Mode        rewrite.Mode
	LooseIDs    bool
	Transform   transform.Options
	Tagger      string   // filter.TaggerSurname when empty
	TaggerDicts []string // extra dictionaries for the gse tagger
	Cache       *consistency.Cache
	Preferred   Backend // nil means the rule engine only
	Log         *logger.Logger
	Metrics     *metrics.Metrics
}

// Result is the outcome of one redaction.
type Result struct {
	Text    string       `json:"text"`
	Stats   entity.Stats `json:"stats"`
	Backend string       `json:"backend"`
}

// Engine is safe for concurrent use. Dictionaries are read-only after
// construction; the cache serialises its own writes.
type Engine struct {
	dicts      *dict.Set
	dispatcher *transform.Dispatcher
	entities   *rewrite.EntityPass
	rules      *ruleBackend
	preferred  Backend
	strategy   string
	log        *logger.Logger
	metrics    *metrics.Metrics
}

// New loads the dictionaries and builds the engine. A missing or empty
// required dictionary is an error.
func New(opts Options) (*Engine, error) {
	log := opts.Log
	if log == nil {
		log = logger.Nop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	strategy := strings.ToLower(strings.TrimSpace(opts.Strategy))
	switch strategy {
	case "":
		strategy = StrategyEntity
	case StrategyEntity, StrategyCategory:
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownStrategy, opts.Strategy)
	}

	d := opts.Dicts
	if d == nil {
		var err error
		if opts.DictDir != "" {
			d, err = dict.LoadDir(opts.DictDir)
		} else {
			d, err = dict.Default()
		}
		if err != nil {
			return nil, fmt.Errorf("load dictionaries %q: %w", opts.DictDir, err)
		}
	}
	d = d.WithTerms(opts.Terms)

	mt, err := matcher.New(d)
	if err != nil {
		return nil, fmt.Errorf("build matchers: %w", err)
	}

	tagger, err := filter.NewTagger(opts.Tagger, d, opts.TaggerDicts...)
	if errors.Is(err, filter.ErrUnknownTagger) {
		return nil, err
	}
	if err != nil {
		log.Warnf("tagger_unavailable", "%v; name candidates will be rejected", err)
		tagger = filter.Unavailable(err)
	}
	f := filter.New(tagger, d.NameDeny, log.Module("FILTER"))

	cache := opts.Cache
	if cache == nil {
		cache = consistency.NewMemory()
	}
	disp := transform.New(d, cache, opts.Transform)
	ep := rewrite.NewEntityPass(mt, f, disp, opts.Toggles, log.Module("REWRITE"))

	var s rewrite.Strategy = ep
	if strategy == StrategyCategory {
		s, err = rewrite.NewPasses(d, disp, f, rewrite.PassOptions{
			Toggles:  opts.Toggles,
			Mode:     opts.Mode,
			LooseIDs: opts.LooseIDs,
			Terms:    opts.Terms,
		}, log.Module("REWRITE"))
		if err != nil {
			return nil, fmt.Errorf("build category passes: %w", err)
		}
	}

	e := &Engine{
		dicts:      d,
		dispatcher: disp,
		entities:   ep,
		rules:      &ruleBackend{strategy: s},
		preferred:  opts.Preferred,
		strategy:   strategy,
		log:        log,
		metrics:    m,
	}
	log.Infof("engine_ready", "strategy=%s backend=%s surnames=%d institutions=%d",
		strategy, e.BackendName(), d.Surnames.Len(), d.Institutions.Len())
	return e, nil
}

// Strategy returns the matching strategy in use.
func (e *Engine) Strategy() string { return e.strategy }

// BackendName returns the name of the preferred backend.
func (e *Engine) BackendName() string {
	if e.preferred != nil {
		return e.preferred.Name()
	}
	return BackendRules
}

// Cache returns the consistency cache shared by every call.
func (e *Engine) Cache() *consistency.Cache { return e.dispatcher.Cache() }

// Dictionaries returns the dictionary set the engine was built over.
func (e *Engine) Dictionaries() *dict.Set { return e.dicts }

// Metrics returns the engine's counters.
func (e *Engine) Metrics() *metrics.Metrics { return e.metrics }

// Redact redacts text. If the preferred backend fails, the rule engine
// produces the result and Result.Backend reports it. The only error is a
// done context.
func (e *Engine) Redact(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		e.metrics.ErrorsRequest.Add(1)
		return Result{}, err
	}
	start := time.Now()
	res := e.redact(ctx, text)
	e.metrics.RecordRedactLatency(time.Since(start))

	e.metrics.RedactionsTotal.Add(1)
	if res.Text != text {
		e.metrics.RedactionsChanged.Add(1)
	} else {
		e.metrics.RedactionsUnchanged.Add(1)
	}
	e.metrics.RecordStats(res.Stats)
	return res, nil
}

func (e *Engine) redact(ctx context.Context, text string) Result {
	if e.preferred != nil {
		e.metrics.BackendCalls.Add(1)
		start := time.Now()
		out, stats, err := e.preferred.Redact(ctx, text)
		e.metrics.RecordBackendLatency(time.Since(start))
		if err == nil {
			if stats == nil {
				stats = entity.Stats{}
			}
			return Result{Text: out, Stats: stats, Backend: e.preferred.Name()}
		}
		e.metrics.BackendErrors.Add(1)
		e.metrics.BackendFallbacks.Add(1)
		e.log.Warnf("backend_fallback", "%s failed: %v", e.preferred.Name(), err)
	}
	out, stats, _ := e.rules.Redact(ctx, text)
	return Result{Text: out, Stats: stats, Backend: BackendRules}
}

// BatchResult is the outcome of RedactParagraphs or RedactCells. Backend
// is the preferred backend's name, or BackendRules when any item fell back.
type BatchResult struct {
	Paragraphs []string     `json:"paragraphs,omitempty"`
	Cells      [][]string   `json:"cells,omitempty"`
	Stats      entity.Stats `json:"stats"`
	Backend    string       `json:"backend"`
}

func (b *BatchResult) add(res Result) {
	b.Stats.Merge(res.Stats)
	if res.Backend != b.Backend {
		b.Backend = BackendRules
	}
}

// RedactParagraphs redacts each paragraph and sums the statistics. All
// paragraphs share the engine's cache, so a value keeps one replacement
// across the document.
func (e *Engine) RedactParagraphs(ctx context.Context, paragraphs []string) (BatchResult, error) {
	b := BatchResult{Paragraphs: make([]string, len(paragraphs)), Stats: entity.Stats{}, Backend: e.BackendName()}
	for i, p := range paragraphs {
		res, err := e.Redact(ctx, p)
		if err != nil {
			return BatchResult{}, err
		}
		b.Paragraphs[i] = res.Text
		b.add(res)
	}
	return b, nil
}

// RedactCells redacts every cell of a table and sums the statistics.
// Empty cells are passed through.
func (e *Engine) RedactCells(ctx context.Context, rows [][]string) (BatchResult, error) {
	b := BatchResult{Cells: make([][]string, len(rows)), Stats: entity.Stats{}, Backend: e.BackendName()}
	for i, row := range rows {
		b.Cells[i] = make([]string, len(row))
		for j, cell := range row {
			if strings.TrimSpace(cell) == "" {
				b.Cells[i][j] = cell
				continue
			}
			res, err := e.Redact(ctx, cell)
			if err != nil {
				return BatchResult{}, err
			}
			b.Cells[i][j] = res.Text
			b.add(res)
		}
	}
	return b, nil
}

// Entities lists the accepted spans of text with their redacted forms,
// ordered by offset. It always uses the entity-driven matchers.
func (e *Engine) Entities(text string) []rewrite.Finding {
	return e.entities.Entities(text)
}

// ruleBackend adapts a rewrite strategy to Backend.
type ruleBackend struct {
	strategy rewrite.Strategy
}

func (r *ruleBackend) Name() string { return BackendRules }

func (r *ruleBackend) Redact(_ context.Context, text string) (string, entity.Stats, error) {
	out, stats := r.strategy.Run(text)
	return out, stats, nil
}
