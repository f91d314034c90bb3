// Package metrics provides lightweight, lock-minimal performance counters
// for the de-identification engine and its API.
//
// Counters use sync/atomic so hot paths (redaction, substitution counting)
// incur no mutex contention. Latency statistics use a single mutex per
// dimension; they are updated at most once per call.
package metrics

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"med-deid/internal/entity"
)

// knownKeys lists every category and pass key a redaction can report.
// Used to pre-populate the per-key counter map in New() so Snapshot() can
// iterate a fixed set without racing on map writes.
func knownKeys() []string {
	keys := make([]string, 0, len(entity.All)+len(entity.PassOrder))
	seen := make(map[string]struct{})
	for _, c := range entity.All {
		keys = append(keys, c.Key())
		seen[c.Key()] = struct{}{}
	}
	for _, k := range entity.PassOrder {
		if _, dup := seen[k]; !dup {
			keys = append(keys, k)
		}
	}
	return keys
}

// Metrics holds all runtime counters for a running engine.
// The zero value is NOT valid for the per-key counters; use New().
type Metrics struct {
	// Redaction counters
	RedactionsTotal     atomic.Int64
	RedactionsChanged   atomic.Int64
	RedactionsUnchanged atomic.Int64

	// Request errors (malformed input, cancelled calls)
	ErrorsRequest atomic.Int64

	// Substitution volume
	SubstitutionsTotal atomic.Int64

	// Per-key substitution counters.
	// The map is written only in New(); concurrent reads are safe without a lock.
	substitutions map[string]*atomic.Int64

	// Backend dispatch and fallback counters
	BackendCalls     atomic.Int64 // calls to the preferred backend
	BackendErrors    atomic.Int64 // preferred backend calls that failed
	BackendFallbacks atomic.Int64 // results produced by the rule engine after a failure

	// Dictionary reloads
	DictionaryReloads atomic.Int64

	// Latency statistics (mutex-guarded because they accumulate floats)
	redactMu   sync.Mutex
	redactStat latencyStats

	backendMu   sync.Mutex
	backendStat latencyStats

	startTime time.Time
}

// New returns a new Metrics with the start time recorded and the per-key
// counter map pre-populated for all known keys.
func New() *Metrics {
	keys := knownKeys()
	m := &Metrics{
		startTime:     time.Now(),
		substitutions: make(map[string]*atomic.Int64, len(keys)),
	}
	for _, k := range keys {
		m.substitutions[k] = new(atomic.Int64)
	}
	return m
}

// RecordStats adds every count in stats to the substitution counters.
// Unknown keys count towards the total only.
func (m *Metrics) RecordStats(stats entity.Stats) {
	for k, n := range stats {
		m.SubstitutionsTotal.Add(int64(n))
		if c, ok := m.substitutions[k]; ok {
			c.Add(int64(n))
		}
	}
}

// RecordRedactLatency records the duration of one redaction.
func (m *Metrics) RecordRedactLatency(d time.Duration) {
	m.redactMu.Lock()
	m.redactStat.record(float64(d.Microseconds()) / 1000.0)
	m.redactMu.Unlock()
}

// RecordBackendLatency records the round-trip time to a remote backend.
func (m *Metrics) RecordBackendLatency(d time.Duration) {
	m.backendMu.Lock()
	m.backendStat.record(float64(d.Microseconds()) / 1000.0)
	m.backendMu.Unlock()
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.redactMu.Lock()
	redact := m.redactStat.snapshot()
	m.redactMu.Unlock()

	m.backendMu.Lock()
	backend := m.backendStat.snapshot()
	m.backendMu.Unlock()

	perKey := make(map[string]int64, len(m.substitutions))
	for k, c := range m.substitutions {
		if n := c.Load(); n > 0 {
			perKey[k] = n
		}
	}

	return Snapshot{
		Redactions: RedactionSnapshot{
			Total:     m.RedactionsTotal.Load(),
			Changed:   m.RedactionsChanged.Load(),
			Unchanged: m.RedactionsUnchanged.Load(),
		},
		Errors: ErrorSnapshot{
			Request: m.ErrorsRequest.Load(),
			Backend: m.BackendErrors.Load(),
		},
		Substitutions: SubstitutionSnapshot{
			Total: m.SubstitutionsTotal.Load(),
			ByKey: perKey,
		},
		Backend: BackendSnapshot{
			Calls:     m.BackendCalls.Load(),
			Fallbacks: m.BackendFallbacks.Load(),
		},
		DictionaryReloads: m.DictionaryReloads.Load(),
		Latency: LatencyGroup{
			RedactionMs: redact,
			BackendMs:   backend,
		},
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Redactions        RedactionSnapshot    `json:"redactions"`
	Errors            ErrorSnapshot        `json:"errors"`
	Substitutions     SubstitutionSnapshot `json:"substitutions"`
	Backend           BackendSnapshot      `json:"backend"`
	DictionaryReloads int64                `json:"dictionaryReloads"`
	Latency           LatencyGroup         `json:"latency"`
	UptimeSecs        float64              `json:"uptimeSecs"`
}

// RedactionSnapshot holds redaction-level counters.
type RedactionSnapshot struct {
	Total     int64 `json:"total"`
	Changed   int64 `json:"changed"`
	Unchanged int64 `json:"unchanged"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Request int64 `json:"request"`
	Backend int64 `json:"backend"`
}

// SubstitutionSnapshot holds substitution volume. Only keys with non-zero
// counts appear in ByKey.
type SubstitutionSnapshot struct {
	Total int64            `json:"total"`
	ByKey map[string]int64 `json:"byKey,omitempty"`
}

// BackendSnapshot holds preferred-backend dispatch counters.
type BackendSnapshot struct {
	Calls     int64 `json:"calls"`
	Fallbacks int64 `json:"fallbacks"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	RedactionMs LatencySnapshot `json:"redactionMs"`
	BackendMs   LatencySnapshot `json:"backendMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
