// Package terms holds the caller-maintained custom term lists layered on
// top of the built-in dictionaries: extra institutions, surnames,
// departments and free-form sensitive terms.
//
// A Registry is shared between the API and the engine builder. Changes are
// persisted to disk via atomic file writes so they survive restarts.
package terms

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"med-deid/internal/dict"
	"med-deid/internal/logger"
)

// Keys lists the term list names a registry accepts.
var Keys = []string{
	dict.TermInstitutions,
	dict.TermInstitutionSuffixes,
	dict.TermSurnames,
	dict.TermDepartments,
	dict.TermCustomSensitive,
}

// aliases maps legacy list names to their current key.
var aliases = map[string]string{
	"hospitals":         dict.TermInstitutions,
	"hospital_suffixes": dict.TermInstitutionSuffixes,
}

var (
	// ErrUnknownKey is returned for a list name outside Keys.
	ErrUnknownKey = errors.New("unknown term list")
	// ErrEmptyTerm is returned when a term is blank after trimming.
	ErrEmptyTerm = errors.New("term is empty")
)

// maxTermRunes bounds a single term.
const maxTermRunes = 64

// CanonicalKey resolves aliases and reports whether key is known.
func CanonicalKey(key string) (string, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if k, ok := aliases[key]; ok {
		key = k
	}
	for _, k := range Keys {
		if k == key {
			return key, true
		}
	}
	return "", false
}

// Normalize trims every term, drops blanks and duplicates, resolves key
// aliases and sorts each list. Unknown keys are dropped.
func Normalize(in map[string][]string) map[string][]string {
	sets := make(map[string]map[string]struct{})
	for key, list := range in {
		k, ok := CanonicalKey(key)
		if !ok {
			continue
		}
		if sets[k] == nil {
			sets[k] = make(map[string]struct{})
		}
		for _, t := range list {
			if t = strings.TrimSpace(t); t != "" {
				sets[k][t] = struct{}{}
			}
		}
	}
	return fromSets(sets)
}

func fromSets(sets map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(sets))
	for k, set := range sets {
		if len(set) == 0 {
			continue
		}
		list := make([]string, 0, len(set))
		for t := range set {
			list = append(list, t)
		}
		sort.Strings(list)
		out[k] = list
	}
	return out
}

// Load reads a term file. A .yaml or .yml extension selects YAML; anything
// else is JSON. The result is normalized.
func Load(path string) (map[string][]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string][]string
	if isYAML(path) {
		err = yaml.Unmarshal(data, &raw)
	} else {
		err = json.Unmarshal(data, &raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return Normalize(raw), nil
}

// Save writes m to path atomically in the format its extension selects.
func Save(path string, m map[string][]string) error {
	m = Normalize(m)
	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(m)
	} else {
		data, err = json.MarshalIndent(m, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal terms: %w", err)
	}

	// Atomic write: temp file → rename
	tmp, err := os.CreateTemp(filepath.Dir(path), ".deid-terms-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()        //nolint:errcheck // best-effort cleanup
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil { // #nosec G703 -- paths from trusted config
		os.Remove(tmpName) //nolint:errcheck // #nosec G703 -- tmpName from os.CreateTemp, not user input
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Registry holds the mutable term lists.
type Registry struct {
	mu          sync.RWMutex
	sets        map[string]map[string]struct{}
	persistPath string // empty = no persistence
	log         *logger.Logger
	onChange    []func(map[string][]string)
}

// NewRegistry creates a registry seeded with seed. If persistPath is
// non-empty and the file exists, its contents take precedence over seed.
func NewRegistry(seed map[string][]string, persistPath string, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Nop()
	}
	r := &Registry{
		sets:        make(map[string]map[string]struct{}),
		persistPath: persistPath,
		log:         log,
	}

	if persistPath != "" {
		loaded, err := Load(persistPath)
		switch {
		case err == nil:
			r.replace(loaded)
			log.Infof("terms_loaded", "%d terms from %s", r.count(), persistPath)
			return r
		case !errors.Is(err, os.ErrNotExist):
			log.Warnf("terms_load", "failed to load %s: %v (using configured terms)", persistPath, err)
		}
	}
	r.replace(Normalize(seed))
	return r
}

func (r *Registry) replace(m map[string][]string) {
	for k, list := range m {
		set := make(map[string]struct{}, len(list))
		for _, t := range list {
			set[t] = struct{}{}
		}
		r.sets[k] = set
	}
}

func (r *Registry) count() int {
	n := 0
	for _, set := range r.sets {
		n += len(set)
	}
	return n
}

// OnChange registers fn to run with a snapshot after every change.
// Callbacks run on the goroutine that made the change.
func (r *Registry) OnChange(fn func(map[string][]string)) {
	r.mu.Lock()
	r.onChange = append(r.onChange, fn)
	r.mu.Unlock()
}

// Has reports whether term is in list key.
func (r *Registry) Has(key, term string) bool {
	k, ok := CanonicalKey(key)
	if !ok {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok = r.sets[k][strings.TrimSpace(term)]
	return ok
}

// Add adds term to list key and persists to disk.
func (r *Registry) Add(key, term string) error {
	return r.update(key, term, func(set map[string]struct{}, t string) { set[t] = struct{}{} })
}

// Remove removes term from list key and persists to disk.
func (r *Registry) Remove(key, term string) error {
	return r.update(key, term, func(set map[string]struct{}, t string) { delete(set, t) })
}

func (r *Registry) update(key, term string, apply func(map[string]struct{}, string)) error {
	k, ok := CanonicalKey(key)
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return ErrEmptyTerm
	}
	if len([]rune(term)) > maxTermRunes {
		return fmt.Errorf("term longer than %d characters", maxTermRunes)
	}

	r.mu.Lock()
	if r.sets[k] == nil {
		r.sets[k] = make(map[string]struct{})
	}
	apply(r.sets[k], term)
	snapshot := fromSets(r.sets)
	callbacks := append(([]func(map[string][]string))(nil), r.onChange...)
	r.mu.Unlock()

	r.persist(snapshot)
	for _, fn := range callbacks {
		fn(snapshot)
	}
	return nil
}

// All returns a sorted copy of every non-empty list.
func (r *Registry) All() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fromSets(r.sets)
}

// persist writes the snapshot to disk. It does NOT hold r.mu.
func (r *Registry) persist(m map[string][]string) {
	if r.persistPath == "" {
		return
	}
	if err := Save(r.persistPath, m); err != nil {
		r.log.Errorf("terms_persist", "%s: %v", r.persistPath, err)
	}
}
