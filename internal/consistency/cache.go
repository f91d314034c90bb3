// Package consistency keeps the raw value → pseudonym mapping stable for the
// lifetime of one engine (a run, a document or a batch, as the caller decides).
//
// An entry is created the first time a value that needs a stable pseudonym is
// seen and is never overwritten afterwards. All mutation goes through one
// mutex, so a single Cache may be shared by concurrent redaction calls.
package consistency

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"med-deid/internal/logger"
)

// Cache is the process-scoped consistency cache.
type Cache struct {
	mu    sync.Mutex // serialises check-then-assign
	store Store

	hits   atomic.Int64
	misses atomic.Int64
}

// New wraps store in a Cache.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// NewMemory returns a Cache backed by an in-memory store.
func NewMemory() *Cache {
	return New(NewMemoryStore())
}

// Open builds a Cache from configuration. An empty path gives an in-memory
// cache. A positive capacity bounds how many entries of the bbolt file are
// held in memory; the file itself keeps every entry.
func Open(path string, capacity int, log *logger.Logger) (*Cache, error) {
	if path == "" {
		return NewMemory(), nil
	}
	store, err := OpenBoltStore(path, log)
	if err != nil {
		return nil, err
	}
	if capacity > 0 {
		store = NewHotStore(store, capacity, log)
	}
	return New(store), nil
}

// Resolve returns the pseudonym recorded for raw, or records and returns
// assign(raw) when raw has not been seen yet.
func (c *Cache) Resolve(raw string, assign func(raw string) string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.store.Get(raw); ok {
		c.hits.Add(1)
		return v
	}
	c.misses.Add(1)
	v := assign(raw)
	c.store.Set(raw, v)
	return v
}

// Lookup returns the pseudonym recorded for raw without assigning one.
func (c *Cache) Lookup(raw string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Get(raw)
}

// Len returns the number of recorded entries.
func (c *Cache) Len() int {
	n := 0
	_ = c.store.Range(func(_, _ string) bool { n++; return true })
	return n
}

// Counters returns the number of Resolve hits and misses since creation.
func (c *Cache) Counters() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

// Export returns a copy of every recorded entry.
func (c *Cache) Export() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string)
	if err := c.store.Range(func(k, v string) bool {
		out[k] = v
		return true
	}); err != nil {
		return nil, fmt.Errorf("export pseudonym map: %w", err)
	}
	return out, nil
}

// Import records every entry of m whose key is not yet present. Existing
// entries are kept. It returns the number of entries added.
func (c *Cache) Import(m map[string]string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	added := 0
	for k, v := range m {
		if k == "" || v == "" {
			continue
		}
		if _, ok := c.store.Get(k); ok {
			continue
		}
		c.store.Set(k, v)
		added++
	}
	return added
}

// WriteJSON writes the mapping as a flat JSON object.
func (c *Cache) WriteJSON(w io.Writer) error {
	m, err := c.Export()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(m)
}

// ReadJSON imports a flat JSON object written by WriteJSON.
func (c *Cache) ReadJSON(r io.Reader) (int, error) {
	var m map[string]string
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return 0, fmt.Errorf("parse pseudonym map: %w", err)
	}
	return c.Import(m), nil
}

// Close releases the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
