package consistency

import (
	"container/list"
	"sync"

	"med-deid/internal/logger"
)

// maxHits caps the per-entry read counter.
const maxHits = 3

// hotStore keeps up to capacity mappings of a complete backing store in
// memory. Admission follows S3-FIFO: a new key waits on a short probation
// queue, a key read while on probation moves to the main queue, and a key
// recently dropped from probation goes straight to main when it returns.
//
// Eviction only forgets the in-memory copy. The backing store keeps every
// mapping, so a recorded or imported pseudonym is never reassigned.
type hotStore struct {
	mu sync.Mutex

	backing      Store
	capacity     int
	probationCap int

	slots     map[string]*hotSlot
	probation *list.List
	main      *list.List
	recent    *keyRing
}

type hotSlot struct {
	pseudonym string
	hits      uint8
	inMain    bool
	at        *list.Element
}

// NewHotStore returns a Store that keeps at most capacity entries of backing
// in memory. A capacity below 2 is raised to 2.
func NewHotStore(backing Store, capacity int, log *logger.Logger) Store {
	return newHotStore(backing, capacity, log)
}

func newHotStore(backing Store, capacity int, log *logger.Logger) *hotStore {
	capacity = max(capacity, 2)
	probationCap := max(capacity/10, 1)
	log.Debugf("store_open", "hot set capacity=%d probation=%d", capacity, probationCap)
	return &hotStore{
		backing:      backing,
		capacity:     capacity,
		probationCap: probationCap,
		slots:        make(map[string]*hotSlot, capacity),
		probation:    list.New(),
		main:         list.New(),
		recent:       newKeyRing(max(2*probationCap, 4)),
	}
}

// Get serves from memory when it can and warms memory from the backing
// store otherwise.
func (h *hotStore) Get(original string) (string, bool) {
	h.mu.Lock()
	if s, ok := h.slots[original]; ok {
		if s.hits < maxHits {
			s.hits++
		}
		h.mu.Unlock()
		return s.pseudonym, true
	}
	h.mu.Unlock()

	v, ok := h.backing.Get(original)
	if ok {
		h.admit(original, v)
	}
	return v, ok
}

// Set writes through to the backing store.
func (h *hotStore) Set(original, pseudonym string) {
	h.backing.Set(original, pseudonym)
	h.admit(original, pseudonym)
}

func (h *hotStore) Delete(original string) {
	h.mu.Lock()
	if s, ok := h.slots[original]; ok {
		h.queueOf(s).Remove(s.at)
		delete(h.slots, original)
	}
	h.mu.Unlock()
	h.backing.Delete(original)
}

// Range iterates the backing store, which holds every entry.
func (h *hotStore) Range(fn func(original, pseudonym string) bool) error {
	return h.backing.Range(fn)
}

func (h *hotStore) Close() error { return h.backing.Close() }

func (h *hotStore) admit(key, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if s, ok := h.slots[key]; ok {
		s.pseudonym = value
		return
	}
	s := &hotSlot{pseudonym: value, inMain: h.recent.contains(key)}
	s.at = h.queueOf(s).PushBack(key)
	h.slots[key] = s

	for len(h.slots) > h.capacity {
		if h.probation.Len() >= h.probationCap || h.main.Len() == 0 {
			h.retireProbation()
		} else {
			h.dropOldest(h.main)
		}
	}
}

// retireProbation moves the oldest probation entry to main if it was read,
// and forgets it otherwise.
func (h *hotStore) retireProbation() {
	front := h.probation.Front()
	if front == nil {
		h.dropOldest(h.main)
		return
	}
	key := front.Value.(string)
	s := h.slots[key]
	h.probation.Remove(front)
	if s.hits == 0 {
		delete(h.slots, key)
		h.recent.add(key)
		return
	}
	s.hits, s.inMain = 0, true
	s.at = h.main.PushBack(key)
	if h.main.Len() > h.capacity-h.probationCap {
		h.dropOldest(h.main)
	}
}

func (h *hotStore) dropOldest(q *list.List) {
	if front := q.Front(); front != nil {
		q.Remove(front)
		delete(h.slots, front.Value.(string))
	}
}

func (h *hotStore) queueOf(s *hotSlot) *list.List {
	if s.inMain {
		return h.main
	}
	return h.probation
}

// keyRing remembers the last n keys added.
type keyRing struct {
	keys []string
	set  map[string]struct{}
	next int
	full bool
}

func newKeyRing(n int) *keyRing {
	return &keyRing{keys: make([]string, n), set: make(map[string]struct{}, n)}
}

func (r *keyRing) contains(key string) bool {
	_, ok := r.set[key]
	return ok
}

func (r *keyRing) add(key string) {
	if r.contains(key) {
		return
	}
	if r.full {
		delete(r.set, r.keys[r.next])
	}
	r.keys[r.next] = key
	r.set[key] = struct{}{}
	r.next = (r.next + 1) % len(r.keys)
	if r.next == 0 {
		r.full = true
	}
}

func (r *keyRing) size() int { return len(r.set) }
