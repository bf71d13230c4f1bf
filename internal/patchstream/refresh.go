package patchstream

import (
	"sort"
	"sync"
)

type RefreshObserver func(key RefreshKey, nonce uint64)

// RefreshRegistry holds one monotonically increasing nonce per refresh key.
// Invalidate is the only way to force a Stream to drop its document and
// reconnect.
type RefreshRegistry struct {
	mu        sync.Mutex
	nonces    map[RefreshKey]uint64
	observers map[uint64]RefreshObserver
	nextID    uint64
}

func NewRefreshRegistry() *RefreshRegistry {
	return &RefreshRegistry{
		nonces:    map[RefreshKey]uint64{},
		observers: map[uint64]RefreshObserver{},
	}
}

func (r *RefreshRegistry) Nonce(key RefreshKey) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nonces[key]
}

func (r *RefreshRegistry) Invalidate(key RefreshKey) uint64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	r.nonces[key]++
	nonce := r.nonces[key]
	observers := r.observersLocked()
	r.mu.Unlock()

	for _, observer := range observers {
		observer(key, nonce)
	}
	return nonce
}

// Subscribe registers fn for every invalidation. Observers run on the
// goroutine that called Invalidate, after the registry lock is released.
func (r *RefreshRegistry) Subscribe(fn RefreshObserver) (cancel func()) {
	if r == nil || fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.observers[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.observers, id)
			r.mu.Unlock()
		})
	}
}

func (r *RefreshRegistry) observersLocked() []RefreshObserver {
	ids := make([]uint64, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]RefreshObserver, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.observers[id])
	}
	return out
}
