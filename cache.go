package possync

import (
	"sync"

	"github.com/tillworks/possync/entity"
)

// Observer is invoked synchronously after every cache mutation, once per
// affected collection. The UI layer uses this as its re-render trigger.
type Observer func(c entity.Collection)

// LocalCache is the in-memory, per-collection snapshot of business entities,
// keyed by entity id. Mutating methods are total and never fail.
//
// Single-writer rule: only the OptimisticUpdater and the ChangeFeedListener
// call the mutating methods. This is enforced by convention, not by the
// cache itself.
type LocalCache struct {
	mu        sync.RWMutex
	data      map[entity.Collection]map[string]entity.Entity
	observers []Observer

	// writeMu serializes read-merge-write sequences: the optimistic apply
	// (lookup, patch, replace, enqueue), the feed merge, and the drain
	// reconcile each hold it for their whole sequence, so a feed event
	// cannot land between an optimistic cache write and its enqueue and
	// erase the not-yet-queued delta. Individual mutations stay atomic
	// under mu; writeMu is about sequences. Not reentrant.
	writeMu sync.Mutex
}

// NewLocalCache creates an empty cache covering all known collections.
func NewLocalCache() *LocalCache {
	data := make(map[entity.Collection]map[string]entity.Entity, len(entity.Collections()))
	for _, c := range entity.Collections() {
		data[c] = make(map[string]entity.Entity)
	}
	return &LocalCache{data: data}
}

// Subscribe registers an observer for cache mutations.
func (lc *LocalCache) Subscribe(fn Observer) {
	lc.mu.Lock()
	lc.observers = append(lc.observers, fn)
	lc.mu.Unlock()
}

// Get returns all entities in a collection. The returned slice is a copy;
// entities themselves are shared and must not be mutated by callers.
func (lc *LocalCache) Get(c entity.Collection) []entity.Entity {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	out := make([]entity.Entity, 0, len(lc.data[c]))
	for _, e := range lc.data[c] {
		out = append(out, e)
	}
	return out
}

// Lookup returns the entity with the given id, if present.
func (lc *LocalCache) Lookup(c entity.Collection, id string) (entity.Entity, bool) {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	e, ok := lc.data[c][id]
	return e, ok
}

// Upsert inserts or replaces an entity by its own id.
func (lc *LocalCache) Upsert(c entity.Collection, e entity.Entity) {
	lc.mu.Lock()
	lc.data[c][e.EntityID()] = e
	lc.mu.Unlock()
	lc.notify(c)
}

// Remove deletes an entity. Removing an absent id is a no-op but still
// notifies observers, keeping redelivered feed deletes idempotent for the UI.
func (lc *LocalCache) Remove(c entity.Collection, id string) {
	lc.mu.Lock()
	delete(lc.data[c], id)
	lc.mu.Unlock()
	lc.notify(c)
}

// Replace swaps the entry stored under id for e, removing the old key when
// e carries a different id. Used to reconcile a temporary local id with the
// server-assigned id while preserving referential identity for the UI.
func (lc *LocalCache) Replace(c entity.Collection, id string, e entity.Entity) {
	lc.mu.Lock()
	if id != e.EntityID() {
		delete(lc.data[c], id)
	}
	lc.data[c][e.EntityID()] = e
	lc.mu.Unlock()
	lc.notify(c)
}

// Len returns the number of entities in a collection.
func (lc *LocalCache) Len(c entity.Collection) int {
	lc.mu.RLock()
	defer lc.mu.RUnlock()
	return len(lc.data[c])
}

func (lc *LocalCache) notify(c entity.Collection) {
	lc.mu.RLock()
	observers := make([]Observer, len(lc.observers))
	copy(observers, lc.observers)
	lc.mu.RUnlock()

	for _, fn := range observers {
		fn(c)
	}
}
