package possync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// LocalIDPrefix tags ids assigned to optimistic creates before the server
// has confirmed them. The prefix keeps the local-only id space disjoint from
// server-assigned ids, so concurrent creates never collide.
const LocalIDPrefix = "local-"

// NewLocalID returns a fresh local-only id.
func NewLocalID() string { return LocalIDPrefix + uuid.NewString() }

// IsLocalID reports whether id belongs to the local-only id space.
func IsLocalID(id string) bool { return strings.HasPrefix(id, LocalIDPrefix) }

// rollbackSnapshot captures the pre-mutation value of the affected entity,
// or "did not exist" (nil Before) for a create.
type rollbackSnapshot struct {
	Collection entity.Collection
	TargetID   string
	Before     entity.Entity
}

// OptimisticUpdater applies speculative mutations to the LocalCache
// immediately, records a rollback snapshot per operation, and appends the
// durable operation to the queue. The UI-visible effect is indistinguishable
// from a successful synchronous write.
type OptimisticUpdater struct {
	cache  *LocalCache
	queue  QueueStore
	logger *slog.Logger

	mu        sync.Mutex
	snapshots map[string]rollbackSnapshot // op id -> snapshot
	remap     map[string]string           // local id -> server id

	newID func() string
	now   func() time.Time
}

// NewOptimisticUpdater wires an updater over the cache and queue.
func NewOptimisticUpdater(cache *LocalCache, queue QueueStore, logger *slog.Logger) *OptimisticUpdater {
	if logger == nil {
		logger = slog.Default()
	}
	return &OptimisticUpdater{
		cache:     cache,
		queue:     queue,
		logger:    logger.With(slog.String("component", "optimistic")),
		snapshots: make(map[string]rollbackSnapshot),
		remap:     make(map[string]string),
		newID:     NewLocalID,
		now:       time.Now,
	}
}

// Create inserts record into the LocalCache under a fresh local-only id and
// enqueues a Create operation. The temporary entity is returned immediately.
func (u *OptimisticUpdater) Create(ctx context.Context, record entity.Entity) (entity.Entity, error) {
	c := record.EntityCollection()
	local := record.WithID(u.newID())

	payload, err := json.Marshal(local)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindValidation)
	}

	op := &QueuedOperation{
		ID:         uuid.NewString(),
		Collection: c,
		Type:       OpCreate,
		TargetID:   local.EntityID(),
		Payload:    payload,
		EnqueuedAt: u.now(),
		Status:     StatusPending,
	}

	u.cache.writeMu.Lock()
	defer u.cache.writeMu.Unlock()

	u.cache.Upsert(c, local)
	if err := u.queue.Enqueue(ctx, op); err != nil {
		// The speculative insert cannot ever sync; undo it rather than
		// leave a permanently local-only record.
		u.cache.Remove(c, local.EntityID())
		werr := syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindPersistence)
		u.logger.Error("enqueue failed, optimistic create dropped",
			slog.String("collection", string(c)), slog.Any("error", werr))
		return nil, werr
	}

	u.mu.Lock()
	u.snapshots[op.ID] = rollbackSnapshot{Collection: c, TargetID: local.EntityID()}
	u.mu.Unlock()

	if prod, ok := lowStockCrossed(nil, local); ok {
		lowStockNotification(u.cache, local.TenantID(), prod, u.now())
	}
	return local, nil
}

// Update merges patch into the cached entity and enqueues an Update
// operation. The id may be a local-only id from an unconfirmed create; it is
// resolved through the remap table transparently.
func (u *OptimisticUpdater) Update(ctx context.Context, c entity.Collection, id string, patch entity.Patch) (entity.Entity, error) {
	u.cache.writeMu.Lock()
	defer u.cache.writeMu.Unlock()

	id = u.ResolveID(id)
	before, ok := u.cache.Lookup(c, id)
	if !ok {
		return nil, syncErrors.NewValidation(syncErrors.OpEnqueue, "optimistic",
			fmt.Errorf("no %s entity with id %s", c, id))
	}

	after, err := patch.ApplyTo(before)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindValidation)
	}

	payload, err := json.Marshal(patch)
	if err != nil {
		return nil, syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindValidation)
	}

	op := &QueuedOperation{
		ID:         uuid.NewString(),
		Collection: c,
		Type:       OpUpdate,
		TargetID:   id,
		Payload:    payload,
		EnqueuedAt: u.now(),
		Status:     StatusPending,
	}

	u.cache.Replace(c, id, after)
	if err := u.queue.Enqueue(ctx, op); err != nil {
		u.cache.Replace(c, id, before)
		werr := syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindPersistence)
		u.logger.Error("enqueue failed, optimistic update dropped",
			slog.String("collection", string(c)), slog.String("id", id), slog.Any("error", werr))
		return nil, werr
	}

	u.mu.Lock()
	u.snapshots[op.ID] = rollbackSnapshot{Collection: c, TargetID: id, Before: before}
	u.mu.Unlock()

	// The stock change is user-visible immediately, so the threshold warning
	// fires here rather than on confirmation.
	if prod, ok := lowStockCrossed(before, after); ok {
		lowStockNotification(u.cache, after.TenantID(), prod, u.now())
	}
	return after, nil
}

// Delete removes the entity from the LocalCache and enqueues a Delete
// operation. The removal is rolled back if the remote delete ultimately
// fails permanently.
func (u *OptimisticUpdater) Delete(ctx context.Context, c entity.Collection, id string) error {
	u.cache.writeMu.Lock()
	defer u.cache.writeMu.Unlock()

	id = u.ResolveID(id)
	before, ok := u.cache.Lookup(c, id)
	if !ok {
		return syncErrors.NewValidation(syncErrors.OpEnqueue, "optimistic",
			fmt.Errorf("no %s entity with id %s", c, id))
	}

	op := &QueuedOperation{
		ID:         uuid.NewString(),
		Collection: c,
		Type:       OpDelete,
		TargetID:   id,
		EnqueuedAt: u.now(),
		Status:     StatusPending,
	}

	u.cache.Remove(c, id)
	if err := u.queue.Enqueue(ctx, op); err != nil {
		u.cache.Upsert(c, before)
		werr := syncErrors.WrapKind(err, syncErrors.OpEnqueue, "optimistic", syncErrors.KindPersistence)
		u.logger.Error("enqueue failed, optimistic delete dropped",
			slog.String("collection", string(c)), slog.String("id", id), slog.Any("error", werr))
		return werr
	}

	u.mu.Lock()
	u.snapshots[op.ID] = rollbackSnapshot{Collection: c, TargetID: id, Before: before}
	u.mu.Unlock()

	return nil
}

// ResolveID maps a local-only id to its server-assigned id once the create
// has been confirmed; other ids pass through unchanged.
func (u *OptimisticUpdater) ResolveID(id string) string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if mapped, ok := u.remap[id]; ok {
		return mapped
	}
	return id
}

// ConfirmCreate reconciles a confirmed Create: the local-only id is remapped
// to the server-assigned id, queued operations still targeting the local id
// are repointed, and the snapshot is dropped. The cache entry is replaced in
// place so the UI keeps referential identity (same list position).
func (u *OptimisticUpdater) ConfirmCreate(ctx context.Context, op *QueuedOperation, canonical entity.Entity) error {
	u.cache.writeMu.Lock()
	defer u.cache.writeMu.Unlock()

	localID := op.TargetID

	u.mu.Lock()
	u.remap[localID] = canonical.EntityID()
	delete(u.snapshots, op.ID)
	u.mu.Unlock()

	if err := u.queue.RewriteTarget(ctx, op.Collection, localID, canonical.EntityID()); err != nil {
		return syncErrors.WrapKind(err, syncErrors.OpDrain, "optimistic", syncErrors.KindPersistence)
	}
	u.cache.Replace(op.Collection, localID, canonical)
	return nil
}

// DropSnapshot discards the rollback snapshot for a confirmed operation.
func (u *OptimisticUpdater) DropSnapshot(opID string) {
	u.mu.Lock()
	delete(u.snapshots, opID)
	u.mu.Unlock()
}

// Rollback restores the LocalCache from the snapshot taken when the
// operation was applied. This is the only path that mutates the cache
// backward.
func (u *OptimisticUpdater) Rollback(opID string) {
	u.cache.writeMu.Lock()
	defer u.cache.writeMu.Unlock()

	u.mu.Lock()
	snap, ok := u.snapshots[opID]
	if ok {
		delete(u.snapshots, opID)
	}
	u.mu.Unlock()
	if !ok {
		return
	}

	targetID := u.ResolveID(snap.TargetID)
	if snap.Before == nil {
		u.cache.Remove(snap.Collection, targetID)
		return
	}
	u.cache.Replace(snap.Collection, targetID, snap.Before)
}
