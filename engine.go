package possync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// EngineConfig configures the SyncEngine.
type EngineConfig struct {
	// MaxAttempts is the attempt ceiling per operation before it becomes
	// terminally Failed.
	MaxAttempts int

	// Backoff is the retry schedule for transient failures.
	Backoff BackoffStrategy

	// OpTimeout bounds each remote call. Exceeding it is a transient
	// failure.
	OpTimeout time.Duration

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c *EngineConfig) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.Backoff == nil {
		c.Backoff = DefaultBackoff()
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// SyncEngine drains the mutation queue against the remote store, one
// operation at a time, with retry and backoff. Drain is re-entrant-safe:
// while one drain loop is active, further triggers are no-ops.
type SyncEngine struct {
	queue     QueueStore
	remote    RemoteStore
	cache     *LocalCache
	updater   *OptimisticUpdater
	resolver  ConflictResolver
	snapshots SnapshotStore
	online    func() bool
	storeID   string
	cfg       EngineConfig
	logger    *slog.Logger

	mu        sync.Mutex
	draining  bool
	drainDone chan struct{}
	state     SyncState
	status    SyncStatus

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncEngine wires the engine. online reports the current connectivity
// state; a nil snapshots store disables snapshot persistence.
func NewSyncEngine(queue QueueStore, remote RemoteStore, cache *LocalCache, updater *OptimisticUpdater,
	resolver ConflictResolver, snapshots SnapshotStore, online func() bool, storeID string, cfg EngineConfig) *SyncEngine {

	cfg.setDefaults()
	if online == nil {
		online = func() bool { return true }
	}
	if resolver == nil {
		resolver = &ReapplyResolver{}
	}
	return &SyncEngine{
		queue:     queue,
		remote:    remote,
		cache:     cache,
		updater:   updater,
		resolver:  resolver,
		snapshots: snapshots,
		online:    online,
		storeID:   storeID,
		cfg:       cfg,
		logger:    cfg.Logger.With(slog.String("component", "engine")),
		status:    SyncIdle,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// State returns the queue-derived sync state.
func (e *SyncEngine) State() SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns the UI status surface.
func (e *SyncEngine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		IsOnline:         e.online(),
		PendingSyncCount: e.state.PendingCount,
		FailedSyncCount:  e.state.FailedCount,
		LastSyncTime:     e.state.LastSyncedAt,
		SyncStatus:       e.status,
	}
}

// Drain replays pending operations strictly FIFO per target while the
// device is online. A second concurrent call is a no-op. Going offline
// mid-drain lets the in-flight call fail naturally and stops the loop
// cleanly, leaving remaining operations Pending.
func (e *SyncEngine) Drain(ctx context.Context) error {
	return e.drain(ctx, false)
}

// ForceDrain drains regardless of the connectivity state, for manual retry.
// If a drain is already running it waits for that drain to finish and then
// performs its own pass, so the caller always observes a terminal outcome.
func (e *SyncEngine) ForceDrain(ctx context.Context) error {
	return e.drain(ctx, true)
}

func (e *SyncEngine) drain(ctx context.Context, force bool) error {
	for {
		e.mu.Lock()
		if !e.draining {
			e.draining = true
			e.drainDone = make(chan struct{})
			e.status = SyncSyncing
			e.mu.Unlock()
			break
		}
		done := e.drainDone
		e.mu.Unlock()
		if !force {
			// The running drain will pick up whatever triggered this one.
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var drainErr error
	defer func() {
		e.mu.Lock()
		e.draining = false
		close(e.drainDone)
		if drainErr != nil || e.state.FailedCount > 0 {
			e.status = SyncError
		} else if e.state.PendingCount > 0 {
			e.status = SyncIdle
		} else {
			e.status = SyncSuccess
		}
		e.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			drainErr = ctx.Err()
			return drainErr
		default:
		}
		if !force && !e.online() {
			return nil
		}

		op, err := e.queue.PeekNext(ctx, e.now())
		if err != nil {
			drainErr = syncErrors.WrapKind(err, syncErrors.OpDrain, "queue", syncErrors.KindPersistence)
			e.logger.Error("queue peek failed", slog.Any("error", drainErr))
			return drainErr
		}
		if op == nil {
			next, ok, err := e.queue.NextEligibleAt(ctx)
			if err != nil {
				drainErr = syncErrors.WrapKind(err, syncErrors.OpDrain, "queue", syncErrors.KindPersistence)
				return drainErr
			}
			if !ok {
				e.recomputeState(ctx)
				return nil
			}
			// Everything pending is waiting out a backoff window.
			if err := e.sleep(ctx, next.Sub(e.now())); err != nil {
				drainErr = err
				return drainErr
			}
			continue
		}

		if err := e.queue.MarkSyncing(ctx, op.ID); err != nil {
			drainErr = syncErrors.WrapKind(err, syncErrors.OpDrain, "queue", syncErrors.KindPersistence)
			return drainErr
		}

		canonical, execErr := e.execute(ctx, op)
		if execErr == nil {
			if err := e.confirm(ctx, op, canonical); err != nil {
				drainErr = err
				return drainErr
			}
			e.recomputeState(ctx)
			continue
		}

		stop := e.handleFailure(ctx, op, execErr)
		e.recomputeState(ctx)
		if stop {
			return nil
		}
	}
}

// execute performs the remote call for one operation under OpTimeout.
func (e *SyncEngine) execute(ctx context.Context, op *QueuedOperation) (entity.Entity, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	switch op.Type {
	case OpCreate:
		record, err := op.Record()
		if err != nil {
			return nil, syncErrors.WrapKind(err, syncErrors.OpRemote, "engine", syncErrors.KindValidation)
		}
		return e.remote.Insert(opCtx, op.Collection, record)
	case OpUpdate:
		patch, err := op.Patch()
		if err != nil {
			return nil, syncErrors.WrapKind(err, syncErrors.OpRemote, "engine", syncErrors.KindValidation)
		}
		return e.remote.Update(opCtx, op.Collection, op.TargetID, patch)
	case OpDelete:
		return nil, e.remote.Delete(opCtx, op.Collection, op.TargetID)
	default:
		return nil, syncErrors.NewValidation(syncErrors.OpRemote, "engine",
			fmt.Errorf("unknown operation type %q", op.Type))
	}
}

// confirm finalizes a succeeded operation: the server-returned canonical
// record replaces the optimistic entry, with any still-queued local deltas
// for the same entity re-applied on top.
func (e *SyncEngine) confirm(ctx context.Context, op *QueuedOperation, canonical entity.Entity) error {
	if err := e.queue.MarkSucceeded(ctx, op.ID); err != nil {
		return syncErrors.WrapKind(err, syncErrors.OpDrain, "queue", syncErrors.KindPersistence)
	}

	switch op.Type {
	case OpCreate:
		if err := e.updater.ConfirmCreate(ctx, op, canonical); err != nil {
			return err
		}
		if err := e.reconcile(ctx, op.Collection, canonical); err != nil {
			return err
		}
	case OpUpdate:
		e.updater.DropSnapshot(op.ID)
		if err := e.reconcile(ctx, op.Collection, canonical); err != nil {
			return err
		}
	case OpDelete:
		e.updater.DropSnapshot(op.ID)
	}

	e.mu.Lock()
	e.state.LastSyncedAt = e.now()
	e.mu.Unlock()

	e.persistSnapshot(ctx, op.Collection)
	return nil
}

// reconcile places canonical into the cache with remaining queued deltas for
// the same entity re-applied on top, preserving the core invariant: cache
// value == last confirmed remote value + queued local operations in order.
func (e *SyncEngine) reconcile(ctx context.Context, c entity.Collection, canonical entity.Entity) error {
	e.cache.writeMu.Lock()
	defer e.cache.writeMu.Unlock()

	pending, err := e.queue.PendingFor(ctx, c, canonical.EntityID())
	if err != nil {
		return syncErrors.WrapKind(err, syncErrors.OpDrain, "queue", syncErrors.KindPersistence)
	}
	res, err := e.resolver.MergeRemote(ctx, canonical, pending)
	if err != nil {
		return err
	}
	if res.Deleted {
		e.cache.Remove(c, canonical.EntityID())
		return nil
	}
	e.cache.Replace(c, canonical.EntityID(), res.Entity)
	return nil
}

// handleFailure classifies a failed remote call and returns true when the
// drain loop must stop.
func (e *SyncEngine) handleFailure(ctx context.Context, op *QueuedOperation, execErr error) bool {
	kind := syncErrors.KindOf(execErr)
	if errors.Is(execErr, context.DeadlineExceeded) {
		kind = syncErrors.KindTransient
	}

	switch kind {
	case syncErrors.KindAuth:
		// Not the operation's fault: put it back untouched and pause the
		// drain until the session is refreshed.
		if err := e.queue.MarkPending(ctx, op.ID); err != nil {
			e.logger.Error("mark pending failed", slog.String("op", op.ID), slog.Any("error", err))
		}
		e.logger.Warn("drain paused, session refresh required", slog.Any("error", execErr))
		return true

	case syncErrors.KindValidation, syncErrors.KindConflict:
		e.failTerminally(ctx, op, execErr)
		if kind == syncErrors.KindConflict {
			e.refetchCanonical(ctx, op)
		}
		return false

	default: // transient, or unclassified errors treated as transient
		attempts := op.AttemptCount + 1
		if attempts >= e.cfg.MaxAttempts {
			e.failTerminally(ctx, op, execErr)
			return false
		}
		retryAt := e.now().Add(e.cfg.Backoff.NextDelay(attempts - 1))
		if err := e.queue.MarkFailed(ctx, op.ID, execErr.Error(), false, retryAt); err != nil {
			e.logger.Error("mark failed errored", slog.String("op", op.ID), slog.Any("error", err))
		}
		e.logger.Warn("transient sync failure, retry scheduled",
			slog.String("op", op.ID),
			slog.Int("attempt", attempts),
			slog.Time("retry_at", retryAt),
			slog.Any("error", execErr))
		return false
	}
}

// failTerminally marks the operation Failed, rolls the optimistic change
// back, and surfaces a user-visible notification exactly once.
func (e *SyncEngine) failTerminally(ctx context.Context, op *QueuedOperation, cause error) {
	if err := e.queue.MarkFailed(ctx, op.ID, cause.Error(), true, time.Time{}); err != nil {
		e.logger.Error("mark failed errored", slog.String("op", op.ID), slog.Any("error", err))
	}
	e.updater.Rollback(op.ID)
	e.logger.Error("operation failed permanently, rolled back",
		slog.String("op", op.ID),
		slog.String("collection", string(op.Collection)),
		slog.String("target", op.TargetID),
		slog.Any("error", cause))
	e.notifyUser(fmt.Sprintf("Sync failed for %s", op.Collection),
		fmt.Sprintf("A local %s could not be saved: %v", op.Type, cause))
	e.persistSnapshot(ctx, op.Collection)
}

// refetchCanonical replaces the local entry with the server's current value
// after a stale-precondition rejection.
func (e *SyncEngine) refetchCanonical(ctx context.Context, op *QueuedOperation) {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	canonical, err := e.remote.Get(opCtx, op.Collection, op.TargetID)
	if err != nil {
		e.logger.Warn("canonical re-fetch failed", slog.String("target", op.TargetID), slog.Any("error", err))
		return
	}
	if canonical == nil {
		e.cache.Remove(op.Collection, op.TargetID)
		return
	}
	if err := e.reconcile(ctx, op.Collection, canonical); err != nil {
		e.logger.Warn("canonical reconcile failed", slog.String("target", op.TargetID), slog.Any("error", err))
	}
}

func (e *SyncEngine) recomputeState(ctx context.Context) {
	pending, failed, total, err := e.queue.Counts(ctx)
	if err != nil {
		e.logger.Error("queue counts failed", slog.Any("error", err))
		return
	}
	e.mu.Lock()
	e.state.PendingCount = pending
	e.state.FailedCount = failed
	e.state.TotalCount = total
	e.mu.Unlock()
}

func (e *SyncEngine) persistSnapshot(ctx context.Context, c entity.Collection) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.SaveSnapshot(ctx, c, e.cache.Get(c)); err != nil {
		e.logger.Error("snapshot persist failed",
			slog.String("collection", string(c)), slog.Any("error", err))
	}
}
