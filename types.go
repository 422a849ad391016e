// Package possync implements an offline-first synchronization engine for
// retail point-of-sale clients. It keeps a local view of business entities
// consistent with an authoritative remote store while the device moves
// between offline and online, queueing local mutations durably and merging
// remote-origin changes pushed over a realtime change feed.
package possync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
)

// OperationType is the kind of write a queued operation performs.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpDelete OperationType = "delete"
)

// OperationStatus is the queue-side state of an operation.
//
// Lifecycle: Pending -> Syncing -> removed on success, back to Pending on a
// transient failure, or terminally Failed once retries are exhausted or the
// remote store rejects the write outright.
type OperationStatus string

const (
	StatusPending OperationStatus = "pending"
	StatusSyncing OperationStatus = "syncing"
	StatusFailed  OperationStatus = "failed"
)

// QueuedOperation is one durable, not-yet-confirmed write. Operations for the
// same TargetID are never reordered relative to each other; operations on
// different entities may interleave freely.
type QueuedOperation struct {
	ID            string            `json:"id"`
	Collection    entity.Collection `json:"collection"`
	Type          OperationType     `json:"type"`
	TargetID      string            `json:"target_id,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	EnqueuedAt    time.Time         `json:"enqueued_at"`
	AttemptCount  int               `json:"attempt_count"`
	LastError     string            `json:"last_error,omitempty"`
	Status        OperationStatus   `json:"status"`
	NextAttemptAt time.Time         `json:"next_attempt_at,omitempty"`
}

// Patch decodes the typed payload of an Update operation.
func (op *QueuedOperation) Patch() (entity.Patch, error) {
	return entity.DecodePatch(op.Collection, op.Payload)
}

// Record decodes the typed payload of a Create operation.
func (op *QueuedOperation) Record() (entity.Entity, error) {
	return entity.Decode(op.Collection, op.Payload)
}

// QueueStore is the durable mutation queue. Implementations must survive
// process restart: operations enqueued while offline are still present after
// a reload.
type QueueStore interface {
	// Enqueue appends op to the log.
	Enqueue(ctx context.Context, op *QueuedOperation) error

	// PeekNext returns the oldest Pending operation that is eligible to run
	// now, or nil if none is. An operation deferred by backoff defers every
	// later operation on the same target as well, so per-target FIFO order
	// is preserved while other entities keep draining.
	PeekNext(ctx context.Context, now time.Time) (*QueuedOperation, error)

	// MarkSyncing transitions the operation to Syncing.
	MarkSyncing(ctx context.Context, opID string) error

	// MarkSucceeded removes the operation from the queue.
	MarkSucceeded(ctx context.Context, opID string) error

	// MarkFailed records a failed attempt. If terminal is false the
	// operation returns to Pending with the given retry time; otherwise its
	// status becomes Failed and it is surfaced, never auto-retried.
	MarkFailed(ctx context.Context, opID string, cause string, terminal bool, retryAt time.Time) error

	// MarkPending returns a Syncing operation to Pending unchanged, used
	// when a drain stops before the in-flight call completed (e.g. the
	// device went offline) or must pause for a session refresh.
	MarkPending(ctx context.Context, opID string) error

	// NextEligibleAt returns the earliest instant at which any Pending
	// operation becomes eligible to run, and false when the queue holds no
	// Pending operations at all. The drain loop uses it to wait out
	// backoff windows.
	NextEligibleAt(ctx context.Context) (time.Time, bool, error)

	// PendingFor returns the still-queued (Pending or Syncing) operations
	// for one target in enqueue order.
	PendingFor(ctx context.Context, c entity.Collection, targetID string) ([]*QueuedOperation, error)

	// RewriteTarget repoints queued operations from a local temporary id to
	// the server-assigned id after a Create is confirmed.
	RewriteTarget(ctx context.Context, c entity.Collection, oldID, newID string) error

	// Counts returns the number of pending (incl. syncing), terminally
	// failed, and total operations in the queue.
	Counts(ctx context.Context) (pending, failed, total int, err error)

	// ListFailed returns terminally failed operations for surfacing.
	ListFailed(ctx context.Context) ([]*QueuedOperation, error)

	// Close releases resources.
	Close() error
}

// SnapshotStore persists the last-known LocalCache contents and change-feed
// cursors per collection, so a restarted client resumes where it left off.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, c entity.Collection, records []entity.Entity) error
	LoadSnapshot(ctx context.Context, c entity.Collection) ([]entity.Entity, error)
	SaveCursor(ctx context.Context, c entity.Collection, cur cursor.Cursor) error
	LoadCursor(ctx context.Context, c entity.Collection) (cursor.Cursor, error)
	Close() error
}

// RemoteStore is the authoritative store, treated as a black box offering
// record CRUD. All calls are implicitly scoped to the tenant the store client
// was constructed for.
type RemoteStore interface {
	Select(ctx context.Context, c entity.Collection, filter map[string]string) ([]entity.Entity, error)
	Get(ctx context.Context, c entity.Collection, id string) (entity.Entity, error)
	Insert(ctx context.Context, c entity.Collection, record entity.Entity) (entity.Entity, error)
	Update(ctx context.Context, c entity.Collection, id string, patch entity.Patch) (entity.Entity, error)
	Delete(ctx context.Context, c entity.Collection, id string) error
	Close() error
}

// ChangeEventType is the kind of remote-origin change.
type ChangeEventType string

const (
	EventInsert ChangeEventType = "insert"
	EventUpdate ChangeEventType = "update"
	EventDelete ChangeEventType = "delete"
)

// ChangeEvent is one remote-origin change delivered over the feed.
type ChangeEvent struct {
	Type       ChangeEventType
	Collection entity.Collection
	New        entity.Entity // present for insert/update
	Old        entity.Entity // present for delete, best effort for update
	Timestamp  time.Time
	Cursor     cursor.Cursor
}

// ChangeFeed delivers remote-origin change events per collection. Subscribe
// returns a typed event channel; the channel is closed when ctx is cancelled
// or the feed shuts down. Events are delivered in order per collection and
// may be re-delivered after a reconnect, so consumers must be idempotent.
type ChangeFeed interface {
	Subscribe(ctx context.Context, c entity.Collection, since cursor.Cursor) (<-chan ChangeEvent, error)
	Close() error
}

// SyncState is derived from the queue on every change, never independently
// mutated.
type SyncState struct {
	LastSyncedAt time.Time `json:"last_synced_at"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	TotalCount   int       `json:"total_count"`
}

// SyncStatus summarizes the engine for the UI.
type SyncStatus string

const (
	SyncIdle    SyncStatus = "idle"
	SyncSyncing SyncStatus = "syncing"
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
)

// Status is the surface exposed to the UI layer.
type Status struct {
	IsOnline         bool       `json:"is_online"`
	PendingSyncCount int        `json:"pending_sync_count"`
	FailedSyncCount  int        `json:"failed_sync_count"`
	LastSyncTime     time.Time  `json:"last_sync_time"`
	SyncStatus       SyncStatus `json:"sync_status"`
}
