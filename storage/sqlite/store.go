// Package sqlite provides the SQLite implementation of the possync
// QueueStore and SnapshotStore, backing the durable mutation queue and the
// per-collection cache snapshots across process restarts.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	stdSync "sync"
	"time"

	possync "github.com/tillworks/possync"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const (
	opEnqueue  = "sqlite.Enqueue"
	opPeek     = "sqlite.PeekNext"
	opMark     = "sqlite.Mark"
	opPending  = "sqlite.PendingFor"
	opRewrite  = "sqlite.RewriteTarget"
	opCounts   = "sqlite.Counts"
	opSnapshot = "sqlite.Snapshot"
	opCursor   = "sqlite.Cursor"
)

// ErrStoreClosed is returned by every method after Close.
var ErrStoreClosed = errors.New("store is closed")

// ErrOperationNotFound is returned when a Mark* call names an unknown op.
var ErrOperationNotFound = errors.New("queued operation not found")

// Config holds configuration for the SQLite store.
type Config struct {
	// DataSourceName is the SQLite connection string, e.g. "file:pos.db".
	DataSourceName string

	// EnableWAL enables Write-Ahead Logging for better concurrency.
	// Enabled by default through DefaultConfig.
	EnableWAL bool

	// Connection pool settings. Defaults: MaxOpen=10, MaxIdle=2.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (c *Config) setDefaults() {
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 2
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL"
	}
}

// DefaultConfig returns a Config with WAL enabled.
func DefaultConfig(dataSourceName string) *Config {
	return &Config{DataSourceName: dataSourceName, EnableWAL: true}
}

// Store implements possync.QueueStore and possync.SnapshotStore on SQLite.
type Store struct {
	db     *sql.DB
	mu     stdSync.RWMutex
	closed bool
}

var (
	_ possync.QueueStore    = (*Store)(nil)
	_ possync.SnapshotStore = (*Store)(nil)
)

// New opens (and if needed creates) the database.
func New(config *Config) (*Store, error) {
	if config == nil || config.DataSourceName == "" {
		return nil, fmt.Errorf("DataSourceName is required")
	}
	config.setDefaults()

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to sqlite database: %w", err)
	}

	s := &Store{db: db}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("setup schema: %w", err)
	}
	return s, nil
}

func (s *Store) setupSchema() error {
	query := `
    CREATE TABLE IF NOT EXISTS mutation_queue (
        seq             INTEGER PRIMARY KEY AUTOINCREMENT,
        id              TEXT NOT NULL UNIQUE,
        collection      TEXT NOT NULL,
        op_type         TEXT NOT NULL,
        target_id       TEXT NOT NULL DEFAULT '',
        payload         TEXT,
        enqueued_at     TIMESTAMP NOT NULL,
        attempt_count   INTEGER NOT NULL DEFAULT 0,
        last_error      TEXT NOT NULL DEFAULT '',
        status          TEXT NOT NULL,
        next_attempt_at TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_queue_status ON mutation_queue (status);
    CREATE INDEX IF NOT EXISTS idx_queue_target ON mutation_queue (collection, target_id);

    CREATE TABLE IF NOT EXISTS snapshots (
        collection TEXT PRIMARY KEY,
        records    TEXT NOT NULL,
        saved_at   TIMESTAMP NOT NULL
    );

    CREATE TABLE IF NOT EXISTS feed_cursors (
        collection TEXT PRIMARY KEY,
        seq        INTEGER NOT NULL
    );
    `
	_, err := s.db.Exec(query)
	return err
}

func (s *Store) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Enqueue appends the operation to the durable log.
func (s *Store) Enqueue(ctx context.Context, op *possync.QueuedOperation) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `INSERT INTO mutation_queue
        (id, collection, op_type, target_id, payload, enqueued_at, attempt_count, last_error, status, next_attempt_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		op.ID, string(op.Collection), string(op.Type), op.TargetID, string(op.Payload),
		op.EnqueuedAt.UTC(), op.AttemptCount, op.LastError, string(op.Status), nullTime(op.NextAttemptAt))
	return syncErrors.WrapKind(err, opEnqueue, "storage/sqlite", syncErrors.KindPersistence)
}

// PeekNext returns the oldest eligible Pending operation. An operation in a
// backoff window defers every later operation on the same target, keeping
// per-target FIFO order while other entities keep draining.
func (s *Store) PeekNext(ctx context.Context, now time.Time) (*possync.QueuedOperation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
        SELECT id, collection, op_type, target_id, payload, enqueued_at, attempt_count, last_error, status, next_attempt_at
        FROM mutation_queue q
        WHERE q.status = 'pending'
          AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= ?)
          AND NOT EXISTS (
              SELECT 1 FROM mutation_queue p
              WHERE p.collection = q.collection
                AND p.target_id = q.target_id
                AND p.seq < q.seq
                AND p.status IN ('pending', 'syncing')
          )
        ORDER BY q.seq ASC
        LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, now.UTC())
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapKind(err, opPeek, "storage/sqlite", syncErrors.KindPersistence)
	}
	return op, nil
}

// NextEligibleAt returns the earliest instant any Pending operation becomes
// runnable.
func (s *Store) NextEligibleAt(ctx context.Context) (time.Time, bool, error) {
	if err := s.guard(); err != nil {
		return time.Time{}, false, err
	}
	var count int
	var min sql.NullTime
	query := `SELECT COUNT(*), MIN(next_attempt_at) FROM mutation_queue WHERE status = 'pending'`
	if err := s.db.QueryRowContext(ctx, query).Scan(&count, &min); err != nil {
		return time.Time{}, false, syncErrors.WrapKind(err, opPeek, "storage/sqlite", syncErrors.KindPersistence)
	}
	if count == 0 {
		return time.Time{}, false, nil
	}
	if !min.Valid {
		return time.Now(), true, nil
	}
	return min.Time, true, nil
}

// MarkSyncing transitions an operation to Syncing.
func (s *Store) MarkSyncing(ctx context.Context, opID string) error {
	return s.setStatus(ctx, opID, possync.StatusSyncing)
}

// MarkPending returns an operation to Pending unchanged.
func (s *Store) MarkPending(ctx context.Context, opID string) error {
	return s.setStatus(ctx, opID, possync.StatusPending)
}

func (s *Store) setStatus(ctx context.Context, opID string, status possync.OperationStatus) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET status = ? WHERE id = ?`, string(status), opID)
	if err != nil {
		return syncErrors.WrapKind(err, opMark, "storage/sqlite", syncErrors.KindPersistence)
	}
	return checkAffected(res)
}

// MarkSucceeded removes the operation from the queue.
func (s *Store) MarkSucceeded(ctx context.Context, opID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM mutation_queue WHERE id = ?`, opID)
	if err != nil {
		return syncErrors.WrapKind(err, opMark, "storage/sqlite", syncErrors.KindPersistence)
	}
	return checkAffected(res)
}

// MarkFailed records a failed attempt. Non-terminal failures return to
// Pending with a retry time; terminal failures keep the entry with status
// Failed for surfacing.
func (s *Store) MarkFailed(ctx context.Context, opID string, cause string, terminal bool, retryAt time.Time) error {
	if err := s.guard(); err != nil {
		return err
	}
	status := possync.StatusPending
	if terminal {
		status = possync.StatusFailed
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue
         SET status = ?, attempt_count = attempt_count + 1, last_error = ?, next_attempt_at = ?
         WHERE id = ?`,
		string(status), cause, nullTime(retryAt), opID)
	if err != nil {
		return syncErrors.WrapKind(err, opMark, "storage/sqlite", syncErrors.KindPersistence)
	}
	return checkAffected(res)
}

// PendingFor returns the still-queued operations for one target in enqueue
// order.
func (s *Store) PendingFor(ctx context.Context, c entity.Collection, targetID string) ([]*possync.QueuedOperation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
        SELECT id, collection, op_type, target_id, payload, enqueued_at, attempt_count, last_error, status, next_attempt_at
        FROM mutation_queue
        WHERE collection = ? AND target_id = ? AND status IN ('pending', 'syncing')
        ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query, string(c), targetID)
	if err != nil {
		return nil, syncErrors.WrapKind(err, opPending, "storage/sqlite", syncErrors.KindPersistence)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// RewriteTarget repoints queued operations from a confirmed create's local
// id to the server-assigned id.
func (s *Store) RewriteTarget(ctx context.Context, c entity.Collection, oldID, newID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE mutation_queue SET target_id = ? WHERE collection = ? AND target_id = ?`,
		newID, string(c), oldID)
	return syncErrors.WrapKind(err, opRewrite, "storage/sqlite", syncErrors.KindPersistence)
}

// Counts returns pending (incl. syncing), terminally failed, and total
// operation counts.
func (s *Store) Counts(ctx context.Context) (pending, failed, total int, err error) {
	if err := s.guard(); err != nil {
		return 0, 0, 0, err
	}
	query := `
        SELECT
            COALESCE(SUM(CASE WHEN status IN ('pending', 'syncing') THEN 1 ELSE 0 END), 0),
            COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
            COUNT(*)
        FROM mutation_queue`
	if err := s.db.QueryRowContext(ctx, query).Scan(&pending, &failed, &total); err != nil {
		return 0, 0, 0, syncErrors.WrapKind(err, opCounts, "storage/sqlite", syncErrors.KindPersistence)
	}
	return pending, failed, total, nil
}

// ListFailed returns terminally failed operations in enqueue order.
func (s *Store) ListFailed(ctx context.Context) ([]*possync.QueuedOperation, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
        SELECT id, collection, op_type, target_id, payload, enqueued_at, attempt_count, last_error, status, next_attempt_at
        FROM mutation_queue
        WHERE status = 'failed'
        ORDER BY seq ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, syncErrors.WrapKind(err, opCounts, "storage/sqlite", syncErrors.KindPersistence)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*possync.QueuedOperation, error) {
	var op possync.QueuedOperation
	var collection, opType, status, payload string
	var next sql.NullTime
	if err := row.Scan(&op.ID, &collection, &opType, &op.TargetID, &payload,
		&op.EnqueuedAt, &op.AttemptCount, &op.LastError, &status, &next); err != nil {
		return nil, err
	}
	op.Collection = entity.Collection(collection)
	op.Type = possync.OperationType(opType)
	op.Status = possync.OperationStatus(status)
	op.Payload = []byte(payload)
	if next.Valid {
		op.NextAttemptAt = next.Time
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]*possync.QueuedOperation, error) {
	var ops []*possync.QueuedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue rows: %w", err)
	}
	return ops, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return syncErrors.WrapKind(err, opMark, "storage/sqlite", syncErrors.KindPersistence)
	}
	if n == 0 {
		return ErrOperationNotFound
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
