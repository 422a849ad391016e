package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// SaveSnapshot replaces the persisted cache image for one collection.
func (s *Store) SaveSnapshot(ctx context.Context, c entity.Collection, records []entity.Entity) error {
	if err := s.guard(); err != nil {
		return err
	}
	raw := make([]json.RawMessage, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return syncErrors.WrapKind(err, opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
		}
		raw = append(raw, data)
	}
	blob, err := json.Marshal(raw)
	if err != nil {
		return syncErrors.WrapKind(err, opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO snapshots (collection, records, saved_at) VALUES (?, ?, ?)
        ON CONFLICT (collection) DO UPDATE SET records = excluded.records, saved_at = excluded.saved_at`,
		string(c), string(blob), time.Now().UTC())
	return syncErrors.WrapKind(err, opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
}

// LoadSnapshot returns the last persisted cache image for one collection, or
// an empty slice when none was saved.
func (s *Store) LoadSnapshot(ctx context.Context, c entity.Collection) ([]entity.Entity, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT records FROM snapshots WHERE collection = ?`, string(c)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, syncErrors.WrapKind(err, opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(blob), &raw); err != nil {
		return nil, syncErrors.WrapKind(fmt.Errorf("decode snapshot for %s: %w", c, err),
			opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
	}
	records := make([]entity.Entity, 0, len(raw))
	for _, data := range raw {
		rec, err := entity.Decode(c, data)
		if err != nil {
			return nil, syncErrors.WrapKind(err, opSnapshot, "storage/sqlite", syncErrors.KindPersistence)
		}
		records = append(records, rec)
	}
	return records, nil
}

// SaveCursor persists the feed resume position for one collection.
func (s *Store) SaveCursor(ctx context.Context, c entity.Collection, cur cursor.Cursor) error {
	if err := s.guard(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO feed_cursors (collection, seq) VALUES (?, ?)
        ON CONFLICT (collection) DO UPDATE SET seq = excluded.seq`,
		string(c), cur.Seq)
	return syncErrors.WrapKind(err, opCursor, "storage/sqlite", syncErrors.KindPersistence)
}

// LoadCursor returns the persisted resume position, or the zero cursor when
// none was saved.
func (s *Store) LoadCursor(ctx context.Context, c entity.Collection) (cursor.Cursor, error) {
	if err := s.guard(); err != nil {
		return cursor.Zero, err
	}
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM feed_cursors WHERE collection = ?`, string(c)).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return cursor.Zero, nil
	}
	if err != nil {
		return cursor.Zero, syncErrors.WrapKind(err, opCursor, "storage/sqlite", syncErrors.KindPersistence)
	}
	return cursor.New(seq), nil
}
