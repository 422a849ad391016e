package possync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

// ChangeFeedListener maintains exactly one feed subscription per collection
// and merges remote-origin events into the LocalCache through the
// ConflictResolver. Event application is idempotent: a redelivered event
// leaves the cache in the same state it produced the first time.
type ChangeFeedListener struct {
	feed      ChangeFeed
	cache     *LocalCache
	queue     QueueStore
	resolver  ConflictResolver
	snapshots SnapshotStore
	storeID   string
	logger    *slog.Logger

	mu      sync.Mutex
	cursors map[entity.Collection]cursor.Cursor
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewChangeFeedListener wires the listener. A nil snapshots store disables
// cursor and snapshot persistence.
func NewChangeFeedListener(feed ChangeFeed, cache *LocalCache, queue QueueStore,
	resolver ConflictResolver, snapshots SnapshotStore, storeID string, logger *slog.Logger) *ChangeFeedListener {

	if resolver == nil {
		resolver = &ReapplyResolver{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeFeedListener{
		feed:      feed,
		cache:     cache,
		queue:     queue,
		resolver:  resolver,
		snapshots: snapshots,
		storeID:   storeID,
		logger:    logger.With(slog.String("component", "feed")),
		cursors:   make(map[entity.Collection]cursor.Cursor),
	}
}

// Start subscribes to every collection and begins consuming events. Each
// collection's events are processed in delivery order; collections are
// independent of each other.
func (l *ChangeFeedListener) Start(ctx context.Context) error {
	l.mu.Lock()
	if l.cancel != nil {
		l.mu.Unlock()
		return syncErrors.New(syncErrors.OpFeed, fmt.Errorf("listener already started"))
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	for _, c := range entity.Collections() {
		since := cursor.Zero
		if l.snapshots != nil {
			cur, err := l.snapshots.LoadCursor(ctx, c)
			if err != nil {
				l.logger.Warn("cursor load failed, resuming from zero",
					slog.String("collection", string(c)), slog.Any("error", err))
			} else {
				since = cur
			}
		}
		l.mu.Lock()
		l.cursors[c] = since
		l.mu.Unlock()

		events, err := l.feed.Subscribe(ctx, c, since)
		if err != nil {
			return syncErrors.Wrap(err, syncErrors.OpFeed, "feed")
		}

		l.wg.Add(1)
		go func(c entity.Collection, events <-chan ChangeEvent) {
			defer l.wg.Done()
			for ev := range events {
				l.apply(ctx, c, ev)
			}
		}(c, events)
	}
	return nil
}

// Stop cancels all subscriptions and waits for in-flight events to finish.
func (l *ChangeFeedListener) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	l.wg.Wait()
}

// Apply merges a single remote event into the cache. Exposed for tests and
// for transports that deliver synchronously.
func (l *ChangeFeedListener) Apply(ctx context.Context, ev ChangeEvent) {
	l.apply(ctx, ev.Collection, ev)
}

func (l *ChangeFeedListener) apply(ctx context.Context, c entity.Collection, ev ChangeEvent) {
	if l.merge(ctx, c, ev) {
		l.advanceCursor(ctx, c, ev.Cursor)
	}
}

// merge applies one event under the cache's write-path lock, so the pending
// lookup and the resulting cache write are one atomic step with respect to
// the optimistic apply and the drain reconcile. It reports whether the event
// was applied; an unapplied event keeps the cursor where it is so a
// redelivery can retry.
func (l *ChangeFeedListener) merge(ctx context.Context, c entity.Collection, ev ChangeEvent) bool {
	l.cache.writeMu.Lock()
	defer l.cache.writeMu.Unlock()

	switch ev.Type {
	case EventInsert, EventUpdate:
		if ev.New == nil {
			l.logger.Warn("feed event without record", slog.String("collection", string(c)))
			return false
		}
		id := ev.New.EntityID()
		before, _ := l.cache.Lookup(c, id)

		pending, err := l.queue.PendingFor(ctx, c, id)
		if err != nil {
			l.logger.Error("pending lookup failed",
				slog.String("collection", string(c)), slog.String("id", id), slog.Any("error", err))
			return false
		}

		res, err := l.resolver.MergeRemote(ctx, ev.New, pending)
		if err != nil {
			l.logger.Error("merge failed",
				slog.String("collection", string(c)), slog.String("id", id), slog.Any("error", err))
			return false
		}
		if res.Deleted {
			l.cache.Remove(c, id)
		} else {
			l.cache.Upsert(c, res.Entity)
			if prod, ok := lowStockCrossed(before, res.Entity); ok {
				lowStockNotification(l.cache, l.storeID, prod, ev.Timestamp)
			}
		}
		return true

	case EventDelete:
		id := ""
		if ev.Old != nil {
			id = ev.Old.EntityID()
		} else if ev.New != nil {
			id = ev.New.EntityID()
		}
		if id == "" {
			l.logger.Warn("feed delete without id", slog.String("collection", string(c)))
			return false
		}
		l.cache.Remove(c, id)
		return true
	}
	return false
}

func (l *ChangeFeedListener) advanceCursor(ctx context.Context, c entity.Collection, cur cursor.Cursor) {
	if cur.IsZero() {
		return
	}
	l.mu.Lock()
	next := l.cursors[c].Advance(cur)
	moved := next.Compare(l.cursors[c]) > 0
	l.cursors[c] = next
	l.mu.Unlock()

	if !moved || l.snapshots == nil {
		return
	}
	if err := l.snapshots.SaveCursor(ctx, c, next); err != nil {
		l.logger.Error("cursor persist failed",
			slog.String("collection", string(c)), slog.Any("error", err))
	}
	if err := l.snapshots.SaveSnapshot(ctx, c, l.cache.Get(c)); err != nil {
		l.logger.Error("snapshot persist failed",
			slog.String("collection", string(c)), slog.Any("error", err))
	}
}
