package possync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

type engineHarness struct {
	queue   *memQueue
	remote  *fakeRemote
	cache   *LocalCache
	updater *OptimisticUpdater
	snaps   *memSnapshots
	engine  *SyncEngine
	clock   time.Time
}

func newEngineHarness(t *testing.T, cfg EngineConfig) *engineHarness {
	t.Helper()
	h := &engineHarness{
		queue:  newMemQueue(),
		remote: newFakeRemote(),
		cache:  NewLocalCache(),
		snaps:  newMemSnapshots(),
		clock:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	h.updater = NewOptimisticUpdater(h.cache, h.queue, nil)
	h.engine = NewSyncEngine(h.queue, h.remote, h.cache, h.updater, nil, h.snaps,
		func() bool { return true }, "store-1", cfg)

	// Deterministic clock: sleeping advances it, so backoff windows pass
	// instantly.
	h.engine.now = func() time.Time { return h.clock }
	h.engine.sleep = func(ctx context.Context, d time.Duration) error {
		if d > 0 {
			h.clock = h.clock.Add(d)
		}
		return nil
	}
	return h
}

func (h *engineHarness) notifications() []*entity.Notification {
	var out []*entity.Notification
	for _, e := range h.cache.Get(entity.Notifications) {
		out = append(out, e.(*entity.Notification))
	}
	return out
}

func TestDrainConfirmsCreateWithServerID(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	created, err := h.updater.Create(context.Background(), testProduct("", 10, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := h.engine.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d after drain, want 0", n)
	}
	if _, ok := h.cache.Lookup(entity.Products, created.EntityID()); ok {
		t.Error("temporary id still cached after confirmation")
	}
	if _, ok := h.cache.Lookup(entity.Products, "srv-1"); !ok {
		t.Error("server-assigned id missing from cache")
	}
	if st := h.engine.State(); st.PendingCount != 0 || st.LastSyncedAt.IsZero() {
		t.Errorf("state = %+v, want drained with LastSyncedAt set", st)
	}
	if snap, _ := h.snaps.LoadSnapshot(context.Background(), entity.Products); len(snap) != 1 {
		t.Errorf("snapshot holds %d products, want 1", len(snap))
	}
}

func TestDrainReplaysPerTargetInOrder(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-3)}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-2)}); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	calls := h.remote.callLog()
	if len(calls) != 2 {
		t.Fatalf("remote calls = %v, want 2 updates", calls)
	}
	remoteProd, _ := h.remote.Get(ctx, entity.Products, "p1")
	if got := remoteProd.(*entity.Product).Stock.Count; got != 5 {
		t.Errorf("remote stock = %d, want 5 (both deltas applied in order)", got)
	}
	cached, _ := h.cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Stock.Count; got != 5 {
		t.Errorf("cached stock = %d, want 5", got)
	}
}

func TestDrainRetriesTransientThenSucceeds(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 5})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.fail(
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("connection reset")),
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("connection reset")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if calls := h.remote.callLog(); len(calls) != 3 {
		t.Errorf("remote calls = %d, want 3 (two failures then success)", len(calls))
	}
	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if st := h.engine.Status(); st.SyncStatus != SyncSuccess {
		t.Errorf("status = %s, want success", st.SyncStatus)
	}
}

func TestDrainBackoffDefersSameTargetButNotOthers(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 5})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.cache.Upsert(entity.Customers, testCustomer("c1", 1000))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.seed(testCustomer("c1", 1000))
	h.remote.fail(
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("timeout")),
	)

	ctx := context.Background()
	// p1's first update fails once; c1's update must not wait for p1's
	// backoff window.
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.updater.Update(ctx, entity.Customers, "c1", entity.CustomerPatch{BalanceDelta: ptrInt64(-200)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	calls := h.remote.callLog()
	if len(calls) != 3 {
		t.Fatalf("remote calls = %v, want 3", calls)
	}
	// The customer update runs while the product op waits out its backoff.
	if !strings.HasPrefix(calls[1], "update customers") {
		t.Errorf("second call = %q, want the customer update to interleave", calls[1])
	}
	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestDrainExhaustsRetriesAndRollsBack(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 2})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.fail(
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("timeout")),
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("timeout")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-3)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	cached, _ := h.cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Stock.Count; got != 10 {
		t.Errorf("cached stock = %d, want 10 rolled back", got)
	}
	failed, _ := h.queue.ListFailed(ctx)
	if len(failed) != 1 || failed[0].AttemptCount != 2 {
		t.Errorf("failed ops = %+v, want one op with 2 attempts", failed)
	}
	if got := h.notifications(); len(got) != 1 {
		t.Errorf("notifications = %d, want exactly one failure notice", len(got))
	}
	if st := h.engine.Status(); st.SyncStatus != SyncError || st.FailedSyncCount != 1 {
		t.Errorf("status = %+v, want error with one failed op", st)
	}
}

func TestDrainValidationFailsWithoutRetry(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 5})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.fail(
		syncErrors.NewValidation(syncErrors.OpRemote, "transport/http", errors.New("price must be positive")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{Price: ptrInt64(-5)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	if calls := h.remote.callLog(); len(calls) != 1 {
		t.Errorf("remote calls = %d, want 1 (no retry)", len(calls))
	}
	cached, _ := h.cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Price; got != 350 {
		t.Errorf("cached price = %d, want 350 rolled back", got)
	}
}

func TestDrainConflictRefetchesCanonical(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 5})
	h.cache.Upsert(entity.Orders, &entity.Order{ID: "o1", StoreID: "store-1", Status: entity.OrderPending})
	// Another terminal already cancelled the order.
	h.remote.seed(&entity.Order{ID: "o1", StoreID: "store-1", Status: entity.OrderCancelled})
	h.remote.fail(
		syncErrors.NewConflict(syncErrors.OpRemote, "transport/http", errors.New("stale precondition")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Orders, "o1", entity.OrderPatch{Status: ptrStatus(entity.OrderCompleted)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	cached, ok := h.cache.Lookup(entity.Orders, "o1")
	if !ok {
		t.Fatal("order missing after conflict refetch")
	}
	if got := cached.(*entity.Order).Status; got != entity.OrderCancelled {
		t.Errorf("status = %s, want cancelled (server canonical)", got)
	}
	failed, _ := h.queue.ListFailed(ctx)
	if len(failed) != 1 {
		t.Errorf("failed ops = %d, want 1", len(failed))
	}
}

func TestDrainAuthPausesAndKeepsOpPending(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{MaxAttempts: 5})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.cache.Upsert(entity.Customers, testCustomer("c1", 1000))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.seed(testCustomer("c1", 1000))
	h.remote.fail(
		syncErrors.NewAuth(syncErrors.OpRemote, "transport/http", errors.New("token expired")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.updater.Update(ctx, entity.Customers, "c1", entity.CustomerPatch{BalanceDelta: ptrInt64(-200)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	// The drain stops at the auth failure; nothing else is attempted and the
	// failing op returns to Pending untouched.
	if calls := h.remote.callLog(); len(calls) != 1 {
		t.Errorf("remote calls = %d, want 1", len(calls))
	}
	pending, _, _, _ := h.queue.Counts(ctx)
	if pending != 2 {
		t.Errorf("pending = %d, want 2 (nothing dropped, nothing failed)", pending)
	}

	// After the session refresh, a new drain clears the queue.
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d after refresh drain, want 0", n)
	}
}

func TestDrainStopsWhenOffline(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	online := false
	h.engine.online = func() bool { return online }
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if calls := h.remote.callLog(); len(calls) != 0 {
		t.Errorf("remote calls = %d while offline, want 0", len(calls))
	}
	pending, _, _, _ := h.queue.Counts(ctx)
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
}

func TestForceDrainIgnoresConnectivity(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	h.engine.online = func() bool { return false }
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.ForceDrain(ctx); err != nil {
		t.Fatalf("ForceDrain: %v", err)
	}
	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestForceDrainWaitsForActiveDrain(t *testing.T) {
	// A manual sync issued while a drain is already running must not return
	// the running drain's intermediate state; it waits for that drain and
	// then performs its own pass, so the caller sees a terminal outcome.
	h := newEngineHarness(t, EngineConfig{})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.entered = make(chan struct{}, 1)
	h.remote.gate = make(chan struct{})

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-3)}); err != nil {
		t.Fatal(err)
	}

	go h.engine.Drain(ctx)
	<-h.remote.entered // the background drain is mid remote call

	forced := make(chan error, 1)
	go func() { forced <- h.engine.ForceDrain(ctx) }()

	select {
	case <-forced:
		t.Fatal("ForceDrain returned while another drain was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(h.remote.gate) // let the in-flight call finish
	if err := <-forced; err != nil {
		t.Fatalf("ForceDrain: %v", err)
	}
	if n := h.queue.len(); n != 0 {
		t.Errorf("queue length = %d after forced drain, want 0", n)
	}
	if st := h.engine.Status(); st.SyncStatus != SyncSuccess {
		t.Errorf("status = %s, want success", st.SyncStatus)
	}
}

func TestLocalSaleEmitsLowStockNotification(t *testing.T) {
	h := newEngineHarness(t, EngineConfig{})
	h.cache.Upsert(entity.Products, testProduct("p1", 6, 5))
	h.remote.seed(testProduct("p1", 6, 5))

	ctx := context.Background()
	// Selling two units crosses the threshold of 5. The warning is emitted
	// at the optimistic apply, before any sync happens.
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-2)}); err != nil {
		t.Fatal(err)
	}
	got := h.notifications()
	if len(got) != 1 {
		t.Fatalf("notifications = %d, want 1", len(got))
	}
	if !strings.Contains(got[0].Title, "Low stock") {
		t.Errorf("notification title = %q, want low stock warning", got[0].Title)
	}

	// Draining and a later unrelated edit while already below threshold
	// must not re-notify.
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{Price: ptrInt64(400)}); err != nil {
		t.Fatal(err)
	}
	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := h.notifications(); len(got) != 1 {
		t.Errorf("notifications = %d after unrelated edit, want still 1", len(got))
	}
}

func TestDrainPreservesQueuedDeltasOnConfirm(t *testing.T) {
	// While op A is confirmed, op B for the same entity is still queued; the
	// cache must show canonical+B, not canonical alone.
	h := newEngineHarness(t, EngineConfig{})
	h.cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	h.remote.seed(testProduct("p1", 10, 0))
	h.remote.fail(
		nil, // first update succeeds
		syncErrors.NewTransient(syncErrors.OpRemote, "transport/http", errors.New("timeout")),
	)

	ctx := context.Background()
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-3)}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.updater.Update(ctx, entity.Products, "p1", entity.ProductPatch{StockDelta: ptrInt64(-2)}); err != nil {
		t.Fatal(err)
	}

	if err := h.engine.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	// Both eventually confirm (the transient failure retries after backoff).
	cached, _ := h.cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Stock.Count; got != 5 {
		t.Errorf("cached stock = %d, want 5", got)
	}
	remoteProd, _ := h.remote.Get(ctx, entity.Products, "p1")
	if got := remoteProd.(*entity.Product).Stock.Count; got != 5 {
		t.Errorf("remote stock = %d, want 5", got)
	}
}
