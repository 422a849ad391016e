package possync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tillworks/possync/entity"
	syncErrors "github.com/tillworks/possync/errors"
)

func newTestUpdater(t *testing.T) (*OptimisticUpdater, *LocalCache, *memQueue) {
	t.Helper()
	cache := NewLocalCache()
	queue := newMemQueue()
	return NewOptimisticUpdater(cache, queue, nil), cache, queue
}

func TestCreateAssignsLocalIDAndEnqueues(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)

	created, err := updater.Create(context.Background(), testProduct("", 10, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !IsLocalID(created.EntityID()) {
		t.Errorf("id = %q, want local-prefixed temporary id", created.EntityID())
	}
	if _, ok := cache.Lookup(entity.Products, created.EntityID()); !ok {
		t.Error("created entity missing from cache")
	}

	op, err := queue.PeekNext(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("PeekNext: %v", err)
	}
	if op == nil || op.Type != OpCreate || op.TargetID != created.EntityID() {
		t.Errorf("queued op = %+v, want create targeting %s", op, created.EntityID())
	}
}

func TestConcurrentCreatesGetDistinctIDs(t *testing.T) {
	updater, _, _ := newTestUpdater(t)

	a, err := updater.Create(context.Background(), testProduct("", 1, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	b, err := updater.Create(context.Background(), testProduct("", 2, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if a.EntityID() == b.EntityID() {
		t.Errorf("two creates share id %q", a.EntityID())
	}
}

func TestCreateEnqueueFailureUndoesCacheInsert(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)
	queue.enqueueErr = errors.New("disk full")

	_, err := updater.Create(context.Background(), testProduct("", 10, 0))
	if err == nil {
		t.Fatal("expected error")
	}
	if !syncErrors.Is(err, syncErrors.KindPersistence) {
		t.Errorf("error kind = %v, want persistence", syncErrors.KindOf(err))
	}
	if n := cache.Len(entity.Products); n != 0 {
		t.Errorf("cache holds %d products after failed enqueue, want 0", n)
	}
}

func TestUpdateAppliesPatchAndSnapshotsBefore(t *testing.T) {
	updater, cache, _ := newTestUpdater(t)
	cache.Upsert(entity.Products, testProduct("p1", 10, 0))

	after, err := updater.Update(context.Background(), entity.Products, "p1",
		entity.ProductPatch{StockDelta: ptrInt64(-3)})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := after.(*entity.Product).Stock.Count; got != 7 {
		t.Errorf("stock = %d, want 7", got)
	}
	cached, _ := cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Stock.Count; got != 7 {
		t.Errorf("cached stock = %d, want 7", got)
	}
}

func TestUpdateUnknownEntityIsValidation(t *testing.T) {
	updater, _, _ := newTestUpdater(t)

	_, err := updater.Update(context.Background(), entity.Products, "missing",
		entity.ProductPatch{StockDelta: ptrInt64(-1)})
	if !syncErrors.Is(err, syncErrors.KindValidation) {
		t.Errorf("error kind = %v, want validation", syncErrors.KindOf(err))
	}
}

func TestUpdateEnqueueFailureRestoresBefore(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)
	cache.Upsert(entity.Products, testProduct("p1", 10, 0))
	queue.enqueueErr = errors.New("disk full")

	if _, err := updater.Update(context.Background(), entity.Products, "p1",
		entity.ProductPatch{StockDelta: ptrInt64(-3)}); err == nil {
		t.Fatal("expected error")
	}
	cached, _ := cache.Lookup(entity.Products, "p1")
	if got := cached.(*entity.Product).Stock.Count; got != 10 {
		t.Errorf("cached stock = %d, want 10 restored", got)
	}
}

func TestDeleteRemovesAndRollbackRestores(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)
	cache.Upsert(entity.Products, testProduct("p1", 10, 0))

	if err := updater.Delete(context.Background(), entity.Products, "p1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := cache.Lookup(entity.Products, "p1"); ok {
		t.Fatal("entity still cached after optimistic delete")
	}

	op, _ := queue.PeekNext(context.Background(), time.Now())
	updater.Rollback(op.ID)
	restored, ok := cache.Lookup(entity.Products, "p1")
	if !ok {
		t.Fatal("rollback did not restore the entity")
	}
	if got := restored.(*entity.Product).Stock.Count; got != 10 {
		t.Errorf("restored stock = %d, want 10", got)
	}
}

func TestRollbackOfCreateRemovesEntity(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)

	created, err := updater.Create(context.Background(), testProduct("", 10, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	op, _ := queue.PeekNext(context.Background(), time.Now())
	updater.Rollback(op.ID)
	if _, ok := cache.Lookup(entity.Products, created.EntityID()); ok {
		t.Error("rollback of a create should remove the temporary entity")
	}
}

func TestConfirmCreateRemapsLocalID(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)

	created, err := updater.Create(context.Background(), testProduct("", 10, 0))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	localID := created.EntityID()

	// A follow-up edit while the create is still unconfirmed targets the
	// local id.
	if _, err := updater.Update(context.Background(), entity.Products, localID,
		entity.ProductPatch{StockDelta: ptrInt64(-1)}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	createOp, _ := queue.PeekNext(context.Background(), time.Now())
	canonical := created.WithID("srv-1")
	if err := updater.ConfirmCreate(context.Background(), createOp, canonical); err != nil {
		t.Fatalf("ConfirmCreate: %v", err)
	}

	if _, ok := cache.Lookup(entity.Products, localID); ok {
		t.Error("temporary id still present after confirmation")
	}
	if _, ok := cache.Lookup(entity.Products, "srv-1"); !ok {
		t.Error("server id missing after confirmation")
	}
	if got := updater.ResolveID(localID); got != "srv-1" {
		t.Errorf("ResolveID(%s) = %s, want srv-1", localID, got)
	}

	// The queued follow-up update must now target the server id.
	pending, _ := queue.PendingFor(context.Background(), entity.Products, "srv-1")
	if len(pending) != 2 {
		t.Fatalf("pending ops for srv-1 = %d, want 2 (repointed create+update)", len(pending))
	}
}

func TestUpdateThroughRemappedID(t *testing.T) {
	updater, cache, queue := newTestUpdater(t)

	created, _ := updater.Create(context.Background(), testProduct("", 10, 0))
	localID := created.EntityID()
	createOp, _ := queue.PeekNext(context.Background(), time.Now())
	if err := updater.ConfirmCreate(context.Background(), createOp, created.WithID("srv-1")); err != nil {
		t.Fatalf("ConfirmCreate: %v", err)
	}

	// The UI still holds the stale local id; the update resolves it.
	if _, err := updater.Update(context.Background(), entity.Products, localID,
		entity.ProductPatch{StockDelta: ptrInt64(-2)}); err != nil {
		t.Fatalf("Update via stale id: %v", err)
	}
	cached, _ := cache.Lookup(entity.Products, "srv-1")
	if got := cached.(*entity.Product).Stock.Count; got != 8 {
		t.Errorf("stock = %d, want 8", got)
	}
}
