package possync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tillworks/possync/cursor"
	"github.com/tillworks/possync/entity"
)

// memQueue is an in-memory QueueStore with the same eligibility semantics as
// the storage drivers, used to exercise the engine without a database.
type memQueue struct {
	mu         sync.Mutex
	ops        []*QueuedOperation
	enqueueErr error
}

var _ QueueStore = (*memQueue)(nil)

func newMemQueue() *memQueue { return &memQueue{} }

func (q *memQueue) Enqueue(ctx context.Context, op *QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	cp := *op
	q.ops = append(q.ops, &cp)
	return nil
}

func (q *memQueue) PeekNext(ctx context.Context, now time.Time) (*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	blocked := map[string]bool{}
	for _, op := range q.ops {
		if op.Status != StatusPending && op.Status != StatusSyncing {
			continue
		}
		key := string(op.Collection) + "/" + op.TargetID
		if blocked[key] {
			continue
		}
		if op.Status == StatusSyncing || (!op.NextAttemptAt.IsZero() && op.NextAttemptAt.After(now)) {
			blocked[key] = true
			continue
		}
		cp := *op
		return &cp, nil
	}
	return nil, nil
}

func (q *memQueue) NextEligibleAt(ctx context.Context) (time.Time, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	found := false
	for _, op := range q.ops {
		if op.Status != StatusPending {
			continue
		}
		at := op.NextAttemptAt
		if !found || at.Before(earliest) {
			earliest = at
			found = true
		}
	}
	if !found {
		return time.Time{}, false, nil
	}
	if earliest.IsZero() {
		earliest = time.Now()
	}
	return earliest, true, nil
}

func (q *memQueue) find(opID string) *QueuedOperation {
	for _, op := range q.ops {
		if op.ID == opID {
			return op
		}
	}
	return nil
}

func (q *memQueue) MarkSyncing(ctx context.Context, opID string) error {
	return q.setStatus(opID, StatusSyncing)
}

func (q *memQueue) MarkPending(ctx context.Context, opID string) error {
	return q.setStatus(opID, StatusPending)
}

func (q *memQueue) setStatus(opID string, status OperationStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op := q.find(opID)
	if op == nil {
		return fmt.Errorf("operation %s not found", opID)
	}
	op.Status = status
	return nil
}

func (q *memQueue) MarkSucceeded(ctx context.Context, opID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, op := range q.ops {
		if op.ID == opID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("operation %s not found", opID)
}

func (q *memQueue) MarkFailed(ctx context.Context, opID string, cause string, terminal bool, retryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	op := q.find(opID)
	if op == nil {
		return fmt.Errorf("operation %s not found", opID)
	}
	op.AttemptCount++
	op.LastError = cause
	op.NextAttemptAt = retryAt
	if terminal {
		op.Status = StatusFailed
	} else {
		op.Status = StatusPending
	}
	return nil
}

func (q *memQueue) PendingFor(ctx context.Context, c entity.Collection, targetID string) ([]*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedOperation
	for _, op := range q.ops {
		if op.Collection == c && op.TargetID == targetID &&
			(op.Status == StatusPending || op.Status == StatusSyncing) {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) RewriteTarget(ctx context.Context, c entity.Collection, oldID, newID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		if op.Collection == c && op.TargetID == oldID {
			op.TargetID = newID
		}
	}
	return nil
}

func (q *memQueue) Counts(ctx context.Context) (pending, failed, total int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.ops {
		total++
		switch op.Status {
		case StatusPending, StatusSyncing:
			pending++
		case StatusFailed:
			failed++
		}
	}
	return pending, failed, total, nil
}

func (q *memQueue) ListFailed(ctx context.Context) ([]*QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*QueuedOperation
	for _, op := range q.ops {
		if op.Status == StatusFailed {
			cp := *op
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (q *memQueue) Close() error { return nil }

func (q *memQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// fakeRemote is a scriptable RemoteStore. Each mutating call consumes the
// next scripted error, if any; a nil entry means the call succeeds.
type fakeRemote struct {
	mu       sync.Mutex
	records  map[entity.Collection]map[string]entity.Entity
	nextID   int
	failures []error
	calls    []string

	// entered, when set, receives a token as each mutating call begins;
	// gate, when set, holds the call until released. Used to pin a drain
	// mid-flight.
	entered chan struct{}
	gate    chan struct{}
}

var _ RemoteStore = (*fakeRemote)(nil)

func newFakeRemote() *fakeRemote {
	records := make(map[entity.Collection]map[string]entity.Entity)
	for _, c := range entity.Collections() {
		records[c] = make(map[string]entity.Entity)
	}
	return &fakeRemote{records: records}
}

// fail scripts errors for upcoming mutating calls, consumed in order.
func (r *fakeRemote) fail(errs ...error) {
	r.mu.Lock()
	r.failures = append(r.failures, errs...)
	r.mu.Unlock()
}

func (r *fakeRemote) nextFailure() error {
	if len(r.failures) == 0 {
		return nil
	}
	err := r.failures[0]
	r.failures = r.failures[1:]
	return err
}

// seed places a record directly into the remote without recording a call.
func (r *fakeRemote) seed(e entity.Entity) {
	r.mu.Lock()
	r.records[e.EntityCollection()][e.EntityID()] = e
	r.mu.Unlock()
}

func (r *fakeRemote) checkpoint() {
	r.mu.Lock()
	entered, gate := r.entered, r.gate
	r.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
}

func (r *fakeRemote) Select(ctx context.Context, c entity.Collection, filter map[string]string) ([]entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.Entity
	for _, e := range r.records[c] {
		out = append(out, e)
	}
	return out, nil
}

func (r *fakeRemote) Get(ctx context.Context, c entity.Collection, id string) (entity.Entity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.records[c][id]
	if !ok {
		return nil, fmt.Errorf("remote: no %s record %s", c, id)
	}
	return e.Clone(), nil
}

func (r *fakeRemote) Insert(ctx context.Context, c entity.Collection, record entity.Entity) (entity.Entity, error) {
	r.checkpoint()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "insert "+string(c))
	if err := r.nextFailure(); err != nil {
		return nil, err
	}
	r.nextID++
	stored := record.WithID(fmt.Sprintf("srv-%d", r.nextID))
	r.records[c][stored.EntityID()] = stored
	return stored.Clone(), nil
}

func (r *fakeRemote) Update(ctx context.Context, c entity.Collection, id string, patch entity.Patch) (entity.Entity, error) {
	r.checkpoint()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "update "+string(c)+"/"+id)
	if err := r.nextFailure(); err != nil {
		return nil, err
	}
	current, ok := r.records[c][id]
	if !ok {
		return nil, fmt.Errorf("remote: no %s record %s", c, id)
	}
	updated, err := patch.ApplyTo(current)
	if err != nil {
		return nil, err
	}
	r.records[c][id] = updated
	return updated.Clone(), nil
}

func (r *fakeRemote) Delete(ctx context.Context, c entity.Collection, id string) error {
	r.checkpoint()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "delete "+string(c)+"/"+id)
	if err := r.nextFailure(); err != nil {
		return err
	}
	delete(r.records[c], id)
	return nil
}

func (r *fakeRemote) Close() error { return nil }

func (r *fakeRemote) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// memSnapshots is an in-memory SnapshotStore.
type memSnapshots struct {
	mu      sync.Mutex
	records map[entity.Collection][]entity.Entity
	cursors map[entity.Collection]cursor.Cursor
}

var _ SnapshotStore = (*memSnapshots)(nil)

func newMemSnapshots() *memSnapshots {
	return &memSnapshots{
		records: make(map[entity.Collection][]entity.Entity),
		cursors: make(map[entity.Collection]cursor.Cursor),
	}
}

func (s *memSnapshots) SaveSnapshot(ctx context.Context, c entity.Collection, records []entity.Entity) error {
	s.mu.Lock()
	s.records[c] = append([]entity.Entity(nil), records...)
	s.mu.Unlock()
	return nil
}

func (s *memSnapshots) LoadSnapshot(ctx context.Context, c entity.Collection) ([]entity.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entity.Entity(nil), s.records[c]...), nil
}

func (s *memSnapshots) SaveCursor(ctx context.Context, c entity.Collection, cur cursor.Cursor) error {
	s.mu.Lock()
	s.cursors[c] = cur
	s.mu.Unlock()
	return nil
}

func (s *memSnapshots) LoadCursor(ctx context.Context, c entity.Collection) (cursor.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[c], nil
}

func (s *memSnapshots) Close() error { return nil }

func testProduct(id string, stock int64, threshold int64) *entity.Product {
	return &entity.Product{
		ID:                id,
		StoreID:           "store-1",
		Name:              "Beans 500g",
		Price:             350,
		Stock:             entity.StockOf(stock),
		LowStockThreshold: threshold,
	}
}

func testCustomer(id string, balance int64) *entity.Customer {
	return &entity.Customer{
		ID:      id,
		StoreID: "store-1",
		Name:    "Ada",
		Balance: balance,
	}
}

func ptrInt64(n int64) *int64 { return &n }

func ptrStr(s string) *string { return &s }

func ptrStatus(s entity.OrderStatus) *entity.OrderStatus { return &s }
