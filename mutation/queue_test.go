package mutation_test

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
	"github.com/goldenrodger5/nutrivize-edge/mutation"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB) *mutation.Q {
	t.Helper()
	q := mutation.New(db, mutation.Options{})
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func endpoints(t *testing.T, q *mutation.Q) []string {
	t.Helper()
	ms, err := q.Pending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Endpoint
	}
	return out
}

func TestEnqueue(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	m, err := q.Enqueue(ctx, "/api/logs", "", []byte(`{"kcal":420}`))
	if err != nil {
		t.Fatal(err)
	}
	if m.ID <= 0 {
		t.Fatalf("id = %d, want > 0", m.ID)
	}
	if m.Method != "POST" {
		t.Fatalf("method = %q, want POST default", m.Method)
	}

	pending, _ := q.Pending(ctx)
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	got := pending[0]
	if got.ID != m.ID || got.Endpoint != "/api/logs" || string(got.Payload) != `{"kcal":420}` || got.AttemptCount != 0 {
		t.Fatalf("unexpected record: %+v", got)
	}
	if got.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
}

func TestEnqueueRejectsEmptyEndpoint(t *testing.T) {
	q := newQ(t, openDB(t))
	if _, err := q.Enqueue(context.Background(), "", "PUT", nil); !errors.Is(err, mutation.ErrEmptyEndpoint) {
		t.Fatalf("err = %v, want ErrEmptyEndpoint", err)
	}
}

func TestEnqueueStorageFailure(t *testing.T) {
	// No EnsureTable: the insert fails like an unavailable store would.
	q := mutation.New(openDB(t), mutation.Options{})

	_, err := q.Enqueue(context.Background(), "/api/goals", "PUT", nil)
	var qw *mutation.ErrQueueWrite
	if !errors.As(err, &qw) {
		t.Fatalf("err = %T %v, want *ErrQueueWrite", err, err)
	}
	if qw.Endpoint != "/api/goals" || qw.Unwrap() == nil {
		t.Fatalf("unexpected error fields: %+v", qw)
	}
}

func TestEnqueueIDsMonotonicUnderConcurrency(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	const n = 50
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := q.Enqueue(ctx, "/api/logs", "POST", nil)
			if err != nil {
				t.Errorf("Enqueue: %v", err)
				return
			}
			ids[i] = m.ID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i := 1; i < n; i++ {
		if ids[i] == ids[i-1] {
			t.Fatalf("duplicate id %d", ids[i])
		}
	}

	pending, _ := q.Pending(ctx)
	for i := 1; i < len(pending); i++ {
		if pending[i].ID <= pending[i-1].ID {
			t.Fatal("Pending must return insertion order")
		}
	}
}

func TestIDsNeverReused(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "/a", "POST", nil)
	if err := q.Remove(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	b, _ := q.Enqueue(ctx, "/b", "POST", nil)
	if b.ID <= a.ID {
		t.Fatalf("id %d reused or went backwards after %d", b.ID, a.ID)
	}
}

func TestRecordFailure(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()

	m, _ := q.Enqueue(ctx, "/api/meals", "POST", nil)
	q.RecordFailure(ctx, m.ID, errors.New("status 502"))
	q.RecordFailure(ctx, m.ID, errors.New("connection refused"))

	pending, _ := q.Pending(ctx)
	if pending[0].AttemptCount != 2 {
		t.Fatalf("attempts = %d, want 2", pending[0].AttemptCount)
	}
	if pending[0].LastError != "connection refused" {
		t.Fatalf("last_error = %q", pending[0].LastError)
	}
}

func TestLen(t *testing.T) {
	q := newQ(t, openDB(t))
	ctx := context.Background()
	q.Enqueue(ctx, "/a", "POST", nil)
	q.Enqueue(ctx, "/b", "POST", nil)
	n, err := q.Len(ctx)
	if err != nil || n != 2 {
		t.Fatalf("Len = %d, %v", n, err)
	}
}
