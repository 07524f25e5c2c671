package snapshot_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
	"github.com/goldenrodger5/nutrivize-edge/snapshot"
)

func newStore(t *testing.T) *snapshot.Store {
	t.Helper()
	s := snapshot.New(dbopen.OpenMemory(t), snapshot.Options{})
	ctx := context.Background()
	if err := s.EnsureTables(ctx); err != nil {
		t.Fatal(err)
	}
	for _, n := range []string{"static-v1", "dynamic-v1", "static-v2"} {
		if err := s.Open(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	return s
}

func entry(key string, status int, body string) snapshot.Entry {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("Set-Cookie", "session=secret")
	return snapshot.Entry{Key: key, Status: status, Header: h, Body: []byte(body)}
}

func TestPutAndMatch(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "dynamic-v1", entry("GET /api/foods", 200, `[1]`)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	e, err := s.Match(ctx, "dynamic-v1", "GET /api/foods")
	if err != nil {
		t.Fatal(err)
	}
	if e == nil {
		t.Fatal("expected a hit")
	}
	if e.Status != 200 || string(e.Body) != `[1]` {
		t.Fatalf("got %d %q", e.Status, e.Body)
	}
	if e.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("content-type = %q", e.Header.Get("Content-Type"))
	}
	if e.Header.Get("Set-Cookie") != "" {
		t.Fatal("Set-Cookie must not be persisted")
	}
	if e.StoredAt.IsZero() {
		t.Fatal("stored_at not set")
	}
}

func TestMatchMissIsNotAnError(t *testing.T) {
	s := newStore(t)
	e, err := s.Match(context.Background(), "dynamic-v1", "GET /nothing")
	if err != nil {
		t.Fatalf("miss returned error: %v", err)
	}
	if e != nil {
		t.Fatal("expected nil entry on miss")
	}
}

func TestPutRejectsErrors(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	for _, status := range []int{301, 404, 500, 503} {
		err := s.Put(ctx, "dynamic-v1", entry("GET /api/x", status, "boom"))
		if !errors.Is(err, snapshot.ErrNotCacheable) {
			t.Fatalf("status %d: err = %v, want ErrNotCacheable", status, err)
		}
	}
	n, _ := s.Len(ctx, "dynamic-v1")
	if n != 0 {
		t.Fatalf("len = %d, want 0", n)
	}
}

func TestPutNeverCreatesStores(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	if _, err := s.Drop(ctx, "dynamic-v1"); err != nil {
		t.Fatal(err)
	}
	err := s.Put(ctx, "dynamic-v1", entry("GET /api/foods", 200, `[1]`))
	if !errors.Is(err, snapshot.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
	names, err := s.Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if n == "dynamic-v1" {
			t.Fatalf("dropped store recreated: %v", names)
		}
	}

	// Replace is allowed to create its store.
	if err := s.Replace(ctx, "static-v3", []snapshot.Entry{entry("GET /", 200, "root")}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.Len(ctx, "static-v3"); n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestLastWriteWins(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "dynamic-v1", entry("GET /api/goals", 200, "old"))
	s.Put(ctx, "dynamic-v1", entry("GET /api/goals", 200, "new"))

	e, _ := s.Match(ctx, "dynamic-v1", "GET /api/goals")
	if string(e.Body) != "new" {
		t.Fatalf("body = %q, want new", e.Body)
	}
	n, _ := s.Len(ctx, "dynamic-v1")
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestConcurrentPutsSameKey(t *testing.T) {
	db := dbopen.OpenMemory(t)
	s := snapshot.New(db, snapshot.Options{})
	ctx := context.Background()
	if err := s.EnsureTables(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Open(ctx, "dynamic-v1"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Put(ctx, "dynamic-v1", entry("GET /api/logs", 200, "x")); err != nil {
				t.Errorf("Put: %v", err)
			}
		}()
	}
	wg.Wait()

	n, _ := s.Len(ctx, "dynamic-v1")
	if n != 1 {
		t.Fatalf("len = %d, want 1", n)
	}
}

func TestNamesAndDrop(t *testing.T) {
	clock := time.UnixMilli(1_000)
	s := snapshot.New(dbopen.OpenMemory(t), snapshot.Options{Now: func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}})
	ctx := context.Background()
	if err := s.EnsureTables(ctx); err != nil {
		t.Fatal(err)
	}

	for _, n := range []string{"static-v1", "dynamic-v1", "static-v2"} {
		if err := s.Open(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	s.Put(ctx, "static-v1", entry("GET /", 200, "<html>"))

	names, err := s.Names(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"static-v1", "dynamic-v1", "static-v2"}
	if len(names) != len(want) {
		t.Fatalf("names = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("names = %v, want %v", names, want)
		}
	}

	existed, err := s.Drop(ctx, "static-v1")
	if err != nil || !existed {
		t.Fatalf("Drop = %v, %v", existed, err)
	}
	if e, _ := s.Match(ctx, "static-v1", "GET /"); e != nil {
		t.Fatal("entries must be deleted with their store")
	}
	existed, _ = s.Drop(ctx, "static-v1")
	if existed {
		t.Fatal("second Drop should report false")
	}
}

func TestReplaceIsAllOrNothing(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "static-v2", entry("GET /stale", 200, "stale"))

	err := s.Replace(ctx, "static-v2", []snapshot.Entry{
		entry("GET /", 200, "root"),
		entry("GET /offline.html", 500, "bad"),
	})
	if !errors.Is(err, snapshot.ErrNotCacheable) {
		t.Fatalf("err = %v, want ErrNotCacheable", err)
	}
	if e, _ := s.Match(ctx, "static-v2", "GET /"); e != nil {
		t.Fatal("partial replace must not be visible")
	}
	if e, _ := s.Match(ctx, "static-v2", "GET /stale"); e == nil {
		t.Fatal("failed replace must leave existing entries untouched")
	}

	err = s.Replace(ctx, "static-v2", []snapshot.Entry{
		entry("GET /", 200, "root"),
		entry("GET /offline.html", 200, "offline"),
	})
	if err != nil {
		t.Fatalf("Replace: %v", err)
	}
	n, _ := s.Len(ctx, "static-v2")
	if n != 2 {
		t.Fatalf("len = %d, want 2", n)
	}
}

func TestLookupOrder(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()

	s.Put(ctx, "static-v1", entry("GET /app.js", 200, "static"))
	s.Put(ctx, "dynamic-v1", entry("GET /app.js", 200, "dynamic"))

	e, err := s.Lookup(ctx, "GET /app.js", "", "static-v1", "dynamic-v1")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Body) != "static" {
		t.Fatalf("body = %q, want first store's entry", e.Body)
	}

	e, _ = s.Lookup(ctx, "GET /missing", "static-v1", "dynamic-v1")
	if e != nil {
		t.Fatal("expected miss")
	}
}
