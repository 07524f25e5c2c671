package lifecycle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/goldenrodger5/nutrivize-edge/dbopen"
	"github.com/goldenrodger5/nutrivize-edge/lifecycle"
	"github.com/goldenrodger5/nutrivize-edge/snapshot"
	"github.com/goldenrodger5/nutrivize-edge/strategy"
	"github.com/goldenrodger5/nutrivize-edge/upstream"
)

var manifest = []string{"/", "/offline.html", "/manifest.json", "/icons/192.png"}

type shell struct {
	mu     sync.Mutex
	broken map[string]int // url -> status, 0 = transport error
}

func (s *shell) fetch(_ context.Context, req *upstream.Request) (*upstream.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.broken[req.URL]; ok {
		if status == 0 {
			return nil, &upstream.ErrNetwork{Method: req.Method, URL: req.URL, Cause: errors.New("refused")}
		}
		return &upstream.Response{Status: status}, nil
	}
	return &upstream.Response{
		Status: 200,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("shell " + req.URL),
	}, nil
}

type claims struct {
	mu       sync.Mutex
	versions []string
}

func (c *claims) Claim(_ context.Context, version string) error {
	c.mu.Lock()
	c.versions = append(c.versions, version)
	c.mu.Unlock()
	return nil
}

func setup(t *testing.T, sh *shell, cl lifecycle.Claimer) (*lifecycle.Controller, *snapshot.Store) {
	t.Helper()
	store := snapshot.New(dbopen.OpenMemory(t), snapshot.Options{})
	if err := store.EnsureTables(context.Background()); err != nil {
		t.Fatal(err)
	}
	c := lifecycle.New(lifecycle.Options{Store: store, Fetch: sh.fetch, Claimer: cl})
	return c, store
}

func storeNames(t *testing.T, s *snapshot.Store) []string {
	t.Helper()
	names, err := s.Names(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(names)
	return names
}

func TestInstallActivate(t *testing.T) {
	cl := &claims{}
	c, store := setup(t, &shell{}, cl)
	ctx := context.Background()

	if c.State() != lifecycle.StateNone || c.StaticStore() != "" {
		t.Fatalf("fresh controller: %s %q", c.State(), c.StaticStore())
	}
	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if c.State() != lifecycle.StateWaiting {
		t.Fatalf("state after install = %s", c.State())
	}
	if n, _ := store.Len(ctx, "static-v1"); n != len(manifest) {
		t.Fatalf("static entries = %d", n)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if c.State() != lifecycle.StateActive || c.Current() != "1" {
		t.Fatalf("status = %+v", c.Status())
	}
	if c.StaticStore() != "static-v1" || c.DynamicStore() != "dynamic-v1" {
		t.Fatalf("stores = %q %q", c.StaticStore(), c.DynamicStore())
	}
	if len(cl.versions) != 1 || cl.versions[0] != "1" {
		t.Fatalf("claims = %v", cl.versions)
	}

	e, err := store.Match(ctx, "static-v1", snapshot.Key("GET", "/offline.html", nil))
	if err != nil || e == nil {
		t.Fatalf("offline document not precached: %v", err)
	}
}

func TestVersionBumpPurgesPreviousGeneration(t *testing.T) {
	c, store := setup(t, &shell{}, nil)
	ctx := context.Background()

	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(ctx, "dynamic-v1", snapshot.Entry{Key: "GET /api/foods", Status: 200}); err != nil {
		t.Fatal(err)
	}

	if err := c.Install(ctx, "2", manifest); err != nil {
		t.Fatal(err)
	}
	// Deletion never runs during install.
	if got := storeNames(t, store); len(got) != 4 {
		t.Fatalf("after install v2: %v", got)
	}
	// Reads keep using v1 until activation.
	if c.DynamicStore() != "dynamic-v1" {
		t.Fatalf("dynamic = %q", c.DynamicStore())
	}

	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	got := storeNames(t, store)
	want := []string{"dynamic-v2", "static-v2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stores = %v, want %v", got, want)
	}
}

func TestActivatePurgesForeignStores(t *testing.T) {
	c, store := setup(t, &shell{}, nil)
	ctx := context.Background()
	if err := store.Open(ctx, "legacy-cache"); err != nil {
		t.Fatal(err)
	}
	if err := c.Install(ctx, "3", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := storeNames(t, store); len(got) != 2 {
		t.Fatalf("stores = %v", got)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	for name, status := range map[string]int{"transport": 0, "http-404": 404} {
		t.Run(name, func(t *testing.T) {
			sh := &shell{broken: map[string]int{"/icons/192.png": status}}
			c, store := setup(t, sh, nil)
			ctx := context.Background()

			err := c.Install(ctx, "1", manifest)
			var pe *lifecycle.ErrPrecache
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v", err)
			}
			if pe.URL != "/icons/192.png" {
				t.Fatalf("url = %q", pe.URL)
			}
			if got := storeNames(t, store); len(got) != 0 {
				t.Fatalf("partial generation left behind: %v", got)
			}
			if c.State() != lifecycle.StateRedundant {
				t.Fatalf("state = %s", c.State())
			}
			if !errors.Is(c.Activate(ctx), lifecycle.ErrNothingPending) {
				t.Fatal("failed install must not be activatable")
			}
		})
	}
}

func TestFailedUpgradeKeepsCurrent(t *testing.T) {
	sh := &shell{}
	c, store := setup(t, sh, nil)
	ctx := context.Background()
	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	sh.mu.Lock()
	sh.broken = map[string]int{"/manifest.json": 500}
	sh.mu.Unlock()
	if err := c.Install(ctx, "2", manifest); err == nil {
		t.Fatal("expected precache failure")
	}
	if c.Current() != "1" || c.State() != lifecycle.StateActive {
		t.Fatalf("status = %+v", c.Status())
	}
	if got := storeNames(t, store); len(got) != 2 {
		t.Fatalf("stores = %v", got)
	}
}

func TestActivateWithoutInstall(t *testing.T) {
	c, _ := setup(t, &shell{}, nil)
	if !errors.Is(c.Activate(context.Background()), lifecycle.ErrNothingPending) {
		t.Fatal("expected ErrNothingPending")
	}
}

func TestResume(t *testing.T) {
	c, store := setup(t, &shell{}, nil)
	ctx := context.Background()

	ok, err := c.Resume(ctx, "1")
	if err != nil || ok {
		t.Fatalf("resume on empty db = %v %v", ok, err)
	}
	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}

	restarted := lifecycle.New(lifecycle.Options{Store: store, Fetch: (&shell{}).fetch})
	ok, err = restarted.Resume(ctx, "1")
	if err != nil || !ok {
		t.Fatalf("resume = %v %v", ok, err)
	}
	if restarted.DynamicStore() != "dynamic-v1" || restarted.State() != lifecycle.StateActive {
		t.Fatalf("status = %+v", restarted.Status())
	}
}

func TestResumePurgesUnfinishedTransition(t *testing.T) {
	c, store := setup(t, &shell{}, nil)
	ctx := context.Background()
	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	// The process dies between install and activate of v2.
	if err := c.Install(ctx, "2", manifest); err != nil {
		t.Fatal(err)
	}

	restarted := lifecycle.New(lifecycle.Options{Store: store, Fetch: (&shell{}).fetch})
	ok, err := restarted.Resume(ctx, "2")
	if err != nil || !ok {
		t.Fatalf("resume = %v %v", ok, err)
	}
	got := storeNames(t, store)
	want := []string{"dynamic-v2", "static-v2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stores = %v, want %v", got, want)
	}
	if restarted.Current() != "2" {
		t.Fatalf("current = %q", restarted.Current())
	}
}

// pausingGenerations holds the first DynamicStore caller after it has
// resolved the store name, until proceed is closed.
type pausingGenerations struct {
	*lifecycle.Controller
	once     sync.Once
	resolved chan struct{}
	proceed  chan struct{}
}

func (g *pausingGenerations) DynamicStore() string {
	name := g.Controller.DynamicStore()
	g.once.Do(func() {
		close(g.resolved)
		<-g.proceed
	})
	return name
}

func TestReadAcrossActivationDoesNotRecreateStores(t *testing.T) {
	sh := &shell{}
	c, store := setup(t, sh, nil)
	ctx := context.Background()
	if err := c.Install(ctx, "1", manifest); err != nil {
		t.Fatal(err)
	}
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Install(ctx, "2", manifest); err != nil {
		t.Fatal(err)
	}

	gens := &pausingGenerations{Controller: c, resolved: make(chan struct{}), proceed: make(chan struct{})}
	h, err := strategy.NewHandlers(strategy.Options{Store: store, Fetch: sh.fetch, Generations: gens})
	if err != nil {
		t.Fatal(err)
	}

	type served struct {
		res *strategy.Result
		err error
	}
	done := make(chan served, 1)
	go func() {
		res, err := h.Serve(ctx, strategy.NetworkFirst, httptest.NewRequest("GET", "/api/x", nil))
		done <- served{res, err}
	}()

	// The read has picked dynamic-v1 as its target; activation drops it now.
	<-gens.resolved
	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	close(gens.proceed)

	out := <-done
	if out.err != nil || out.res.Source != strategy.SourceNetwork {
		t.Fatalf("read = %+v, %v", out.res, out.err)
	}
	got := storeNames(t, store)
	want := []string{"dynamic-v2", "static-v2"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("stores = %v, want %v", got, want)
	}
}

func TestEmptyVersion(t *testing.T) {
	c, _ := setup(t, &shell{}, nil)
	if !errors.Is(c.Install(context.Background(), "", manifest), lifecycle.ErrEmptyVersion) {
		t.Fatal("expected ErrEmptyVersion")
	}
}
