package push_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/goldenrodger5/nutrivize-edge/idgen"
	"github.com/goldenrodger5/nutrivize-edge/push"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type screen struct {
	mu      sync.Mutex
	shown   []push.Notification
	closed  []string
	showErr error
}

func (s *screen) Show(_ context.Context, n push.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shown = append(s.shown, n)
	return s.showErr
}

func (s *screen) Close(_ context.Context, tag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, tag)
	return nil
}

type windows struct {
	urls    map[string]string // id -> url
	focused []string
	opened  []string
	openErr error
}

func (w *windows) Find(url string) (string, bool) {
	for id, u := range w.urls {
		if u == url {
			return id, true
		}
	}
	return "", false
}

func (w *windows) Focus(_ context.Context, id string) error {
	w.focused = append(w.focused, id)
	return nil
}

func (w *windows) Open(_ context.Context, url string) error {
	if w.openErr != nil {
		return w.openErr
	}
	w.opened = append(w.opened, url)
	return nil
}

func newRelay(s *screen, w *windows) *push.Relay {
	return push.NewRelay(push.Options{
		Notifier: s,
		Windows:  w,
		NewTag:   idgen.Sequence("ntf_"),
		Logger:   quiet,
	})
}

func TestEmptyPayloadOpensRoot(t *testing.T) {
	s, w := &screen{}, &windows{}
	r := newRelay(s, w)
	ctx := context.Background()

	n := r.Receive(ctx, []byte(`{}`))
	if len(s.shown) != 1 {
		t.Fatalf("shown = %d", len(s.shown))
	}
	if n.Title != push.DefaultTitle || n.Body != push.DefaultBody || n.Tag != "ntf_1" {
		t.Fatalf("notification = %+v", n)
	}
	if len(n.Actions) != 2 || n.Actions[1].Action != push.ActionDismiss {
		t.Fatalf("actions = %+v", n.Actions)
	}

	res := r.Click(ctx, push.Click{Tag: n.Tag})
	if res.Outcome != push.OutcomeOpened || res.URL != "/" {
		t.Fatalf("click = %+v", res)
	}
	if len(w.opened) != 1 || w.opened[0] != "/" {
		t.Fatalf("opened = %v", w.opened)
	}
	if len(s.closed) != 1 || s.closed[0] != n.Tag {
		t.Fatalf("closed = %v", s.closed)
	}
}

func TestClickFocusesExistingWindow(t *testing.T) {
	s := &screen{}
	w := &windows{urls: map[string]string{"w1": "/dashboard", "w2": "/diary"}}
	r := newRelay(s, w)
	ctx := context.Background()

	n := r.Receive(ctx, []byte(`{"id":"meal-reminder","url":"/diary"}`))
	res := r.Click(ctx, push.Click{Tag: n.Tag, Action: push.ActionOpen})
	if res.Outcome != push.OutcomeFocused || res.WindowID != "w2" {
		t.Fatalf("click = %+v", res)
	}
	if len(w.opened) != 0 {
		t.Fatalf("opened = %v", w.opened)
	}
}

func TestDismissDoesNotNavigate(t *testing.T) {
	s, w := &screen{}, &windows{}
	r := newRelay(s, w)
	ctx := context.Background()

	n := r.Receive(ctx, []byte(`{"url":"/goals"}`))
	res := r.Click(ctx, push.Click{Tag: n.Tag, Action: push.ActionDismiss})
	if res.Outcome != push.OutcomeDismissed {
		t.Fatalf("click = %+v", res)
	}
	if len(w.opened)+len(w.focused) != 0 {
		t.Fatal("dismiss navigated")
	}
	if len(s.closed) != 1 {
		t.Fatal("dismiss must close the notification")
	}
}

func TestClickUnknownTagUsesClickURL(t *testing.T) {
	w := &windows{}
	r := newRelay(&screen{}, w)
	res := r.Click(context.Background(), push.Click{Tag: "gone", URL: "/reports"})
	if res.Outcome != push.OutcomeOpened || res.URL != "/reports" {
		t.Fatalf("click = %+v", res)
	}
}

func TestFailuresNeverSurface(t *testing.T) {
	s := &screen{showErr: errors.New("permission denied")}
	w := &windows{openErr: errors.New("no windows")}
	r := newRelay(s, w)
	ctx := context.Background()

	n := r.Receive(ctx, []byte(`not json at all`))
	if n.Body != "not json at all" {
		t.Fatalf("body = %q", n.Body)
	}
	res := r.Click(ctx, push.Click{Tag: n.Tag})
	if res.Outcome != push.OutcomeUnhandled {
		t.Fatalf("click = %+v", res)
	}
}

func TestUrgentRequiresInteraction(t *testing.T) {
	r := newRelay(&screen{}, &windows{})
	n := r.Receive(context.Background(), []byte(`{"urgent":true}`))
	if !n.RequireInteraction {
		t.Fatal("urgent payload should require interaction")
	}
}
