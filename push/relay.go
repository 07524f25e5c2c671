package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/goldenrodger5/nutrivize-edge/idgen"
)

// Action identifiers offered on every notification.
const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)

// Action is a notification button.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is what gets displayed. Tag correlates a later click.
type Notification struct {
	Tag                string   `json:"tag"`
	Title              string   `json:"title"`
	Body               string   `json:"body"`
	Icon               string   `json:"icon,omitempty"`
	Badge              string   `json:"badge,omitempty"`
	URL                string   `json:"url"`
	RequireInteraction bool     `json:"require_interaction"`
	Actions            []Action `json:"actions"`
}

// Notifier displays and closes notifications.
type Notifier interface {
	Show(ctx context.Context, n Notification) error
	Close(ctx context.Context, tag string) error
}

// Windows gives access to open application windows.
type Windows interface {
	// Find returns the id of a window currently showing url.
	Find(url string) (string, bool)
	Focus(ctx context.Context, id string) error
	Open(ctx context.Context, url string) error
}

// Click is a notification interaction.
type Click struct {
	Tag    string `json:"tag"`
	Action string `json:"action,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Outcome of a click.
type Outcome string

const (
	OutcomeDismissed Outcome = "dismissed"
	OutcomeFocused   Outcome = "focused"
	OutcomeOpened    Outcome = "opened"
	OutcomeUnhandled Outcome = "unhandled"
)

// ClickResult reports what a click did.
type ClickResult struct {
	Outcome  Outcome `json:"outcome"`
	URL      string  `json:"url,omitempty"`
	WindowID string  `json:"window_id,omitempty"`
}

// Options configures a Relay.
type Options struct {
	Notifier Notifier
	Windows  Windows
	// NewTag mints tags for payloads without an id. Default: "ntf_" + UUIDv7.
	NewTag idgen.Generator
	Icon   string
	Badge  string
	// MaxTracked bounds how many displayed notifications are remembered
	// for click correlation. Default: 256.
	MaxTracked int
	Logger     *slog.Logger
}

func (o *Options) defaults() {
	if o.NewTag == nil {
		o.NewTag = idgen.Prefixed("ntf_", idgen.UUIDv7())
	}
	if o.Icon == "" {
		o.Icon = "/icons/icon-192.png"
	}
	if o.Badge == "" {
		o.Badge = "/icons/badge-72.png"
	}
	if o.MaxTracked <= 0 {
		o.MaxTracked = 256
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Relay handles push receipt and notification clicks.
type Relay struct {
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	shown map[string]Notification
	order []string
}

// NewRelay creates a Relay.
func NewRelay(opts Options) *Relay {
	opts.defaults()
	return &Relay{opts: opts, logger: opts.Logger, shown: make(map[string]Notification)}
}

// Receive parses raw, displays the resulting notification and returns it.
func (r *Relay) Receive(ctx context.Context, raw []byte) Notification {
	p := Parse(raw)
	n := r.notification(p)

	r.track(n)
	if r.opts.Notifier == nil {
		r.logger.WarnContext(ctx, "push: no notifier, notification not displayed", "tag", n.Tag)
		return n
	}
	if err := r.opts.Notifier.Show(ctx, n); err != nil {
		r.logger.WarnContext(ctx, "push: display failed", "tag", n.Tag, "error", err)
	}
	return n
}

func (r *Relay) notification(p Payload) Notification {
	tag := p.ID
	if tag == "" {
		tag = r.opts.NewTag()
	}
	return Notification{
		Tag:                tag,
		Title:              p.Title,
		Body:               p.Body,
		Icon:               r.opts.Icon,
		Badge:              r.opts.Badge,
		URL:                p.URL,
		RequireInteraction: p.Urgent,
		Actions: []Action{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
	}
}

func (r *Relay) track(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.shown[n.Tag]; !ok {
		r.order = append(r.order, n.Tag)
	}
	r.shown[n.Tag] = n
	for len(r.order) > r.opts.MaxTracked {
		delete(r.shown, r.order[0])
		r.order = r.order[1:]
	}
}

func (r *Relay) untrack(tag string) (Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.shown[tag]
	if !ok {
		return Notification{}, false
	}
	delete(r.shown, tag)
	for i, t := range r.order {
		if t == tag {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return n, true
}

// Click closes the notification, then unless the action is dismiss focuses
// a window already showing the target URL or opens a new one there.
func (r *Relay) Click(ctx context.Context, c Click) ClickResult {
	n, known := r.untrack(c.Tag)
	if r.opts.Notifier != nil && c.Tag != "" {
		if err := r.opts.Notifier.Close(ctx, c.Tag); err != nil {
			r.logger.DebugContext(ctx, "push: close failed", "tag", c.Tag, "error", err)
		}
	}
	if c.Action == ActionDismiss {
		return ClickResult{Outcome: OutcomeDismissed}
	}

	target := DefaultURL
	switch {
	case c.URL != "":
		target = SafeURL(c.URL)
	case known:
		target = n.URL
	}

	if r.opts.Windows == nil {
		r.logger.WarnContext(ctx, "push: no window registry, click dropped", "url", target)
		return ClickResult{Outcome: OutcomeUnhandled, URL: target}
	}
	if id, ok := r.opts.Windows.Find(target); ok {
		err := r.opts.Windows.Focus(ctx, id)
		if err == nil {
			return ClickResult{Outcome: OutcomeFocused, URL: target, WindowID: id}
		}
		r.logger.WarnContext(ctx, "push: focus failed, opening instead", "window", id, "error", err)
	}
	if err := r.opts.Windows.Open(ctx, target); err != nil {
		lvl := slog.LevelWarn
		if errors.Is(err, context.Canceled) {
			lvl = slog.LevelDebug
		}
		r.logger.Log(ctx, lvl, "push: open window failed", "url", target, "error", err)
		return ClickResult{Outcome: OutcomeUnhandled, URL: target}
	}
	return ClickResult{Outcome: OutcomeOpened, URL: target}
}
