// Package clients keeps a WebSocket connection to every open application
// window. The agent uses it to display notifications, focus or open
// windows, and tell windows that a new generation has taken control.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/goldenrodger5/nutrivize-edge/idgen"
	"github.com/goldenrodger5/nutrivize-edge/push"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	sendBufSize  = 16
	readLimit    = 4096
)

var (
	ErrNoWindows     = errors.New("clients: no open windows")
	ErrUnknownWindow = errors.New("clients: unknown window")
)

// Outbound message types.
const (
	MsgShowNotification  = "show_notification"
	MsgCloseNotification = "close_notification"
	MsgFocus             = "focus"
	MsgOpenWindow        = "open_window"
	MsgControllerChanged = "controller_changed"
)

// Inbound message types.
const (
	MsgHello             = "hello"
	MsgNavigated         = "navigated"
	MsgNotificationClick = "notification_click"
	MsgOnline            = "online"
)

// Message is the JSON envelope exchanged with windows in both directions.
type Message struct {
	Type         string             `json:"type"`
	URL          string             `json:"url,omitempty"`
	Tag          string             `json:"tag,omitempty"`
	Action       string             `json:"action,omitempty"`
	Version      string             `json:"version,omitempty"`
	Notification *push.Notification `json:"notification,omitempty"`
}

// Inbound is a message received from a window.
type Inbound struct {
	Window string
	Message
}

// WindowInfo describes a connected window.
type WindowInfo struct {
	ID       string    `json:"id"`
	URL      string    `json:"url"`
	LastSeen time.Time `json:"last_seen"`
}

// Options configures a Hub.
type Options struct {
	// OnMessage receives every message a window sends, after the hub has
	// applied URL updates. May be nil.
	OnMessage func(ctx context.Context, in Inbound)
	// CheckOrigin overrides the upgrader origin check. Default: same host.
	CheckOrigin func(r *http.Request) bool
	NewID       idgen.Generator
	Logger      *slog.Logger
}

// Hub is the registry of open windows.
type Hub struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	windows map[string]*window
}

type window struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	url      string
	lastSeen time.Time
}

func (w *window) info() WindowInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WindowInfo{ID: w.id, URL: w.url, LastSeen: w.lastSeen}
}

func (w *window) touch(url string) {
	w.mu.Lock()
	if url != "" {
		w.url = url
	}
	w.lastSeen = time.Now()
	w.mu.Unlock()
}

// New creates a Hub.
func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.NewID == nil {
		opts.NewID = idgen.Prefixed("win_", idgen.NanoID(12))
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		windows: make(map[string]*window),
	}
}

// ServeHTTP upgrades the connection and serves the window until it
// disconnects. The window may pass its id and current URL as the "id" and
// "url" query parameters; a hello message can set the URL later.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = h.opts.NewID()
	}
	win := &window{
		id:       id,
		conn:     conn,
		send:     make(chan []byte, sendBufSize),
		url:      push.SafeURL(r.URL.Query().Get("url")),
		lastSeen: time.Now(),
	}
	h.register(win)
	defer h.unregister(win)
	h.logger.Debug("clients: window connected", "window", id, "url", win.url)

	go win.writePump()
	h.readPump(r.Context(), win)
}

// Run closes every connection when ctx is done.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// Count returns the number of connected windows.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.windows)
}

// Windows lists connected windows, most recently active first.
func (h *Hub) Windows() []WindowInfo {
	h.mu.RLock()
	out := make([]WindowInfo, 0, len(h.windows))
	for _, w := range h.windows {
		out = append(out, w.info())
	}
	h.mu.RUnlock()
	sortRecent(out)
	return out
}

// Show displays a notification in every window. Windows replace
// notifications that share a tag, so the user sees it once.
func (h *Hub) Show(_ context.Context, n push.Notification) error {
	return h.broadcast(Message{Type: MsgShowNotification, Tag: n.Tag, Notification: &n})
}

// Close removes a notification from every window.
func (h *Hub) Close(_ context.Context, tag string) error {
	err := h.broadcast(Message{Type: MsgCloseNotification, Tag: tag})
	if errors.Is(err, ErrNoWindows) {
		return nil
	}
	return err
}

// Find returns the most recently active window showing url.
func (h *Hub) Find(url string) (string, bool) {
	for _, w := range h.Windows() {
		if w.URL == url {
			return w.ID, true
		}
	}
	return "", false
}

// Focus asks one window to bring itself to the front.
func (h *Hub) Focus(_ context.Context, id string) error {
	return h.sendTo(id, Message{Type: MsgFocus})
}

// Open asks the most recently active window to open url in a new window.
func (h *Hub) Open(_ context.Context, url string) error {
	ws := h.Windows()
	if len(ws) == 0 {
		return ErrNoWindows
	}
	return h.sendTo(ws[0].ID, Message{Type: MsgOpenWindow, URL: url})
}

// Claim tells every window that version now serves it.
func (h *Hub) Claim(_ context.Context, version string) error {
	err := h.broadcast(Message{Type: MsgControllerChanged, Version: version})
	if errors.Is(err, ErrNoWindows) {
		return nil
	}
	return err
}

func (h *Hub) register(w *window) {
	h.mu.Lock()
	if old, ok := h.windows[w.id]; ok {
		close(old.send)
	}
	h.windows[w.id] = w
	h.mu.Unlock()
}

func (h *Hub) unregister(w *window) {
	h.mu.Lock()
	if cur, ok := h.windows[w.id]; ok && cur == w {
		delete(h.windows, w.id)
		close(w.send)
	}
	h.mu.Unlock()
	h.logger.Debug("clients: window disconnected", "window", w.id)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, w := range h.windows {
		close(w.send)
		delete(h.windows, id)
	}
}

func (h *Hub) sendTo(id string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("clients: encode %s: %w", msg.Type, err)
	}
	h.mu.RLock()
	w, ok := h.windows[id]
	if !ok {
		h.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownWindow, id)
	}
	delivered := trySend(w, data)
	h.mu.RUnlock()

	if !delivered {
		h.unregister(w)
		return fmt.Errorf("clients: window %s is not keeping up", id)
	}
	return nil
}

func (h *Hub) broadcast(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("clients: encode %s: %w", msg.Type, err)
	}
	h.mu.RLock()
	if len(h.windows) == 0 {
		h.mu.RUnlock()
		return ErrNoWindows
	}
	var slow []*window
	for _, w := range h.windows {
		if !trySend(w, data) {
			slow = append(slow, w)
		}
	}
	h.mu.RUnlock()

	for _, w := range slow {
		h.logger.Warn("clients: dropping slow window", "window", w.id)
		h.unregister(w)
	}
	return nil
}

// trySend must be called with the hub lock held so send is not closed
// underneath it.
func trySend(w *window, data []byte) bool {
	select {
	case w.send <- data:
		return true
	default:
		return false
	}
}

func (w *window) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				w.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := w.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, w *window) {
	defer w.conn.Close()
	w.conn.SetReadLimit(readLimit)
	w.conn.SetReadDeadline(time.Now().Add(pongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	ctx = context.WithoutCancel(ctx)

	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Debug("clients: ignoring malformed message", "window", w.id, "error", err)
			continue
		}
		if (msg.Type == MsgHello || msg.Type == MsgNavigated) && msg.URL != "" {
			w.touch(push.SafeURL(msg.URL))
		} else {
			w.touch("")
		}
		if h.opts.OnMessage != nil {
			h.opts.OnMessage(ctx, Inbound{Window: w.id, Message: msg})
		}
	}
}

func sortRecent(ws []WindowInfo) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].LastSeen.Equal(ws[j].LastSeen) {
			return ws[i].ID < ws[j].ID
		}
		return ws[i].LastSeen.After(ws[j].LastSeen)
	})
}
