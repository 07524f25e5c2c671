package agent

import (
	"net/http"

	"github.com/goldenrodger5/nutrivize-edge/push"
)

// Event is a typed message handled by the agent. Every event runs on its
// own goroutine; events share nothing but the snapshot store, the mutation
// queue and the drain busy flag.
type Event interface {
	Kind() string
}

// Install precaches a new generation. An empty Version or Manifest takes
// the configured one.
type Install struct {
	Version  string
	Manifest []string
}

// Activate makes the pending generation current and purges every other
// store.
type Activate struct{}

// Intercept answers an application read.
type Intercept struct {
	Request *http.Request
}

// SyncTrigger reports that connectivity is back. With Wait set the drain
// runs in the handler and its report is the result; otherwise the signal is
// queued for the coordinator loop.
type SyncTrigger struct {
	Wait bool
}

// Push is a raw push payload.
type Push struct {
	Payload []byte
}

// NotificationClick is a click on a displayed notification.
type NotificationClick struct {
	Click push.Click
}

// Enqueue persists a write that failed for lack of connectivity.
type Enqueue struct {
	Endpoint string
	Method   string
	Payload  []byte
}

func (Install) Kind() string           { return "install" }
func (Activate) Kind() string          { return "activate" }
func (Intercept) Kind() string         { return "intercept" }
func (SyncTrigger) Kind() string       { return "sync" }
func (Push) Kind() string              { return "push" }
func (NotificationClick) Kind() string { return "click" }
func (Enqueue) Kind() string           { return "enqueue" }

// Outcome is the result of one dispatched event. Value depends on the event:
//
//	Install, Activate   lifecycle.Status
//	Intercept           *strategy.Result
//	SyncTrigger         mutation.Report (Wait) or bool (signal accepted)
//	Push                push.Notification
//	NotificationClick   push.ClickResult
//	Enqueue             *mutation.Mutation
type Outcome struct {
	Value any
	Err   error
}
