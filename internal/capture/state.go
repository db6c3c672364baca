package capture

import (
	"fmt"
	"strings"
	"time"
)

// State is the acquisition state of a stream.
type State int32

const (
	StateClosed State = iota
	StateArmed
	StateStreaming
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateArmed:
		return "Armed"
	case StateStreaming:
		return "Streaming"
	case StateDraining:
		return "Draining"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Delivery selects how completed frames reach the application.
type Delivery int

const (
	// DeliverPush runs Options.Handler once per frame on a per-session worker.
	DeliverPush Delivery = iota
	// DeliverPull posts frames to a bounded queue read with Stream.Next.
	DeliverPull
)

func (d Delivery) String() string {
	if d == DeliverPull {
		return "pull"
	}
	return "push"
}

// ParseDelivery converts a config value. Empty means push.
func ParseDelivery(s string) (Delivery, error) {
	switch strings.ToLower(s) {
	case "", "push":
		return DeliverPush, nil
	case "pull":
		return DeliverPull, nil
	default:
		return DeliverPush, fmt.Errorf("unknown delivery mode %q", s)
	}
}

// Defaults applied by Options.withDefaults. DefaultHandlerBudget is the
// configured default; a zero budget in Options stays unbounded.
const (
	DefaultHandlerBudget = 500 * time.Millisecond
	DefaultDrainTimeout  = 2 * time.Second
	DefaultRevokeTimeout = time.Second
	DefaultRevokeRetries = 3
)

// Options configures one capture session. BufferCount is fixed for the
// lifetime of the session.
type Options struct {
	BufferCount int
	Delivery    Delivery
	// Handler is required in push mode.
	Handler Handler
	// HandlerBudget bounds how long the device callback waits for the handler
	// worker. Zero waits without limit while streaming; Stop releases the
	// callback either way.
	HandlerBudget time.Duration
	// QueueDepth is the pull queue capacity. Zero means BufferCount.
	QueueDepth int
	// DrainTimeout bounds how long Stop waits for delivered buffers to come
	// back before revoking them anyway.
	DrainTimeout  time.Duration
	RevokeTimeout time.Duration
	RevokeRetries int
}

func (o Options) withDefaults() Options {
	if o.QueueDepth <= 0 {
		o.QueueDepth = o.BufferCount
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = DefaultDrainTimeout
	}
	if o.RevokeTimeout <= 0 {
		o.RevokeTimeout = DefaultRevokeTimeout
	}
	if o.RevokeRetries <= 0 {
		o.RevokeRetries = DefaultRevokeRetries
	}
	return o
}

// EventType names a stream lifecycle notification.
type EventType string

const (
	EventArmed        EventType = "armed"
	EventStarted      EventType = "started"
	EventStopped      EventType = "stopped"
	EventDisconnected EventType = "disconnected"
	EventFault        EventType = "fault"
)

// Event is published to stream subscribers on every lifecycle change.
type Event struct {
	Type      EventType `json:"type"`
	CameraID  string    `json:"camera_id"`
	SessionID string    `json:"session_id,omitempty"`
	State     string    `json:"state"`
	Error     string    `json:"error,omitempty"`
	Time      time.Time `json:"time"`
}
