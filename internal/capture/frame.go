package capture

import (
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// FrameStatus classifies a completed frame.
type FrameStatus int

const (
	FrameComplete FrameStatus = iota
	// FrameIncomplete frames lost data in transfer or did not fit the buffer.
	FrameIncomplete
	// FrameAborted frames were cut short by a stop, a disconnect or an
	// invalid transfer.
	FrameAborted
)

func (s FrameStatus) String() string {
	switch s {
	case FrameComplete:
		return "complete"
	case FrameIncomplete:
		return "incomplete"
	case FrameAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// classify maps a receive status and the stream condition onto a FrameStatus.
func classify(rs native.FrameStatus, state State, lost bool) FrameStatus {
	if lost || state != StateStreaming {
		return FrameAborted
	}
	switch rs {
	case native.FrameComplete:
		return FrameComplete
	case native.FrameIncomplete, native.FrameTooSmall:
		return FrameIncomplete
	default:
		return FrameAborted
	}
}

// Frame is the application's read-only view of a delivered buffer. It is
// valid until the handler returns (push, Requeue action), until Release is
// called (Retain action and pull mode), or until the session is closed.
type Frame struct {
	// ID is the device frame counter.
	ID uint64
	// Seq is assigned by the engine, strictly increasing per session in
	// completion order.
	Seq uint64
	// Timestamp is the device timestamp in device ticks.
	Timestamp   uint64
	Received    time.Time
	Status      FrameStatus
	Width       uint32
	Height      uint32
	PixelFormat string
	BufferIndex int

	data    []byte
	buf     *Buffer
	gen     uint64
	sess    *session
	stream  *Stream
	handled chan struct{}
}

// Bytes returns the image payload. The slice aliases the device buffer and
// must not be written or kept after the frame is returned.
func (f *Frame) Bytes() []byte {
	return f.data
}

// Copy returns a private copy of the image payload.
func (f *Frame) Copy() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Release returns a retained or pulled frame to the pool. The buffer is
// requeued while the stream is streaming. Releasing twice is a no-op.
func (f *Frame) Release() error {
	if f.stream == nil {
		return nil
	}
	return f.stream.recycle(f, false)
}

// Action is a push handler's verdict on what happens to the buffer.
type Action int

const (
	// Requeue hands the buffer straight back to the transport layer.
	Requeue Action = iota
	// Retain keeps the frame valid until Frame.Release.
	Retain
	// Retire returns the buffer to the pool without requeueing it. It can be
	// queued again with Stream.Requeue.
	Retire
)

// Handler consumes frames in push mode. It runs on a single worker goroutine
// per session, in completion order. It must not call Stop on its own stream.
type Handler func(f *Frame) Action
