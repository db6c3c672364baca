package capture

import (
	"sync"
	"unsafe"

	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// BufferState is the ownership state of one pool buffer.
type BufferState int

const (
	// BufferFree is allocated memory unknown to the transport layer.
	BufferFree BufferState = iota
	// BufferAnnounced is registered with the transport layer but not queued.
	// Returned buffers come back to this state.
	BufferAnnounced
	// BufferQueued is owned by the transport layer until its completion.
	BufferQueued
	// BufferDelivered is readable by the application until it is returned.
	BufferDelivered
	// BufferReleased buffers have been given back by ReleaseAll.
	BufferReleased
)

func (s BufferState) String() string {
	switch s {
	case BufferFree:
		return "free"
	case BufferAnnounced:
		return "announced"
	case BufferQueued:
		return "queued"
	case BufferDelivered:
		return "delivered"
	case BufferReleased:
		return "released"
	default:
		return "unknown"
	}
}

// Buffer is one frame buffer of a Pool.
type Buffer struct {
	mu    sync.Mutex
	index int
	state BufferState
	// gen changes on every delivery and every revoke so stale Frame views
	// cannot return a buffer twice.
	gen   uint64
	frame native.Frame
}

func newBuffer(index, size, alignment int) *Buffer {
	b := &Buffer{index: index}
	b.frame.Buffer = alignedBytes(size, alignment)
	b.frame.Context = index
	return b
}

// Index is the position of the buffer in its pool.
func (b *Buffer) Index() int {
	return b.index
}

// State returns the current ownership state.
func (b *Buffer) State() BufferState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Len is the buffer size in bytes.
func (b *Buffer) Len() int {
	return len(b.frame.Buffer)
}

func (b *Buffer) native() *native.Frame {
	return &b.frame
}

// alignedBytes returns a size-byte slice whose first element sits on an
// alignment boundary.
func alignedBytes(size, alignment int) []byte {
	if alignment <= 1 {
		return make([]byte, size)
	}
	raw := make([]byte, size+alignment-1)
	rem := int(uintptr(unsafe.Pointer(&raw[0])) % uintptr(alignment))
	off := (alignment - rem) % alignment
	return raw[off : off+size : off+size]
}

// roundUp rounds size up to a multiple of alignment.
func roundUp(size, alignment int) int {
	if alignment <= 1 {
		return size
	}
	return (size + alignment - 1) / alignment * alignment
}
