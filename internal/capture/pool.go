package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// DefaultMaxPoolBytes caps a single allocation.
const DefaultMaxPoolBytes = 4 << 30

// PoolConfig tunes a Pool.
type PoolConfig struct {
	// RevokeRetries is how many times a revoke that timed out is retried.
	RevokeRetries int
	// RetryBackoff is the pause between revoke attempts.
	RetryBackoff time.Duration
	// MaxBytes caps n*size in Allocate. Zero means DefaultMaxPoolBytes.
	MaxBytes int64
}

// PoolStats counts buffers per state.
type PoolStats struct {
	Total     int `json:"total"`
	Free      int `json:"free"`
	Announced int `json:"announced"`
	Queued    int `json:"queued"`
	Delivered int `json:"delivered"`
}

// Pool owns the frame buffers of one stream and moves them between the host
// and the transport layer. Buffer transitions take only the buffer's own
// mutex so the completion path never contends on a pool-wide lock.
type Pool struct {
	api    native.API
	stream native.Handle
	cfg    PoolConfig
	log    *zerolog.Logger

	buffers atomic.Pointer[[]*Buffer]
	size    int
	phase   atomic.Int32
}

// NewPool creates an empty pool for the given stream handle.
func NewPool(api native.API, stream native.Handle, cfg PoolConfig) *Pool {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxPoolBytes
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	return &Pool{
		api:    api,
		stream: stream,
		cfg:    cfg,
		log:    logger.WithComponent("pool"),
	}
}

func (p *Pool) setPhase(s State) {
	p.phase.Store(int32(s))
}

func (p *Pool) currentPhase() State {
	return State(p.phase.Load())
}

func (p *Pool) list() []*Buffer {
	if bs := p.buffers.Load(); bs != nil {
		return *bs
	}
	return nil
}

// Allocate reserves n buffers of size bytes, rounded up to alignment. All
// buffers start Free.
func (p *Pool) Allocate(n, size, alignment int) error {
	if n <= 0 {
		return fault.New(fault.KindResourceExhausted, "allocate", "buffer count %d", n)
	}
	if size <= 0 {
		return fault.New(fault.KindResourceExhausted, "allocate", "payload size %d", size)
	}
	if p.list() != nil {
		return fault.New(fault.KindInvalidState, "allocate", "pool already holds %d buffers", len(p.list()))
	}
	size = roundUp(size, alignment)
	if int64(n)*int64(size) > p.cfg.MaxBytes {
		return fault.New(fault.KindResourceExhausted, "allocate",
			"%d buffers of %d bytes exceed %d bytes", n, size, p.cfg.MaxBytes)
	}

	buffers := make([]*Buffer, n)
	for i := range buffers {
		buffers[i] = newBuffer(i, size, alignment)
	}
	p.size = size
	p.buffers.Store(&buffers)

	p.log.Debug().
		Int("count", n).
		Int("size", size).
		Int("alignment", alignment).
		Msg("Allocated frame buffers")
	return nil
}

// Buffers returns the pool's buffers in index order.
func (p *Pool) Buffers() []*Buffer {
	return p.list()
}

// Buffer returns buffer i, or nil if i is out of range.
func (p *Pool) Buffer(i int) *Buffer {
	bs := p.list()
	if i < 0 || i >= len(bs) {
		return nil
	}
	return bs[i]
}

// BufferSize is the per-buffer size after alignment.
func (p *Pool) BufferSize() int {
	return p.size
}

// Outstanding is the number of buffers not yet given back by ReleaseAll.
func (p *Pool) Outstanding() int {
	return len(p.list())
}

// Announce registers a Free buffer with the transport layer.
func (p *Pool) Announce(b *Buffer) error {
	if ph := p.currentPhase(); ph != StateArmed && ph != StateStreaming {
		return fault.New(fault.KindInvalidState, "announce", "stream is %s", ph)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BufferFree {
		return fault.New(fault.KindInvalidState, "announce", "buffer %d is %s", b.index, b.state)
	}
	if err := fault.FromStatus("FrameAnnounce", p.api.FrameAnnounce(p.stream, &b.frame)); err != nil {
		return err
	}
	b.state = BufferAnnounced
	return nil
}

// AnnounceAll announces every Free buffer and stops at the first failure.
func (p *Pool) AnnounceAll() error {
	for _, b := range p.list() {
		if err := p.Announce(b); err != nil {
			return err
		}
	}
	return nil
}

// Queue hands an announced buffer to the transport layer for filling.
func (p *Pool) Queue(b *Buffer) error {
	if ph := p.currentPhase(); ph != StateArmed && ph != StateStreaming {
		return fault.New(fault.KindInvalidState, "queue", "stream is %s", ph)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BufferAnnounced {
		return fault.New(fault.KindInvalidState, "queue", "buffer %d is %s", b.index, b.state)
	}
	// The completion may fire before FrameQueue returns; it must find the
	// buffer Queued.
	b.state = BufferQueued
	if err := fault.FromStatus("FrameQueue", p.api.FrameQueue(p.stream, &b.frame)); err != nil {
		b.state = BufferAnnounced
		return err
	}
	return nil
}

// Revoke takes a buffer back from the transport layer. Only valid while the
// stream is draining.
func (p *Pool) Revoke(ctx context.Context, b *Buffer) error {
	if ph := p.currentPhase(); ph != StateDraining {
		return fault.New(fault.KindInvalidState, "revoke", "stream is %s", ph)
	}
	return p.revoke(ctx, b)
}

func (p *Pool) revoke(ctx context.Context, b *Buffer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BufferFree || b.state == BufferReleased {
		return nil
	}

	var st native.Status
	for attempt := 0; ; attempt++ {
		st = p.api.FrameRevoke(p.stream, &b.frame)
		if st != native.StatusTimeout || attempt >= p.cfg.RevokeRetries {
			break
		}
		p.log.Debug().
			Int("buffer", b.index).
			Int("attempt", attempt+1).
			Msg("Revoke timed out, retrying")
		select {
		case <-ctx.Done():
			return fault.Wrap(fault.KindTimeout, "revoke", ctx.Err())
		case <-time.After(p.cfg.RetryBackoff):
		}
	}
	if err := fault.FromStatus("FrameRevoke", st); err != nil {
		return err
	}
	b.state = BufferFree
	b.gen++
	return nil
}

// forget marks a buffer Free without asking the transport layer. Used when
// the device is gone and revoke cannot succeed.
func (p *Pool) forget(b *Buffer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BufferReleased {
		b.state = BufferFree
		b.gen++
	}
}

// RevokeAll revokes every buffer. Buffers whose revoke fails are forgotten so
// the pool always ends fully Free; the failures are returned joined.
func (p *Pool) RevokeAll(ctx context.Context) error {
	var errs []error
	for _, b := range p.list() {
		if err := p.revoke(ctx, b); err != nil {
			p.log.Warn().Err(err).Int("buffer", b.index).Msg("Failed to revoke buffer, dropping it")
			p.forget(b)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseAll gives back the memory of every buffer. The pool must not be part
// of a session and every buffer must be Free.
func (p *Pool) ReleaseAll() error {
	if ph := p.currentPhase(); ph != StateClosed {
		return fault.New(fault.KindInvalidState, "release", "stream is %s", ph)
	}
	bs := p.list()
	for _, b := range bs {
		if s := b.State(); s != BufferFree {
			return fault.New(fault.KindInvalidState, "release", "buffer %d is %s", b.index, s)
		}
	}
	for _, b := range bs {
		b.mu.Lock()
		b.state = BufferReleased
		b.frame.Buffer = nil
		b.mu.Unlock()
	}
	p.buffers.Store(nil)
	return nil
}

// deliver moves a completed buffer from Queued to Delivered and returns the
// new generation. ok is false if the buffer was not queued.
func (p *Pool) deliver(b *Buffer) (gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BufferQueued {
		return 0, false
	}
	b.state = BufferDelivered
	b.gen++
	return b.gen, true
}

// reclaim returns a delivered buffer to Announced if gen is still current.
// wasDelivered reports whether this call ended a delivery; current reports
// whether gen still names the buffer's latest delivery.
func (p *Pool) reclaim(b *Buffer, gen uint64) (wasDelivered, current bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != gen {
		return false, false
	}
	switch b.state {
	case BufferDelivered:
		b.state = BufferAnnounced
		return true, true
	case BufferAnnounced:
		return false, true
	default:
		return false, false
	}
}

// Snapshot counts buffers per state.
func (p *Pool) Snapshot() PoolStats {
	var s PoolStats
	for _, b := range p.list() {
		s.Total++
		switch b.State() {
		case BufferFree:
			s.Free++
		case BufferAnnounced:
			s.Announced++
		case BufferQueued:
			s.Queued++
		case BufferDelivered:
			s.Delivered++
		}
	}
	return s
}
