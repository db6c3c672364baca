package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// tracker counts buffers currently owned by the application.
type tracker struct {
	mu   sync.Mutex
	n    int
	idle chan struct{}
}

func newTracker() *tracker {
	t := &tracker{idle: make(chan struct{})}
	close(t.idle)
	return t
}

func (t *tracker) add() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		t.idle = make(chan struct{})
	}
	t.n++
}

func (t *tracker) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.n == 0 {
		return
	}
	t.n--
	if t.n == 0 {
		close(t.idle)
	}
}

func (t *tracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// wait blocks until the count drops to zero or ctx ends.
func (t *tracker) wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session is the state of one Arm..Stop cycle.
type session struct {
	id      string
	opts    Options
	pool    *Pool
	armedAt time.Time

	startedAt atomic.Int64

	// Written under the stream's transition mutex only.
	queued    bool
	capturing bool

	seq         atomic.Uint64
	completions atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	incomplete  atomic.Uint64
	aborted     atomic.Uint64
	late        atomic.Uint64
	requeued    atomic.Uint64
	revoked     atomic.Uint64

	inflight *tracker

	work       chan *Frame
	queue      chan *Frame
	workerDone chan struct{}
	quit       chan struct{}
	// draining is closed when teardown begins. It releases completion
	// callbacks still waiting on the handler.
	draining chan struct{}
	faults     chan error
	closed     chan struct{}
}

func newSession(opts Options, pool *Pool) *session {
	sess := &session{
		id:       uuid.New().String(),
		opts:     opts,
		pool:     pool,
		armedAt:  time.Now(),
		inflight: newTracker(),
		quit:     make(chan struct{}),
		draining: make(chan struct{}),
		faults:   make(chan error, 1),
		closed:   make(chan struct{}),
	}
	if opts.Delivery == DeliverPull {
		sess.queue = make(chan *Frame, opts.QueueDepth)
	} else {
		sess.work = make(chan *Frame)
	}
	return sess
}

// onFrame is the completion callback registered with the transport layer. It
// runs on a transport-owned goroutine and touches only buffer state and
// session counters; it never drives a state transition.
func (s *Stream) onFrame(_, _ native.Handle, nf *native.Frame) {
	sess := s.sess.Load()
	if sess == nil {
		s.log.Debug().Msg("Completion after session end")
		return
	}
	b := sess.pool.Buffer(nf.Context)
	if b == nil || b.native() != nf {
		s.log.Warn().Int("context", nf.Context).Msg("Completion for unknown buffer")
		return
	}
	sess.completions.Add(1)

	gen, ok := sess.pool.deliver(b)
	if !ok {
		sess.dropped.Add(1)
		s.log.Debug().Int("buffer", b.index).Msg("Completion for buffer that was not queued")
		return
	}
	sess.inflight.add()

	state := s.State()
	size := min(int(nf.ImageSize), len(nf.Buffer))
	f := &Frame{
		ID:          nf.FrameID,
		Seq:         sess.seq.Add(1),
		Timestamp:   nf.Timestamp,
		Received:    time.Now(),
		Status:      classify(nf.ReceiveStatus, state, s.lost.Load()),
		Width:       nf.Width,
		Height:      nf.Height,
		PixelFormat: nf.PixelFormat,
		BufferIndex: b.index,
		data:        nf.Buffer[:size],
		buf:         b,
		gen:         gen,
		sess:        sess,
		stream:      s,
		handled:     make(chan struct{}),
	}
	switch f.Status {
	case FrameIncomplete:
		sess.incomplete.Add(1)
	case FrameAborted:
		sess.aborted.Add(1)
	}

	if state != StateStreaming {
		sess.dropped.Add(1)
		s.recycle(f, false)
		return
	}

	s.log.Trace().
		Uint64("frame_id", f.ID).
		Uint64("seq", f.Seq).
		Int("buffer", f.BufferIndex).
		Str("status", f.Status.String()).
		Msg("Frame completed")

	if sess.opts.Delivery == DeliverPull {
		s.post(sess, f)
	} else {
		s.push(sess, f)
	}
}

// recycle ends the application's ownership of f and requeues the buffer
// while streaming. explicit marks a consumer Requeue call, which reports
// failures instead of ignoring them. The caller has already counted f as
// delivered or dropped; a buffer that cannot be requeued is revoked and
// counted in revoked, so every completion is counted exactly once.
func (s *Stream) recycle(f *Frame, explicit bool) error {
	sess := f.sess
	wasDelivered, current := sess.pool.reclaim(f.buf, f.gen)
	if wasDelivered {
		sess.inflight.done()
	}
	if !current {
		if explicit {
			return fault.New(fault.KindInvalidState, "requeue", "frame %d is no longer owned by the application", f.Seq)
		}
		return nil
	}
	if !wasDelivered && !explicit {
		return nil
	}
	if s.sess.Load() != sess || s.State() != StateStreaming {
		if explicit {
			return fault.New(fault.KindInvalidState, "requeue", "stream is %s", s.State())
		}
		return nil
	}

	if err := sess.pool.Queue(f.buf); err != nil {
		if sess.pool.currentPhase() != StateStreaming {
			if explicit {
				return err
			}
			return nil
		}
		s.log.Warn().Err(err).Int("buffer", f.BufferIndex).Msg("Failed to requeue buffer, revoking it")
		if rerr := sess.pool.revoke(context.Background(), f.buf); rerr != nil {
			sess.pool.forget(f.buf)
		}
		sess.revoked.Add(1)
		return err
	}
	sess.requeued.Add(1)
	return nil
}

// retire ends the application's ownership of f without requeueing.
func (s *Stream) retire(f *Frame) {
	if wasDelivered, _ := f.sess.pool.reclaim(f.buf, f.gen); wasDelivered {
		f.sess.inflight.done()
	}
}
