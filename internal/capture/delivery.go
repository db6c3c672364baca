package capture

import (
	"context"
	"errors"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
)

// push hands f to the session's handler worker and waits for it within the
// handler budget. A frame the worker does not accept in time is dropped and
// its buffer requeued; a frame accepted but not finished in time is counted
// late and returned by the worker when the handler finishes.
func (s *Stream) push(sess *session, f *Frame) {
	var timeout <-chan time.Time
	if budget := sess.opts.HandlerBudget; budget > 0 {
		timer := time.NewTimer(budget)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case sess.work <- f:
		sess.delivered.Add(1)
	case <-timeout:
		sess.dropped.Add(1)
		s.log.Debug().Uint64("seq", f.Seq).Msg("Handler busy, dropping frame")
		s.recycle(f, false)
		return
	case <-sess.draining:
		sess.dropped.Add(1)
		s.recycle(f, false)
		return
	}

	select {
	case <-f.handled:
	case <-timeout:
		sess.late.Add(1)
		s.log.Debug().Uint64("seq", f.Seq).Msg("Handler exceeded budget")
	case <-sess.draining:
		// The drain wait in shutdown bounds the handler from here on.
	}
}

// runHandler is the per-session push worker. A single worker keeps frames in
// completion order.
func (s *Stream) runHandler(sess *session) {
	defer close(sess.workerDone)
	for {
		select {
		case f := <-sess.work:
			switch s.invoke(sess.opts.Handler, f) {
			case Retain:
			case Retire:
				s.retire(f)
			default:
				s.recycle(f, false)
			}
			close(f.handled)
		case <-sess.quit:
			return
		}
	}
}

func (s *Stream) invoke(h Handler, f *Frame) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().
				Interface("panic", r).
				Uint64("seq", f.Seq).
				Msg("Frame handler panicked")
			action = Requeue
		}
	}()
	return h(f)
}

// post offers f to the pull queue. A full queue drops the frame.
func (s *Stream) post(sess *session, f *Frame) {
	select {
	case sess.queue <- f:
	default:
		sess.dropped.Add(1)
		s.log.Debug().Uint64("seq", f.Seq).Msg("Pull queue full, dropping frame")
		s.recycle(f, false)
	}
}

// Next returns the next frame in pull mode. The caller owns the frame until
// it calls Release.
func (s *Stream) Next(ctx context.Context) (*Frame, error) {
	sess := s.sess.Load()
	if sess == nil {
		return nil, fault.New(fault.KindInvalidState, "next", "stream is %s", StateClosed)
	}
	if sess.opts.Delivery != DeliverPull {
		return nil, fault.New(fault.KindInvalidState, "next", "stream delivers by push")
	}

	select {
	case f := <-sess.queue:
		sess.delivered.Add(1)
		return f, nil
	case <-sess.closed:
		return nil, fault.New(fault.KindInvalidState, "next", "session closed")
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, fault.Wrap(fault.KindInvalidState, "next", ctx.Err())
		}
		return nil, fault.Wrap(fault.KindTimeout, "next", ctx.Err())
	}
}

// stopDelivery ends the worker and gives back frames still waiting in the
// pull queue. Must run after capture has ended.
func (s *Stream) stopDelivery(sess *session) {
	select {
	case <-sess.quit:
		return
	default:
		close(sess.quit)
	}
	if sess.queue == nil {
		return
	}
	for {
		select {
		case f := <-sess.queue:
			sess.dropped.Add(1)
			s.recycle(f, false)
		default:
			return
		}
	}
}
