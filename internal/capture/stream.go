package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Stats is a point-in-time view of a stream's current or most recent session.
type Stats struct {
	CameraID    string    `json:"camera_id"`
	SessionID   string    `json:"session_id,omitempty"`
	State       string    `json:"state"`
	Delivery    string    `json:"delivery,omitempty"`
	BufferCount int       `json:"buffer_count"`
	BufferSize  int       `json:"buffer_size"`
	Completions uint64    `json:"completions"`
	Delivered   uint64    `json:"delivered"`
	Dropped     uint64    `json:"dropped"`
	Incomplete  uint64    `json:"incomplete"`
	Aborted     uint64    `json:"aborted"`
	Late        uint64    `json:"late"`
	Requeued    uint64    `json:"requeued"`
	Revoked     uint64    `json:"revoked"`
	InFlight    int       `json:"in_flight"`
	Pool        PoolStats `json:"pool"`
	StartedAt   time.Time `json:"started_at,omitempty"`
}

type closeReason int

const (
	closeStop closeReason = iota
	closeRollback
	closeFault
)

// Stream is one acquisition channel of an open camera. State transitions are
// serialized by a transition mutex; the completion path only reads the state.
type Stream struct {
	api      native.API
	camera   native.Handle
	handle   native.Handle
	cameraID string
	access   native.AccessMode
	log      *zerolog.Logger

	transition sync.Mutex
	state      atomic.Int32
	sess       atomic.Pointer[session]
	lost       atomic.Bool
	last       atomic.Pointer[Stats]

	errMu sync.Mutex
	err   error

	hub eventHub
}

// NewStream wraps an opened native stream.
func NewStream(api native.API, camera, stream native.Handle, cameraID string, access native.AccessMode) *Stream {
	return &Stream{
		api:      api,
		camera:   camera,
		handle:   stream,
		cameraID: cameraID,
		access:   access,
		log:      logger.WithCamera("capture", cameraID),
	}
}

// CameraID returns the ID of the owning camera.
func (s *Stream) CameraID() string {
	return s.cameraID
}

// State returns the current acquisition state.
func (s *Stream) State() State {
	return State(s.state.Load())
}

// SessionID returns the ID of the active session, or "" when Closed.
func (s *Stream) SessionID() string {
	if sess := s.sess.Load(); sess != nil {
		return sess.id
	}
	return ""
}

// Err returns the fault that last closed the stream, if any.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) setErr(err error) {
	s.errMu.Lock()
	s.err = err
	s.errMu.Unlock()
}

func (s *Stream) alignment() int {
	v, st := s.api.FeatureIntGet(s.handle, "StreamBufferAlignment")
	if !st.OK() || v <= 1 {
		return 1
	}
	return int(v)
}

// Arm allocates and announces the session's buffers. On failure nothing stays
// allocated and the stream remains Closed.
func (s *Stream) Arm(opts Options) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	if s.lost.Load() {
		return fault.New(fault.KindDisconnected, "arm", "camera %s is gone", s.cameraID)
	}
	if st := s.State(); st != StateClosed {
		return fault.New(fault.KindInvalidState, "arm", "stream is %s", st)
	}
	if opts.BufferCount <= 0 {
		return fault.New(fault.KindInvalidArgument, "arm", "buffer count must be positive, got %d", opts.BufferCount)
	}
	if opts.Delivery == DeliverPush && opts.Handler == nil {
		return fault.New(fault.KindInvalidArgument, "arm", "push delivery requires a handler")
	}
	opts = opts.withDefaults()

	size, st := s.api.PayloadSize(s.handle)
	if err := fault.FromStatus("PayloadSize", st); err != nil {
		return err
	}

	pool := NewPool(s.api, s.handle, PoolConfig{RevokeRetries: opts.RevokeRetries})
	if err := pool.Allocate(opts.BufferCount, int(size), s.alignment()); err != nil {
		return err
	}
	pool.setPhase(StateArmed)
	if err := pool.AnnounceAll(); err != nil {
		pool.setPhase(StateDraining)
		ctx, cancel := context.WithTimeout(context.Background(), opts.RevokeTimeout)
		defer cancel()
		if rerr := pool.RevokeAll(ctx); rerr != nil {
			s.log.Warn().Err(rerr).Msg("Failed to revoke buffers after announce failure")
		}
		pool.setPhase(StateClosed)
		if rerr := pool.ReleaseAll(); rerr != nil {
			s.log.Warn().Err(rerr).Msg("Failed to release buffers after announce failure")
		}
		return err
	}

	sess := newSession(opts, pool)
	s.sess.Store(sess)
	s.state.Store(int32(StateArmed))
	s.setErr(nil)
	go s.supervise(sess)

	s.log.Info().
		Str("session", sess.id).
		Int("buffers", opts.BufferCount).
		Int("buffer_size", pool.BufferSize()).
		Str("delivery", opts.Delivery.String()).
		Msg("Stream armed")
	s.emit(EventArmed, sess.id, nil)
	return nil
}

// Start queues every buffer and starts acquisition. A native failure rolls
// the stream back to Closed and returns a DeviceError.
func (s *Stream) Start(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	if s.lost.Load() {
		return fault.New(fault.KindDisconnected, "start", "camera %s is gone", s.cameraID)
	}
	switch st := s.State(); st {
	case StateArmed:
	case StateClosed:
		return fault.New(fault.KindInvalidState, "start", "stream is not armed")
	default:
		return fault.New(fault.KindInvalidState, "start", "stream is %s", st)
	}
	sess := s.sess.Load()

	if err := fault.FromStatus("RegisterFrameCallback", s.api.RegisterFrameCallback(s.handle, s.onFrame)); err != nil {
		return s.rollback(ctx, sess, err)
	}
	if sess.opts.Delivery == DeliverPush {
		sess.workerDone = make(chan struct{})
		go s.runHandler(sess)
	}

	s.state.Store(int32(StateStreaming))
	sess.pool.setPhase(StateStreaming)
	sess.queued = true
	for _, b := range sess.pool.Buffers() {
		if err := sess.pool.Queue(b); err != nil {
			return s.rollback(ctx, sess, err)
		}
	}

	if err := fault.FromStatus("CaptureStart", s.api.CaptureStart(s.handle)); err != nil {
		return s.rollback(ctx, sess, err)
	}
	sess.capturing = true

	// Read-only (multicast) access must not drive the acquisition commands.
	if s.access != native.AccessRead {
		if err := fault.FromStatus("AcquisitionStart", s.api.FeatureCommandRun(s.camera, "AcquisitionStart")); err != nil {
			return s.rollback(ctx, sess, err)
		}
	}
	sess.startedAt.Store(time.Now().UnixNano())

	s.log.Info().Str("session", sess.id).Msg("Stream started")
	s.emit(EventStarted, sess.id, nil)
	return nil
}

func (s *Stream) rollback(ctx context.Context, sess *session, cause error) error {
	s.log.Error().Err(cause).Str("session", sess.id).Msg("Failed to start stream, rolling back")
	if err := s.shutdown(ctx, sess, closeRollback, cause); err != nil {
		s.log.Warn().Err(err).Msg("Rollback did not complete cleanly")
	}
	return fault.Wrap(fault.KindDeviceError, "start", cause)
}

// Stop ends acquisition, waits up to DrainTimeout for delivered buffers to be
// returned, revokes and releases every buffer. The stream is Closed when Stop
// returns, even if it reports an error. Stop on a Closed stream does nothing.
func (s *Stream) Stop(ctx context.Context) error {
	s.transition.Lock()
	defer s.transition.Unlock()

	sess := s.sess.Load()
	if sess == nil || s.State() == StateClosed {
		return nil
	}
	return s.shutdown(ctx, sess, closeStop, nil)
}

// Fault reports an asynchronous device failure. A Disconnected error marks
// the camera as gone; subsequent Arm and Start calls fail with Disconnected.
// Teardown happens on the session supervisor, so Fault is safe to call from
// a transport goroutine.
func (s *Stream) Fault(err error) {
	if fault.IsKind(err, fault.KindDisconnected) {
		s.lost.Store(true)
	}
	sess := s.sess.Load()
	if sess == nil {
		s.setErr(err)
		s.emit(faultEvent(err), "", err)
		return
	}
	select {
	case sess.faults <- err:
	default:
	}
}

func faultEvent(err error) EventType {
	if fault.IsKind(err, fault.KindDisconnected) {
		return EventDisconnected
	}
	return EventFault
}

// supervise tears the session down when a fault is reported.
func (s *Stream) supervise(sess *session) {
	select {
	case err := <-sess.faults:
		s.transition.Lock()
		defer s.transition.Unlock()
		if s.sess.Load() != sess {
			return
		}
		s.log.Warn().Err(err).Str("session", sess.id).Msg("Device fault, closing stream")
		s.setErr(err)
		if serr := s.shutdown(context.Background(), sess, closeFault, err); serr != nil {
			s.log.Debug().Err(serr).Msg("Forced teardown reported errors")
		}
	case <-sess.closed:
	}
}

// shutdown drives the session through Draining to Closed. Caller holds the
// transition mutex. Native failures are collected but never stop the
// teardown.
func (s *Stream) shutdown(ctx context.Context, sess *session, reason closeReason, cause error) error {
	log := s.log.With().Str("session", sess.id).Logger()
	s.state.Store(int32(StateDraining))
	sess.pool.setPhase(StateDraining)
	// CaptureEnd waits for running callbacks, so they must stop waiting on
	// the handler first.
	close(sess.draining)

	var errs []error
	note := func(err error) {
		if err == nil {
			return
		}
		log.Debug().Err(err).Msg("Teardown step failed")
		if reason == closeStop {
			errs = append(errs, err)
		}
	}

	if sess.capturing {
		if reason == closeStop && s.access != native.AccessRead {
			note(fault.FromStatus("AcquisitionStop", s.api.FeatureCommandRun(s.camera, "AcquisitionStop")))
		}
		note(fault.FromStatus("CaptureEnd", s.api.CaptureEnd(s.handle)))
		sess.capturing = false
	}
	if sess.queued {
		note(fault.FromStatus("QueueFlush", s.api.QueueFlush(s.handle)))
	}
	s.stopDelivery(sess)

	drainCtx, cancel := context.WithTimeout(ctx, sess.opts.DrainTimeout)
	defer cancel()
	var drainErr error
	if err := sess.inflight.wait(drainCtx); err != nil {
		drainErr = fault.New(fault.KindTimeout, "stop",
			"%d buffers still held after %s", sess.inflight.count(), sess.opts.DrainTimeout)
		log.Warn().Err(drainErr).Msg("Drain timed out, revoking held buffers")
	}
	if sess.workerDone != nil {
		select {
		case <-sess.workerDone:
		case <-drainCtx.Done():
		}
	}

	revokeCtx, cancelRevoke := context.WithTimeout(context.Background(), sess.opts.RevokeTimeout)
	defer cancelRevoke()
	note(sess.pool.RevokeAll(revokeCtx))
	sess.pool.setPhase(StateClosed)
	note(sess.pool.ReleaseAll())

	final := s.sessionStats(sess, StateClosed)
	s.last.Store(&final)
	s.sess.Store(nil)
	s.state.Store(int32(StateClosed))
	close(sess.closed)

	switch reason {
	case closeFault:
		log.Warn().Err(cause).Msg("Stream closed by fault")
		s.emit(faultEvent(cause), sess.id, cause)
	case closeRollback:
		s.emit(EventStopped, sess.id, cause)
	default:
		log.Info().
			Uint64("delivered", final.Delivered).
			Uint64("dropped", final.Dropped).
			Msg("Stream stopped")
		s.emit(EventStopped, sess.id, nil)
	}

	if drainErr != nil {
		errs = append([]error{drainErr}, errs...)
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return errors.Join(errs...)
	}
}

// Requeue gives a delivered or retired frame back to the transport layer.
// Only valid while streaming.
func (s *Stream) Requeue(f *Frame) error {
	if f == nil || f.stream != s {
		return fault.New(fault.KindInvalidArgument, "requeue", "frame does not belong to this stream")
	}
	return s.recycle(f, true)
}

// Stats reports counters of the active session, or of the last closed one.
func (s *Stream) Stats() Stats {
	if sess := s.sess.Load(); sess != nil {
		return s.sessionStats(sess, s.State())
	}
	if last := s.last.Load(); last != nil {
		return *last
	}
	return Stats{CameraID: s.cameraID, State: StateClosed.String()}
}

func (s *Stream) sessionStats(sess *session, state State) Stats {
	return Stats{
		CameraID:    s.cameraID,
		SessionID:   sess.id,
		State:       state.String(),
		Delivery:    sess.opts.Delivery.String(),
		BufferCount: sess.opts.BufferCount,
		BufferSize:  sess.pool.BufferSize(),
		Completions: sess.completions.Load(),
		Delivered:   sess.delivered.Load(),
		Dropped:     sess.dropped.Load(),
		Incomplete:  sess.incomplete.Load(),
		Aborted:     sess.aborted.Load(),
		Late:        sess.late.Load(),
		Requeued:    sess.requeued.Load(),
		Revoked:     sess.revoked.Load(),
		InFlight:    sess.inflight.count(),
		Pool:        sess.pool.Snapshot(),
		StartedAt:   startedAt(sess),
	}
}

func startedAt(sess *session) time.Time {
	if ns := sess.startedAt.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}
