package device

import (
	"context"
	"errors"
	"time"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Session is a streaming camera together with every scope it depends on.
type Session struct {
	Camera *Camera
	Stream *capture.Stream

	stack *Stack
}

// OpenSession opens the system and the camera, arms the stream and starts it.
// If any step fails, everything acquired so far is released before the error
// is returned.
func OpenSession(ctx context.Context, sys *System, id string, mode native.AccessMode, opts capture.Options) (*Session, error) {
	stack := &Stack{}
	fail := func(err error) (*Session, error) {
		if uerr := stack.Unwind(); uerr != nil {
			sys.log.Warn().Err(uerr).Str("camera", id).Msg("Failed to unwind partial session")
		}
		return nil, err
	}

	if err := sys.Open(); err != nil {
		return nil, err
	}
	stack.Push("system", sys.Close)

	cam, err := sys.Camera(id)
	if err != nil {
		return fail(err)
	}
	if err := cam.Open(mode); err != nil {
		return fail(err)
	}
	stack.Push("camera", cam.Close)

	stream, err := cam.Stream()
	if err != nil {
		return fail(err)
	}
	if err := stream.Arm(opts); err != nil {
		return fail(err)
	}
	stack.Push("stream", func() error {
		return stream.Stop(context.Background())
	})

	if err := stream.Start(ctx); err != nil {
		return fail(err)
	}

	return &Session{Camera: cam, Stream: stream, stack: stack}, nil
}

// Close stops the stream and releases the camera and system references.
func (s *Session) Close() error {
	return s.stack.Unwind()
}

// Grab is a single synchronously acquired frame.
type Grab struct {
	ID          uint64
	Timestamp   uint64
	Width       uint32
	Height      uint32
	PixelFormat string
	Status      capture.FrameStatus
	Data        []byte
}

// ErrStopGrab ends GrabFrames without an error when returned by its callback.
var ErrStopGrab = errors.New("stop grabbing")

const grabBuffers = 3

// GrabFrames streams the camera in pull mode and passes each frame to fn in
// arrival order. The frame is only valid for the duration of fn. A limit of
// zero or less grabs until ctx ends or fn returns an error. timeout bounds
// the wait for each frame; zero waits on ctx alone.
func GrabFrames(ctx context.Context, sys *System, id string, mode native.AccessMode, limit int, timeout time.Duration, fn func(*capture.Frame) error) (err error) {
	buffers := grabBuffers
	if limit == 1 {
		buffers = 1
	}
	sess, err := OpenSession(ctx, sys, id, mode, capture.Options{
		BufferCount: buffers,
		Delivery:    capture.DeliverPull,
	})
	if err != nil {
		return err
	}
	defer func() {
		cerr := sess.Close()
		if cerr == nil {
			return
		}
		if err == nil {
			err = cerr
			return
		}
		sys.log.Warn().Err(cerr).Str("camera", id).Msg("Failed to close grab session")
	}()

	for n := 0; limit <= 0 || n < limit; n++ {
		f, err := nextFrame(ctx, sess.Stream, timeout)
		if err != nil {
			if limit <= 0 && ctx.Err() != nil {
				return nil
			}
			if fault.IsKind(err, fault.KindTimeout) {
				return fault.New(fault.KindTimeout, "grab", "no frame from %s within %s", id, timeout)
			}
			return err
		}

		ferr := fn(f)
		if rerr := f.Release(); rerr != nil {
			sys.log.Debug().Err(rerr).Str("camera", id).Uint64("seq", f.Seq).Msg("Failed to requeue grabbed frame")
		}
		if errors.Is(ferr, ErrStopGrab) {
			return nil
		}
		if ferr != nil {
			return ferr
		}
	}
	return nil
}

func nextFrame(ctx context.Context, stream *capture.Stream, timeout time.Duration) (*capture.Frame, error) {
	if timeout <= 0 {
		return stream.Next(ctx)
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return stream.Next(waitCtx)
}

// GrabFrame acquires one frame from the camera and returns a private copy of
// it. The camera is streamed only for the duration of the call.
func GrabFrame(ctx context.Context, sys *System, id string, mode native.AccessMode, timeout time.Duration) (*Grab, error) {
	var g *Grab
	err := GrabFrames(ctx, sys, id, mode, 1, timeout, func(f *capture.Frame) error {
		g = &Grab{
			ID:          f.ID,
			Timestamp:   f.Timestamp,
			Width:       f.Width,
			Height:      f.Height,
			PixelFormat: f.PixelFormat,
			Status:      f.Status,
			Data:        f.Copy(),
		}
		return nil
	})
	return g, err
}
