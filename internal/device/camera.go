package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/feature"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Camera is one discovered device. Opening it opens the native camera and its
// first stream; closing it stops the stream before either is closed.
type Camera struct {
	sys  *System
	info native.CameraInfo
	log  *zerolog.Logger

	mu             sync.Mutex
	refs           int
	mode           native.AccessMode
	handle         native.Handle
	stream         *capture.Stream
	features       *feature.Table
	streamFeatures *feature.Table
	stack          *Stack
	gone           bool
}

func newCamera(sys *System, info native.CameraInfo) *Camera {
	return &Camera{
		sys:  sys,
		info: info,
		log:  logger.WithCamera("device", info.ID),
	}
}

// ID returns the camera ID.
func (c *Camera) ID() string {
	return c.info.ID
}

// Info returns the discovery record.
func (c *Camera) Info() native.CameraInfo {
	return c.info
}

// IsOpen reports whether the camera holds at least one reference.
func (c *Camera) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs > 0
}

// AccessMode returns the mode the camera was opened with.
func (c *Camera) AccessMode() native.AccessMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Open acquires the camera. Nested opens share the first open's handle and
// access mode.
func (c *Camera) Open(mode native.AccessMode) error {
	if !c.sys.IsOpen() {
		return fault.New(fault.KindInvalidState, "open", "system is not open")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs > 0 {
		if c.gone {
			return fault.New(fault.KindDisconnected, "open", "camera %s is gone", c.info.ID)
		}
		c.refs++
		return nil
	}

	api := c.sys.api
	stack := &Stack{}

	h, st := api.CameraOpen(c.info.ID, mode)
	if err := fault.FromStatus("CameraOpen", st); err != nil {
		return err
	}
	stack.Push("camera", func() error {
		return fault.FromStatus("CameraClose", api.CameraClose(h))
	})

	sh, st := api.StreamOpen(h, 0)
	if err := fault.FromStatus("StreamOpen", st); err != nil {
		if uerr := stack.Unwind(); uerr != nil {
			c.log.Warn().Err(uerr).Msg("Failed to close camera after stream open failure")
		}
		return err
	}
	stack.Push("stream", func() error {
		return fault.FromStatus("StreamClose", api.StreamClose(sh))
	})

	stream := capture.NewStream(api, h, sh, c.info.ID, mode)
	stack.Push("capture", func() error {
		return stream.Stop(context.Background())
	})

	c.refs = 1
	c.mode = mode
	c.handle = h
	c.stream = stream
	c.stack = stack
	c.gone = false
	c.features = feature.NewTable(api, h, stream.State)
	c.streamFeatures = feature.NewTable(api, sh, stream.State)

	c.log.Info().Str("access", mode.String()).Msg("Camera opened")
	return nil
}

// Close drops one reference. The last Close stops the stream, then closes the
// stream and the camera.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return fault.New(fault.KindInvalidState, "close", "camera %s is not open", c.info.ID)
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	return c.teardown()
}

// closeAll releases the camera regardless of its reference count.
func (c *Camera) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refs == 0 {
		return nil
	}
	c.refs = 0
	return c.teardown()
}

// teardown unwinds the camera's resources. Caller holds c.mu.
func (c *Camera) teardown() error {
	err := c.stack.Unwind()
	c.stack = nil
	c.stream = nil
	c.features = nil
	c.streamFeatures = nil
	c.handle = native.NoHandle
	c.gone = false

	if err != nil {
		c.log.Warn().Err(err).Msg("Camera closed with errors")
		return fmt.Errorf("failed to close camera %s: %w", c.info.ID, err)
	}
	c.log.Info().Msg("Camera closed")
	return nil
}

// Handle returns the native camera handle, NoHandle when closed.
func (c *Camera) Handle() native.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Stream returns the camera's acquisition stream.
func (c *Camera) Stream() (*capture.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, fault.New(fault.KindInvalidState, "stream", "camera %s is not open", c.info.ID)
	}
	return c.stream, nil
}

// Features returns the camera's remote-device feature table.
func (c *Camera) Features() (*feature.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.features == nil {
		return nil, fault.New(fault.KindInvalidState, "features", "camera %s is not open", c.info.ID)
	}
	return c.features, nil
}

// StreamFeatures returns the feature table of the camera's stream module.
func (c *Camera) StreamFeatures() (*feature.Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamFeatures == nil {
		return nil, fault.New(fault.KindInvalidState, "features", "camera %s is not open", c.info.ID)
	}
	return c.streamFeatures, nil
}

// lost routes a disconnect to the stream.
func (c *Camera) lost(err error) {
	c.mu.Lock()
	stream := c.stream
	if c.refs > 0 {
		c.gone = true
	}
	c.mu.Unlock()

	if stream != nil {
		stream.Fault(err)
	}
}

func (c *Camera) faulted(err error) {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()

	if stream != nil {
		stream.Fault(err)
	}
}
