// Package device owns the System → Camera → Stream resource hierarchy.
//
// Scopes are reference counted. The first Open of a scope acquires the native
// resource, the last Close releases it, and a scope is always released after
// every scope nested inside it.
package device

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/camstreamer/internal/fault"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
)

// Event is a device discovery or health notification.
type Event struct {
	CameraID string    `json:"camera_id"`
	Type     string    `json:"type"`
	Time     time.Time `json:"time"`
}

// System is the transport-layer scope. It must be open for any camera to be
// opened.
type System struct {
	api native.API
	log *zerolog.Logger

	mu        sync.RWMutex
	refs      int
	cameras   map[string]*Camera
	listeners []chan Event
}

// NewSystem creates a closed system on top of the transport layer.
func NewSystem(api native.API) *System {
	return &System{
		api:     api,
		log:     logger.WithComponent("device"),
		cameras: make(map[string]*Camera),
	}
}

// API returns the transport layer behind the system.
func (s *System) API() native.API {
	return s.api
}

// Open starts the transport layer on the first call and bumps the reference
// count on later calls.
func (s *System) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs > 0 {
		s.refs++
		return nil
	}
	if err := fault.FromStatus("Startup", s.api.Startup()); err != nil {
		return err
	}
	if err := fault.FromStatus("RegisterDeviceEvents", s.api.RegisterDeviceEvents(s.onDeviceEvent)); err != nil {
		s.api.Shutdown()
		return err
	}
	infos, st := s.api.Cameras()
	if err := fault.FromStatus("Cameras", st); err != nil {
		s.api.Shutdown()
		return err
	}
	for _, info := range infos {
		if _, ok := s.cameras[info.ID]; !ok {
			s.cameras[info.ID] = newCamera(s, info)
		}
	}
	s.refs = 1

	s.log.Info().Int("cameras", len(infos)).Msg("System opened")
	return nil
}

// Close drops one reference. The last Close closes every open camera, then
// shuts the transport layer down.
func (s *System) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return fault.New(fault.KindInvalidState, "close", "system is not open")
	}
	s.refs--
	if s.refs > 0 {
		return nil
	}

	var errs []error
	for _, cam := range s.cameras {
		if err := cam.closeAll(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := fault.FromStatus("Shutdown", s.api.Shutdown()); err != nil {
		errs = append(errs, err)
	}
	s.cameras = make(map[string]*Camera)

	s.log.Info().Msg("System closed")
	return errors.Join(errs...)
}

// IsOpen reports whether the system holds at least one reference.
func (s *System) IsOpen() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refs > 0
}

// Cameras re-runs discovery and returns every reachable camera.
func (s *System) Cameras() ([]native.CameraInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.refs == 0 {
		return nil, fault.New(fault.KindInvalidState, "cameras", "system is not open")
	}
	infos, st := s.api.Cameras()
	if err := fault.FromStatus("Cameras", st); err != nil {
		return nil, err
	}
	for _, info := range infos {
		if _, ok := s.cameras[info.ID]; !ok {
			s.cameras[info.ID] = newCamera(s, info)
		}
	}
	return infos, nil
}

// Camera returns the camera with the given ID. The camera is not opened.
func (s *System) Camera(id string) (*Camera, error) {
	s.mu.RLock()
	open := s.refs > 0
	cam, ok := s.cameras[id]
	s.mu.RUnlock()

	if !open {
		return nil, fault.New(fault.KindInvalidState, "camera", "system is not open")
	}
	if ok {
		return cam, nil
	}
	if _, err := s.Cameras(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cam, ok := s.cameras[id]; ok {
		return cam, nil
	}
	return nil, fault.New(fault.KindNotSupported, "camera", "no camera with ID %q", id)
}

func (s *System) onDeviceEvent(id string, ev native.DeviceEvent) {
	log := s.log.With().Str("camera", id).Str("event", ev.String()).Logger()

	s.mu.RLock()
	cam := s.cameras[id]
	s.mu.RUnlock()

	switch ev {
	case native.EventMissing, native.EventUnreachable:
		log.Warn().Msg("Camera lost")
		if cam != nil {
			cam.lost(fault.New(fault.KindDisconnected, "device", "camera %s %s", id, ev))
		}
	case native.EventFault:
		log.Error().Msg("Camera reported a transport fault")
		if cam != nil {
			cam.faulted(fault.New(fault.KindDeviceError, "device", "transport fault on camera %s", id))
		}
	default:
		log.Info().Msg("Camera event")
	}

	s.notify(Event{CameraID: id, Type: ev.String(), Time: time.Now()})
}

// Subscribe adds a listener for device events
func (s *System) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (s *System) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, listener := range s.listeners {
		if listener == ch {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (s *System) notify(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, listener := range s.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
		}
	}
}
