package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/feature"
)

// Message is one entry of the /api/events websocket feed
type Message struct {
	Source   string    `json:"source"` // "device", "stream" or "feature"
	Type     string    `json:"type"`
	CameraID string    `json:"camera_id"`
	Feature  string    `json:"feature,omitempty"`
	Session  string    `json:"session_id,omitempty"`
	State    string    `json:"state,omitempty"`
	Error    string    `json:"error,omitempty"`
	Time     time.Time `json:"time"`
}

type hub struct {
	mu        sync.RWMutex
	listeners []chan Message
	closed    bool
}

// Subscribe adds a listener for device and stream events
func (s *Server) Subscribe() chan Message {
	ch := make(chan Message, 16)
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if s.hub.closed {
		close(ch)
		return ch
	}
	s.hub.listeners = append(s.hub.listeners, ch)
	return ch
}

// Unsubscribe removes a listener
func (s *Server) Unsubscribe(ch chan Message) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	for i, listener := range s.hub.listeners {
		if listener == ch {
			s.hub.listeners = append(s.hub.listeners[:i], s.hub.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (h *hub) notify(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, listener := range h.listeners {
		select {
		case listener <- msg:
		default:
			// Skip if channel is full
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.listeners {
		close(ch)
	}
	h.listeners = nil
	h.closed = true
}

// watchDevices forwards device events and drops the server's reference on
// cameras that leave the bus, so they can be reacquired when they return.
func (s *Server) watchDevices() {
	events := s.sys.Subscribe()
	s.devEvents = events
	go func() {
		for ev := range events {
			s.hub.notify(Message{Source: "device", Type: ev.Type, CameraID: ev.CameraID, Time: ev.Time})
			if ev.Type == "missing" || ev.Type == "unreachable" {
				s.dropLost(ev)
			}
		}
	}()
}

func (s *Server) dropLost(ev device.Event) {
	// The stream supervisor tears the session down; wait for it so the
	// camera closes from a settled state.
	s.mu.Lock()
	oc, ok := s.cameras[ev.CameraID]
	s.mu.Unlock()
	if !ok {
		return
	}
	deadline := time.Now().Add(5 * time.Second)
	for oc.stream.State() != capture.StateClosed && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if err := s.release(ev.CameraID); err != nil {
		s.log.Warn().Err(err).Str("camera", ev.CameraID).Msg("Failed to release lost camera")
	}
}

func (s *Server) forwardStreamEvents(events chan capture.Event) {
	for ev := range events {
		s.hub.notify(Message{
			Source:   "stream",
			Type:     string(ev.Type),
			CameraID: ev.CameraID,
			Session:  ev.SessionID,
			State:    ev.State,
			Error:    ev.Error,
			Time:     ev.Time,
		})
	}
}

func (s *Server) forwardFeatureChange(cameraID string) func(*feature.Handle) {
	return func(h *feature.Handle) {
		s.hub.notify(Message{
			Source:   "feature",
			Type:     "changed",
			CameraID: cameraID,
			Feature:  h.Name(),
			Time:     time.Now(),
		})
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	// Subscribe first so nothing emitted during the handshake is missed.
	updates := s.Subscribe()
	defer s.Unsubscribe(updates)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	// Reads only detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case msg, ok := <-updates:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}
