package capture

import (
	"sync"
	"time"
)

type eventHub struct {
	mu        sync.RWMutex
	listeners []chan Event
}

// Subscribe adds a listener for stream events
func (s *Stream) Subscribe() chan Event {
	ch := make(chan Event, 16)
	s.hub.mu.Lock()
	s.hub.listeners = append(s.hub.listeners, ch)
	s.hub.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener
func (s *Stream) Unsubscribe(ch chan Event) {
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

func (s *Stream) emit(typ EventType, sessionID string, err error) {
	ev := Event{
		Type:      typ,
		CameraID:  s.cameraID,
		SessionID: sessionID,
		State:     s.State().String(),
		Time:      time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}

	s.hub.mu.RLock()
	defer s.hub.mu.RUnlock()

	for _, listener := range s.hub.listeners {
		select {
		case listener <- ev:
		default:
			// Skip if channel is full
		}
	}
}
