package capture

import (
	"sync"

	"github.com/bryanchriswhite/camstreamer/internal/logger"
)

// Router fans frames out to a dynamic set of sinks. Its Handle method is a
// push Handler.
type Router struct {
	sinks []Sink
	mu    sync.RWMutex
}

// NewRouter creates a new frame router
func NewRouter() *Router {
	return &Router{}
}

// Add registers a sink. A sink with the same name is replaced.
func (r *Router) Add(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.sinks {
		if existing.Name() == s.Name() {
			r.sinks[i] = s
			return
		}
	}
	r.sinks = append(r.sinks, s)
	logger.WithComponent("frame-router").Debug().Str("sink", s.Name()).Msg("Sink added")
}

// Remove unregisters the named sink
func (r *Router) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.sinks {
		if s.Name() == name {
			r.sinks = append(r.sinks[:i], r.sinks[i+1:]...)
			return
		}
	}
}

// Sinks returns the names of the registered sinks
func (r *Router) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.sinks))
	for _, s := range r.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Handle passes f to every sink and requeues the buffer.
func (r *Router) Handle(f *Frame) Action {
	r.mu.RLock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.RUnlock()

	for _, s := range sinks {
		s.Consume(f)
	}
	return Requeue
}
