// Package capture is the asynchronous frame-acquisition engine.
//
// A Stream owns one Pool of frame buffers per session and moves it through
// Closed → Armed → Streaming → Draining → Closed. Completed buffers arrive on
// transport-owned goroutines and are handed to the application either through
// a push Handler or a bounded pull queue. Every buffer handed to the
// transport layer is delivered once or revoked before the session closes.
package capture

// Sink consumes frames routed by a Router.
type Sink interface {
	// Name identifies the sink for logging and removal.
	Name() string

	// Consume is called once per frame on the handler worker. The frame is
	// only valid for the duration of the call; copy what must outlive it.
	Consume(f *Frame)
}
