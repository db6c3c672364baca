// Package output turns captured frames into viewable media.
package output

import (
	"image"
)

// Output defines the interface for frame output mechanisms.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a rendered frame to the output
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types. A zero Width or
// Height keeps the camera's resolution; a zero FPS forwards every frame.
type Config struct {
	Width   int
	Height  int
	FPS     int
	Quality int
}
