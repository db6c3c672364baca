package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/overlay"
)

type pending struct {
	img  image.Image
	info overlay.Info
}

// MJPEGOutput streams frames as Motion JPEG over HTTP. It is a capture.Sink:
// Consume copies and converts the frame on the handler worker, scaling,
// overlay and encoding happen on the output's own goroutine.
type MJPEGOutput struct {
	config  Config
	overlay *overlay.Manager
	log     *zerolog.Logger

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	frames    chan pending
	done      chan struct{}
	stats     func() capture.Stats

	lastAccept time.Time

	// Current frame buffer
	frameMu    sync.RWMutex
	current    []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	received   atomic.Uint64
	skipped    atomic.Uint64
	frameCount atomic.Uint64
}

var _ capture.Sink = (*MJPEGOutput)(nil)
var _ Output = (*MJPEGOutput)(nil)

// NewMJPEGOutput creates a new MJPEG stream output. ov may be nil.
func NewMJPEGOutput(config Config, ov *overlay.Manager) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = 80
	}
	return &MJPEGOutput{
		config:  config,
		overlay: ov,
		log:     logger.WithComponent("mjpeg"),
		clients: make(map[chan []byte]struct{}),
	}
}

// SetStatsSource sets the function the overlay reads session counters from.
func (m *MJPEGOutput) SetStatsSource(fn func() capture.Stats) {
	m.mu.Lock()
	m.stats = fn
	m.mu.Unlock()
}

// Start launches the encoder goroutine
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frames = make(chan pending, 1)
	m.done = make(chan struct{})
	m.frameCount.Store(0)
	go m.encodeLoop(m.frames, m.done)

	m.log.Info().Int("width", m.config.Width).Int("height", m.config.Height).Int("fps", m.config.FPS).Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output and disconnects every client
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	close(m.frames)
	done := m.done
	m.mu.Unlock()

	<-done

	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	m.log.Info().Uint64("frames", m.frameCount.Load()).Msg("MJPEG output stopped")
	return nil
}

// Name returns the sink name
func (m *MJPEGOutput) Name() string {
	return "mjpeg"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Consume accepts a frame from the capture engine. Frames arriving faster
// than the configured FPS, or while the encoder is busy, are skipped.
func (m *MJPEGOutput) Consume(f *capture.Frame) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.received.Add(1)
	now := time.Now()
	if m.config.FPS > 0 && now.Sub(m.lastAccept) < time.Second/time.Duration(m.config.FPS) {
		m.mu.Unlock()
		m.skipped.Add(1)
		return
	}
	m.lastAccept = now
	statsFn := m.stats
	m.mu.Unlock()

	img, err := DecodeFrame(f)
	if err != nil {
		m.log.Debug().Err(err).Uint64("frame", f.ID).Msg("Cannot preview frame")
		m.skipped.Add(1)
		return
	}

	info := overlay.Info{
		FrameID: f.ID,
		Seq:     f.Seq,
		Status:  f.Status.String(),
		Width:   int(f.Width),
		Height:  int(f.Height),
		Time:    f.Received,
	}
	if statsFn != nil {
		st := statsFn()
		info.CameraID = st.CameraID
		info.Delivered = st.Delivered
		info.Dropped = st.Dropped
		if !st.StartedAt.IsZero() {
			if elapsed := time.Since(st.StartedAt).Seconds(); elapsed > 0 {
				info.FPS = float64(st.Delivered) / elapsed
			}
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.running {
		return
	}
	select {
	case m.frames <- pending{img: img, info: info}:
	default:
		// Skip if channel is full
		m.skipped.Add(1)
	}
}

func (m *MJPEGOutput) encodeLoop(frames <-chan pending, done chan<- struct{}) {
	defer close(done)
	for p := range frames {
		if err := m.WriteFrame(m.render(p)); err != nil {
			m.log.Warn().Err(err).Msg("Failed to write frame")
		}
	}
}

// render scales the image to the output size and draws the overlay.
func (m *MJPEGOutput) render(p pending) *image.RGBA {
	sb := p.img.Bounds()
	w, h := m.config.Width, m.config.Height
	if w <= 0 || h <= 0 {
		w, h = sb.Dx(), sb.Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == sb.Dx() && h == sb.Dy() {
		draw.Draw(dst, dst.Bounds(), p.img, sb.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), p.img, sb, draw.Src, nil)
	}
	if m.overlay != nil {
		m.overlay.Render(dst, p.info)
	}
	return dst
}

// WriteFrame encodes a frame and sends it to all connected clients
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, frame, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.current = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.frameCount.Add(1)

	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// Snapshot returns the most recent JPEG, or nil before the first frame.
func (m *MJPEGOutput) Snapshot() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.current
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)
		if last := m.Snapshot(); last != nil {
			frameChan <- last
		}

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()

		m.log.Info().Int("clients", clientCount).Msg("MJPEG client connected")

		defer func() {
			m.clientsMu.Lock()
			delete(m.clients, frameChan)
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			m.log.Info().Int("clients", clientCount).Msg("MJPEG client disconnected")
		}()

		for {
			select {
			case <-r.Context().Done():
				return
			case jpegData, ok := <-frameChan:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
					return
				}
				if _, err := w.Write(jpegData); err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			}
		}
	}
}

// Stats is the output's own counters
type Stats struct {
	Running    bool    `json:"running"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	TargetFPS  int     `json:"target_fps"`
	ActualFPS  float64 `json:"actual_fps"`
	Received   uint64  `json:"received"`
	Skipped    uint64  `json:"skipped"`
	Encoded    uint64  `json:"encoded"`
	Clients    int     `json:"clients"`
	LastUpdate string  `json:"last_update,omitempty"`
	Uptime     string  `json:"uptime,omitempty"`
}

// Stats returns a snapshot of the output counters
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	running := m.running
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	lastUpdate := m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	clientCount := len(m.clients)
	m.clientsMu.RUnlock()

	s := Stats{
		Running:   running,
		Width:     m.config.Width,
		Height:    m.config.Height,
		TargetFPS: m.config.FPS,
		Received:  m.received.Load(),
		Skipped:   m.skipped.Load(),
		Encoded:   m.frameCount.Load(),
		Clients:   clientCount,
	}
	if running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if elapsed > 0 {
			s.ActualFPS = float64(s.Encoded) / elapsed.Seconds()
		}
		s.Uptime = elapsed.Round(time.Second).String()
	}
	if !lastUpdate.IsZero() {
		s.LastUpdate = lastUpdate.Format(time.RFC3339Nano)
	}
	return s
}

// GetStatsHandler returns an HTTP handler that reports stream statistics
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}

// GetViewerHandler returns an HTTP handler that displays the stream
func (m *MJPEGOutput) GetViewerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(viewerHTML))
	}
}

const viewerHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>camstreamer</title>
    <style>
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body { background: #000; display: flex; justify-content: center; align-items: center; min-height: 100vh; }
        img { width: 100vw; height: 100vh; object-fit: contain; display: block; background: #000; }
        .stats { position: fixed; bottom: 16px; left: 16px; padding: 8px 14px; background: rgba(40, 40, 40, 0.9);
                 color: #ccc; border-radius: 20px; font-family: monospace; font-size: 13px; }
    </style>
</head>
<body>
    <img src="/stream" alt="camstreamer live preview">
    <div class="stats" id="stats"></div>
    <script>
        setInterval(() => {
            fetch('/stream/stats').then(r => r.json()).then(s => {
                document.getElementById('stats').textContent =
                    s.actual_fps.toFixed(1) + ' fps, ' + s.encoded + ' encoded, ' + s.skipped + ' skipped';
            }).catch(() => {});
        }, 1000);
    </script>
</body>
</html>`
