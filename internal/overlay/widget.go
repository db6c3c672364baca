// Package overlay draws a heads-up display onto preview frames.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Info is the per-frame data widgets can render.
type Info struct {
	CameraID  string
	FrameID   uint64
	Seq       uint64
	Status    string
	Width     int
	Height    int
	Delivered uint64
	Dropped   uint64
	FPS       float64
	Time      time.Time
}

// Widget represents a renderable overlay widget
type Widget interface {
	// ID returns the unique identifier for this widget instance
	ID() string

	// Type returns the widget type name
	Type() string

	// Render draws the widget onto img for the frame described by info
	Render(img *image.RGBA, info Info) error

	IsEnabled() bool
	SetEnabled(enabled bool)
}

// BaseWidget provides common functionality for all widgets
type BaseWidget struct {
	id      string
	enabled bool
	x       int
	y       int
	opacity float64 // 0.0 to 1.0
}

// NewBaseWidget creates a new base widget
func NewBaseWidget(id string, x, y int, opacity float64) *BaseWidget {
	w := &BaseWidget{id: id, enabled: true, x: x, y: y}
	w.SetOpacity(opacity)
	return w
}

// ID returns the widget's unique identifier
func (w *BaseWidget) ID() string {
	return w.id
}

// IsEnabled returns whether the widget should be rendered
func (w *BaseWidget) IsEnabled() bool {
	return w.enabled
}

// SetEnabled sets whether the widget should be rendered
func (w *BaseWidget) SetEnabled(enabled bool) {
	w.enabled = enabled
}

// SetPosition sets the widget's position
func (w *BaseWidget) SetPosition(x, y int) {
	w.x = x
	w.y = y
}

// SetOpacity sets the widget's opacity (0.0 to 1.0)
func (w *BaseWidget) SetOpacity(opacity float64) {
	if opacity < 0.0 {
		opacity = 0.0
	}
	if opacity > 1.0 {
		opacity = 1.0
	}
	w.opacity = opacity
}

const lineHeight = 13

// BlendImage blends src onto dst with its top-left corner at (x, y). Pixels
// falling outside dst are clipped.
func BlendImage(dst *image.RGBA, src *image.RGBA, x, y int, opacity float64) {
	sb := src.Bounds()
	db := dst.Bounds()

	for sy := sb.Min.Y; sy < sb.Max.Y; sy++ {
		dy := y + sy - sb.Min.Y
		if dy < db.Min.Y || dy >= db.Max.Y {
			continue
		}
		for sx := sb.Min.X; sx < sb.Max.X; sx++ {
			dx := x + sx - sb.Min.X
			if dx < db.Min.X || dx >= db.Max.X {
				continue
			}
			s := src.RGBAAt(sx, sy)
			a := float64(s.A) / 255 * opacity
			if a <= 0 {
				continue
			}
			d := dst.RGBAAt(dx, dy)
			dst.SetRGBA(dx, dy, color.RGBA{
				R: mix(s.R, d.R, a),
				G: mix(s.G, d.G, a),
				B: mix(s.B, d.B, a),
				A: 255,
			})
		}
	}
}

func mix(s, d uint8, a float64) uint8 {
	return uint8(float64(s)*a + float64(d)*(1-a) + 0.5)
}

// DrawRectangle blends a filled rectangle onto dst.
func DrawRectangle(dst *image.RGBA, x, y, width, height int, c color.RGBA, opacity float64) {
	if width <= 0 || height <= 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(tmp, tmp.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	BlendImage(dst, tmp, x, y, opacity)
}

// textWidth returns the rendered width of s in pixels.
func textWidth(s string) int {
	d := &font.Drawer{Face: basicfont.Face7x13}
	return d.MeasureString(s).Ceil()
}

// drawText blends one line of text onto dst with its top-left corner at (x, y).
func drawText(dst *image.RGBA, s string, x, y int, c color.RGBA, opacity float64) {
	w := textWidth(s)
	if w == 0 {
		return
	}
	tmp := image.NewRGBA(image.Rect(0, 0, w, lineHeight))
	d := &font.Drawer{
		Dst:  tmp,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(lineHeight - basicfont.Face7x13.Descent)},
	}
	d.DrawString(s)
	BlendImage(dst, tmp, x, y, opacity)
}
