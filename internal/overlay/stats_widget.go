package overlay

import (
	"fmt"
	"image"
	"image/color"
)

// StatsWidget is a two-line panel: the camera and frame counters on top, a
// colored receive-status badge below.
type StatsWidget struct {
	*BaseWidget
	bgColor color.RGBA
	padding int
}

// NewStatsWidget creates a stats panel at (x, y)
func NewStatsWidget(id string, x, y int) *StatsWidget {
	return &StatsWidget{
		BaseWidget: NewBaseWidget(id, x, y, 0.85),
		bgColor:    color.RGBA{30, 30, 40, 255},
		padding:    6,
	}
}

// Type returns the widget type
func (w *StatsWidget) Type() string {
	return "stats"
}

func statusBadge(status string, dropped uint64) (string, color.RGBA) {
	switch status {
	case "complete":
		if dropped > 0 {
			return fmt.Sprintf("OK  dropped %d", dropped), color.RGBA{219, 154, 4, 255}
		}
		return "OK", color.RGBA{46, 160, 67, 255}
	case "incomplete":
		return "INCOMPLETE", color.RGBA{219, 154, 4, 255}
	case "aborted":
		return "ABORTED", color.RGBA{203, 36, 49, 255}
	default:
		return "?", color.RGBA{158, 158, 158, 255}
	}
}

// Render draws the panel
func (w *StatsWidget) Render(img *image.RGBA, info Info) error {
	if !w.IsEnabled() {
		return nil
	}

	top := fmt.Sprintf("%s #%d %dx%d %.1f fps", info.CameraID, info.FrameID, info.Width, info.Height, info.FPS)
	badge, badgeColor := statusBadge(info.Status, info.Dropped)

	width := textWidth(top)
	if bw := textWidth(badge); bw > width {
		width = bw
	}
	DrawRectangle(img, w.x, w.y, width+w.padding*2, lineHeight*2+w.padding*3, w.bgColor, w.opacity)
	drawText(img, top, w.x+w.padding, w.y+w.padding, color.RGBA{200, 200, 200, 255}, w.opacity)
	drawText(img, badge, w.x+w.padding, w.y+w.padding*2+lineHeight, badgeColor, w.opacity)
	return nil
}
