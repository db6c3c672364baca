package overlay

import (
	"fmt"
	"image"
	"image/color"
	"strings"
)

// TextWidget displays a line of text. Placeholders such as {camera},
// {frame}, {seq}, {status}, {size}, {fps}, {delivered}, {dropped} and
// {time} are replaced with the current frame's values.
type TextWidget struct {
	*BaseWidget
	text      string
	textColor color.RGBA
	bgColor   *color.RGBA // Optional background color
	padding   int
}

// NewTextWidget creates a new text widget
func NewTextWidget(id, text string, x, y int) *TextWidget {
	return &TextWidget{
		BaseWidget: NewBaseWidget(id, x, y, 1.0),
		text:       text,
		textColor:  color.RGBA{255, 255, 255, 255},
		padding:    5,
	}
}

// Type returns the widget type
func (w *TextWidget) Type() string {
	return "text"
}

// Expand substitutes the placeholders in the widget text.
func (w *TextWidget) Expand(info Info) string {
	r := strings.NewReplacer(
		"{camera}", info.CameraID,
		"{frame}", fmt.Sprint(info.FrameID),
		"{seq}", fmt.Sprint(info.Seq),
		"{status}", info.Status,
		"{size}", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"{fps}", fmt.Sprintf("%.1f", info.FPS),
		"{delivered}", fmt.Sprint(info.Delivered),
		"{dropped}", fmt.Sprint(info.Dropped),
		"{time}", info.Time.Format("15:04:05.000"),
	)
	return r.Replace(w.text)
}

// Render draws the text widget
func (w *TextWidget) Render(img *image.RGBA, info Info) error {
	if !w.IsEnabled() || w.text == "" {
		return nil
	}
	text := w.Expand(info)

	if w.bgColor != nil {
		DrawRectangle(img, w.x, w.y, textWidth(text)+w.padding*2, lineHeight+w.padding*2, *w.bgColor, w.opacity)
	}
	drawText(img, text, w.x+w.padding, w.y+w.padding, w.textColor, w.opacity)
	return nil
}

// SetText updates the text content
func (w *TextWidget) SetText(text string) {
	w.text = text
}

// SetColor sets the text color
func (w *TextWidget) SetColor(c color.RGBA) {
	w.textColor = c
}

// SetBackground sets the background color (nil for transparent)
func (w *TextWidget) SetBackground(c *color.RGBA) {
	w.bgColor = c
}
