package output

import (
	"image"
	"image/color"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/fault"
)

// Decode converts a raw payload into an image. The result never aliases
// data.
func Decode(format string, width, height int, data []byte) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, fault.New(fault.KindInvalidArgument, "decode", "invalid size %dx%d", width, height)
	}
	need := width * height * bytesPerPixel(format)
	if need == 0 {
		return nil, fault.New(fault.KindNotSupported, "decode", "unsupported pixel format %q", format)
	}
	if len(data) < need {
		return nil, fault.New(fault.KindInvalidArgument, "decode", "%s %dx%d needs %d bytes, got %d", format, width, height, need, len(data))
	}

	switch format {
	case "Mono8":
		img := image.NewGray(image.Rect(0, 0, width, height))
		copy(img.Pix, data[:need])
		return img, nil
	case "Mono16":
		// GenICam Mono16 is little-endian; image.Gray16 is big-endian.
		img := image.NewGray16(image.Rect(0, 0, width, height))
		for i := 0; i < need; i += 2 {
			img.Pix[i], img.Pix[i+1] = data[i+1], data[i]
		}
		return img, nil
	case "RGB8", "BGR8":
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		r, b := 0, 2
		if format == "BGR8" {
			r, b = 2, 0
		}
		for i, o := 0, 0; i < need; i, o = i+3, o+4 {
			img.Pix[o] = data[i+r]
			img.Pix[o+1] = data[i+1]
			img.Pix[o+2] = data[i+b]
			img.Pix[o+3] = 0xff
		}
		return img, nil
	case "BayerRG8":
		return demosaicRG(width, height, data), nil
	}
	return nil, fault.New(fault.KindNotSupported, "decode", "unsupported pixel format %q", format)
}

// DecodeFrame converts a delivered frame into an image.
func DecodeFrame(f *capture.Frame) (image.Image, error) {
	return Decode(f.PixelFormat, int(f.Width), int(f.Height), f.Bytes())
}

func bytesPerPixel(format string) int {
	switch format {
	case "Mono8", "BayerRG8":
		return 1
	case "Mono16":
		return 2
	case "RGB8", "BGR8":
		return 3
	default:
		return 0
	}
}

// demosaicRG reconstructs an RGGB mosaic by nearest neighbour: every pixel
// takes its colors from the 2x2 cell it belongs to.
func demosaicRG(width, height int, data []byte) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	at := func(x, y int) uint8 {
		if x >= width {
			x = width - 1
		}
		if y >= height {
			y = height - 1
		}
		return data[y*width+x]
	}
	for y := 0; y < height; y++ {
		y0 := y &^ 1
		for x := 0; x < width; x++ {
			x0 := x &^ 1
			g := (uint16(at(x0+1, y0)) + uint16(at(x0, y0+1))) / 2
			img.SetRGBA(x, y, color.RGBA{R: at(x0, y0), G: uint8(g), B: at(x0+1, y0+1), A: 0xff})
		}
	}
	return img
}
