package commands

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/output"
)

var grabCmd = &cobra.Command{
	Use:   "grab [FILE]",
	Short: "Acquire a single frame",
	Long: `Open the camera, acquire one frame and write it to an image file.

The format follows the file extension: .png (default) or .jpg/.jpeg.`,
	Example: `  # Grab a frame from the configured camera
  camstreamer grab frame.png

  # Grab from a specific camera with a longer timeout
  camstreamer grab --camera sim1 --timeout 10s frame.jpg`,
	Args: cobra.MaximumNArgs(1),
	RunE: runGrab,
}

var (
	grabCamera  string
	grabTimeout time.Duration
)

func init() {
	rootCmd.AddCommand(grabCmd)

	grabCmd.Flags().StringVarP(&grabCamera, "camera", "c", "", "camera id (default is camera.id from the config)")
	grabCmd.Flags().DurationVarP(&grabTimeout, "timeout", "t", 5*time.Second, "time to wait for the frame")
}

func runGrab(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	id := grabCamera
	if id == "" {
		id = cfg.Camera.ID
	}
	path := "frame.png"
	if len(args) == 1 {
		path = args[0]
	}

	sys, _, err := openSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	g, err := device.GrabFrame(cmd.Context(), sys, id, cfg.AccessMode(), grabTimeout)
	if err != nil {
		return fmt.Errorf("failed to grab frame: %w", err)
	}
	img, err := output.Decode(g.PixelFormat, int(g.Width), int(g.Height), g.Data)
	if err != nil {
		return fmt.Errorf("failed to decode frame: %w", err)
	}
	if err := writeImage(path, img); err != nil {
		return err
	}

	fmt.Printf("Frame %d (%dx%d %s, %s) written to %s\n", g.ID, g.Width, g.Height, g.PixelFormat, g.Status, path)
	return nil
}

func writeImage(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(f, img)
	}
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return nil
}
