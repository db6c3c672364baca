package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/camstreamer/internal/api"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/output"
	"github.com/bryanchriswhite/camstreamer/internal/overlay"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the CamStreamer server",
	Long: `Start the CamStreamer HTTP server.

The server exposes the camera list, stream control, camera features and the
configuration over a REST API, device and stream events over a WebSocket,
and the frames of the active stream as an MJPEG preview.`,
	Example: `  # Start server on default port (8080)
  camstreamer serve

  # Start server on custom port
  camstreamer serve --port 9090

  # Start streaming the configured camera right away
  camstreamer serve --start

  # Start with debug logging
  camstreamer serve --log-level debug`,
	RunE: runServe,
}

var serveStart bool

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveStart, "start", false, "start streaming the configured camera on launch")
}

func runServe(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}

	// Override port from flag if provided
	if viper.IsSet("server_port") {
		if port := viper.GetInt("server_port"); port > 0 {
			if err := configMgr.SetPort(port); err != nil {
				return fmt.Errorf("failed to set port: %w", err)
			}
		}
	}

	cfg := configMgr.Get()
	log := logger.WithComponent("serve")
	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	sys, _, err := openSystem(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	var preview *output.MJPEGOutput
	if cfg.Output.Enabled {
		var ov *overlay.Manager
		if cfg.Output.Overlay {
			ov = overlay.NewDefaultManager()
		}
		preview = output.NewMJPEGOutput(output.Config{
			Width:   cfg.Output.Width,
			Height:  cfg.Output.Height,
			FPS:     cfg.Output.FPS,
			Quality: cfg.Output.Quality,
		}, ov)
		if err := preview.Start(); err != nil {
			return fmt.Errorf("failed to start MJPEG output: %w", err)
		}
		defer preview.Stop()
	}

	server := api.NewServer(sys, configMgr, preview)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(cfg.ServerPort)
	}()

	if serveStart {
		if _, err := server.StartStream(cmd.Context(), cfg.Camera.ID, 0); err != nil {
			log.Error().Err(err).Str("camera", cfg.Camera.ID).Msg("Failed to start stream")
		} else {
			log.Info().Str("camera", cfg.Camera.ID).Msg("Streaming started")
		}
	}

	log.Info().
		Str("ui", fmt.Sprintf("http://localhost:%d", cfg.ServerPort)).
		Str("api", fmt.Sprintf("http://localhost:%d/api", cfg.ServerPort)).
		Msg("CamStreamer is running, press Ctrl+C to stop")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	log.Info().Msg("Shutting down gracefully...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
	return nil
}
