package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bryanchriswhite/camstreamer/internal/config"
	"github.com/bryanchriswhite/camstreamer/internal/device"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "camstreamer",
		Short: "CamStreamer - GenICam frame acquisition and preview server",
		Long: `CamStreamer drives GenICam-style cameras through an asynchronous
acquisition engine and serves the frames as an MJPEG preview.

Features:
  • Discover cameras and open them with reference counting
  • Announce and queue a pool of aligned frame buffers
  • Push or pull frame delivery with per-session statistics
  • Typed access to camera features
  • REST and WebSocket API for integration
  • Persistent configuration`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/camstreamer/config.yaml)")
	rootCmd.PersistentFlags().Int("port", 0, "server port (default is 8080)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")

	// Bind flags to viper
	viper.BindPFlag("server_port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig reads the config file and applies the global flag overrides
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Override log level from flag if provided
	if viper.IsSet("log_level") {
		if level := viper.GetString("log_level"); level != "" {
			if err := configMgr.SetLogLevel(level); err != nil {
				return nil, err
			}
		}
	}
	logger.Init(configMgr.Get().LogLevel, true)
	return configMgr, nil
}

// openSystem opens the acquisition system over the configured transport.
// The caller closes it.
func openSystem(cfg *config.Config) (*device.System, *sim.Transport, error) {
	tr := sim.New(cfg.SimSpecs()...)
	sys := device.NewSystem(tr)
	if err := sys.Open(); err != nil {
		return nil, nil, fmt.Errorf("failed to open system: %w", err)
	}
	return sys, tr, nil
}
