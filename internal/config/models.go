package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bryanchriswhite/camstreamer/internal/capture"
	"github.com/bryanchriswhite/camstreamer/internal/logger"
	"github.com/bryanchriswhite/camstreamer/internal/native"
	"github.com/bryanchriswhite/camstreamer/internal/native/sim"
)

// Config represents the application configuration
type Config struct {
	ServerPort  int               `json:"server_port" yaml:"server_port"`
	LogLevel    string            `json:"log_level" yaml:"log_level"`
	Camera      CameraConfig      `json:"camera" yaml:"camera"`
	Acquisition AcquisitionConfig `json:"acquisition" yaml:"acquisition"`
	Output      OutputConfig      `json:"output" yaml:"output"`
	Simulator   SimulatorConfig   `json:"simulator" yaml:"simulator"`
}

// CameraConfig selects the camera served by default
type CameraConfig struct {
	ID         string `json:"id" yaml:"id"`
	AccessMode string `json:"access_mode" yaml:"access_mode"`
}

// AcquisitionConfig holds the capture session options. Durations are Go
// duration strings ("250ms", "2s").
type AcquisitionConfig struct {
	BufferCount   int    `json:"buffer_count" yaml:"buffer_count"`
	Delivery      string `json:"delivery" yaml:"delivery"`
	HandlerBudget string `json:"handler_budget" yaml:"handler_budget"`
	QueueDepth    int    `json:"queue_depth" yaml:"queue_depth"`
	DrainTimeout  string `json:"drain_timeout" yaml:"drain_timeout"`
	RevokeTimeout string `json:"revoke_timeout" yaml:"revoke_timeout"`
	RevokeRetries int    `json:"revoke_retries" yaml:"revoke_retries"`
}

// OutputConfig represents the MJPEG preview configuration
type OutputConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
	FPS     int  `json:"fps" yaml:"fps"`
	Quality int  `json:"quality" yaml:"quality"`
	Overlay bool `json:"overlay" yaml:"overlay"`
}

// SimulatorConfig describes the cameras exposed by the simulated transport
type SimulatorConfig struct {
	Cameras []SimCamera `json:"cameras" yaml:"cameras"`
}

// SimCamera is one simulated camera
type SimCamera struct {
	ID          string  `json:"id" yaml:"id"`
	Model       string  `json:"model,omitempty" yaml:"model,omitempty"`
	Serial      string  `json:"serial,omitempty" yaml:"serial,omitempty"`
	Width       int     `json:"width" yaml:"width"`
	Height      int     `json:"height" yaml:"height"`
	PixelFormat string  `json:"pixel_format" yaml:"pixel_format"`
	FPS         float64 `json:"fps" yaml:"fps"`
	Alignment   int     `json:"alignment,omitempty" yaml:"alignment,omitempty"`
}

var validLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true, "disabled": true}

// Validate rejects values the engine cannot run with
func (c *Config) Validate() error {
	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server_port: %d", c.ServerPort)
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	if native.ParseAccessMode(c.Camera.AccessMode) == native.AccessUnknown {
		return fmt.Errorf("invalid camera.access_mode: %s (use: full, read, exclusive)", c.Camera.AccessMode)
	}
	if c.Acquisition.BufferCount <= 0 {
		return fmt.Errorf("invalid acquisition.buffer_count: %d", c.Acquisition.BufferCount)
	}
	if _, err := capture.ParseDelivery(c.Acquisition.Delivery); err != nil {
		return fmt.Errorf("invalid acquisition.delivery: %w", err)
	}
	if c.Acquisition.QueueDepth < 0 || c.Acquisition.RevokeRetries < 0 {
		return fmt.Errorf("acquisition.queue_depth and acquisition.revoke_retries must not be negative")
	}
	for key, s := range map[string]string{
		"acquisition.handler_budget": c.Acquisition.HandlerBudget,
		"acquisition.drain_timeout":  c.Acquisition.DrainTimeout,
		"acquisition.revoke_timeout": c.Acquisition.RevokeTimeout,
	} {
		if _, err := parseDuration(s); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}
	if c.Output.Quality < 1 || c.Output.Quality > 100 {
		return fmt.Errorf("invalid output.quality: %d (1-100)", c.Output.Quality)
	}
	if c.Output.Width < 0 || c.Output.Height < 0 || c.Output.FPS < 0 {
		return fmt.Errorf("output.width, output.height and output.fps must not be negative")
	}
	seen := make(map[string]bool)
	for _, cam := range c.Simulator.Cameras {
		if cam.ID == "" {
			return fmt.Errorf("simulator camera without id")
		}
		if seen[cam.ID] {
			return fmt.Errorf("duplicate simulator camera id: %s", cam.ID)
		}
		seen[cam.ID] = true
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// Options builds capture options from the acquisition section. Push
// delivery still needs a handler set by the caller.
func (c *Config) Options() (capture.Options, error) {
	a := c.Acquisition
	delivery, err := capture.ParseDelivery(a.Delivery)
	if err != nil {
		return capture.Options{}, err
	}
	budget, err := parseDuration(a.HandlerBudget)
	if err != nil {
		return capture.Options{}, fmt.Errorf("invalid handler_budget: %w", err)
	}
	drain, err := parseDuration(a.DrainTimeout)
	if err != nil {
		return capture.Options{}, fmt.Errorf("invalid drain_timeout: %w", err)
	}
	revoke, err := parseDuration(a.RevokeTimeout)
	if err != nil {
		return capture.Options{}, fmt.Errorf("invalid revoke_timeout: %w", err)
	}
	return capture.Options{
		BufferCount:   a.BufferCount,
		Delivery:      delivery,
		HandlerBudget: budget,
		QueueDepth:    a.QueueDepth,
		DrainTimeout:  drain,
		RevokeTimeout: revoke,
		RevokeRetries: a.RevokeRetries,
	}, nil
}

// AccessMode returns the configured camera access mode
func (c *Config) AccessMode() native.AccessMode {
	return native.ParseAccessMode(c.Camera.AccessMode)
}

// SimSpecs converts the simulator section into camera specs
func (c *Config) SimSpecs() []sim.CameraSpec {
	specs := make([]sim.CameraSpec, 0, len(c.Simulator.Cameras))
	for _, cam := range c.Simulator.Cameras {
		specs = append(specs, sim.CameraSpec{
			ID:          cam.ID,
			Model:       cam.Model,
			Serial:      cam.Serial,
			Width:       cam.Width,
			Height:      cam.Height,
			PixelFormat: cam.PixelFormat,
			FPS:         cam.FPS,
			Alignment:   cam.Alignment,
		})
	}
	return specs
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// DefaultPath returns $HOME/.config/camstreamer/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "camstreamer", "config.yaml"), nil
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	actualConfigPath := configFile
	if actualConfigPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		actualConfigPath = p
	}

	// Create config directory if it doesn't exist
	if err := os.MkdirAll(filepath.Dir(actualConfigPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	// Try to read config file
	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			// Config file not found, create it with defaults
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = m.getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Int("sim_cameras", len(m.config.Simulator.Cameras)).
		Msg("Config loaded")

	return m, nil
}

// getDefaults returns default configuration
func (m *Manager) getDefaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Camera: CameraConfig{
			ID:         "sim0",
			AccessMode: "full",
		},
		Acquisition: AcquisitionConfig{
			BufferCount:   4,
			Delivery:      "push",
			HandlerBudget: capture.DefaultHandlerBudget.String(),
			QueueDepth:    0,
			DrainTimeout:  capture.DefaultDrainTimeout.String(),
			RevokeTimeout: capture.DefaultRevokeTimeout.String(),
			RevokeRetries: capture.DefaultRevokeRetries,
		},
		Output: OutputConfig{
			Enabled: true,
			Width:   0,
			Height:  0,
			FPS:     10,
			Quality: 80,
			Overlay: true,
		},
		Simulator: SimulatorConfig{
			Cameras: []SimCamera{
				{ID: "sim0", Model: "SIM-640", Serial: "0001", Width: 640, Height: 480, PixelFormat: "Mono8", FPS: 30},
			},
		},
	}
}

// load reads the configuration from disk. Missing keys keep their defaults.
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := m.getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Simulator.Cameras == nil {
		cfg.Simulator.Cameras = []SimCamera{}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return m.getDefaults()
	}

	// Return a copy to prevent external modification
	cfg := *m.config
	cfg.Simulator.Cameras = append([]SimCamera(nil), m.config.Simulator.Cameras...)
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = m.getDefaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	// Ensure the directory exists
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Msg("Config saved successfully")
	return nil
}

// Update validates and replaces the entire configuration
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	if !validLevels[level] {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", level)
	}
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetViper returns a viper instance loaded with the current configuration,
// addressable by dotted keys such as "acquisition.buffer_count".
func (m *Manager) GetViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	data, err := yaml.Marshal(m.Get())
	if err != nil {
		logger.WithComponent("config").Error().Err(err).Msg("Failed to marshal config for viper")
		return v
	}
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		logger.WithComponent("config").Error().Err(err).Msg("Failed to load config into viper")
	}
	return v
}

// ApplyViper writes the settings of v back into the configuration and saves
// it. Values are validated before anything is stored.
func (m *Manager) ApplyViper(v *viper.Viper) error {
	data, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	cfg := m.getDefaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode settings: %w", err)
	}
	return m.Update(cfg)
}

// ParseValue converts a command-line value to the scalar YAML would read
// from it: "9090" is an int, "true" a bool, anything else a string.
func ParseValue(s string) interface{} {
	var v interface{}
	if err := yaml.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	switch v.(type) {
	case int, float64, bool, string:
		return v
	default:
		return s
	}
}
