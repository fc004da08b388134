package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"gopkg.in/yaml.v3"
)

// SizeMode decides where the overlay surface takes its dimensions from
type SizeMode string

const (
	SizeModeExplicit SizeMode = "explicit" // canvas_width x canvas_height from the control state
	SizeModeViewport SizeMode = "viewport" // size reported by the viewer
)

// Camera backends
const (
	BackendGstSubprocess = "gst-subprocess"
	BackendGst           = "gst"
	BackendPattern       = "pattern"
)

// Config represents the application configuration
type Config struct {
	ServerPort int            `json:"server_port" yaml:"server_port"`
	LogLevel   string         `json:"log_level" yaml:"log_level"`
	Controls   ControlsConfig `json:"controls" yaml:"controls"`
	Canvas     CanvasConfig   `json:"canvas" yaml:"canvas"`
	Camera     CameraConfig   `json:"camera" yaml:"camera"`
	Stream     StreamConfig   `json:"stream" yaml:"stream"`
	Images     ImagesConfig   `json:"images" yaml:"images"`
	Display    DisplayConfig  `json:"display" yaml:"display"`

	// browser origins besides the server's own that may use the API
	AllowedOrigins []string `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// ControlsConfig holds the initial control state. Changes made at runtime
// are not written back.
type ControlsConfig struct {
	Opacity       float64 `json:"opacity" yaml:"opacity"`
	CanvasWidth   int     `json:"canvas_width" yaml:"canvas_width"`
	CanvasHeight  int     `json:"canvas_height" yaml:"canvas_height"`
	FitScreen     bool    `json:"fit_screen" yaml:"fit_screen"`
	OverlayLocked bool    `json:"overlay_locked" yaml:"overlay_locked"`
}

// CanvasConfig represents overlay surface configuration. Canvas or
// viewport sizes above MaxWidth x MaxHeight are clamped.
type CanvasConfig struct {
	SizeMode  SizeMode `json:"size_mode" yaml:"size_mode"`
	MaxWidth  int      `json:"max_width" yaml:"max_width"`
	MaxHeight int      `json:"max_height" yaml:"max_height"`
}

// MaxCanvasSide is the largest accepted canvas.max_width or max_height
const MaxCanvasSide = 1 << 15

// CameraConfig represents camera acquisition configuration
type CameraConfig struct {
	Backend string `json:"backend" yaml:"backend"`
	Device  string `json:"device" yaml:"device"`
	Portal  bool   `json:"portal" yaml:"portal"` // ask xdg-desktop-portal for camera access first
	FPS     int    `json:"fps" yaml:"fps"`
}

// StreamConfig represents MJPEG output configuration
type StreamConfig struct {
	FPS         int `json:"fps" yaml:"fps"`
	JPEGQuality int `json:"jpeg_quality" yaml:"jpeg_quality"`
}

// ImagesConfig represents overlay image loading configuration
type ImagesConfig struct {
	MaxBytes     int64         `json:"max_bytes" yaml:"max_bytes"`
	MaxPixels    int64         `json:"max_pixels" yaml:"max_pixels"`
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	AllowFiles   bool          `json:"allow_files" yaml:"allow_files"`
	FileRoot     string        `json:"file_root,omitempty" yaml:"file_root,omitempty"`
}

// DisplayConfig represents the optional local X11 preview window
type DisplayConfig struct {
	Preview bool `json:"preview" yaml:"preview"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		ServerPort: 8080,
		LogLevel:   "info",
		Controls: ControlsConfig{
			Opacity:      0.2,
			CanvasWidth:  800,
			CanvasHeight: 600,
		},
		Canvas: CanvasConfig{
			SizeMode:  SizeModeExplicit,
			MaxWidth:  8192,
			MaxHeight: 8192,
		},
		Camera: CameraConfig{
			Backend: BackendGstSubprocess,
			Device:  "/dev/video0",
			Portal:  false,
			FPS:     30,
		},
		Stream: StreamConfig{
			FPS:         15,
			JPEGQuality: 85,
		},
		Images: ImagesConfig{
			MaxBytes:     32 << 20,
			MaxPixels:    8192 * 8192,
			FetchTimeout: 15 * time.Second,
		},
		Display: DisplayConfig{
			Width:  960,
			Height: 540,
		},
	}
}

// DefaultPath returns $HOME/.config/overlaycam/config.yaml
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "overlaycam", "config.yaml"), nil
}

// NewManager creates a new configuration manager. An empty configFile
// selects DefaultPath. A missing file is created with defaults.
func NewManager(configFile string) (*Manager, error) {
	path := configFile
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	m := &Manager{
		configPath: path,
	}

	if err := m.load(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		logger.WithComponent("config").Info().
			Str("path", m.configPath).
			Msg("Config file not found, creating new config")
		m.config = Defaults()
		if err := m.Save(); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("camera_backend", m.config.Camera.Backend).
		Str("size_mode", string(m.config.Canvas.SizeMode)).
		Msg("Config loaded")

	return m, nil
}

// load reads the configuration from disk, fills zero values from the
// defaults and validates the result
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyDefaults replaces zero values that would otherwise make the
// config unusable
func applyDefaults(cfg *Config) {
	def := Defaults()
	if cfg.ServerPort == 0 {
		cfg.ServerPort = def.ServerPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.Canvas.SizeMode == "" {
		cfg.Canvas.SizeMode = def.Canvas.SizeMode
	}
	if cfg.Canvas.MaxWidth <= 0 {
		cfg.Canvas.MaxWidth = def.Canvas.MaxWidth
	}
	if cfg.Canvas.MaxHeight <= 0 {
		cfg.Canvas.MaxHeight = def.Canvas.MaxHeight
	}
	if cfg.Camera.Backend == "" {
		cfg.Camera.Backend = def.Camera.Backend
	}
	if cfg.Camera.FPS <= 0 {
		cfg.Camera.FPS = def.Camera.FPS
	}
	if cfg.Stream.FPS <= 0 {
		cfg.Stream.FPS = def.Stream.FPS
	}
	if cfg.Stream.JPEGQuality <= 0 {
		cfg.Stream.JPEGQuality = def.Stream.JPEGQuality
	}
	if cfg.Images.MaxBytes <= 0 {
		cfg.Images.MaxBytes = def.Images.MaxBytes
	}
	if cfg.Images.MaxPixels <= 0 {
		cfg.Images.MaxPixels = def.Images.MaxPixels
	}
	if cfg.Images.FetchTimeout <= 0 {
		cfg.Images.FetchTimeout = def.Images.FetchTimeout
	}
	if cfg.Display.Width <= 0 || cfg.Display.Height <= 0 {
		cfg.Display.Width, cfg.Display.Height = def.Display.Width, def.Display.Height
	}
}

// Validate checks values that cannot be clamped at runtime
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d out of range (1-65535)", c.ServerPort)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q (use: %s)", c.LogLevel, strings.Join(logger.Levels, ", "))
	}
	switch c.Canvas.SizeMode {
	case SizeModeExplicit, SizeModeViewport:
	default:
		return fmt.Errorf("invalid canvas.size_mode %q (use: explicit, viewport)", c.Canvas.SizeMode)
	}
	if c.Canvas.MaxWidth < 1 || c.Canvas.MaxWidth > MaxCanvasSide ||
		c.Canvas.MaxHeight < 1 || c.Canvas.MaxHeight > MaxCanvasSide {
		return fmt.Errorf("canvas max size %dx%d out of range (1-%d)", c.Canvas.MaxWidth, c.Canvas.MaxHeight, MaxCanvasSide)
	}
	if c.Controls.CanvasWidth > c.Canvas.MaxWidth || c.Controls.CanvasHeight > c.Canvas.MaxHeight {
		return fmt.Errorf("controls canvas %dx%d exceeds canvas max size %dx%d",
			c.Controls.CanvasWidth, c.Controls.CanvasHeight, c.Canvas.MaxWidth, c.Canvas.MaxHeight)
	}
	switch c.Camera.Backend {
	case BackendGstSubprocess, BackendGst, BackendPattern:
	default:
		return fmt.Errorf("invalid camera.backend %q (use: %s, %s, %s)",
			c.Camera.Backend, BackendGstSubprocess, BackendGst, BackendPattern)
	}
	if c.Display.Width > 65535 || c.Display.Height > 65535 {
		return fmt.Errorf("display size %dx%d too large", c.Display.Width, c.Display.Height)
	}
	if c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality %d out of range (1-100)", c.Stream.JPEGQuality)
	}
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return Defaults()
	}
	cfg := *m.config
	return &cfg
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Update validates and replaces the configuration, then saves it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	c := *cfg
	m.config = &c
	m.mu.Unlock()
	return m.Save()
}

// SetPort overrides the server port in memory (flag override, not saved)
func (m *Manager) SetPort(port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.ServerPort = port
}

// SetLogLevel overrides the log level in memory (flag override, not saved)
func (m *Manager) SetLogLevel(level string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config.LogLevel = level
}

// GetConfigPath returns the configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the directory holding the configuration file
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
