package config

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard, "error")
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}

	cfg := m.Get()
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.Controls.Opacity != 0.2 {
		t.Errorf("Controls.Opacity = %v, want 0.2", cfg.Controls.Opacity)
	}
	if cfg.Controls.CanvasWidth != 800 || cfg.Controls.CanvasHeight != 600 {
		t.Errorf("canvas = %dx%d, want 800x600", cfg.Controls.CanvasWidth, cfg.Controls.CanvasHeight)
	}
	if cfg.Canvas.SizeMode != SizeModeExplicit {
		t.Errorf("SizeMode = %q, want explicit", cfg.Canvas.SizeMode)
	}
}

func TestLoadFillsMissingValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "server_port: 9090\ncamera:\n  backend: pattern\nimages:\n  fetch_timeout: 3s\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("NewManager() failed: %v", err)
	}
	cfg := m.Get()

	if cfg.ServerPort != 9090 {
		t.Errorf("ServerPort = %d, want 9090", cfg.ServerPort)
	}
	if cfg.Camera.Backend != BackendPattern {
		t.Errorf("Camera.Backend = %q, want pattern", cfg.Camera.Backend)
	}
	if cfg.Camera.FPS != 30 {
		t.Errorf("Camera.FPS = %d, want default 30", cfg.Camera.FPS)
	}
	if cfg.Images.FetchTimeout != 3*time.Second {
		t.Errorf("FetchTimeout = %v, want 3s", cfg.Images.FetchTimeout)
	}
	if cfg.Stream.FPS != 15 {
		t.Errorf("Stream.FPS = %d, want default 15", cfg.Stream.FPS)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		data   string
		errMsg string
	}{
		{"bad port", "server_port: 70000\n", "server_port"},
		{"bad level", "log_level: loud\n", "log_level"},
		{"bad size mode", "canvas:\n  size_mode: stretch\n", "size_mode"},
		{"bad backend", "camera:\n  backend: v4l1\n", "camera.backend"},
		{"bad quality", "stream:\n  jpeg_quality: 101\n", "jpeg_quality"},
		{"max size too large", "canvas:\n  max_width: 100000\n", "canvas max size"},
		{"canvas over max", "canvas:\n  max_width: 640\ncontrols:\n  canvas_width: 800\n", "exceeds canvas max size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0644); err != nil {
				t.Fatal(err)
			}

			_, err := NewManager(path)
			if err == nil {
				t.Fatalf("NewManager() succeeded, want error containing %q", tt.errMsg)
			}
			if !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("error = %v, want substring %q", err, tt.errMsg)
			}
		})
	}
}

func TestUpdateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}

	cfg := m.Get()
	cfg.Canvas.SizeMode = SizeModeViewport
	cfg.Images.FetchTimeout = 2 * time.Second
	if err := m.Update(cfg); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	reloaded, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	got := reloaded.Get()
	if got.Canvas.SizeMode != SizeModeViewport {
		t.Errorf("SizeMode = %q after reload, want viewport", got.Canvas.SizeMode)
	}
	if got.Images.FetchTimeout != 2*time.Second {
		t.Errorf("FetchTimeout = %v after reload, want 2s", got.Images.FetchTimeout)
	}

	bad := m.Get()
	bad.ServerPort = 0
	if err := m.Update(bad); err == nil {
		t.Error("Update() accepted port 0")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	cfg.ServerPort = 1
	if m.Get().ServerPort == 1 {
		t.Error("Get() exposed internal config")
	}
}
