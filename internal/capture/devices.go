package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/config"
)

// Device is a video4linux capture node
type Device struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

// ListDevices returns /dev/video* nodes with their driver-reported names
func ListDevices() ([]Device, error) {
	return listDevices("/dev", "/sys/class/video4linux")
}

func listDevices(devDir, sysDir string) ([]Device, error) {
	paths, err := filepath.Glob(filepath.Join(devDir, "video*"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	devices := make([]Device, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		name := base
		if data, err := os.ReadFile(filepath.Join(sysDir, base, "name")); err == nil {
			name = strings.TrimSpace(string(data))
		}
		devices = append(devices, Device{Path: path, Name: name})
	}
	return devices, nil
}

// NewOpener returns the Opener for the configured backend. The pattern
// backend renders at width x height.
func NewOpener(cfg config.CameraConfig, width, height int) (Opener, error) {
	switch cfg.Backend {
	case config.BackendGstSubprocess:
		return func() (Source, error) {
			if _, err := os.Stat(cfg.Device); err != nil {
				return nil, fmt.Errorf("camera device: %w", err)
			}
			return NewGstSubprocess(cfg.Device, cfg.FPS), nil
		}, nil
	case config.BackendGst:
		return func() (Source, error) {
			if _, err := os.Stat(cfg.Device); err != nil {
				return nil, fmt.Errorf("camera device: %w", err)
			}
			return NewGstPipeline(cfg.Device, cfg.FPS), nil
		}, nil
	case config.BackendPattern:
		return func() (Source, error) {
			return NewPattern(width, height, cfg.FPS), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrNoBackend, cfg.Backend)
	}
}

// NewAuthorizer returns the portal authorizer when enabled, else AllowAll
func NewAuthorizer(cfg config.CameraConfig) Authorizer {
	if cfg.Portal {
		return &PortalAuthorizer{Timeout: 2 * time.Minute}
	}
	return AllowAll{}
}
