package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/godbus/dbus/v5"
)

// Portal D-Bus constants
const (
	portalService = "org.freedesktop.portal.Desktop"
	portalPath    = "/org/freedesktop/portal/desktop"
	cameraIface   = "org.freedesktop.portal.Camera"
	requestIface  = "org.freedesktop.portal.Request"
)

// ErrNoCamera is returned by the portal when no camera is attached
var ErrNoCamera = errors.New("no camera present")

var portalRequests atomic.Uint32

// PortalAuthorizer asks xdg-desktop-portal for camera access. The user
// may see a permission dialog; a dismissed dialog counts as a refusal.
type PortalAuthorizer struct {
	Timeout time.Duration
}

// Authorize implements Authorizer
func (p *PortalAuthorizer) Authorize(ctx context.Context) error {
	log := logger.WithComponent("portal")

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	defer conn.Close()

	obj := conn.Object(portalService, portalPath)

	present, err := obj.GetProperty(cameraIface + ".IsCameraPresent")
	if err != nil {
		log.Debug().Err(err).Msg("IsCameraPresent unavailable, asking anyway")
	} else if ok, _ := present.Value().(bool); !ok {
		return ErrNoCamera
	}

	// response channel must exist before the call
	responseChan := make(chan *dbus.Signal, 10)
	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		log.Warn().Err(err).Msg("Failed to add match rule")
	}
	conn.Signal(responseChan)
	defer conn.RemoveSignal(responseChan)

	token := fmt.Sprintf("overlaycam%d_%d", os.Getpid(), portalRequests.Add(1))
	options := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(token),
	}

	var requestPath dbus.ObjectPath
	if err := obj.Call(cameraIface+".AccessCamera", 0, options).Store(&requestPath); err != nil {
		return fmt.Errorf("AccessCamera call failed: %w", err)
	}
	log.Info().Str("request_path", string(requestPath)).Msg("Waiting for camera permission (portal dialog may appear)")

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("timeout waiting for AccessCamera response")
		case sig := <-responseChan:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 1 {
				return fmt.Errorf("invalid response")
			}
			code, _ := sig.Body[0].(uint32)
			if code != 0 {
				return fmt.Errorf("portal request denied (code %d)", code)
			}
			log.Info().Msg("Camera access granted by portal")
			return nil
		}
	}
}
