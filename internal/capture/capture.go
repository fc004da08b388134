// Package capture acquires the camera once per process and exposes the
// live video source to the rest of the pipeline.
package capture

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrStreamDenied wraps every reason acquisition ended in Denied
	ErrStreamDenied = errors.New("camera stream denied")
	// ErrNoBackend is returned for an unknown backend name
	ErrNoBackend = errors.New("no capture backend")
)

// Source is a live video source
type Source interface {
	// Start opens the device and returns once the first frame has arrived
	// or the source failed
	Start(ctx context.Context) error

	// Stop releases the device. Safe to call more than once.
	Stop() error

	// LatestFrame returns a copy of the most recent frame, or nil
	LatestFrame() *image.RGBA

	// Size returns the negotiated frame dimensions
	Size() (width, height int)

	// Name returns a human-readable name for this source
	Name() string
}

// Phase of stream acquisition
type Phase int

const (
	NotRequested Phase = iota
	Requesting
	Granted
	Denied
)

func (p Phase) String() string {
	switch p {
	case NotRequested:
		return "not_requested"
	case Requesting:
		return "requesting"
	case Granted:
		return "granted"
	case Denied:
		return "denied"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase render as its name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State of the process-wide stream. Source is set only when Granted,
// Err only when Denied.
type State struct {
	Phase  Phase
	Source Source
	Err    error
}
