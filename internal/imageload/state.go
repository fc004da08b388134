// Package imageload turns an image reference into a decoded, drawable
// handle. It tracks only the most recently requested reference: a load
// that completes after a newer request is discarded and its handle
// released.
package imageload

import (
	"errors"
	"image"
	"sync"
)

var (
	// ErrDecode wraps every failure to fetch or decode an image
	ErrDecode = errors.New("image decode failed")
	// ErrUnsupportedRef is returned for references no resolver handles
	ErrUnsupportedRef = errors.New("unsupported image reference")
	// ErrNotFound is returned for blob references that were never
	// registered or have been revoked
	ErrNotFound = errors.New("image reference not found")
	// ErrTooLarge is returned when the encoded size or the declared pixel
	// count exceeds its limit
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Phase of the current load
type Phase int

const (
	Idle Phase = iota
	Loading
	Ready
	Failed
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets Phase render as its name in JSON
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is the loader's current view. Handle is set only when Phase is
// Ready, Err only when Phase is Failed.
type State struct {
	Phase      Phase
	Ref        string
	Generation uint64
	Handle     *Handle
	Err        error
}

// Same reports whether two states describe the same load outcome
func (s State) Same(o State) bool {
	return s.Phase == o.Phase && s.Generation == o.Generation && s.Handle == o.Handle
}

// Handle is a decoded image ready to draw. It is safe to use from any
// goroutine; once released, Use reports false and never calls fn.
type Handle struct {
	mu       sync.RWMutex
	ref      string
	img      *image.RGBA
	bounds   image.Rectangle
	released bool
}

// NewHandle wraps an already decoded image
func NewHandle(ref string, img *image.RGBA) *Handle {
	return &Handle{ref: ref, img: img, bounds: img.Bounds()}
}

// Ref returns the reference the handle was decoded from
func (h *Handle) Ref() string {
	return h.ref
}

// Bounds returns the decoded image bounds
func (h *Handle) Bounds() image.Rectangle {
	return h.bounds
}

// Use calls fn with the decoded image while holding the handle open.
// It returns false without calling fn if the handle has been released.
func (h *Handle) Use(fn func(img image.Image)) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.released {
		return false
	}
	fn(h.img)
	return true
}

// Released reports whether Release has been called
func (h *Handle) Released() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.released
}

// Release drops the pixel data. Safe to call more than once.
func (h *Handle) Release() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released = true
	h.img = nil
}
