// Package controls holds the user's intent for the overlay: fit mode,
// overlay visibility, opacity, the selected image and the canvas size.
//
// State is an immutable value. The only way to change it is Transition,
// reached at runtime through Store.Dispatch.
package controls

import "fmt"

const (
	DefaultOpacity      = 0.2
	DefaultCanvasWidth  = 800
	DefaultCanvasHeight = 600
)

// Fit modes, usable directly as CSS object-fit values
const (
	FitContain = "contain"
	FitCover   = "cover"
)

// State is one snapshot of the control state
type State struct {
	FitScreen     bool    `json:"fit_screen"`
	OverlayLocked bool    `json:"overlay_locked"`
	Opacity       float64 `json:"opacity"`
	ImageRef      string  `json:"image_ref,omitempty"`
	CanvasWidth   int     `json:"canvas_width"`
	CanvasHeight  int     `json:"canvas_height"`

	// Revision increases by one on every transition
	Revision uint64 `json:"revision"`
}

// Default returns the initial state: cover fit, overlay hidden,
// opacity 0.2, no image, 800x600
func Default() State {
	return State{
		Opacity:      DefaultOpacity,
		CanvasWidth:  DefaultCanvasWidth,
		CanvasHeight: DefaultCanvasHeight,
	}
}

// New builds an initial state from configured values, passing them
// through the same clamping rules as Transition
func New(fitScreen, overlayLocked bool, opacity float64, width, height int) State {
	s := Default()
	s.FitScreen = fitScreen
	s.OverlayLocked = overlayLocked
	s.Opacity = clampOpacity(opacity)
	if width > 0 {
		s.CanvasWidth = width
	}
	if height > 0 {
		s.CanvasHeight = height
	}
	return s
}

// FitMode returns the presentation hint for the video and overlay surfaces
func (s State) FitMode() string {
	if s.FitScreen {
		return FitContain
	}
	return FitCover
}

// HasImage reports whether an overlay image is selected
func (s State) HasImage() bool {
	return s.ImageRef != ""
}

func (s State) String() string {
	return fmt.Sprintf("rev=%d fit=%s locked=%t opacity=%.2f canvas=%dx%d image=%q",
		s.Revision, s.FitMode(), s.OverlayLocked, s.Opacity, s.CanvasWidth, s.CanvasHeight, s.ImageRef)
}
