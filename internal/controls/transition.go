package controls

import (
	"fmt"
	"math"
)

// Action is a transition request emitted by the control panel
type Action interface {
	apply(s *State)
	fmt.Stringer
}

// ToggleFitScreen flips between contain and cover
type ToggleFitScreen struct{}

// ToggleOverlay flips whether the overlay is drawn
type ToggleOverlay struct{}

// SetOpacity sets the overlay alpha, clamped to [0,1]
type SetOpacity struct{ V float64 }

// SetImage selects the overlay image. An empty Ref clears the selection.
// The ref is replaced even when it equals the current one.
type SetImage struct{ Ref string }

// SetCanvasSize sets the surface size. A non-positive axis keeps its
// previous value.
type SetCanvasSize struct{ W, H int }

func (ToggleFitScreen) apply(s *State) { s.FitScreen = !s.FitScreen }
func (ToggleOverlay) apply(s *State)   { s.OverlayLocked = !s.OverlayLocked }
func (a SetOpacity) apply(s *State)    { s.Opacity = clampOpacity(a.V) }
func (a SetImage) apply(s *State)      { s.ImageRef = a.Ref }

func (a SetCanvasSize) apply(s *State) {
	if a.W > 0 {
		s.CanvasWidth = a.W
	}
	if a.H > 0 {
		s.CanvasHeight = a.H
	}
}

func (ToggleFitScreen) String() string { return "ToggleFitScreen" }
func (ToggleOverlay) String() string   { return "ToggleOverlay" }
func (a SetOpacity) String() string    { return fmt.Sprintf("SetOpacity(%g)", a.V) }
func (a SetImage) String() string      { return fmt.Sprintf("SetImage(%q)", a.Ref) }
func (a SetCanvasSize) String() string { return fmt.Sprintf("SetCanvasSize(%d, %d)", a.W, a.H) }

// Transition returns the state that results from applying action to
// current. It never fails and never modifies current. A nil action still
// produces a new revision.
func Transition(current State, action Action) State {
	next := current
	if action != nil {
		action.apply(&next)
	}
	next.Revision = current.Revision + 1
	return next
}

func clampOpacity(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
