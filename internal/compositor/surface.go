package compositor

import (
	"image"
)

// Surface is the transparent overlay layer
type Surface struct {
	img *image.RGBA
}

// MaxSurfaceSide bounds either surface dimension regardless of the
// configured limit
const MaxSurfaceSide = 1 << 15

// NewSurface allocates a cleared surface. Sizes are clamped to
// [1, MaxSurfaceSide].
func NewSurface(width, height int) *Surface {
	return &Surface{img: image.NewRGBA(image.Rect(0, 0, clampSide(width), clampSide(height)))}
}

func clampSide(n int) int {
	return min(max(n, 1), MaxSurfaceSide)
}

// Size returns the surface dimensions
func (s *Surface) Size() (int, int) {
	b := s.img.Bounds()
	return b.Dx(), b.Dy()
}

// Resize reallocates the surface if the clamped size changed. It reports
// whether it did.
func (s *Surface) Resize(width, height int) bool {
	width, height = clampSide(width), clampSide(height)
	if w, h := s.Size(); w == width && h == height {
		return false
	}
	s.img = image.NewRGBA(image.Rect(0, 0, width, height))
	return true
}

// Clear makes every pixel fully transparent
func (s *Surface) Clear() {
	clear(s.img.Pix)
}

// Image returns the backing image. Callers must not keep it across a
// redraw.
func (s *Surface) Image() *image.RGBA {
	return s.img
}

// Copy returns an independent copy of the surface pixels
func (s *Surface) Copy() *image.RGBA {
	out := image.NewRGBA(s.img.Bounds())
	copy(out.Pix, s.img.Pix)
	return out
}
