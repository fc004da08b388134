// Package compositor draws the overlay image onto a transparent surface
// and mixes that surface over camera frames.
package compositor

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/imageload"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"golang.org/x/image/draw"
)

// Snapshot describes the surface after a redraw
type Snapshot struct {
	Revision uint64      `json:"revision"`
	Width    int         `json:"width"`
	Height   int         `json:"height"`
	Drawn    bool        `json:"drawn"`
	ImageRef string      `json:"image_ref,omitempty"`
	Image    *image.RGBA `json:"-"`
}

// Compositor owns the overlay surface. Every redraw happens under its
// lock, so triggers from Run, SetViewport and Redraw never interleave.
type Compositor struct {
	mu       sync.Mutex
	surface  *Surface
	mode     config.SizeMode
	controls controls.State
	image    imageload.State
	viewport image.Point
	limit    image.Point
	revision uint64
	drawn    bool

	listeners []chan uint64
}

// DefaultMaxSize is the surface limit used when WithMaxSize is not given
const DefaultMaxSize = 8192

// Option customises a Compositor
type Option func(*Compositor)

// WithMaxSize bounds the surface to width x height. Larger canvas or
// viewport sizes are clamped per axis. Non-positive values keep the
// default.
func WithMaxSize(width, height int) Option {
	return func(c *Compositor) {
		if width > 0 {
			c.limit.X = min(width, MaxSurfaceSide)
		}
		if height > 0 {
			c.limit.Y = min(height, MaxSurfaceSide)
		}
	}
}

// New creates a compositor and performs the initial redraw
func New(mode config.SizeMode, initial controls.State, opts ...Option) *Compositor {
	if mode == "" {
		mode = config.SizeModeExplicit
	}
	c := &Compositor{
		surface:  NewSurface(1, 1),
		mode:     mode,
		controls: initial,
		limit:    image.Pt(DefaultMaxSize, DefaultMaxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.mu.Lock()
	c.redrawLocked()
	c.mu.Unlock()
	return c
}

// Run applies control and image updates until ctx is done or both
// channels are closed
func (c *Compositor) Run(ctx context.Context, controlsCh <-chan controls.State, imagesCh <-chan imageload.State) {
	for controlsCh != nil || imagesCh != nil {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-controlsCh:
			if !ok {
				controlsCh = nil
				continue
			}
			c.SetControls(st)
		case st, ok := <-imagesCh:
			if !ok {
				imagesCh = nil
				continue
			}
			c.SetImage(st)
		}
	}
}

// SetControls records a control snapshot and redraws if a value the
// surface depends on changed
func (c *Compositor) SetControls(st controls.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.controls
	c.controls = st
	if prev.Opacity != st.Opacity ||
		prev.CanvasWidth != st.CanvasWidth ||
		prev.CanvasHeight != st.CanvasHeight ||
		prev.FitScreen != st.FitScreen ||
		prev.OverlayLocked != st.OverlayLocked {
		c.redrawLocked()
	}
}

// SetImage records the latest image state and redraws if it changed
func (c *Compositor) SetImage(st imageload.State) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if st.Same(c.image) {
		return
	}
	c.image = st
	c.redrawLocked()
}

// SetViewport records the viewer's size. Only the viewport size mode
// redraws for it.
func (c *Compositor) SetViewport(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	vp := image.Pt(width, height)
	if vp == c.viewport {
		return
	}
	c.viewport = vp
	if c.mode == config.SizeModeViewport {
		c.redrawLocked()
	}
}

// Viewport returns the last reported viewport, zero if none
func (c *Compositor) Viewport() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport.X, c.viewport.Y
}

// Redraw repaints the surface from the current inputs
func (c *Compositor) Redraw() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redrawLocked()
}

func (c *Compositor) targetSize() (int, int) {
	w, h := c.controls.CanvasWidth, c.controls.CanvasHeight
	if c.mode == config.SizeModeViewport && c.viewport.X > 0 && c.viewport.Y > 0 {
		w, h = c.viewport.X, c.viewport.Y
	}
	if w <= c.limit.X && h <= c.limit.Y {
		return w, h
	}
	logger.WithComponent("compositor").Warn().
		Int("width", w).
		Int("height", h).
		Int("max_width", c.limit.X).
		Int("max_height", c.limit.Y).
		Msg("Requested surface size exceeds limit, clamping")
	return min(w, c.limit.X), min(h, c.limit.Y)
}

func (c *Compositor) redrawLocked() {
	w, h := c.targetSize()
	resized := c.surface.Resize(w, h)
	c.surface.Clear()

	c.drawn = false
	if c.image.Phase == imageload.Ready && c.controls.OverlayLocked && c.image.Handle != nil {
		mask := image.NewUniform(color.Alpha{A: opacityAlpha(c.controls.Opacity)})
		dst := c.surface.Image()
		c.drawn = c.image.Handle.Use(func(img image.Image) {
			b := img.Bounds()
			draw.DrawMask(dst, b.Sub(b.Min), img, b.Min, mask, image.Point{}, draw.Over)
		})
	}

	c.revision++
	logger.WithComponent("compositor").Debug().
		Uint64("revision", c.revision).
		Int("width", w).
		Int("height", h).
		Bool("resized", resized).
		Bool("drawn", c.drawn).
		Msg("Redrew overlay surface")

	for _, ch := range c.listeners {
		select {
		case ch <- c.revision:
		default:
			// drop the stale revision, keep the newest
			select {
			case <-ch:
			default:
			}
			ch <- c.revision
		}
	}
}

// opacityAlpha maps [0,1] to a uniform 8-bit alpha
func opacityAlpha(opacity float64) uint8 {
	switch {
	case opacity <= 0 || math.IsNaN(opacity):
		return 0
	case opacity >= 1:
		return 255
	}
	return uint8(opacity*255 + 0.5)
}

// Snapshot returns a copy of the surface and its revision
func (c *Compositor) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(true)
}

// Info returns the snapshot metadata without copying pixels
func (c *Compositor) Info() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(false)
}

func (c *Compositor) snapshotLocked(pixels bool) Snapshot {
	w, h := c.surface.Size()
	s := Snapshot{
		Revision: c.revision,
		Width:    w,
		Height:   h,
		Drawn:    c.drawn,
	}
	if c.drawn {
		s.ImageRef = c.image.Ref
	}
	if pixels {
		s.Image = c.surface.Copy()
	}
	return s
}

// Subscribe returns a channel that receives the revision after each
// redraw. Only the newest pending revision is kept.
func (c *Compositor) Subscribe() chan uint64 {
	ch := make(chan uint64, 1)
	c.mu.Lock()
	c.listeners = append(c.listeners, ch)
	c.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (c *Compositor) Unsubscribe(ch chan uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, listener := range c.listeners {
		if listener == ch {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}
