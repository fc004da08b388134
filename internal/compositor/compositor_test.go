package compositor

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"io"
	"testing"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/imageload"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard, "error")
}

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
	}
	return img
}

func readyState(gen uint64, ref string, img *image.RGBA) imageload.State {
	return imageload.State{
		Phase:      imageload.Ready,
		Ref:        ref,
		Generation: gen,
		Handle:     imageload.NewHandle(ref, img),
	}
}

func transparent(img *image.RGBA) bool {
	for _, p := range img.Pix {
		if p != 0 {
			return false
		}
	}
	return true
}

func TestRedrawDrawsAtOpacity(t *testing.T) {
	st := controls.New(false, true, 0.2, 20, 10)
	c := New(config.SizeModeExplicit, st)
	c.SetImage(readyState(1, "A", solid(8, 4, color.RGBA{255, 0, 0, 255})))

	snap := c.Snapshot()
	if !snap.Drawn || snap.ImageRef != "A" {
		t.Fatalf("snapshot = %+v, want drawn A", snap)
	}
	if got := snap.Image.RGBAAt(0, 0); got.A != 51 || got.R != 51 {
		t.Errorf("pixel(0,0) = %v, want premultiplied red at alpha 51", got)
	}
	// drawn at origin without scaling
	if got := snap.Image.RGBAAt(8, 0); got.A != 0 {
		t.Errorf("pixel(8,0) = %v, want transparent", got)
	}
	if got := snap.Image.RGBAAt(0, 4); got.A != 0 {
		t.Errorf("pixel(0,4) = %v, want transparent", got)
	}
}

func TestRedrawIdempotent(t *testing.T) {
	c := New(config.SizeModeExplicit, controls.New(false, true, 0.5, 16, 16))
	c.SetImage(readyState(1, "A", solid(16, 16, color.RGBA{0, 128, 255, 255})))

	first := c.Snapshot()
	c.Redraw()
	c.Redraw()
	second := c.Snapshot()

	if !bytes.Equal(first.Image.Pix, second.Image.Pix) {
		t.Error("repeated redraw changed the surface")
	}
	if second.Revision != first.Revision+2 {
		t.Errorf("revision = %d, want %d", second.Revision, first.Revision+2)
	}
}

func TestOpacityChangeDoesNotAccumulate(t *testing.T) {
	st := controls.New(false, true, 0.2, 4, 4)
	c := New(config.SizeModeExplicit, st)
	c.SetImage(readyState(1, "A", solid(4, 4, color.RGBA{255, 255, 255, 255})))

	for _, step := range []struct {
		opacity float64
		alpha   uint8
	}{
		{0.2, 51},
		{0.9, 230},
		{0.2, 51},
		{1, 255},
		{0, 0},
	} {
		st = controls.Transition(st, controls.SetOpacity{V: step.opacity})
		c.SetControls(st)
		if got := c.Snapshot().Image.RGBAAt(1, 1).A; got != step.alpha {
			t.Errorf("opacity %.1f: alpha = %d, want %d", step.opacity, got, step.alpha)
		}
	}
}

func TestUnlockedOverlayStaysTransparent(t *testing.T) {
	st := controls.New(false, false, 1, 8, 8)
	c := New(config.SizeModeExplicit, st)
	c.SetImage(readyState(1, "A", solid(8, 8, color.RGBA{255, 255, 255, 255})))

	snap := c.Snapshot()
	if snap.Drawn || !transparent(snap.Image) {
		t.Fatal("overlay drawn while unlocked")
	}

	c.SetControls(controls.Transition(st, controls.ToggleOverlay{}))
	if snap := c.Snapshot(); !snap.Drawn || transparent(snap.Image) {
		t.Fatal("overlay not drawn after locking")
	}
}

func TestNotReadyStaysTransparent(t *testing.T) {
	c := New(config.SizeModeExplicit, controls.New(false, true, 1, 8, 8))
	for _, st := range []imageload.State{
		{Phase: imageload.Loading, Ref: "A", Generation: 1},
		{Phase: imageload.Failed, Ref: "A", Generation: 1, Err: imageload.ErrDecode},
		{Phase: imageload.Idle, Generation: 2},
	} {
		c.SetImage(st)
		if snap := c.Snapshot(); snap.Drawn || !transparent(snap.Image) {
			t.Errorf("%s: surface not transparent", st.Phase)
		}
	}
}

func TestReleasedHandleNotDrawn(t *testing.T) {
	c := New(config.SizeModeExplicit, controls.New(false, true, 1, 4, 4))
	st := readyState(1, "A", solid(4, 4, color.RGBA{255, 255, 255, 255}))
	st.Handle.Release()
	c.SetImage(st)

	if snap := c.Snapshot(); snap.Drawn || !transparent(snap.Image) {
		t.Error("released handle was drawn")
	}
}

func TestCanvasResizeClears(t *testing.T) {
	st := controls.New(false, true, 1, 8, 8)
	c := New(config.SizeModeExplicit, st)
	c.SetImage(readyState(1, "A", solid(8, 8, color.RGBA{255, 255, 255, 255})))

	st = controls.Transition(st, controls.SetCanvasSize{W: 12, H: 6})
	c.SetControls(st)
	snap := c.Snapshot()
	if snap.Width != 12 || snap.Height != 6 {
		t.Fatalf("surface = %dx%d, want 12x6", snap.Width, snap.Height)
	}
	if got := snap.Image.RGBAAt(10, 2); got.A != 0 {
		t.Errorf("pixel outside image = %v, want transparent", got)
	}
	if got := snap.Image.RGBAAt(7, 5); got.A != 255 {
		t.Errorf("pixel inside image = %v, want opaque", got)
	}
}

func TestViewportSizeMode(t *testing.T) {
	c := New(config.SizeModeViewport, controls.New(false, false, 0.2, 80, 60))
	if s := c.Info(); s.Width != 80 || s.Height != 60 {
		t.Fatalf("initial surface = %dx%d, want canvas 80x60", s.Width, s.Height)
	}

	rev := c.Info().Revision
	c.SetViewport(0, 100)
	if c.Info().Revision != rev {
		t.Error("non-positive viewport triggered a redraw")
	}

	c.SetViewport(320, 240)
	if s := c.Info(); s.Width != 320 || s.Height != 240 {
		t.Errorf("surface = %dx%d, want viewport 320x240", s.Width, s.Height)
	}

	explicit := New(config.SizeModeExplicit, controls.New(false, false, 0.2, 80, 60))
	explicit.SetViewport(320, 240)
	if s := explicit.Info(); s.Width != 80 || s.Height != 60 {
		t.Errorf("explicit surface = %dx%d, want 80x60", s.Width, s.Height)
	}
	if w, h := explicit.Viewport(); w != 320 || h != 240 {
		t.Errorf("Viewport() = %dx%d, want 320x240", w, h)
	}
}

func TestOversizedSurfaceIsClamped(t *testing.T) {
	tests := []struct {
		name         string
		mode         config.SizeMode
		canvas       image.Point
		viewport     image.Point
		wantW, wantH int
	}{
		{"huge canvas", config.SizeModeExplicit, image.Pt(1<<30, 1<<30), image.Point{}, 64, 32},
		{"wide canvas", config.SizeModeExplicit, image.Pt(1000, 10), image.Point{}, 64, 10},
		{"huge viewport", config.SizeModeViewport, image.Pt(8, 8), image.Pt(1<<30, 1<<30), 64, 32},
		{"within limit", config.SizeModeExplicit, image.Pt(64, 32), image.Point{}, 64, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := controls.New(false, true, 1, 8, 8)
			c := New(tt.mode, st, WithMaxSize(64, 32))
			c.SetImage(readyState(1, "A", solid(8, 8, color.RGBA{255, 0, 0, 255})))

			c.SetControls(controls.Transition(st, controls.SetCanvasSize{W: tt.canvas.X, H: tt.canvas.Y}))
			if tt.viewport != (image.Point{}) {
				c.SetViewport(tt.viewport.X, tt.viewport.Y)
			}

			snap := c.Snapshot()
			if snap.Width != tt.wantW || snap.Height != tt.wantH {
				t.Fatalf("surface = %dx%d, want %dx%d", snap.Width, snap.Height, tt.wantW, tt.wantH)
			}
			if !snap.Drawn || snap.Image.RGBAAt(1, 1).A != 255 {
				t.Error("clamped surface lost the overlay")
			}
		})
	}
}

func TestInitialCanvasIsClamped(t *testing.T) {
	c := New(config.SizeModeExplicit, controls.New(false, false, 0.2, 1<<30, 20), WithMaxSize(100, 100))
	if s := c.Info(); s.Width != 100 || s.Height != 20 {
		t.Errorf("surface = %dx%d, want 100x20", s.Width, s.Height)
	}
}

func TestClampSide(t *testing.T) {
	tests := []struct{ in, want int }{
		{-5, 1},
		{0, 1},
		{640, 640},
		{MaxSurfaceSide, MaxSurfaceSide},
		{1 << 30, MaxSurfaceSide},
	}
	for _, tt := range tests {
		if got := clampSide(tt.in); got != tt.want {
			t.Errorf("clampSide(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestUnrelatedControlChangeSkipsRedraw(t *testing.T) {
	st := controls.New(false, true, 0.5, 8, 8)
	c := New(config.SizeModeExplicit, st)
	rev := c.Info().Revision

	// only the image ref changed; the loader drives the redraw for that
	c.SetControls(controls.Transition(st, controls.SetImage{Ref: "B"}))
	if c.Info().Revision != rev {
		t.Error("redraw on image ref change alone")
	}

	same := readyState(1, "A", solid(2, 2, color.RGBA{1, 2, 3, 255}))
	c.SetImage(same)
	rev = c.Info().Revision
	c.SetImage(same)
	if c.Info().Revision != rev {
		t.Error("redraw on identical image state")
	}
}

func TestRunAndSubscribe(t *testing.T) {
	st := controls.New(false, true, 0.5, 8, 8)
	c := New(config.SizeModeExplicit, st)
	sub := c.Subscribe()
	defer c.Unsubscribe(sub)

	controlsCh := make(chan controls.State)
	imagesCh := make(chan imageload.State)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx, controlsCh, imagesCh)
	}()

	imagesCh <- readyState(1, "A", solid(8, 8, color.RGBA{255, 255, 255, 255}))
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("no redraw notification")
	}
	controlsCh <- controls.Transition(st, controls.SetOpacity{V: 1})

	deadline := time.After(time.Second)
	for c.Snapshot().Image.RGBAAt(0, 0).A != 255 {
		select {
		case <-sub:
		case <-deadline:
			t.Fatal("opacity update not applied")
		}
	}

	cancel()
	<-done
}

func TestComposeFrame(t *testing.T) {
	st := controls.New(true, true, 1, 20, 10)
	c := New(config.SizeModeExplicit, st)

	// no frame: placeholder colour
	out := c.Compose(nil, "")
	if got := out.RGBAAt(5, 5); got != placeholderColor {
		t.Errorf("placeholder pixel = %v, want %v", got, placeholderColor)
	}

	// contain: a 10x10 frame sits in the middle with black bars
	frame := solid(10, 10, color.RGBA{0, 255, 0, 255})
	out = c.Compose(frame, "")
	if b := out.Bounds(); b.Dx() != 20 || b.Dy() != 10 {
		t.Fatalf("composed bounds = %v, want 20x10", b)
	}
	if got := out.RGBAAt(1, 5); got != backgroundColor {
		t.Errorf("letterbox pixel = %v, want %v", got, backgroundColor)
	}
	if got := out.RGBAAt(10, 5); got.G != 255 || got.A != 255 {
		t.Errorf("video pixel = %v, want green", got)
	}

	// cover fills the whole frame
	c.SetControls(controls.Transition(st, controls.ToggleFitScreen{}))
	out = c.Compose(frame, "")
	if got := out.RGBAAt(1, 5); got.G != 255 {
		t.Errorf("cover pixel = %v, want green", got)
	}

	// overlay on top
	c.SetImage(readyState(1, "A", solid(2, 2, color.RGBA{255, 0, 0, 255})))
	out = c.Compose(frame, "")
	if got := out.RGBAAt(0, 0); got.R != 255 || got.G != 0 {
		t.Errorf("overlay pixel = %v, want red", got)
	}
}

func TestFitRect(t *testing.T) {
	src := image.Rect(0, 0, 40, 30)
	dst := image.Rect(0, 0, 80, 40)
	tests := []struct {
		mode string
		want image.Rectangle
	}{
		{controls.FitContain, image.Rect(13, 0, 66, 40)},
		{controls.FitCover, image.Rect(0, -10, 80, 50)},
	}
	for _, tt := range tests {
		if got := fitRect(src, dst, tt.mode); got != tt.want {
			t.Errorf("fitRect(%s) = %v, want %v", tt.mode, got, tt.want)
		}
	}
}

func TestPlaceholderMessage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 40))
	drawPlaceholder(img, "camera denied")
	found := false
	for y := 0; y < 40 && !found; y++ {
		for x := 0; x < 200; x++ {
			if img.RGBAAt(x, y) != placeholderColor {
				found = true
				break
			}
		}
	}
	if !found {
		t.Error("placeholder message not rendered")
	}
}
