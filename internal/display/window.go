// Package display talks to the X server: screen geometry for the initial
// viewport and an optional local preview window.
package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"golang.org/x/image/draw"
)

// ScreenSize returns the default screen's size in pixels
func ScreenSize() (int, int, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to connect to X server: %w", err)
	}
	defer conn.Close()

	screen := xproto.Setup(conn).DefaultScreen(conn)
	return int(screen.WidthInPixels), int(screen.HeightInPixels), nil
}

// Window shows composited frames in a plain X11 window
type Window struct {
	width  int
	height int

	mu      sync.Mutex
	conn    *xgb.Conn
	screen  *xproto.ScreenInfo
	window  xproto.Window
	gc      xproto.Gcontext
	format  pixmapFormat
	running bool
}

// pixmapFormat is the ZPixmap layout for the root depth
type pixmapFormat struct {
	depth         uint8
	bytesPerPixel int
	scanlinePad   int
}

// NewWindow creates a preview window of the given size. Nothing is
// shown until Start.
func NewWindow(width, height int) *Window {
	return &Window{width: width, height: height}
}

// Name returns the output type name
func (w *Window) Name() string {
	return "X11 Preview Window"
}

// IsRunning returns true if the window is mapped
func (w *Window) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Start connects to the X server and maps the window
func (w *Window) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("preview window already running")
	}
	log := logger.WithComponent("display")

	conn, err := xgb.NewConn()
	if err != nil {
		return fmt.Errorf("failed to connect to X server: %w", err)
	}
	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	format, err := findFormat(setup.PixmapFormats, screen.RootDepth)
	if err != nil {
		conn.Close()
		return err
	}

	wid, err := xproto.NewWindowId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window ID: %w", err)
	}

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		conn,
		screen.RootDepth,
		wid,
		screen.Root,
		0, 0,
		uint16(w.width), uint16(w.height),
		0,
		xproto.WindowClassInputOutput,
		screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create window: %w", err)
	}

	w.conn, w.screen, w.window, w.format = conn, screen, wid, format

	if err := w.setTitle("OverlayCam Preview"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := w.setClass("overlaycam", "OverlayCam"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(conn, wid).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	if err := xproto.CreateGCChecked(conn, gc, xproto.Drawable(wid), 0, nil).Check(); err != nil {
		conn.Close()
		return fmt.Errorf("failed to create GC: %w", err)
	}
	w.gc = gc
	conn.Sync()

	w.running = true
	log.Info().
		Int("width", w.width).
		Int("height", w.height).
		Uint32("window_id", uint32(wid)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the window and closes the connection
func (w *Window) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return nil
	}
	w.running = false

	xproto.FreeGC(w.conn, w.gc)
	xproto.DestroyWindow(w.conn, w.window)
	w.conn.Close()
	logger.WithComponent("display").Info().Msg("Preview window closed")
	return nil
}

// WriteFrame letterboxes frame into the window and puts it on screen
func (w *Window) WriteFrame(frame *image.RGBA) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return fmt.Errorf("preview window not running")
	}

	out := image.NewRGBA(image.Rect(0, 0, w.width, w.height))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	draw.ApproxBiLinear.Scale(out, letterbox(frame.Bounds(), out.Bounds()), frame, frame.Bounds(), draw.Src, nil)

	data, err := toZPixmap(out, w.format)
	if err != nil {
		return err
	}

	err = xproto.PutImageChecked(
		w.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(w.window),
		w.gc,
		uint16(w.width),
		uint16(w.height),
		0, 0,
		0,
		w.format.depth,
		data,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to put image: %w", err)
	}
	return nil
}

func findFormat(formats []xproto.Format, depth byte) (pixmapFormat, error) {
	for _, f := range formats {
		if f.Depth == depth {
			return pixmapFormat{
				depth:         depth,
				bytesPerPixel: int(f.BitsPerPixel) / 8,
				scanlinePad:   int(f.ScanlinePad) / 8,
			}, nil
		}
	}
	return pixmapFormat{}, fmt.Errorf("no pixmap format for depth %d", depth)
}

// letterbox fits src into dst keeping its aspect ratio
func letterbox(src, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 {
		return dst
	}
	w, h := dw, sh*dw/sw
	if h > dh {
		w, h = sw*dh/sh, dh
	}
	x := dst.Min.X + (dw-w)/2
	y := dst.Min.Y + (dh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// toZPixmap converts RGBA to the server's BGR(x) layout with padded
// scanlines
func toZPixmap(img *image.RGBA, f pixmapFormat) ([]byte, error) {
	if f.bytesPerPixel != 3 && f.bytesPerPixel != 4 {
		return nil, fmt.Errorf("unsupported bytes per pixel: %d", f.bytesPerPixel)
	}
	pad := max(f.scanlinePad, 1)

	b := img.Bounds()
	width, height := b.Dx(), b.Dy()
	unpadded := width * f.bytesPerPixel
	stride := (unpadded + pad - 1) / pad * pad

	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		row := data[y*stride:]
		src := img.Pix[img.PixOffset(b.Min.X, b.Min.Y+y):]
		for x := 0; x < width; x++ {
			s := src[x*4 : x*4+4]
			d := row[x*f.bytesPerPixel:]
			d[0], d[1], d[2] = s[2], s[1], s[0]
			if f.bytesPerPixel == 4 && f.depth == 32 {
				d[3] = s[3]
			}
		}
	}
	return data, nil
}

func (w *Window) setTitle(title string) error {
	titleAtom, err := w.atom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := w.atom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.window,
		titleAtom, utf8Atom, 8, uint32(len(title)), []byte(title),
	).Check()
}

func (w *Window) setClass(instance, class string) error {
	classAtom, err := w.atom("WM_CLASS")
	if err != nil {
		return err
	}
	// instance\0class\0
	value := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		w.conn, xproto.PropModeReplace, w.window,
		classAtom, xproto.AtomString, 8, uint32(len(value)), []byte(value),
	).Check()
}

func (w *Window) atom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(w.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
