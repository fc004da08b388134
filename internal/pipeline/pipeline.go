// Package pipeline wires the control store, image loader, camera
// acquirer, compositor and outputs into one running service.
package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/compositor"
	"github.com/bryanchriswhite/OverlayCam/internal/config"
	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/display"
	"github.com/bryanchriswhite/OverlayCam/internal/imageload"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/bryanchriswhite/OverlayCam/internal/output"
)

// Option customises a Pipeline
type Option func(*Pipeline)

// WithOpener replaces the camera opener chosen from the config
func WithOpener(open capture.Opener) Option {
	return func(p *Pipeline) { p.opener = open }
}

// WithAuthorizer replaces the camera authorizer chosen from the config
func WithAuthorizer(auth capture.Authorizer) Option {
	return func(p *Pipeline) { p.auth = auth }
}

// WithScreenSize sets the lookup used for the initial viewport in
// viewport size mode. nil disables it.
func WithScreenSize(fn func() (int, int, error)) Option {
	return func(p *Pipeline) { p.screenSize = fn }
}

// WithOutput adds an extra frame sink next to the MJPEG stream
func WithOutput(out output.Output) Option {
	return func(p *Pipeline) { p.extra = append(p.extra, out) }
}

// Pipeline is the running service
type Pipeline struct {
	cfg *config.Config

	Store      *controls.Store
	Blobs      *imageload.BlobStore
	Loader     *imageload.Loader
	Acquirer   *capture.Acquirer
	Compositor *compositor.Compositor
	Stream     *output.MJPEGOutput

	opener     capture.Opener
	auth       capture.Authorizer
	screenSize func() (int, int, error)
	extra      []output.Output

	changes *notifier

	mu      sync.Mutex
	cancel  context.CancelFunc
	running sync.WaitGroup
	closed  bool
}

// New builds a pipeline from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Pipeline, error) {
	initial := controls.New(
		cfg.Controls.FitScreen,
		cfg.Controls.OverlayLocked,
		cfg.Controls.Opacity,
		cfg.Controls.CanvasWidth,
		cfg.Controls.CanvasHeight,
	)

	surface := compositor.New(cfg.Canvas.SizeMode, initial,
		compositor.WithMaxSize(cfg.Canvas.MaxWidth, cfg.Canvas.MaxHeight))

	p := &Pipeline{
		cfg:        cfg,
		Store:      controls.NewStore(initial),
		Blobs:      imageload.NewBlobStore(),
		Compositor: surface,
		Stream: output.NewMJPEGOutput(output.Config{
			FPS:     cfg.Stream.FPS,
			Quality: cfg.Stream.JPEGQuality,
		}),
		screenSize: display.ScreenSize,
		auth:       capture.NewAuthorizer(cfg.Camera),
		changes:    newNotifier(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.opener == nil {
		open, err := capture.NewOpener(cfg.Camera, initial.CanvasWidth, initial.CanvasHeight)
		if err != nil {
			return nil, fmt.Errorf("camera: %w", err)
		}
		p.opener = open
	}
	p.Acquirer = capture.NewAcquirer(p.opener, p.auth)

	p.Loader = imageload.NewLoader(p.resolver(), imageload.Options{
		MaxBytes:  cfg.Images.MaxBytes,
		MaxPixels: cfg.Images.MaxPixels,
		Timeout:   cfg.Images.FetchTimeout,
	})

	// revoke an upload as soon as the control state stops pointing at it,
	// even if no subscriber saw that snapshot
	p.Store.OnCommit(func(prev, next controls.State) {
		if prev.ImageRef != next.ImageRef && isBlobRef(prev.ImageRef) {
			p.Blobs.Release(prev.ImageRef)
		}
	})

	return p, nil
}

func (p *Pipeline) resolver() *imageload.SchemeResolver {
	r := imageload.NewSchemeResolver()
	r.Handle(imageload.BlobScheme, p.Blobs)
	r.Handle("data", imageload.DataResolver{})

	web := imageload.NewHTTPResolver(p.cfg.Images.FetchTimeout)
	r.Handle("http", web)
	r.Handle("https", web)

	if p.cfg.Images.AllowFiles {
		if p.cfg.Images.FileRoot == "" {
			logger.WithComponent("pipeline").Warn().Msg("Local image files enabled without images.file_root, any readable file can be loaded")
		}
		files := &imageload.FileResolver{Root: p.cfg.Images.FileRoot}
		r.Handle("file", files)
		r.Fallback(files)
	}
	return r
}

func isBlobRef(ref string) bool {
	return strings.HasPrefix(ref, imageload.BlobScheme+":")
}

// Run starts every component and blocks until ctx is done
func (p *Pipeline) Run(ctx context.Context) error {
	log := logger.WithComponent("pipeline")

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fmt.Errorf("pipeline closed")
	}
	if p.cancel != nil {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}
	if err := p.Stream.Start(); err != nil {
		p.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, out := range p.extra {
		if err := out.Start(); err != nil {
			log.Warn().Err(err).Str("output", out.Name()).Msg("Failed to start output, skipping it")
		}
	}

	if p.cfg.Canvas.SizeMode == config.SizeModeViewport && p.screenSize != nil {
		if w, h, err := p.screenSize(); err != nil {
			log.Debug().Err(err).Msg("Screen size unavailable, using canvas size until a viewer reports")
		} else {
			p.Compositor.SetViewport(w, h)
		}
	}

	loaderUpdates := p.Store.Subscribe()
	compositorUpdates := p.Store.Subscribe()
	images := p.Loader.Subscribe()

	// goroutines are added under the lock so Close never waits early
	p.goRun(func() { p.Loader.Follow(ctx, loaderUpdates) })
	p.goRun(func() { p.Compositor.Run(ctx, compositorUpdates, images) })
	p.goRun(func() { p.watch(ctx) })
	p.goRun(func() { p.stream(ctx) })
	p.mu.Unlock()

	p.Acquirer.Acquire(ctx)

	log.Info().
		Str("size_mode", string(p.cfg.Canvas.SizeMode)).
		Str("camera", p.cfg.Camera.Backend).
		Int("stream_fps", p.cfg.Stream.FPS).
		Msg("Pipeline running")

	<-ctx.Done()

	p.Store.Unsubscribe(loaderUpdates)
	p.Store.Unsubscribe(compositorUpdates)
	p.Loader.Unsubscribe(images)
	p.running.Wait()
	return nil
}

func (p *Pipeline) goRun(fn func()) {
	p.running.Add(1)
	go func() {
		defer p.running.Done()
		fn()
	}()
}

// stream composes and writes one frame per tick
func (p *Pipeline) stream(ctx context.Context) {
	fps := p.cfg.Stream.FPS
	if fps <= 0 {
		fps = 15
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	log := logger.WithComponent("pipeline")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame := p.Frame()
			if err := p.Stream.WriteFrame(frame); err != nil {
				log.Debug().Err(err).Msg("Failed to write stream frame")
			}
			for _, out := range p.extra {
				if !out.IsRunning() {
					continue
				}
				if err := out.WriteFrame(frame); err != nil {
					log.Debug().Err(err).Str("output", out.Name()).Msg("Failed to write frame")
				}
			}
		}
	}
}

// Frame returns the current composite: camera frame, or a placeholder
// while the camera is unavailable, with the overlay on top
func (p *Pipeline) Frame() *image.RGBA {
	st := p.Acquirer.State()
	if st.Phase == capture.Granted {
		if frame := st.Source.LatestFrame(); frame != nil {
			return p.Compositor.Compose(frame, "")
		}
	}
	return p.Compositor.Compose(nil, cameraMessage(st))
}

func cameraMessage(st capture.State) string {
	switch st.Phase {
	case capture.NotRequested, capture.Requesting:
		return "Waiting for camera..."
	case capture.Denied:
		return "Camera unavailable"
	default:
		return "No camera frame yet"
	}
}

// watch turns component notifications into change events
func (p *Pipeline) watch(ctx context.Context) {
	controlsCh := p.Store.Subscribe()
	imagesCh := p.Loader.Subscribe()
	cameraCh := p.Acquirer.Subscribe()
	surfaceCh := p.Compositor.Subscribe()
	defer func() {
		p.Store.Unsubscribe(controlsCh)
		p.Loader.Unsubscribe(imagesCh)
		p.Acquirer.Unsubscribe(cameraCh)
		p.Compositor.Unsubscribe(surfaceCh)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-controlsCh:
		case <-imagesCh:
		case <-cameraCh:
		case <-surfaceCh:
		}
		p.changes.notify()
	}
}

// Changes returns a channel signalled whenever Status may have changed.
// Only one pending signal is kept.
func (p *Pipeline) Changes() chan struct{} {
	return p.changes.subscribe()
}

// StopChanges removes a channel returned by Changes
func (p *Pipeline) StopChanges(ch chan struct{}) {
	p.changes.unsubscribe(ch)
}

// Close stops Run and releases the camera, loader and outputs
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.running.Wait()

	p.Loader.Close()
	err := p.Acquirer.Close()
	for _, out := range p.extra {
		out.Stop()
	}
	p.Stream.Stop()
	p.changes.close()

	logger.WithComponent("pipeline").Info().Msg("Pipeline stopped")
	return err
}
