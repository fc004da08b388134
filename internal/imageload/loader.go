package imageload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Options configures a Loader
type Options struct {
	// MaxBytes caps the encoded size of a single image (0 = unlimited)
	MaxBytes int64
	// MaxPixels caps width*height as declared by the image header (0 = unlimited)
	MaxPixels int64
	// Timeout bounds one load, including fetch and decode (0 = none)
	Timeout time.Duration
}

// Loader resolves and decodes the current image reference. Only the
// latest reference passed to Observe is of interest; results for older
// references are dropped.
type Loader struct {
	resolver Resolver
	opts     Options

	mu        sync.Mutex
	gen       uint64
	current   State
	cancel    context.CancelFunc
	listeners []chan State
	closed    bool
	wg        sync.WaitGroup
}

// NewLoader creates a loader using resolver to open references
func NewLoader(resolver Resolver, opts Options) *Loader {
	return &Loader{
		resolver: resolver,
		opts:     opts,
		current:  State{Phase: Idle},
	}
}

// State returns the current load state
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Observe makes ref the reference of interest. Observing the reference
// that is already current does nothing; observing "" drops the current
// image.
func (l *Loader) Observe(ref string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if ref == l.current.Ref {
		return
	}

	log := logger.WithComponent("imageload")

	l.gen++
	l.abandonLocked()

	if ref == "" {
		l.setLocked(State{Phase: Idle, Generation: l.gen})
		log.Info().Uint64("generation", l.gen).Msg("Overlay image cleared")
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if l.opts.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), l.opts.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	l.cancel = cancel
	l.setLocked(State{Phase: Loading, Ref: ref, Generation: l.gen})

	log.Info().Str("ref", shortRef(ref)).Uint64("generation", l.gen).Msg("Loading overlay image")

	l.wg.Add(1)
	go l.load(ctx, l.gen, ref)
}

// Follow observes the image reference of every snapshot received from
// updates until ctx is done or updates is closed. Snapshots that leave
// the reference unchanged are skipped.
func (l *Loader) Follow(ctx context.Context, updates <-chan controls.State) {
	first := true
	var last string
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if !first && st.ImageRef == last {
				continue
			}
			first = false
			last = st.ImageRef
			l.Observe(st.ImageRef)
		}
	}
}

// load runs on its own goroutine; the outcome is applied only if gen is
// still current
func (l *Loader) load(ctx context.Context, gen uint64, ref string) {
	defer l.wg.Done()

	start := time.Now()
	handle, err := l.fetch(ctx, ref)
	l.finish(gen, ref, handle, err, time.Since(start))
}

func (l *Loader) fetch(ctx context.Context, ref string) (*Handle, error) {
	rc, err := l.resolver.Open(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	defer rc.Close()

	img, _, err := decode(rc, l.opts.MaxBytes, l.opts.MaxPixels)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return NewHandle(ref, img), nil
}

func (l *Loader) finish(gen uint64, ref string, handle *Handle, err error, took time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := logger.WithComponent("imageload")

	if l.closed || gen != l.gen {
		handle.Release()
		log.Debug().
			Str("ref", shortRef(ref)).
			Uint64("generation", gen).
			Uint64("current", l.gen).
			Msg("Discarding stale image load")
		return
	}

	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}

	if err != nil {
		l.setLocked(State{Phase: Failed, Ref: ref, Generation: gen, Err: err})
		log.Warn().Err(err).Str("ref", shortRef(ref)).Msg("Overlay image failed to load")
		return
	}

	l.setLocked(State{Phase: Ready, Ref: ref, Generation: gen, Handle: handle})
	b := handle.Bounds()
	log.Info().
		Str("ref", shortRef(ref)).
		Int("width", b.Dx()).
		Int("height", b.Dy()).
		Dur("took", took).
		Msg("Overlay image ready")
}

// abandonLocked cancels the in-flight load and releases whatever the
// current state holds
func (l *Loader) abandonLocked() {
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.current.Handle.Release()
	if l.current.Ref != "" {
		if rel, ok := l.resolver.(Releaser); ok {
			rel.Release(l.current.Ref)
		}
	}
}

func (l *Loader) setLocked(st State) {
	l.current = st
	for _, ch := range l.listeners {
		publish(ch, st)
	}
}

// Subscribe returns a channel receiving the current state and every
// transition after it. When a subscriber falls behind, the oldest
// pending state is dropped.
func (l *Loader) Subscribe() chan State {
	ch := make(chan State, 8)
	l.mu.Lock()
	ch <- l.current
	l.listeners = append(l.listeners, ch)
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (l *Loader) Unsubscribe(ch chan State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, listener := range l.listeners {
		if listener == ch {
			l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close abandons the current load, releases the held image and waits
// for in-flight loads to return
func (l *Loader) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.gen++
	l.abandonLocked()
	l.current = State{Phase: Idle, Generation: l.gen}
	for _, ch := range l.listeners {
		close(ch)
	}
	l.listeners = nil
	l.mu.Unlock()

	l.wg.Wait()
}

func publish(ch chan State, st State) {
	for {
		select {
		case ch <- st:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// shortRef keeps data URIs out of the logs
func shortRef(ref string) string {
	const max = 64
	if len(ref) <= max {
		return ref
	}
	return ref[:max] + "..."
}
