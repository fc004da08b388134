package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Opener builds the source to start once access is authorised
type Opener func() (Source, error)

// Authorizer asks for permission to use the camera. A nil error grants.
type Authorizer interface {
	Authorize(ctx context.Context) error
}

// AllowAll grants camera access without asking
type AllowAll struct{}

// Authorize implements Authorizer
func (AllowAll) Authorize(context.Context) error { return nil }

// Acquirer requests the camera exactly once. Every caller of Acquire
// observes the same terminal state and the same source.
type Acquirer struct {
	open Opener
	auth Authorizer

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu        sync.RWMutex
	state     State
	listeners []chan State
}

// NewAcquirer creates an acquirer. A nil auth grants access.
func NewAcquirer(open Opener, auth Authorizer) *Acquirer {
	if auth == nil {
		auth = AllowAll{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Acquirer{
		open:   open,
		auth:   auth,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  State{Phase: NotRequested},
	}
}

// Acquire starts the request on first call. The returned channel
// receives the terminal state once. ctx bounds only the wait for
// authorisation on the first call; later calls just wait for the result.
func (a *Acquirer) Acquire(ctx context.Context) <-chan State {
	a.once.Do(func() {
		a.set(State{Phase: Requesting})
		go a.run(ctx)
	})

	result := make(chan State, 1)
	go func() {
		<-a.done
		result <- a.State()
	}()
	return result
}

func (a *Acquirer) run(ctx context.Context) {
	defer close(a.done)
	log := logger.WithComponent("capture")

	authCtx, stop := context.WithCancel(a.ctx)
	defer stop()
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-authCtx.Done():
		}
	}()

	log.Info().Msg("Requesting camera access")
	if err := a.auth.Authorize(authCtx); err != nil {
		a.deny(fmt.Errorf("%w: %w", ErrStreamDenied, err))
		return
	}

	src, err := a.open()
	if err != nil {
		a.deny(fmt.Errorf("%w: %w", ErrStreamDenied, err))
		return
	}

	if err := src.Start(a.ctx); err != nil {
		src.Stop()
		a.deny(fmt.Errorf("%w: %s: %w", ErrStreamDenied, src.Name(), err))
		return
	}

	w, h := src.Size()
	log.Info().
		Str("source", src.Name()).
		Int("width", w).
		Int("height", h).
		Msg("Camera stream granted")
	a.set(State{Phase: Granted, Source: src})
}

func (a *Acquirer) deny(err error) {
	logger.WithComponent("capture").Warn().Err(err).Msg("Camera stream unavailable, video layer stays blank")
	a.set(State{Phase: Denied, Err: err})
}

// State returns the current acquisition state
func (a *Acquirer) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Source returns the granted source, or nil
func (a *Acquirer) Source() Source {
	return a.State().Source
}

func (a *Acquirer) set(st State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = st
	for _, ch := range a.listeners {
		select {
		case ch <- st:
		default:
		}
	}
}

// Subscribe returns a channel receiving the current state and each
// later transition. There are at most three, so the buffer never fills.
func (a *Acquirer) Subscribe() chan State {
	ch := make(chan State, 4)
	a.mu.Lock()
	ch <- a.state
	a.listeners = append(a.listeners, ch)
	a.mu.Unlock()
	return ch
}

// Unsubscribe removes a listener and closes its channel
func (a *Acquirer) Unsubscribe(ch chan State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, listener := range a.listeners {
		if listener == ch {
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// Close aborts a pending request and stops the granted source
func (a *Acquirer) Close() error {
	a.cancel()

	// never requested: nothing will close done
	a.once.Do(func() { close(a.done) })
	<-a.done

	if src := a.Source(); src != nil {
		return src.Stop()
	}
	return nil
}
