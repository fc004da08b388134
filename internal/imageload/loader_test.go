package imageload

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

func init() {
	logger.SetOutput(io.Discard, "error")
}

func pngBytes(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// gatedResolver serves fixed bytes per ref, each Open blocking until its
// gate is closed. It ignores ctx so stale completions really happen.
type gatedResolver struct {
	mu       sync.Mutex
	data     map[string][]byte
	gates    map[string]chan struct{}
	opens    map[string]int
	released []string
}

func newGatedResolver() *gatedResolver {
	return &gatedResolver{
		data:  make(map[string][]byte),
		gates: make(map[string]chan struct{}),
		opens: make(map[string]int),
	}
}

func (g *gatedResolver) add(ref string, data []byte) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	gate := make(chan struct{})
	g.data[ref] = data
	g.gates[ref] = gate
	return gate
}

func (g *gatedResolver) Open(_ context.Context, ref string) (io.ReadCloser, error) {
	g.mu.Lock()
	data, ok := g.data[ref]
	gate := g.gates[ref]
	g.opens[ref]++
	g.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	<-gate
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (g *gatedResolver) Release(ref string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = append(g.released, ref)
}

func (g *gatedResolver) openCount(ref string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.opens[ref]
}

func waitPhase(t *testing.T, ch <-chan State, phase Phase, ref string) State {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.Phase == phase && st.Ref == ref {
				return st
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s(%q)", phase, ref)
		}
	}
}

func TestLoaderTransitions(t *testing.T) {
	res := newGatedResolver()
	gate := res.add("blob://x", pngBytes(t, 4, 3, color.White))

	l := NewLoader(res, Options{})
	defer l.Close()
	ch := l.Subscribe()

	if st := <-ch; st.Phase != Idle {
		t.Fatalf("initial phase = %s, want idle", st.Phase)
	}

	l.Observe("blob://x")
	if st := <-ch; st.Phase != Loading || st.Ref != "blob://x" {
		t.Fatalf("got %s(%q), want loading(blob://x)", st.Phase, st.Ref)
	}
	if l.State().Phase != Loading {
		t.Errorf("State() = %s before completion, want loading", l.State().Phase)
	}

	close(gate)
	st := waitPhase(t, ch, Ready, "blob://x")
	if st.Handle == nil {
		t.Fatal("ready state without handle")
	}
	if b := st.Handle.Bounds(); b.Dx() != 4 || b.Dy() != 3 {
		t.Errorf("handle bounds = %v, want 4x3", b)
	}
}

func TestLoaderLastRequestedWins(t *testing.T) {
	for _, order := range []string{"stale-first", "stale-last"} {
		t.Run(order, func(t *testing.T) {
			res := newGatedResolver()
			gateA := res.add("A", pngBytes(t, 2, 2, color.Black))
			gateB := res.add("B", pngBytes(t, 3, 3, color.White))

			l := NewLoader(res, Options{})
			defer l.Close()
			ch := l.Subscribe()

			var (
				mu   sync.Mutex
				seen []State
			)
			done := make(chan struct{})
			go func() {
				defer close(done)
				for st := range ch {
					mu.Lock()
					seen = append(seen, st)
					mu.Unlock()
				}
			}()

			l.Observe("A")
			l.Observe("B")

			if order == "stale-first" {
				close(gateA)
				close(gateB)
			} else {
				close(gateB)
				deadline := time.Now().Add(2 * time.Second)
				for l.State().Phase != Ready && time.Now().Before(deadline) {
					time.Sleep(time.Millisecond)
				}
				close(gateA)
			}
			l.wg.Wait()

			final := l.State()
			if final.Phase != Ready || final.Ref != "B" {
				t.Fatalf("final state = %s(%q), want ready(B)", final.Phase, final.Ref)
			}

			l.Unsubscribe(ch)
			<-done
			mu.Lock()
			defer mu.Unlock()
			for _, st := range seen {
				if st.Ref == "A" && st.Phase == Ready {
					t.Errorf("observed Ready(A) after B was requested")
				}
			}
		})
	}
}

func TestLoaderSupersededHandleReleased(t *testing.T) {
	res := newGatedResolver()
	close(res.add("A", pngBytes(t, 2, 2, color.Black)))
	close(res.add("B", pngBytes(t, 2, 2, color.White)))

	l := NewLoader(res, Options{})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("A")
	a := waitPhase(t, ch, Ready, "A")

	l.Observe("B")
	waitPhase(t, ch, Ready, "B")

	if !a.Handle.Released() {
		t.Error("handle for A not released after B became current")
	}
	if a.Handle.Use(func(image.Image) { t.Error("Use called fn on released handle") }) {
		t.Error("Use() = true on released handle")
	}

	res.mu.Lock()
	released := append([]string(nil), res.released...)
	res.mu.Unlock()
	if len(released) != 1 || released[0] != "A" {
		t.Errorf("released refs = %v, want [A]", released)
	}
}

func TestLoaderClearReturnsIdle(t *testing.T) {
	res := newGatedResolver()
	close(res.add("A", pngBytes(t, 2, 2, color.Black)))

	l := NewLoader(res, Options{})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("A")
	ready := waitPhase(t, ch, Ready, "A")

	l.Observe("")
	st := waitPhase(t, ch, Idle, "")
	if st.Handle != nil {
		t.Error("idle state carries a handle")
	}
	if !ready.Handle.Released() {
		t.Error("handle not released on clear")
	}
}

func TestLoaderSameRefNoRefetch(t *testing.T) {
	res := newGatedResolver()
	close(res.add("A", pngBytes(t, 2, 2, color.Black)))

	l := NewLoader(res, Options{})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("A")
	first := waitPhase(t, ch, Ready, "A")
	l.Observe("A")
	l.wg.Wait()

	if n := res.openCount("A"); n != 1 {
		t.Errorf("A opened %d times, want 1", n)
	}
	if got := l.State(); !got.Same(first) {
		t.Errorf("state changed on same-ref observe: %+v", got)
	}
}

func TestLoaderDecodeFailure(t *testing.T) {
	res := newGatedResolver()
	close(res.add("junk", []byte("not an image")))

	l := NewLoader(res, Options{})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("junk")
	st := waitPhase(t, ch, Failed, "junk")
	if !errors.Is(st.Err, ErrDecode) {
		t.Errorf("Err = %v, want ErrDecode", st.Err)
	}

	l.Observe("missing")
	st = waitPhase(t, ch, Failed, "missing")
	if !errors.Is(st.Err, ErrDecode) || !errors.Is(st.Err, ErrNotFound) {
		t.Errorf("Err = %v, want ErrDecode wrapping ErrNotFound", st.Err)
	}
}

func TestLoaderMaxBytes(t *testing.T) {
	res := newGatedResolver()
	data := pngBytes(t, 64, 64, color.RGBA{R: 10, G: 200, B: 30, A: 255})
	close(res.add("big", data))

	l := NewLoader(res, Options{MaxBytes: int64(len(data) / 2)})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("big")
	st := waitPhase(t, ch, Failed, "big")
	if !errors.Is(st.Err, ErrTooLarge) {
		t.Errorf("Err = %v, want ErrTooLarge", st.Err)
	}
}

func TestLoaderMaxPixels(t *testing.T) {
	res := newGatedResolver()
	close(res.add("wide", pngHeader(50000, 50000)))
	close(res.add("small", pngBytes(t, 8, 8, color.White)))

	l := NewLoader(res, Options{MaxBytes: 1 << 20, MaxPixels: 1 << 20})
	defer l.Close()
	ch := l.Subscribe()

	l.Observe("wide")
	st := waitPhase(t, ch, Failed, "wide")
	if !errors.Is(st.Err, ErrTooLarge) || !errors.Is(st.Err, ErrDecode) {
		t.Errorf("Err = %v, want ErrDecode wrapping ErrTooLarge", st.Err)
	}

	l.Observe("small")
	waitPhase(t, ch, Ready, "small")
}

func TestLoaderFollowSkipsUnchangedRef(t *testing.T) {
	res := newGatedResolver()
	close(res.add("A", pngBytes(t, 2, 2, color.Black)))

	l := NewLoader(res, Options{})
	defer l.Close()

	updates := make(chan controls.State, 4)
	s := controls.Transition(controls.Default(), controls.SetImage{Ref: "A"})
	updates <- s
	updates <- controls.Transition(s, controls.SetOpacity{V: 0.9})
	updates <- controls.Transition(s, controls.SetImage{Ref: "A"})
	close(updates)

	l.Follow(context.Background(), updates)
	l.wg.Wait()

	if n := res.openCount("A"); n != 1 {
		t.Errorf("A opened %d times, want 1", n)
	}
	if st := l.State(); st.Phase != Ready || st.Ref != "A" {
		t.Errorf("state = %s(%q), want ready(A)", st.Phase, st.Ref)
	}
}

func TestLoaderCloseReleases(t *testing.T) {
	res := newGatedResolver()
	close(res.add("A", pngBytes(t, 2, 2, color.Black)))

	l := NewLoader(res, Options{})
	ch := l.Subscribe()
	l.Observe("A")
	st := waitPhase(t, ch, Ready, "A")

	l.Close()
	if !st.Handle.Released() {
		t.Error("Close() did not release the held handle")
	}
	l.Observe("A")
	if l.State().Phase != Idle {
		t.Error("Observe after Close changed state")
	}
}
