package pipeline

import (
	"sync"

	"github.com/bryanchriswhite/OverlayCam/internal/capture"
	"github.com/bryanchriswhite/OverlayCam/internal/compositor"
	"github.com/bryanchriswhite/OverlayCam/internal/controls"
	"github.com/bryanchriswhite/OverlayCam/internal/imageload"
)

// Status is the combined view served by the API
type Status struct {
	Controls controls.State      `json:"controls"`
	Image    ImageStatus         `json:"image"`
	Camera   CameraStatus        `json:"camera"`
	Surface  compositor.Snapshot `json:"surface"`
	Viewport Size                `json:"viewport"`
}

// ImageStatus describes the overlay image load
type ImageStatus struct {
	Phase      imageload.Phase `json:"phase"`
	Ref        string          `json:"ref,omitempty"`
	Generation uint64          `json:"generation"`
	Width      int             `json:"width,omitempty"`
	Height     int             `json:"height,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CameraStatus describes the camera acquisition
type CameraStatus struct {
	Phase  capture.Phase `json:"phase"`
	Source string        `json:"source,omitempty"`
	Width  int           `json:"width,omitempty"`
	Height int           `json:"height,omitempty"`
	Frames uint64        `json:"frames,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// Size is a width and height pair
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type frameCounter interface {
	Frames() uint64
}

// Status returns the current combined state
func (p *Pipeline) Status() Status {
	s := Status{
		Controls: p.Store.Get(),
		Surface:  p.Compositor.Info(),
	}
	s.Viewport.Width, s.Viewport.Height = p.Compositor.Viewport()

	img := p.Loader.State()
	s.Image = ImageStatus{
		Phase:      img.Phase,
		Ref:        img.Ref,
		Generation: img.Generation,
	}
	if img.Handle != nil {
		b := img.Handle.Bounds()
		s.Image.Width, s.Image.Height = b.Dx(), b.Dy()
	}
	if img.Err != nil {
		s.Image.Error = img.Err.Error()
	}

	cam := p.Acquirer.State()
	s.Camera.Phase = cam.Phase
	if cam.Source != nil {
		s.Camera.Source = cam.Source.Name()
		s.Camera.Width, s.Camera.Height = cam.Source.Size()
		if fc, ok := cam.Source.(frameCounter); ok {
			s.Camera.Frames = fc.Frames()
		}
	}
	if cam.Err != nil {
		s.Camera.Error = cam.Err.Error()
	}
	return s
}

// notifier fans a change signal out to any number of listeners
type notifier struct {
	mu        sync.Mutex
	listeners map[chan struct{}]struct{}
	closed    bool
}

func newNotifier() *notifier {
	return &notifier{listeners: make(map[chan struct{}]struct{})}
}

func (n *notifier) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		close(ch)
		return ch
	}
	n.listeners[ch] = struct{}{}
	return ch
}

func (n *notifier) unsubscribe(ch chan struct{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[ch]; ok {
		delete(n.listeners, ch)
		close(ch)
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (n *notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for ch := range n.listeners {
		close(ch)
	}
	n.listeners = make(map[chan struct{}]struct{})
}
