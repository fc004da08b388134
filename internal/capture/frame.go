package capture

import (
	"image"
	"sync"
)

// latestFrame keeps the newest frame and signals the first arrival
type latestFrame struct {
	mu     sync.RWMutex
	img    *image.RGBA
	width  int
	height int
	count  uint64

	once  sync.Once
	first chan struct{}
}

func newLatestFrame() *latestFrame {
	return &latestFrame{first: make(chan struct{})}
}

func (f *latestFrame) store(img *image.RGBA) {
	f.mu.Lock()
	f.img = img
	f.width = img.Bounds().Dx()
	f.height = img.Bounds().Dy()
	f.count++
	f.mu.Unlock()
	f.once.Do(func() { close(f.first) })
}

// load returns a copy of the stored frame
func (f *latestFrame) load() *image.RGBA {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.img == nil {
		return nil
	}
	out := image.NewRGBA(f.img.Bounds())
	copy(out.Pix, f.img.Pix)
	return out
}

func (f *latestFrame) size() (int, int) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.width, f.height
}

func (f *latestFrame) frames() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.count
}
