package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"
)

// SMPTE-ish colour bars
var patternBars = []color.RGBA{
	{192, 192, 192, 255},
	{192, 192, 0, 255},
	{0, 192, 192, 255},
	{0, 192, 0, 255},
	{192, 0, 192, 255},
	{192, 0, 0, 255},
	{0, 0, 192, 255},
}

// Pattern is a synthetic source drawing colour bars with a moving
// marker. It needs no hardware.
type Pattern struct {
	width, height int
	interval      time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}

	frame *latestFrame
}

// NewPattern creates a synthetic source. fps <= 0 means 30.
func NewPattern(width, height, fps int) *Pattern {
	if fps <= 0 {
		fps = 30
	}
	return &Pattern{
		width:    width,
		height:   height,
		interval: time.Second / time.Duration(fps),
		frame:    newLatestFrame(),
	}
}

// Name implements Source
func (p *Pattern) Name() string {
	return fmt.Sprintf("pattern:%dx%d", p.width, p.height)
}

// Start implements Source. The first frame is ready on return.
func (p *Pattern) Start(ctx context.Context) error {
	if p.width <= 0 || p.height <= 0 {
		return fmt.Errorf("invalid pattern size %dx%d", p.width, p.height)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pattern already running")
	}
	p.running = true
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	p.frame.store(p.render(0))
	go p.loop(p.stop, p.done)
	return nil
}

func (p *Pattern) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	n := 1
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.frame.store(p.render(n))
			n++
		}
	}
}

func (p *Pattern) render(n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	barWidth := (p.width + len(patternBars) - 1) / len(patternBars)
	marker := (n * 4) % p.width

	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := patternBars[x/barWidth]
			if x >= marker && x < marker+4 {
				c = color.RGBA{255, 255, 255, 255}
			}
			i := img.PixOffset(x, y)
			img.Pix[i+0] = c.R
			img.Pix[i+1] = c.G
			img.Pix[i+2] = c.B
			img.Pix[i+3] = c.A
		}
	}
	return img
}

// Stop implements Source
func (p *Pattern) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stop)
	done := p.done
	p.mu.Unlock()

	<-done
	return nil
}

// LatestFrame implements Source
func (p *Pattern) LatestFrame() *image.RGBA {
	return p.frame.load()
}

// Size implements Source
func (p *Pattern) Size() (int, int) {
	return p.width, p.height
}

// Frames returns how many frames have been produced
func (p *Pattern) Frames() uint64 {
	return p.frame.frames()
}
