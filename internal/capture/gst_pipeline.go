package capture

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

var gstInit sync.Once

// GstPipeline captures through an in-process GStreamer pipeline with an
// appsink. Samples are polled rather than delivered by callback.
type GstPipeline struct {
	device     string
	fps        int
	firstFrame time.Duration

	mu       sync.Mutex
	pipeline *gst.Pipeline
	appsink  *app.Sink
	running  bool
	stopChan chan struct{}
	polling  sync.WaitGroup

	frame *latestFrame
}

// NewGstPipeline creates an in-process source for a v4l2 device
func NewGstPipeline(device string, fps int) *GstPipeline {
	return &GstPipeline{
		device:     device,
		fps:        fps,
		firstFrame: 10 * time.Second,
		frame:      newLatestFrame(),
	}
}

// Name implements Source
func (p *GstPipeline) Name() string {
	return "gst:" + p.device
}

func (p *GstPipeline) pipelineString() string {
	rate := ""
	if p.fps > 0 {
		rate = fmt.Sprintf("videorate ! video/x-raw,framerate=%d/1 ! ", p.fps)
	}
	return fmt.Sprintf(
		"v4l2src device=%s do-timestamp=true ! "+
			"videoconvert ! "+
			rate+
			"video/x-raw,format=RGBA ! "+
			"appsink name=sink emit-signals=false max-buffers=2 drop=true",
		p.device,
	)
}

// Start implements Source
func (p *GstPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}

	log := logger.WithComponent("gstreamer")
	gstInit.Do(func() { gst.Init(nil) })

	pipelineStr := p.pipelineString()
	log.Debug().Str("pipeline", pipelineStr).Msg("Creating GStreamer pipeline")

	pipeline, err := gst.NewPipelineFromString(pipelineStr)
	if err != nil {
		p.mu.Unlock()
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	sinkElement, err := pipeline.GetElementByName("sink")
	if err != nil {
		pipeline.Unref()
		p.mu.Unlock()
		return fmt.Errorf("failed to get appsink: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		pipeline.Unref()
		p.mu.Unlock()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	p.pipeline = pipeline
	p.appsink = app.SinkFromElement(sinkElement)
	p.running = true
	p.stopChan = make(chan struct{})

	p.polling.Add(1)
	go p.pollSamples(p.appsink, p.stopChan)
	log.Info().Str("device", p.device).Msg("GStreamer pipeline started")
	p.mu.Unlock()

	wait := time.NewTimer(p.firstFrame)
	defer wait.Stop()

	select {
	case <-p.frame.first:
		return nil
	case <-wait.C:
		p.Stop()
		return fmt.Errorf("no frame from %s within %s", p.device, p.firstFrame)
	case <-ctx.Done():
		p.Stop()
		return ctx.Err()
	}
}

func (p *GstPipeline) pollSamples(sink *app.Sink, stop <-chan struct{}) {
	defer p.polling.Done()

	ticker := time.NewTicker(16 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			logger.WithComponent("gstreamer").Debug().Msg("Sample polling stopped")
			return
		case <-ticker.C:
			// go-gst owns the sample reference
			sample := sink.TryPullSample(time.Millisecond)
			if sample == nil {
				continue
			}
			if img := sampleToRGBA(sample); img != nil {
				p.frame.store(img)
			}
		}
	}
}

// sampleToRGBA copies an RGBA sample into an image, or returns nil
func sampleToRGBA(sample *gst.Sample) *image.RGBA {
	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil
	}
	caps := sample.GetCaps()
	if caps == nil {
		return nil
	}
	structure := caps.GetStructureAt(0)
	if structure == nil {
		return nil
	}

	width, _ := structure.GetValue("width")
	height, _ := structure.GetValue("height")
	w, ok := width.(int)
	if !ok {
		return nil
	}
	h, ok := height.(int)
	if !ok {
		return nil
	}

	mapInfo := buffer.Map(gst.MapRead)
	if mapInfo == nil {
		return nil
	}
	defer buffer.Unmap()

	data := mapInfo.Bytes()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	if len(data) < len(img.Pix) {
		return nil
	}
	copy(img.Pix, data)
	return img
}

// Stop implements Source
func (p *GstPipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.polling.Wait()

	p.mu.Lock()
	if p.pipeline != nil {
		p.pipeline.SetState(gst.StateNull)
		p.pipeline.Unref()
		p.pipeline = nil
		p.appsink = nil
	}
	p.mu.Unlock()

	logger.WithComponent("gstreamer").Info().Msg("GStreamer pipeline stopped")
	return nil
}

// LatestFrame implements Source
func (p *GstPipeline) LatestFrame() *image.RGBA {
	return p.frame.load()
}

// Size implements Source. Zero until the first sample arrives.
func (p *GstPipeline) Size() (int, int) {
	return p.frame.size()
}

// Frames returns how many frames have been produced
func (p *GstPipeline) Frames() uint64 {
	return p.frame.frames()
}
