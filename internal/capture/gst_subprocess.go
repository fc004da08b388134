package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/OverlayCam/internal/logger"
)

// Fallback dimensions when the device caps cannot be probed
const (
	fallbackWidth  = 640
	fallbackHeight = 480
)

// GstSubprocess reads raw RGBA frames from a gst-launch-1.0 child process.
// No cgo is involved, only the gst-launch binary has to be installed.
type GstSubprocess struct {
	device     string
	fps        int
	firstFrame time.Duration

	mu      sync.Mutex
	cmd     *exec.Cmd
	exited  chan struct{}
	running bool

	frame  *latestFrame
	width  int
	height int
}

// NewGstSubprocess creates a subprocess source for a v4l2 device
func NewGstSubprocess(device string, fps int) *GstSubprocess {
	return &GstSubprocess{
		device:     device,
		fps:        fps,
		firstFrame: 10 * time.Second,
		frame:      newLatestFrame(),
	}
}

// Name implements Source
func (g *GstSubprocess) Name() string {
	return "gst-subprocess:" + g.device
}

func (g *GstSubprocess) sourceArgs() []string {
	return []string{"v4l2src", "device=" + g.device}
}

// pipelineArgs builds the gst-launch argument list for the capture pipeline
func (g *GstSubprocess) pipelineArgs(width, height int) []string {
	args := []string{"-q"}
	args = append(args, g.sourceArgs()...)
	args = append(args, "do-timestamp=true", "!", "videoconvert", "!", "videoscale", "!")
	if g.fps > 0 {
		args = append(args, "videorate", "!")
	}
	caps := fmt.Sprintf("video/x-raw,format=RGBA,width=%d,height=%d", width, height)
	if g.fps > 0 {
		caps += fmt.Sprintf(",framerate=%d/1", g.fps)
	}
	return append(args, caps, "!", "fdsink", "fd=1", "sync=false")
}

// Start implements Source
func (g *GstSubprocess) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("pipeline already running")
	}

	log := logger.WithComponent("gst-subprocess")

	width, height, err := g.probe(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to probe video dimensions, forcing fallback size")
		width, height = fallbackWidth, fallbackHeight
	}
	g.width, g.height = width, height
	log.Info().Int("width", width).Int("height", height).Msg("Video dimensions")

	args := g.pipelineArgs(width, height)
	log.Debug().Strs("args", args).Msg("Starting GStreamer subprocess")

	g.cmd = exec.Command("gst-launch-1.0", args...)
	stdout, err := g.cmd.StdoutPipe()
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := g.cmd.StderrPipe()
	if err != nil {
		g.mu.Unlock()
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := g.cmd.Start(); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("failed to start gst-launch: %w", err)
	}

	g.running = true
	g.exited = make(chan struct{})
	exited := g.exited
	cmd := g.cmd

	go g.logStderr(stderr)
	go func() {
		defer close(exited)
		g.readFrames(stdout, width, height)
	}()
	log.Info().Str("device", g.device).Int("pid", cmd.Process.Pid).Msg("GStreamer subprocess started")
	g.mu.Unlock()

	wait := time.NewTimer(g.firstFrame)
	defer wait.Stop()

	select {
	case <-g.frame.first:
		return nil
	case <-exited:
		g.Stop()
		return errors.New("gst-launch exited before the first frame")
	case <-wait.C:
		g.Stop()
		return fmt.Errorf("no frame from %s within %s", g.device, g.firstFrame)
	case <-ctx.Done():
		g.Stop()
		return ctx.Err()
	}
}

// probe runs a one-buffer pipeline and reads the negotiated caps
func (g *GstSubprocess) probe(ctx context.Context) (int, int, error) {
	log := logger.WithComponent("gst-subprocess")

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	args := append([]string{"-v"}, g.sourceArgs()...)
	args = append(args, "num-buffers=1", "!", "fakesink")
	output, err := exec.CommandContext(probeCtx, "gst-launch-1.0", args...).CombinedOutput()
	if err != nil {
		// caps are often printed before the error
		log.Debug().Str("output", string(output)).Msg("Probe command output")
	}

	w, h := parseCaps(string(output))
	if w > 0 && h > 0 {
		return w, h, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("probe failed: %w", err)
	}
	return 0, 0, fmt.Errorf("could not determine video dimensions")
}

// parseCaps finds the first video/x-raw caps line carrying both dimensions
func parseCaps(output string) (int, int) {
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "video/x-raw") && !strings.Contains(line, "image/jpeg") {
			continue
		}
		w := extractIntFromCaps(line, "width")
		h := extractIntFromCaps(line, "height")
		if w > 0 && h > 0 {
			return w, h
		}
	}
	return 0, 0
}

// extractIntFromCaps reads key=(int)N or key=N from a caps string
func extractIntFromCaps(caps, key string) int {
	for _, pattern := range []string{key + "=(int)", key + "="} {
		idx := strings.Index(caps, pattern)
		if idx < 0 {
			continue
		}
		start := idx + len(pattern)
		end := start
		for end < len(caps) && caps[end] >= '0' && caps[end] <= '9' {
			end++
		}
		if end > start {
			if val, err := strconv.Atoi(caps[start:end]); err == nil {
				return val
			}
		}
	}
	return 0
}

func (g *GstSubprocess) readFrames(stdout io.Reader, width, height int) {
	log := logger.WithComponent("gst-subprocess")

	frameSize := width * height * 4
	reader := bufio.NewReaderSize(stdout, frameSize*2)

	for {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		if _, err := io.ReadFull(reader, img.Pix); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				log.Debug().Msg("EOF from GStreamer subprocess")
			} else {
				log.Error().Err(err).Msg("Error reading frame")
			}
			return
		}
		g.frame.store(img)
	}
}

func (g *GstSubprocess) logStderr(stderr io.Reader) {
	log := logger.WithComponent("gst-subprocess")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// Stop implements Source
func (g *GstSubprocess) Stop() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.running {
		return nil
	}
	g.running = false

	if g.cmd != nil && g.cmd.Process != nil {
		logger.WithComponent("gst-subprocess").Debug().Int("pid", g.cmd.Process.Pid).Msg("Killing GStreamer subprocess")
		g.cmd.Process.Kill()
		g.cmd.Wait()
	}
	logger.WithComponent("gst-subprocess").Info().Msg("GStreamer subprocess stopped")
	return nil
}

// LatestFrame implements Source
func (g *GstSubprocess) LatestFrame() *image.RGBA {
	return g.frame.load()
}

// Size implements Source
func (g *GstSubprocess) Size() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.width, g.height
}

// Frames returns how many frames have been read
func (g *GstSubprocess) Frames() uint64 {
	return g.frame.frames()
}
