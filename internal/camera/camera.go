// Package camera samples the viewer's camera and turns each frame into an
// Insight: people and recording devices in view, how much of the lens is
// covered, and how bright the scene is.
//
// The hardware is reached through Source and the object model through
// Detector, so the sampling loop runs headless in tests.
package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrCameraUnavailable is returned when no stream could be acquired,
	// either because permission was denied or no device exists.
	ErrCameraUnavailable = errors.New("camera: CAMERA_UNAVAILABLE")
	// ErrNotRunning is returned when a frame is requested with no stream.
	ErrNotRunning = errors.New("camera: not running")
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("camera: already running")
)

// Insight is the per-tick summary of a frame.
type Insight struct {
	FrameHash              string    `json:"frameHash"`
	ObstructionScore       float64   `json:"obstructionScore"`
	PersonsDetected        int       `json:"personsDetected"`
	ExternalDeviceDetected bool      `json:"externalDeviceDetected"`
	LivenessScore          float64   `json:"livenessScore"`
	BrightnessDelta        float64   `json:"brightnessDelta"`
	UpdatedAt              time.Time `json:"updatedAt"`
}

// Stream is an open camera feed.
type Stream interface {
	Frame() (image.Image, error)
	Close() error
}

// Source acquires a user-facing camera stream.
type Source interface {
	Open(ctx context.Context) (Stream, error)
}

// Detection is a single object-model prediction.
type Detection struct {
	Class string
	Score float64
}

// Detector runs object/person detection on a frame.
type Detector interface {
	Detect(ctx context.Context, frame image.Image) ([]Detection, error)
}

// Config tunes sampling.
type Config struct {
	// Interval between samples.
	Interval time.Duration
	// AcquireTimeout bounds stream acquisition.
	AcquireTimeout time.Duration
	// DegradedAfter is the failure streak that marks the collector degraded.
	DegradedAfter int
	// PersonThreshold is the minimum score for a person detection.
	PersonThreshold float64
	// DeviceThreshold is the minimum score for a recording-device detection.
	DeviceThreshold float64
	// JPEGQuality is used for evidence captures.
	JPEGQuality int
}

// DefaultConfig returns the reference cadence and thresholds.
func DefaultConfig() Config {
	return Config{
		Interval:        4 * time.Second,
		AcquireTimeout:  5 * time.Second,
		DegradedAfter:   3,
		PersonThreshold: 0.45,
		DeviceThreshold: 0.4,
		JPEGQuality:     80,
	}
}

// Collector owns one camera stream and its sampling loop.
type Collector struct {
	source   Source
	detector Detector
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	// OnDegraded fires once when the failure streak reaches DegradedAfter.
	OnDegraded func(streak int, err error)
	// OnRecovered fires when a tick succeeds after a degraded period.
	OnRecovered func()

	mu       sync.Mutex
	stream   Stream
	cancel   context.CancelFunc
	done     chan struct{}
	streak   int
	degraded bool
	latest   *Insight
}

// New creates a Collector. A nil logger discards output.
func New(source Source, detector Detector, cfg Config, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultConfig().AcquireTimeout
	}
	return &Collector{
		source:   source,
		detector: detector,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Open acquires the stream without starting the sampling loop. It is used
// when only presence photos are needed.
func (c *Collector) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

func (c *Collector) openLocked(ctx context.Context) error {
	if c.stream != nil {
		return nil
	}
	actx, cancel := context.WithTimeout(ctx, c.config.AcquireTimeout)
	defer cancel()

	type result struct {
		s   Stream
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := c.source.Open(actx)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%w: %v", ErrCameraUnavailable, r.err)
		}
		c.stream = r.s
		return nil
	case <-actx.Done():
		// A late stream must still be released.
		go func() {
			if r := <-ch; r.s != nil {
				r.s.Close()
			}
		}()
		return fmt.Errorf("%w: %v", ErrCameraUnavailable, actx.Err())
	}
}

// Start acquires the stream and samples it every Interval, handing each
// Insight to onInsight. Detection failures are logged and the loop continues.
func (c *Collector) Start(ctx context.Context, onInsight func(Insight)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return ErrAlreadyRunning
	}
	if err := c.openLocked(ctx); err != nil {
		return err
	}

	lctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.loop(lctx, onInsight, c.done)
	return nil
}

func (c *Collector) loop(ctx context.Context, onInsight func(Insight), done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			insight, err := c.Sample(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if onInsight != nil {
				onInsight(insight)
			}
		}
	}
}

// Sample grabs the current frame and evaluates it once.
func (c *Collector) Sample(ctx context.Context) (Insight, error) {
	frame, err := c.frame()
	if err != nil {
		c.recordFailure(err)
		return Insight{}, err
	}
	insight, err := c.Evaluate(ctx, frame)
	if err != nil {
		c.recordFailure(err)
		return Insight{}, err
	}
	c.recordSuccess(insight)
	return insight, nil
}

// Evaluate runs detection and the pixel heuristics on frame.
func (c *Collector) Evaluate(ctx context.Context, frame image.Image) (Insight, error) {
	preds, err := c.detector.Detect(ctx, frame)
	if err != nil {
		return Insight{}, fmt.Errorf("detect: %w", err)
	}
	persons, device := ParseDetections(preds, c.config.PersonThreshold, c.config.DeviceThreshold)
	rgba := toRGBA(frame)

	liveness := 0.0
	if persons > 0 {
		liveness = 0.9
	}
	return Insight{
		FrameHash:              FrameHash(rgba),
		ObstructionScore:       Obstruction(rgba),
		PersonsDetected:        persons,
		ExternalDeviceDetected: device,
		LivenessScore:          liveness,
		BrightnessDelta:        Brightness(rgba),
		UpdatedAt:              c.now(),
	}, nil
}

func (c *Collector) frame() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotRunning
	}
	return c.stream.Frame()
}

func (c *Collector) recordFailure(err error) {
	c.mu.Lock()
	c.streak++
	streak := c.streak
	trip := !c.degraded && c.config.DegradedAfter > 0 && streak >= c.config.DegradedAfter
	if trip {
		c.degraded = true
	}
	onDegraded := c.OnDegraded
	c.mu.Unlock()

	c.logger.Warn("camera sample failed", "error", err, "streak", streak)
	if trip && onDegraded != nil {
		onDegraded(streak, err)
	}
}

func (c *Collector) recordSuccess(insight Insight) {
	c.mu.Lock()
	recovered := c.degraded
	c.streak = 0
	c.degraded = false
	c.latest = &insight
	onRecovered := c.OnRecovered
	c.mu.Unlock()

	if recovered {
		c.logger.Info("camera sampling recovered")
		if onRecovered != nil {
			onRecovered()
		}
	}
}

// Degraded reports whether the failure streak has tripped.
func (c *Collector) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// Latest returns the most recent insight, if any.
func (c *Collector) Latest() (Insight, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return Insight{}, false
	}
	return *c.latest, true
}

// Capture grabs the current frame as a JPEG data URL with its hash.
func (c *Collector) Capture() (photo, frameHash string, err error) {
	frame, err := c.frame()
	if err != nil {
		return "", "", err
	}
	rgba := toRGBA(frame)
	photo, err = EncodeDataURL(rgba, c.config.JPEGQuality)
	if err != nil {
		return "", "", err
	}
	return photo, FrameHash(rgba), nil
}

// Stop ends sampling, waits for the loop to exit and releases the stream.
// No insight is delivered after Stop returns.
func (c *Collector) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil
	}
	err := c.stream.Close()
	c.stream = nil
	return err
}
