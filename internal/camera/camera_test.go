package camera

import (
	"context"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu     sync.Mutex
	frame  image.Image
	err    error
	closed atomic.Bool
}

func (s *fakeStream) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.err
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeSource struct {
	stream *fakeStream
	err    error
	delay  time.Duration
}

func (s *fakeSource) Open(ctx context.Context) (Stream, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.stream, nil
}

type fakeDetector struct {
	mu    sync.Mutex
	preds []Detection
	err   error
}

func (d *fakeDetector) set(preds []Detection, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.preds, d.err = preds, err
}

func (d *fakeDetector) Detect(ctx context.Context, frame image.Image) ([]Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.preds, d.err
}

// solidFrame returns a w*h frame whose first `black` pixels are black and the
// rest are the given gray level.
func solidFrame(w, h, black int, gray uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	i := 0
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if i < black {
				img.Set(x, y, color.RGBA{0, 0, 0, 255})
			} else {
				img.Set(x, y, color.RGBA{gray, gray, gray, 255})
			}
			i++
		}
	}
	return img
}

func TestParseDetections(t *testing.T) {
	preds := []Detection{
		{Class: "person", Score: 0.9},
		{Class: "person", Score: 0.44},
		{Class: "person", Score: 0.45},
		{Class: "cell phone", Score: 0.39},
		{Class: "dog", Score: 0.99},
	}
	persons, device := ParseDetections(preds, 0.45, 0.4)
	assert.Equal(t, 2, persons)
	assert.False(t, device)

	_, device = ParseDetections([]Detection{{Class: "remote", Score: 0.4}}, 0.45, 0.4)
	assert.True(t, device)
	_, device = ParseDetections([]Detection{{Class: "camera", Score: 0.8}}, 0.45, 0.4)
	assert.True(t, device)
}

func TestObstructionAndBrightness(t *testing.T) {
	frame := solidFrame(10, 10, 50, 200)
	assert.Equal(t, 0.5, Obstruction(frame))
	assert.Equal(t, 100.0, Brightness(frame))

	assert.Equal(t, 1.0, Obstruction(solidFrame(4, 4, 16, 0)))
	assert.Equal(t, 0.0, Obstruction(solidFrame(4, 4, 0, 255)))
	assert.Equal(t, 0.33, Obstruction(solidFrame(3, 1, 1, 128)))
}

func TestFrameHashStable(t *testing.T) {
	a := solidFrame(8, 8, 10, 100)
	b := solidFrame(8, 8, 10, 100)
	c := solidFrame(8, 8, 11, 100)
	assert.Equal(t, FrameHash(a), FrameHash(b))
	assert.NotEqual(t, FrameHash(a), FrameHash(c))
	assert.Len(t, FrameHash(a), 64)
}

func TestFrameHashSubImage(t *testing.T) {
	full := image.NewRGBA(image.Rect(0, 0, 4, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 4; x++ {
			v := uint8(0)
			if x >= 2 {
				v = 200
			}
			full.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	left := full.SubImage(image.Rect(0, 0, 2, 2)).(*image.RGBA)
	right := full.SubImage(image.Rect(2, 0, 4, 2)).(*image.RGBA)
	assert.NotEqual(t, FrameHash(left), FrameHash(right))

	standalone := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			standalone.Set(x, y, color.RGBA{200, 200, 200, 255})
		}
	}
	assert.Equal(t, FrameHash(standalone), FrameHash(right), "only pixels inside the bounds are hashed")
}

func TestEvaluate(t *testing.T) {
	det := &fakeDetector{preds: []Detection{{Class: "person", Score: 0.8}, {Class: "cell phone", Score: 0.7}}}
	c := New(&fakeSource{}, det, DefaultConfig(), nil)

	insight, err := c.Evaluate(context.Background(), solidFrame(10, 10, 60, 50))
	require.NoError(t, err)
	assert.Equal(t, 1, insight.PersonsDetected)
	assert.True(t, insight.ExternalDeviceDetected)
	assert.Equal(t, 0.6, insight.ObstructionScore)
	assert.Equal(t, 0.9, insight.LivenessScore)
	assert.NotEmpty(t, insight.FrameHash)

	det.set(nil, nil)
	insight, err = c.Evaluate(context.Background(), solidFrame(2, 2, 0, 50))
	require.NoError(t, err)
	assert.Equal(t, 0, insight.PersonsDetected)
	assert.Equal(t, 0.0, insight.LivenessScore)
}

func TestOpenUnavailable(t *testing.T) {
	c := New(&fakeSource{err: errors.New("permission denied")}, &fakeDetector{}, DefaultConfig(), nil)
	err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
}

func TestOpenTimeout(t *testing.T) {
	stream := &fakeStream{frame: solidFrame(2, 2, 0, 10)}
	cfg := DefaultConfig()
	cfg.AcquireTimeout = 20 * time.Millisecond
	c := New(&fakeSource{stream: stream, delay: 200 * time.Millisecond}, &fakeDetector{}, cfg, nil)

	err := c.Open(context.Background())
	assert.ErrorIs(t, err, ErrCameraUnavailable)
	assert.Eventually(t, stream.closed.Load, time.Second, 10*time.Millisecond, "late stream should be released")
}

func TestDegradedStreak(t *testing.T) {
	stream := &fakeStream{frame: solidFrame(2, 2, 0, 10)}
	det := &fakeDetector{err: errors.New("model not loaded")}
	cfg := DefaultConfig()
	cfg.DegradedAfter = 3
	c := New(&fakeSource{stream: stream}, det, cfg, nil)

	var degraded, recovered int
	c.OnDegraded = func(streak int, err error) { degraded++ }
	c.OnRecovered = func() { recovered++ }
	require.NoError(t, c.Open(context.Background()))

	for i := 0; i < 5; i++ {
		_, err := c.Sample(context.Background())
		assert.Error(t, err)
	}
	assert.Equal(t, 1, degraded, "degraded fires once per streak")
	assert.True(t, c.Degraded())

	det.set([]Detection{{Class: "person", Score: 0.9}}, nil)
	_, err := c.Sample(context.Background())
	require.NoError(t, err)
	assert.False(t, c.Degraded())
	assert.Equal(t, 1, recovered)

	latest, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 1, latest.PersonsDetected)
}

func TestStartStop(t *testing.T) {
	stream := &fakeStream{frame: solidFrame(4, 4, 0, 100)}
	det := &fakeDetector{preds: []Detection{{Class: "person", Score: 0.9}}}
	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	c := New(&fakeSource{stream: stream}, det, cfg, nil)

	var count atomic.Int32
	require.NoError(t, c.Start(context.Background(), func(Insight) { count.Add(1) }))
	assert.ErrorIs(t, c.Start(context.Background(), nil), ErrAlreadyRunning)
	assert.Eventually(t, func() bool { return count.Load() >= 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Stop())
	after := count.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, count.Load(), "no insight after Stop")
	assert.True(t, stream.closed.Load())
}

func TestCapture(t *testing.T) {
	stream := &fakeStream{frame: solidFrame(4, 4, 0, 100)}
	c := New(&fakeSource{stream: stream}, &fakeDetector{}, DefaultConfig(), nil)

	_, _, err := c.Capture()
	assert.ErrorIs(t, err, ErrNotRunning)

	require.NoError(t, c.Open(context.Background()))
	photo, hash, err := c.Capture()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(photo, "data:image/jpeg;base64,"))
	assert.Equal(t, FrameHash(stream.frame.(*image.RGBA)), hash)
}
