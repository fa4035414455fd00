package device

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

const (
	syntheticSampleRate = 48000
	syntheticBlock      = 4096
	syntheticWidth      = 1280
	syntheticHeight     = 720
)

// Synthetic is a Capability backed by a moving test pattern, a quiet sine
// tone and a wall-clock speaker that discards samples. It never fails
// unless Unavailable is set.
type Synthetic struct {
	// Unavailable makes Acquire and OpenOutput fail with ErrUnavailable.
	Unavailable atomic.Bool
}

// NewSynthetic returns a ready synthetic device.
func NewSynthetic() *Synthetic {
	return &Synthetic{}
}

func (s *Synthetic) Acquire(_ context.Context) (*Media, error) {
	if s.Unavailable.Load() {
		return nil, ErrUnavailable
	}
	return NewMedia(NewToneSource(syntheticSampleRate, 440), NewPatternSource(syntheticWidth, syntheticHeight), nil), nil
}

func (s *Synthetic) OpenOutput(_ context.Context, _ int) (AudioOutput, error) {
	if s.Unavailable.Load() {
		return nil, ErrUnavailable
	}
	return NewWallClockOutput(), nil
}

// PatternSource renders a vertical bar that sweeps across a gray frame.
type PatternSource struct {
	width, height int
	start         time.Time
}

// NewPatternSource returns a test-pattern camera of the given size.
func NewPatternSource(width, height int) *PatternSource {
	return &PatternSource{width: width, height: height, start: time.Now()}
}

func (p *PatternSource) CaptureFrame() (image.Image, error) {
	img := image.NewRGBA(image.Rect(0, 0, p.width, p.height))
	bar := int(time.Since(p.start)/(20*time.Millisecond)) % p.width
	for y := 0; y < p.height; y++ {
		for x := 0; x < p.width; x++ {
			c := color.RGBA{R: 40, G: 40, B: 48, A: 255}
			if x >= bar && x < bar+16 {
				c = color.RGBA{R: 220, G: 220, B: 220, A: 255}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// ToneSource emits a low-amplitude sine wave in fixed-size blocks paced by
// a ticker, like a sound card driving a capture callback.
type ToneSource struct {
	rate int
	freq float64

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	phase float64
}

// NewToneSource returns a microphone that plays freq Hz at rate samples/s.
func NewToneSource(rate int, freq float64) *ToneSource {
	return &ToneSource{rate: rate, freq: freq}
}

func (t *ToneSource) SampleRate() int { return t.rate }

func (t *ToneSource) Start(onSamples func([]float32)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return nil
	}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	period := time.Duration(syntheticBlock) * time.Second / time.Duration(t.rate)
	go t.run(period, onSamples, t.stop, t.done)
	return nil
}

func (t *ToneSource) run(period time.Duration, onSamples func([]float32), stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	step := 2 * math.Pi * t.freq / float64(t.rate)
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			block := make([]float32, syntheticBlock)
			for i := range block {
				block[i] = float32(0.1 * math.Sin(t.phase))
				t.phase += step
			}
			t.phase = math.Mod(t.phase, 2*math.Pi)
			onSamples(block)
		}
	}
}

func (t *ToneSource) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

// WallClockOutput is a speaker whose clock is the time since it was opened.
// Played samples are counted and dropped.
type WallClockOutput struct {
	start  time.Time
	closed atomic.Bool
	Played atomic.Int64
}

// NewWallClockOutput opens a discarding speaker.
func NewWallClockOutput() *WallClockOutput {
	return &WallClockOutput{start: time.Now()}
}

func (o *WallClockOutput) Now() time.Duration { return time.Since(o.start) }

func (o *WallClockOutput) Play(samples []float32, _ int, _ time.Duration) error {
	if o.closed.Load() {
		return ErrClosed
	}
	o.Played.Add(int64(len(samples)))
	return nil
}

func (o *WallClockOutput) Close() error {
	o.closed.Store(true)
	return nil
}
