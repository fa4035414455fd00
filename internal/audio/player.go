package audio

import (
	"sync"
	"time"

	"github.com/triage-ai/patrol/internal/device"
	"go.uber.org/zap"
)

// Scheduled describes where a buffer landed on the output clock.
type Scheduled struct {
	Start time.Duration
	End   time.Duration
	// Skipped is true when the player was already closed.
	Skipped bool
}

// Player schedules decoded buffers back to back on the output clock:
// each buffer starts at max(now, end of the previous buffer). The cursor
// update is atomic with respect to other Enqueue calls.
type Player struct {
	out    device.AudioOutput
	logger *zap.Logger

	mu        sync.Mutex
	nextStart time.Duration
	closed    bool
	scheduled uint64
}

// NewPlayer wraps an opened output device.
func NewPlayer(out device.AudioOutput, logger *zap.Logger) *Player {
	return &Player{out: out, logger: logger}
}

// Enqueue decodes a transport payload and schedules it. A malformed
// payload returns an error wrapping ErrMalformedPayload and leaves the
// cursor untouched.
func (p *Player) Enqueue(payload string, sampleRate int) (Scheduled, error) {
	samples, err := DecodePayload(payload)
	if err != nil {
		return Scheduled{}, err
	}
	return p.Schedule(samples, sampleRate), nil
}

// Schedule places samples on the output clock. After Close it is a no-op.
func (p *Player) Schedule(samples []float32, sampleRate int) Scheduled {
	if sampleRate <= 0 {
		sampleRate = PlaybackSampleRate
	}
	dur := time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return Scheduled{Skipped: true}
	}

	start := p.out.Now()
	if p.nextStart > start {
		start = p.nextStart
	}
	p.nextStart = start + dur
	p.scheduled++

	if err := p.out.Play(samples, sampleRate, start); err != nil {
		// output torn down underneath us; the buffer is simply lost
		p.logger.Debug("playback dropped buffer", zap.Error(err))
	}
	return Scheduled{Start: start, End: start + dur}
}

// NextStart returns the current end of the scheduled queue.
func (p *Player) NextStart() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextStart
}

// Close stops scheduling and releases the output device. Safe to call
// more than once.
func (p *Player) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.out.Close()
}
