package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/triage-ai/patrol/internal/device"
	"go.uber.org/zap"
)

const chunkBuffer = 32

// ErrCaptureUnavailable wraps microphone start failures.
var ErrCaptureUnavailable = errors.New("audio capture unavailable")

// Chunk is one outbound audio unit, ready for the transport.
type Chunk struct {
	MimeType string
	Data     string // base64 PCM16LE at WireSampleRate
	Samples  int    // input samples consumed
}

// Pipeline turns microphone callbacks into fixed-size encoded chunks.
// The volume meter is delivered on its own goroutine so a slow consumer
// never delays encoding.
type Pipeline struct {
	src      device.AudioSource
	onVolume func(level float32)
	logger   *zap.Logger

	mu       sync.Mutex
	pending  []float32
	started  bool
	stopping bool
	stopped  bool
	chunks   chan Chunk
	levels   chan float32
	meterWG  sync.WaitGroup

	dropped atomic.Uint64
}

// NewPipeline prepares a pipeline over src. onVolume may be nil.
func NewPipeline(src device.AudioSource, onVolume func(float32), logger *zap.Logger) *Pipeline {
	return &Pipeline{
		src:      src,
		onVolume: onVolume,
		logger:   logger,
		chunks:   make(chan Chunk, chunkBuffer),
		levels:   make(chan float32, 1),
	}
}

// Start begins capture and returns the outbound chunk stream. The channel
// is closed by Stop. Capture failures are returned, not retried.
func (p *Pipeline) Start() (<-chan Chunk, error) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return nil, fmt.Errorf("Pipeline.Start: %w: pipeline stopped", ErrCaptureUnavailable)
	}
	if p.started {
		p.mu.Unlock()
		return p.chunks, nil
	}
	p.started = true
	p.meterWG.Add(1)
	p.mu.Unlock()

	go p.meterLoop()

	if err := p.src.Start(p.onSamples); err != nil {
		p.Stop()
		return nil, fmt.Errorf("Pipeline.Start: %w: %v", ErrCaptureUnavailable, err)
	}

	// A Stop that ran while the device was opening stopped it too early.
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if stopping {
		if err := p.src.Stop(); err != nil {
			p.logger.Warn("audio source stop failed", zap.Error(err))
		}
		return nil, fmt.Errorf("Pipeline.Start: %w: pipeline stopped", ErrCaptureUnavailable)
	}
	return p.chunks, nil
}

// Stop halts capture and closes the chunk stream. Safe to call repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	wasStarted := p.started
	p.mu.Unlock()

	if wasStarted {
		if err := p.src.Stop(); err != nil {
			p.logger.Warn("audio source stop failed", zap.Error(err))
		}
	}

	p.mu.Lock()
	p.stopped = true
	p.pending = nil
	close(p.chunks)
	close(p.levels)
	p.mu.Unlock()

	p.meterWG.Wait()
}

// Dropped reports chunks discarded because the consumer fell behind.
func (p *Pipeline) Dropped() uint64 {
	return p.dropped.Load()
}

// onSamples is the device callback. Samples are buffered until a full
// ChunkSamples block is available.
func (p *Pipeline) onSamples(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}

	p.pending = append(p.pending, samples...)
	for len(p.pending) >= ChunkSamples {
		block := p.pending[:ChunkSamples]
		p.emit(block)
		rest := make([]float32, len(p.pending)-ChunkSamples)
		copy(rest, p.pending[ChunkSamples:])
		p.pending = rest
	}
}

// emit must be called with p.mu held.
func (p *Pipeline) emit(block []float32) {
	level := Volume(block)
	select {
	case p.levels <- level:
	default:
		// meter is behind; drop the stale reading
		select {
		case <-p.levels:
		default:
		}
		select {
		case p.levels <- level:
		default:
		}
	}

	pcm := EncodePCM16(Resample(block, p.src.SampleRate(), WireSampleRate))
	chunk := Chunk{
		MimeType: MimeTypePCM,
		Data:     base64.StdEncoding.EncodeToString(pcm),
		Samples:  len(block),
	}
	select {
	case p.chunks <- chunk:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("audio chunk buffer full, dropping chunk",
			zap.Uint64("dropped_total", n),
		)
	}
}

func (p *Pipeline) meterLoop() {
	defer p.meterWG.Done()
	for level := range p.levels {
		if p.onVolume != nil {
			p.onVolume(level)
		}
	}
}
