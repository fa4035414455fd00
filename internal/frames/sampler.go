package frames

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/triage-ai/patrol/internal/device"
	"go.uber.org/zap"
)

// DefaultInterval is the frame cadence, independent of audio timing.
const DefaultInterval = 500 * time.Millisecond

// Frame is one outbound video unit.
type Frame struct {
	MimeType   string
	Data       string // base64 JPEG
	Width      int
	Height     int
	CapturedAt time.Time
}

// Config controls sampling cadence and encoding.
type Config struct {
	Interval time.Duration
	Encoder  Encoder
}

// DefaultConfig returns the 500ms / 640px / q70 settings.
func DefaultConfig() Config {
	return Config{Interval: DefaultInterval, Encoder: DefaultEncoder()}
}

// Sampler captures a frame on every tick. A tick with no frame available
// is skipped. Stop is idempotent and no frame is emitted once it returns.
type Sampler struct {
	src    device.VideoSource
	cfg    Config
	logger *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	out       chan Frame
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewSampler prepares a sampler over src.
func NewSampler(src device.VideoSource, cfg Config, logger *zap.Logger) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Sampler{
		src:    src,
		cfg:    cfg,
		logger: logger,
		out:    make(chan Frame, 2),
		done:   make(chan struct{}),
	}
}

// Start launches the ticker and returns the frame stream, which is closed
// by Stop. Repeated calls return the same stream.
func (s *Sampler) Start() <-chan Frame {
	s.startOnce.Do(func() {
		select {
		case <-s.done:
			// stopped before start; Stop already closed out
			return
		default:
		}
		s.wg.Add(1)
		go s.loop()
	})
	return s.out
}

// Stop cancels the ticker, waits for an in-flight tick and closes the
// stream.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.startOnce.Do(func() {})
		s.wg.Wait()
		close(s.out)
	})
}

func (s *Sampler) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sampler) tick() {
	img, err := s.src.CaptureFrame()
	if err != nil {
		s.logger.Debug("frame capture skipped", zap.Error(err))
		return
	}
	data, size, err := s.cfg.Encoder.Encode(img)
	if err != nil {
		s.logger.Warn("frame encode failed", zap.Error(err))
		return
	}
	frame := Frame{
		MimeType:   MimeTypeJPEG,
		Data:       base64.StdEncoding.EncodeToString(data),
		Width:      size.X,
		Height:     size.Y,
		CapturedAt: time.Now(),
	}

	select {
	case <-s.done:
	case s.out <- frame:
	default:
		s.logger.Debug("frame consumer behind, dropping frame")
	}
}
