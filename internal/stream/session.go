package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/triage-ai/patrol/internal/audio"
	"github.com/triage-ai/patrol/internal/device"
	"github.com/triage-ai/patrol/internal/frames"
	"go.uber.org/zap"
)

// DefaultSetupTimeout bounds the wait for the remote acknowledgment.
const DefaultSetupTimeout = 10 * time.Second

// State is the connection lifecycle of a Session.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unspecified"
	}
}

// Handler receives session events. Callbacks run on session goroutines and
// must not block. OnClosed fires once for remote closes, transport errors
// and setup failures; it does not fire for a local Close.
type Handler struct {
	OnOpen      func()
	OnNarration func(text string)
	OnVolume    func(level float32)
	OnClosed    func(reason error)
}

// Launcher opens sessions against one transport with fixed settings.
type Launcher struct {
	Transport    Transport
	Outputs      device.OutputOpener
	Setup        Setup
	Frames       frames.Config
	SetupTimeout time.Duration
	Logger       *zap.Logger
}

// Session is one logical duplex connection. It owns the audio pipeline,
// the frame sampler and the playback scheduler for its lifetime.
type Session struct {
	conn     Conn
	pipeline *audio.Pipeline
	sampler  *frames.Sampler
	player   *audio.Player
	handler  Handler
	logger   *zap.Logger

	mu         sync.Mutex
	state      State
	setupTimer *time.Timer
	closeOnce  sync.Once
	done       chan struct{}
}

// Open dials the endpoint and returns a CONNECTING session. Capture starts
// once the endpoint acknowledges setup. A playback device failure aborts
// the open.
func (l *Launcher) Open(ctx context.Context, media *device.Media, h Handler) (*Session, error) {
	logger := l.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	out, err := l.Outputs.OpenOutput(ctx, audio.PlaybackSampleRate)
	if err != nil {
		return nil, fmt.Errorf("Launcher.Open: %w: %v", ErrDevice, err)
	}

	conn, err := l.Transport.Dial(ctx, l.Setup)
	if err != nil {
		_ = out.Close()
		return nil, fmt.Errorf("Launcher.Open: %w", err)
	}

	s := &Session{
		conn:     conn,
		pipeline: audio.NewPipeline(media.Audio, h.OnVolume, logger.Named("audio")),
		sampler:  frames.NewSampler(media.Video, l.Frames, logger.Named("frames")),
		player:   audio.NewPlayer(out, logger.Named("playback")),
		handler:  h,
		logger:   logger,
		state:    StateConnecting,
		done:     make(chan struct{}),
	}

	timeout := l.SetupTimeout
	if timeout <= 0 {
		timeout = DefaultSetupTimeout
	}
	s.mu.Lock()
	s.setupTimer = time.AfterFunc(timeout, func() {
		if s.State() == StateConnecting {
			s.teardown(ErrSetupTimeout, true)
		}
	})
	s.mu.Unlock()

	go s.recvLoop()

	logger.Info("perception stream connecting",
		zap.String("voice", l.Setup.Voice),
	)
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once teardown has completed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down. It is safe to call from any goroutine and
// more than once.
func (s *Session) Close() error {
	s.teardown(nil, false)
	return nil
}

func (s *Session) recvLoop() {
	for {
		msg, err := s.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformedMessage) {
				s.logger.Warn("dropping malformed stream message", zap.Error(err))
				continue
			}
			if st := s.State(); st == StateClosing || st == StateClosed {
				return
			}
			if errors.Is(err, io.EOF) {
				s.teardown(ErrRemoteClosed, true)
			} else {
				s.logger.Error("perception stream failed", zap.Error(err))
				s.teardown(err, true)
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *ServerMessage) {
	if msg.SetupComplete {
		s.activate()
	}
	if s.State() != StateOpen {
		return
	}

	if msg.Audio != nil {
		if _, err := s.player.Enqueue(msg.Audio.Data, msg.Audio.SampleRate); err != nil {
			s.logger.Warn("dropping inbound audio", zap.Error(err))
		}
	}
	if msg.Transcript != "" && s.handler.OnNarration != nil {
		s.handler.OnNarration(msg.Transcript)
	}
}

// activate moves CONNECTING to OPEN and starts forwarding capture.
func (s *Session) activate() {
	s.mu.Lock()
	if s.state != StateConnecting {
		s.mu.Unlock()
		return
	}
	if s.setupTimer != nil {
		s.setupTimer.Stop()
	}
	s.mu.Unlock()

	chunks, err := s.pipeline.Start()
	if err != nil {
		s.logger.Error("audio capture failed to start", zap.Error(err))
		s.teardown(fmt.Errorf("%w: %v", ErrDevice, err), true)
		return
	}
	frameCh := s.sampler.Start()

	s.mu.Lock()
	if s.state != StateConnecting {
		// closed while capture was starting; teardown stops both
		s.mu.Unlock()
		return
	}
	s.state = StateOpen
	s.mu.Unlock()

	go s.forwardAudio(chunks)
	go s.forwardFrames(frameCh)

	s.logger.Info("perception stream open")
	if s.handler.OnOpen != nil {
		s.handler.OnOpen()
	}
}

func (s *Session) forwardAudio(chunks <-chan audio.Chunk) {
	for c := range chunks {
		if !s.send(MediaChunk{MimeType: c.MimeType, Data: c.Data}) {
			return
		}
	}
}

func (s *Session) forwardFrames(frameCh <-chan frames.Frame) {
	for f := range frameCh {
		if !s.send(MediaChunk{MimeType: f.MimeType, Data: f.Data}) {
			return
		}
	}
}

// send reports false once the session can no longer transmit.
func (s *Session) send(chunk MediaChunk) bool {
	if s.State() != StateOpen {
		return false
	}
	if err := s.conn.Send(chunk); err != nil {
		if s.State() == StateOpen {
			s.logger.Error("perception stream send failed", zap.Error(err))
			s.teardown(err, true)
		}
		return false
	}
	return true
}

// teardown is the single exit path for every close reason.
func (s *Session) teardown(reason error, notify bool) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosing
		if s.setupTimer != nil {
			s.setupTimer.Stop()
		}
		s.mu.Unlock()

		s.sampler.Stop()
		s.pipeline.Stop()
		if err := s.player.Close(); err != nil {
			s.logger.Warn("playback close failed", zap.Error(err))
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("transport close failed", zap.Error(err))
		}

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)

		if reason != nil {
			s.logger.Info("perception stream closed", zap.Error(reason))
		} else {
			s.logger.Info("perception stream closed")
		}
		if notify && s.handler.OnClosed != nil {
			s.handler.OnClosed(reason)
		}
	})
}
