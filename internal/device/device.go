// Package device describes the capture and playback capabilities the patrol
// client consumes. Real camera/microphone bindings live outside this module;
// Synthetic provides a deterministic implementation for headless runs.
package device

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

var (
	// ErrUnavailable is returned when the camera or microphone cannot be acquired.
	ErrUnavailable = errors.New("capture device unavailable")
	// ErrNoFrame is returned by a VideoSource that has no frame ready yet.
	ErrNoFrame = errors.New("no frame available")
	// ErrClosed is returned by an AudioOutput after Close.
	ErrClosed = errors.New("device closed")
)

// AudioSource is a push-driven microphone. Start registers a callback that
// the device invokes from its own goroutine with mono float samples in
// [-1, 1] at SampleRate.
type AudioSource interface {
	SampleRate() int
	Start(onSamples func(samples []float32)) error
	Stop() error
}

// VideoSource yields the most recent camera frame.
type VideoSource interface {
	CaptureFrame() (image.Image, error)
}

// AudioOutput is a speaker with its own output clock. Play schedules
// samples to start at the given output-clock instant.
type AudioOutput interface {
	Now() time.Duration
	Play(samples []float32, sampleRate int, at time.Duration) error
	Close() error
}

// OutputOpener opens a playback device at the given sample rate.
type OutputOpener interface {
	OpenOutput(ctx context.Context, sampleRate int) (AudioOutput, error)
}

// Capability acquires the live audio+video handle for a patrol session.
type Capability interface {
	OutputOpener
	Acquire(ctx context.Context) (*Media, error)
}

// Media is an acquired camera+microphone pair. Release frees the devices;
// it is safe to call more than once.
type Media struct {
	Audio AudioSource
	Video VideoSource

	releaseOnce sync.Once
	release     func()
}

// NewMedia builds a Media handle. release may be nil.
func NewMedia(audio AudioSource, video VideoSource, release func()) *Media {
	return &Media{Audio: audio, Video: video, release: release}
}

// Release stops the microphone and frees the devices.
func (m *Media) Release() {
	if m == nil {
		return
	}
	m.releaseOnce.Do(func() {
		if m.Audio != nil {
			_ = m.Audio.Stop()
		}
		if m.release != nil {
			m.release()
		}
	})
}
