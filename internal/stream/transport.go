// Package stream owns the duplex session with the remote perception
// endpoint: it multiplexes microphone chunks and camera frames out and
// demultiplexes narration audio and transcript text in.
package stream

import (
	"context"
	"errors"
)

var (
	// ErrMalformedMessage marks a single undecodable inbound unit. The
	// session drops it and keeps reading.
	ErrMalformedMessage = errors.New("malformed stream message")
	// ErrRemoteClosed is reported when the endpoint ends the stream.
	ErrRemoteClosed = errors.New("remote closed the stream")
	// ErrSetupTimeout is reported when the endpoint never acknowledges setup.
	ErrSetupTimeout = errors.New("stream setup not acknowledged")
	// ErrDevice wraps capture/playback device failures during open.
	ErrDevice = errors.New("stream device error")
)

// Setup is sent once when the connection opens.
type Setup struct {
	Voice               string
	SystemInstruction   string
	OutputTranscription bool
}

// MediaChunk is an outbound realtime unit (audio or image).
type MediaChunk struct {
	MimeType string
	Data     string
}

// AudioPayload is inbound narration audio.
type AudioPayload struct {
	Data       string
	SampleRate int
}

// ServerMessage is one decoded inbound unit. Several fields may be set.
type ServerMessage struct {
	SetupComplete bool
	Audio         *AudioPayload
	Transcript    string
	TurnComplete  bool
}

// Transport dials the perception endpoint.
type Transport interface {
	Dial(ctx context.Context, setup Setup) (Conn, error)
}

// Conn is an open duplex connection. Send may be called concurrently;
// Recv is called from a single goroutine. Close unblocks Recv.
type Conn interface {
	Send(chunk MediaChunk) error
	Recv() (*ServerMessage, error)
	Close() error
}
