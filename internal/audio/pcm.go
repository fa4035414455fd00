// Package audio converts microphone samples to the 16 kHz PCM wire format
// and schedules inbound 24 kHz PCM for gap-free playback.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// WireSampleRate is the rate of outbound microphone audio.
	WireSampleRate = 16000
	// PlaybackSampleRate is the rate of inbound narration audio.
	PlaybackSampleRate = 24000
	// ChunkSamples is the number of input samples per outbound chunk.
	ChunkSamples = 4096
	// MimeTypePCM tags outbound audio chunks.
	MimeTypePCM = "audio/pcm;rate=16000"
	// VolumeGain scales mean absolute amplitude into a 0..1 meter value.
	VolumeGain = 5
)

// ErrMalformedPayload is returned for inbound audio that cannot be decoded.
var ErrMalformedPayload = errors.New("malformed audio payload")

// Resample converts mono samples from one rate to another by linear
// interpolation. Equal rates return the input unchanged.
func Resample(in []float32, from, to int) []float32 {
	if from == to || from <= 0 || to <= 0 || len(in) == 0 {
		return in
	}
	n := int(math.Round(float64(len(in)) * float64(to) / float64(from)))
	if n == 0 {
		return nil
	}
	out := make([]float32, n)
	ratio := float64(from) / float64(to)
	last := len(in) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = in[last]
			continue
		}
		frac := float32(pos - float64(idx))
		out[i] = in[idx] + (in[idx+1]-in[idx])*frac
	}
	return out
}

// EncodePCM16 converts float samples to 16-bit little-endian integers,
// clamping to [-1, 1].
func EncodePCM16(samples []float32) []byte {
	buf := make([]byte, 2*len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7fff)
		}
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// DecodePCM16 converts 16-bit little-endian integers to float samples.
func DecodePCM16(b []byte) ([]float32, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", ErrMalformedPayload, len(b))
	}
	out := make([]float32, len(b)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(b[2*i:]))) / 0x8000
	}
	return out, nil
}

// DecodePayload reverses the transport encoding of an inbound audio unit.
func DecodePayload(payload string) ([]float32, error) {
	if payload == "" {
		return nil, fmt.Errorf("%w: empty", ErrMalformedPayload)
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return DecodePCM16(raw)
}

// Volume returns the mean absolute amplitude scaled by VolumeGain and
// capped at 1.
func Volume(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += math.Abs(float64(s))
	}
	v := float32(sum / float64(len(samples)) * VolumeGain)
	if v > 1 {
		return 1
	}
	return v
}
