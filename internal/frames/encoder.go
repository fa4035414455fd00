// Package frames samples the camera on a fixed cadence and encodes each
// frame as a downscaled JPEG for the perception stream.
package frames

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

const (
	// DefaultMaxWidth bounds the width of transmitted frames.
	DefaultMaxWidth = 640
	// DefaultQuality is the JPEG quality (0.7 on a 0..1 scale).
	DefaultQuality = 70
	// MimeTypeJPEG tags outbound frames.
	MimeTypeJPEG = "image/jpeg"
)

var errEmptyImage = errors.New("empty image")

// Encoder downsamples and compresses camera frames.
type Encoder struct {
	MaxWidth int
	Quality  int
}

// DefaultEncoder returns the transport encoder settings.
func DefaultEncoder() Encoder {
	return Encoder{MaxWidth: DefaultMaxWidth, Quality: DefaultQuality}
}

// Encode scales img so its width is at most MaxWidth, preserving aspect
// ratio, and returns JPEG bytes with the output dimensions.
func (e Encoder) Encode(img image.Image) ([]byte, image.Point, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, image.Point{}, fmt.Errorf("Encoder.Encode: %w", errEmptyImage)
	}

	scaled := e.scale(img)

	quality := e.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, image.Point{}, fmt.Errorf("Encoder.Encode: %w", err)
	}
	return buf.Bytes(), scaled.Bounds().Size(), nil
}

func (e Encoder) scale(img image.Image) image.Image {
	maxWidth := e.MaxWidth
	if maxWidth <= 0 {
		maxWidth = DefaultMaxWidth
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth {
		return img
	}
	height := b.Dy() * maxWidth / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
