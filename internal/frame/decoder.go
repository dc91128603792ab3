// Package frame turns data-URI encoded webcam frames into pixel buffers.
package frame

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DefaultMaxBytes bounds the size of an encoded payload.
const DefaultMaxBytes = 8 << 20

// DefaultMaxPixels bounds the decoded frame area, 2048x2048.
const DefaultMaxPixels = 1 << 22

// ErrDecode is returned for malformed, truncated or unprefixed payloads.
var ErrDecode = errors.New("frame decode failed")

// Decoder decodes data-URI payloads such as "data:image/jpeg;base64,<body>".
type Decoder struct {
	MaxBytes  int
	MaxPixels int
}

// Decode decodes a payload with the default size limit.
func Decode(payload string) (*PixelBuffer, error) {
	return Decoder{}.Decode(payload)
}

// Decode strips the data-URI prefix, base64-decodes the body and decodes the image
// into a three channel PixelBuffer.
func (d Decoder) Decode(payload string) (*PixelBuffer, error) {
	limit := d.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxBytes
	}
	if len(payload) > limit {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrDecode, len(payload), limit)
	}

	prefix, body, ok := strings.Cut(payload, ",")
	if !ok || strings.TrimSpace(prefix) == "" {
		return nil, fmt.Errorf("%w: missing data uri prefix", ErrDecode)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty image body", ErrDecode)
	}

	pixelLimit := d.MaxPixels
	if pixelLimit <= 0 {
		pixelLimit = DefaultMaxPixels
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > pixelLimit/cfg.Height {
		return nil, fmt.Errorf("%w: frame of %dx%d exceeds %d pixels", ErrDecode, cfg.Width, cfg.Height, pixelLimit)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return FromImage(img), nil
}

// FromImage copies any image into a PixelBuffer, dropping alpha.
func FromImage(img image.Image) *PixelBuffer {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	buf := &PixelBuffer{Width: w, Height: h, Pix: make([]uint8, w*h*Channels)}
	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := buf.Pix[y*w*Channels : (y+1)*w*Channels]
		for x := 0; x < w; x++ {
			dst[x*3] = src[x*4]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+2]
		}
	}
	return buf
}
