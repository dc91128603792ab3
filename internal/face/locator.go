// Package face locates, selects and normalizes the face in a decoded frame.
package face

import (
	"fmt"
	"os"

	"github.com/camoverride/emotion-detector/internal/frame"
)

// Locator finds candidate face regions in a pixel buffer. An empty result is valid.
type Locator interface {
	Locate(buf *frame.PixelBuffer) []Rect
}

// DetectorParams are the fixed detection constants shared by every backend.
type DetectorParams struct {
	MinSize      int
	MaxSize      int
	ScaleFactor  float64
	MinNeighbors int

	// pigo only
	ShiftFactor  float64
	IoUThreshold float64
	MinQuality   float32
}

// DefaultDetectorParams are tuned for 48x48 minimum crops.
func DefaultDetectorParams() DetectorParams {
	return DetectorParams{
		MinSize:      48,
		ScaleFactor:  1.1,
		MinNeighbors: 5,
		ShiftFactor:  0.1,
		IoUThreshold: 0.2,
		MinQuality:   5,
	}
}

// Validate checks the parameters for obviously wrong values.
func (p DetectorParams) Validate() error {
	if p.MinSize <= 0 {
		return fmt.Errorf("min size must be positive, got %d", p.MinSize)
	}
	if p.MaxSize != 0 && p.MaxSize < p.MinSize {
		return fmt.Errorf("max size %d is below min size %d", p.MaxSize, p.MinSize)
	}
	if p.ScaleFactor <= 1 {
		return fmt.Errorf("scale factor must be greater than 1, got %v", p.ScaleFactor)
	}
	if p.MinNeighbors < 0 {
		return fmt.Errorf("min neighbors must not be negative, got %d", p.MinNeighbors)
	}
	return nil
}

// Backends understood by NewLocator.
const (
	BackendHaar = "haar"
	BackendPigo = "pigo"
)

// NewLocator loads the cascade file for the requested backend.
func NewLocator(backend, cascadePath string, params DetectorParams) (Locator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cascadePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read cascade: %w", err)
	}
	switch backend {
	case BackendHaar, "":
		cascade, err := ParseCascade(data)
		if err != nil {
			return nil, err
		}
		return NewHaarLocator(cascade, params), nil
	case BackendPigo:
		return NewPigoLocator(data, params)
	default:
		return nil, fmt.Errorf("unknown detector backend %q", backend)
	}
}
