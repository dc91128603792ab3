package face

import (
	"encoding/binary"
	"fmt"

	pigo "github.com/esimov/pigo/core"

	"github.com/camoverride/emotion-detector/internal/frame"
)

const (
	pigoHeaderSize   = 16
	maxPigoTreeDepth = 16
)

// PigoLocator detects faces with a pixel-intensity-comparison cascade. Clustering
// uses an IoU threshold instead of neighbor votes.
type PigoLocator struct {
	classifier *pigo.Pigo
	params     DetectorParams
}

// NewPigoLocator unpacks a binary pigo cascade. After 8 reserved bytes the header
// holds the tree depth and tree count; each tree then takes 8<<depth bytes.
func NewPigoLocator(cascade []byte, params DetectorParams) (*PigoLocator, error) {
	if len(cascade) < pigoHeaderSize {
		return nil, fmt.Errorf("%w: pigo cascade header truncated", ErrInvalidCascade)
	}
	depth := binary.LittleEndian.Uint32(cascade[8:])
	trees := binary.LittleEndian.Uint32(cascade[12:])
	if trees == 0 || depth == 0 || depth > maxPigoTreeDepth {
		return nil, fmt.Errorf("%w: pigo cascade with %d trees of depth %d", ErrInvalidCascade, trees, depth)
	}
	// Unpack indexes the packet without bounds checks.
	if need := pigoHeaderSize + int(trees)*(8<<depth); len(cascade) < need {
		return nil, fmt.Errorf("%w: pigo cascade truncated, %d of %d bytes", ErrInvalidCascade, len(cascade), need)
	}

	classifier, err := pigo.NewPigo().Unpack(cascade)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCascade, err)
	}
	return &PigoLocator{classifier: classifier, params: params}, nil
}

// Locate returns detections whose quality reaches MinQuality.
func (l *PigoLocator) Locate(buf *frame.PixelBuffer) []Rect {
	if buf == nil || buf.Width == 0 || buf.Height == 0 {
		return nil
	}
	maxSize := l.params.MaxSize
	if maxSize == 0 {
		maxSize = max(buf.Width, buf.Height)
	}
	params := pigo.CascadeParams{
		MinSize:     l.params.MinSize,
		MaxSize:     maxSize,
		ShiftFactor: l.params.ShiftFactor,
		ScaleFactor: l.params.ScaleFactor,
		ImageParams: pigo.ImageParams{
			Pixels: buf.Gray(),
			Rows:   buf.Height,
			Cols:   buf.Width,
			Dim:    buf.Width,
		},
	}

	dets := l.classifier.RunCascade(params, 0.0)
	dets = l.classifier.ClusterDetections(dets, l.params.IoUThreshold)
	return detectionRects(dets, l.params.MinQuality, buf.Width, buf.Height)
}

// detectionRects turns centre/scale detections into clipped squares, dropping
// those below minQuality.
func detectionRects(dets []pigo.Detection, minQuality float32, width, height int) []Rect {
	var out []Rect
	for _, d := range dets {
		if d.Q < minQuality {
			continue
		}
		r := Rect{X: d.Col - d.Scale/2, Y: d.Row - d.Scale/2, Width: d.Scale, Height: d.Scale}.clip(width, height)
		if r.Empty() {
			continue
		}
		out = append(out, r)
	}
	return out
}
