package face

import (
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/camoverride/emotion-detector/internal/frame"
)

const groupEps = 0.2

// HaarLocator runs a Haar cascade over an image pyramid. It holds no per-call state
// and is safe for concurrent use.
type HaarLocator struct {
	cascade *Cascade
	params  DetectorParams
}

// NewHaarLocator wraps a parsed cascade.
func NewHaarLocator(cascade *Cascade, params DetectorParams) *HaarLocator {
	return &HaarLocator{cascade: cascade, params: params}
}

// Locate returns the merged detections for the buffer.
func (l *HaarLocator) Locate(buf *frame.PixelBuffer) []Rect {
	if buf == nil || buf.Width == 0 || buf.Height == 0 {
		return nil
	}
	return l.detect(buf.Gray(), buf.Width, buf.Height)
}

func (l *HaarLocator) detect(gray []uint8, w, h int) []Rect {
	cw, ch := l.cascade.Width, l.cascade.Height
	var candidates []Rect

	for factor := 1.0; ; factor *= l.params.ScaleFactor {
		winW := int(math.Round(float64(cw) * factor))
		winH := int(math.Round(float64(ch) * factor))
		if winW > w || winH > h {
			break
		}
		if l.params.MaxSize > 0 && (winW > l.params.MaxSize || winH > l.params.MaxSize) {
			break
		}
		if winW < l.params.MinSize || winH < l.params.MinSize {
			continue
		}

		sw := int(math.Round(float64(w) / factor))
		sh := int(math.Round(float64(h) / factor))
		if sw < cw || sh < ch {
			break
		}
		ii := newIntegral(scalePlane(gray, w, h, sw, sh), sw, sh)

		step := 2
		if factor > 2 {
			step = 1
		}
		for y := 0; y+ch <= sh; y += step {
			for x := 0; x+cw <= sw; x += step {
				if !l.accepts(ii, x, y) {
					continue
				}
				candidates = append(candidates, Rect{
					X:      int(math.Round(float64(x) * factor)),
					Y:      int(math.Round(float64(y) * factor)),
					Width:  winW,
					Height: winH,
				})
			}
		}
	}

	merged := groupRectangles(candidates, l.params.MinNeighbors, groupEps)
	out := merged[:0]
	for _, r := range merged {
		if r.Width < l.params.MinSize || r.Height < l.params.MinSize {
			continue
		}
		if l.params.MaxSize > 0 && (r.Width > l.params.MaxSize || r.Height > l.params.MaxSize) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// accepts evaluates every stage on the window at (x, y).
func (l *HaarLocator) accepts(ii *integral, x, y int) bool {
	c := l.cascade
	nw, nh := c.Width-2, c.Height-2
	area := float64(nw * nh)
	sum := float64(ii.sum(x+1, y+1, nw, nh))
	sq := float64(ii.sqSum(x+1, y+1, nw, nh))
	norm := area*sq - sum*sum
	if norm > 0 {
		norm = math.Sqrt(norm)
	} else {
		norm = 1
	}

	feature := func(idx int) float64 {
		var v float64
		for _, r := range c.Features[idx].Rects {
			v += r.Weight * float64(ii.sum(x+r.X, y+r.Y, r.Width, r.Height))
		}
		return v / norm
	}

	for _, stage := range c.Stages {
		var total float64
		for _, wc := range stage.Classifiers {
			total += wc.eval(feature)
		}
		if total < stage.Threshold {
			return false
		}
	}
	return true
}

// scalePlane resizes a luma plane; the identity size returns the input.
func scalePlane(gray []uint8, w, h, sw, sh int) []uint8 {
	if sw == w && sh == h {
		return gray
	}
	src := &image.Gray{Pix: gray, Stride: w, Rect: image.Rect(0, 0, w, h)}
	dst := imaging.Resize(src, sw, sh, imaging.Linear)
	out := make([]uint8, sw*sh)
	for y := 0; y < sh; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < sw; x++ {
			out[y*sw+x] = row[x*4]
		}
	}
	return out
}

// integral holds summed-area tables of a plane and of its squares.
type integral struct {
	w    int
	sums []int64
	sqs  []int64
}

func newIntegral(plane []uint8, w, h int) *integral {
	stride := w + 1
	ii := &integral{w: w, sums: make([]int64, stride*(h+1)), sqs: make([]int64, stride*(h+1))}
	for y := 0; y < h; y++ {
		var rowSum, rowSq int64
		for x := 0; x < w; x++ {
			v := int64(plane[y*w+x])
			rowSum += v
			rowSq += v * v
			i := (y+1)*stride + x + 1
			ii.sums[i] = ii.sums[i-stride] + rowSum
			ii.sqs[i] = ii.sqs[i-stride] + rowSq
		}
	}
	return ii
}

func (ii *integral) sum(x, y, w, h int) int64 {
	return rectSum(ii.sums, ii.w+1, x, y, w, h)
}

func (ii *integral) sqSum(x, y, w, h int) int64 {
	return rectSum(ii.sqs, ii.w+1, x, y, w, h)
}

func rectSum(t []int64, stride, x, y, w, h int) int64 {
	a := y*stride + x
	b := a + w
	c := (y+h)*stride + x
	d := c + w
	return t[d] - t[b] - t[c] + t[a]
}
