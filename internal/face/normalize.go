package face

import (
	"fmt"
	"math"

	"github.com/camoverride/emotion-detector/internal/frame"
)

// ChannelMode selects the channel depth of a normalized tensor.
type ChannelMode string

const (
	Grayscale ChannelMode = "grayscale"
	Color     ChannelMode = "color"
)

// Depth returns the number of channels produced by the mode.
func (m ChannelMode) Depth() int {
	if m == Grayscale {
		return 1
	}
	return frame.Channels
}

// Profile is the crop, resize and scale recipe a model expects.
type Profile struct {
	Width         int         `yaml:"width"`
	Height        int         `yaml:"height"`
	Channels      ChannelMode `yaml:"channels"`
	ScalingFactor float64     `yaml:"scaling_factor"`
}

// Validate rejects profiles that cannot produce a tensor.
func (p Profile) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("profile size %dx%d must be positive", p.Width, p.Height)
	}
	if p.Channels != Grayscale && p.Channels != Color {
		return fmt.Errorf("unknown channel mode %q", p.Channels)
	}
	if p.ScalingFactor < 0 {
		return fmt.Errorf("scaling factor must not be negative, got %v", p.ScalingFactor)
	}
	return nil
}

// Shape is the tensor shape the profile produces: (1, height, width, depth).
func (p Profile) Shape() [4]int {
	return [4]int{1, p.Height, p.Width, p.Channels.Depth()}
}

func (p Profile) scale() float64 {
	if p.ScalingFactor == 0 {
		return 1
	}
	return p.ScalingFactor
}

// Tensor is a dense batch-leading float tensor stored in row-major order.
type Tensor struct {
	Shape [4]int
	Data  []float32
}

// Nested expands the tensor into nested slices for JSON encoding.
func (t Tensor) Nested() [][][][]float32 {
	b, h, w, c := t.Shape[0], t.Shape[1], t.Shape[2], t.Shape[3]
	out := make([][][][]float32, b)
	i := 0
	for n := range out {
		out[n] = make([][][]float32, h)
		for y := range out[n] {
			out[n][y] = make([][]float32, w)
			for x := range out[n][y] {
				out[n][y][x] = t.Data[i : i+c : i+c]
				i += c
			}
		}
	}
	return out
}

// Normalize crops buf to rect and turns the crop into a model-ready tensor: optional
// grayscale conversion, division by 255, bilinear resize, then the profile's
// scaling factor. It reads buf only and allocates a fresh tensor on every call.
func Normalize(buf *frame.PixelBuffer, rect Rect, p Profile) (Tensor, error) {
	if err := p.Validate(); err != nil {
		return Tensor{}, err
	}
	crop := rect.clip(buf.Width, buf.Height)
	if crop.Empty() {
		return Tensor{}, fmt.Errorf("face region %+v lies outside the %dx%d frame", rect, buf.Width, buf.Height)
	}

	depth := p.Channels.Depth()
	plane := make([]float64, crop.Width*crop.Height*depth)
	for y := 0; y < crop.Height; y++ {
		for x := 0; x < crop.Width; x++ {
			r, g, b := buf.At(crop.X+x, crop.Y+y)
			i := (y*crop.Width + x) * depth
			if p.Channels == Grayscale {
				plane[i] = frame.Luma(r, g, b) / 255
				continue
			}
			plane[i] = float64(r) / 255
			plane[i+1] = float64(g) / 255
			plane[i+2] = float64(b) / 255
		}
	}

	resized := resizeBilinear(plane, crop.Width, crop.Height, depth, p.Width, p.Height)
	scale := p.scale()
	data := make([]float32, len(resized))
	for i, v := range resized {
		data[i] = float32(v * scale)
	}
	return Tensor{Shape: p.Shape(), Data: data}, nil
}

// resizeBilinear resamples an interleaved float plane with pixel-centre alignment
// and edge clamping, so outputs stay within the input range.
func resizeBilinear(src []float64, sw, sh, depth, dw, dh int) []float64 {
	dst := make([]float64, dw*dh*depth)
	sx := float64(sw) / float64(dw)
	sy := float64(sh) / float64(dh)
	for y := 0; y < dh; y++ {
		fy := clampF((float64(y)+0.5)*sy-0.5, 0, float64(sh-1))
		y0 := int(math.Floor(fy))
		y1 := min(y0+1, sh-1)
		wy := fy - float64(y0)
		for x := 0; x < dw; x++ {
			fx := clampF((float64(x)+0.5)*sx-0.5, 0, float64(sw-1))
			x0 := int(math.Floor(fx))
			x1 := min(x0+1, sw-1)
			wx := fx - float64(x0)
			for c := 0; c < depth; c++ {
				p00 := src[(y0*sw+x0)*depth+c]
				p01 := src[(y0*sw+x1)*depth+c]
				p10 := src[(y1*sw+x0)*depth+c]
				p11 := src[(y1*sw+x1)*depth+c]
				top := p00 + (p01-p00)*wx
				bottom := p10 + (p11-p10)*wx
				dst[(y*dw+x)*depth+c] = top + (bottom-top)*wy
			}
		}
	}
	return dst
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
