package frame

// Channels is the fixed channel count of every decoded PixelBuffer.
const Channels = 3

// PixelBuffer is a decoded frame: Height rows of Width pixels, each pixel three
// interleaved 8-bit samples in R, G, B order. The origin is the top-left corner.
// A PixelBuffer is never modified after Decode returns it.
type PixelBuffer struct {
	Width  int
	Height int
	Pix    []uint8
}

// Stride returns the number of bytes per row.
func (b *PixelBuffer) Stride() int {
	return b.Width * Channels
}

// At returns the samples of the pixel at (x, y).
func (b *PixelBuffer) At(x, y int) (r, g, bl uint8) {
	i := y*b.Stride() + x*Channels
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Gray returns a luma plane of the buffer, one byte per pixel in row-major order.
func (b *PixelBuffer) Gray() []uint8 {
	out := make([]uint8, b.Width*b.Height)
	for i, j := 0, 0; i < len(out); i, j = i+1, j+Channels {
		out[i] = uint8(Luma(b.Pix[j], b.Pix[j+1], b.Pix[j+2]) + 0.5)
	}
	return out
}

// Luma combines three samples with the 0.2989/0.5870/0.1140 weights.
func Luma(r, g, b uint8) float64 {
	return 0.2989*float64(r) + 0.5870*float64(g) + 0.1140*float64(b)
}
