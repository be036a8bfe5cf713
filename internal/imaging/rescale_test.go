package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScale_NoDownscaleUnderBothLimits(t *testing.T) {
	assert.Equal(t, 1.0, Scale(800, 600))
}

func TestScale_1920x1080_PixelLimitIsTighterThanLongEdge(t *testing.T) {
	// The long-edge scale would be 1568/1920 ≈ 0.817, but the pixel
	// limit gives sqrt(1.15·2²⁰ / (1920·1080)) ≈ 0.763, which wins.
	s := Scale(1920, 1080)
	w, h := ScaledDimensions(1920, 1080, s)
	assert.Equal(t, 1464, w)
	assert.Equal(t, 823, h)
}

func TestScale_PixelLimitCanDominate(t *testing.T) {
	// A square image: long edge under the cap but total pixels over it.
	s := Scale(1200, 1200)
	assert.Less(t, s, 1.0)
	w, h := ScaledDimensions(1200, 1200, s)
	assert.LessOrEqual(t, float64(w*h), maxPixels)
}

func encodeSolidPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRescale_ReturnsOriginalWhenUnderLimits(t *testing.T) {
	src := encodeSolidPNG(t, 640, 480)
	out, w, h, err := Rescale(src)
	require.NoError(t, err)
	assert.Equal(t, 640, w)
	assert.Equal(t, 480, h)
	assert.Equal(t, src, out)
}

func TestRescale_DownscalesPreservingAspectWithinOnePixel(t *testing.T) {
	src := encodeSolidPNG(t, 1920, 1080)
	out, w, h, err := Rescale(src)
	require.NoError(t, err)
	assert.LessOrEqual(t, w, maxLongEdge)
	assert.LessOrEqual(t, h, maxLongEdge)
	assert.LessOrEqual(t, float64(w*h), maxPixels)
	assert.InDelta(t, float64(w)*1080/1920, float64(h), 1)

	decoded, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, w, decoded.Bounds().Dx())
	assert.Equal(t, h, decoded.Bounds().Dy())
}
