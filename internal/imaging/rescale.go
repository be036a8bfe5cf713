// Package imaging implements the screenshot rescale policy of spec.md
// §4.5: a single scalar downscale applied uniformly to both axes so the
// Façade's coordinate mapping (§4.5, §9) stays a single multiply.
package imaging

import (
	"bytes"
	"image"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

const (
	maxLongEdge = 1568
	maxPixels   = 1.15 * 1024 * 1024
)

// Scale returns the single scalar s <= 1 that the rescale policy applies
// to both axes of a w x h image. s == 1 means no downscale is needed.
func Scale(w, h int) float64 {
	longEdge := w
	if h > longEdge {
		longEdge = h
	}
	longEdgeScale := 1.0
	if longEdge > maxLongEdge {
		longEdgeScale = float64(maxLongEdge) / float64(longEdge)
	}

	pixels := float64(w) * float64(h)
	pixelScale := 1.0
	if pixels > maxPixels {
		pixelScale = math.Sqrt(maxPixels / pixels)
	}

	return math.Min(longEdgeScale, pixelScale)
}

// ScaledDimensions returns floor(w*s) x floor(h*s), the dimensions the
// rescale policy commits to reporting alongside a downscaled image.
func ScaledDimensions(w, h int, s float64) (int, int) {
	return int(math.Floor(float64(w) * s)), int(math.Floor(float64(h) * s))
}

// Rescale decodes a PNG, and if the scale policy calls for a downscale,
// resizes it with a smooth resampling kernel and re-encodes it as PNG.
// If no downscale is needed the original bytes are returned unchanged
// along with the source dimensions.
func Rescale(pngBytes []byte) (out []byte, width, height int, err error) {
	img, err := png.Decode(bytes.NewReader(pngBytes))
	if err != nil {
		return nil, 0, 0, err
	}

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	s := Scale(w, h)
	if s >= 1 {
		return pngBytes, w, h, nil
	}

	dstW, dstH := ScaledDimensions(w, h, s)
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)

	var buf bytes.Buffer
	// image/png's CompressionLevel is an enum, not an arbitrary 0-9 scale;
	// DefaultCompression is the closest analog to "re-encode, don't bloat".
	enc := &png.Encoder{CompressionLevel: png.DefaultCompression}
	if err := enc.Encode(&buf, dst); err != nil {
		return nil, 0, 0, err
	}
	return buf.Bytes(), dstW, dstH, nil
}
