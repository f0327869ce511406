// Package transcoder converts downloaded images to WebP, downscaling any
// image whose pixel count exceeds the configured budget.
package transcoder

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	// registered decoders for every supported input format
	_ "image/gif"
	_ "image/jpeg"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/chai2010/webp"
	"golang.org/x/image/draw"
)

// Version participates in optimization cache keys; bump it whenever the
// encoding parameters change so stale cache entries are not reused.
const Version = 1

// DefaultPixelBudget caps output images at roughly 2 megapixels.
const DefaultPixelBudget = 2_073_600

// defaultQuality mirrors a medium lossy WebP preset.
const defaultQuality = 50

type Transcoder struct {
	// PixelBudget is the maximum allowed width*height of the output.
	PixelBudget int
	// Quality is the lossy WebP quality, 0-100.
	Quality float32
}

func New() *Transcoder {
	return &Transcoder{
		PixelBudget: DefaultPixelBudget,
		Quality:     defaultQuality,
	}
}

// Transcode decodes data, downsizes it when it exceeds the pixel budget
// preserving aspect ratio, and re-encodes it as lossy WebP. Unsupported
// formats are rejected; callers are expected to have filtered on mime type
// beforehand.
func (t *Transcoder) Transcode(data []byte) ([]byte, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("degenerate %s image dimensions %dx%d", format, width, height)
	}

	if width*height > t.PixelBudget {
		targetW, targetH := fitBudget(width, height, t.PixelBudget)
		scaled := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
		draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)
		src = scaled
	}

	var buf bytes.Buffer
	if err := webp.Encode(&buf, src, &webp.Options{Quality: t.Quality}); err != nil {
		return nil, fmt.Errorf("failed to encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

// fitBudget computes the largest dimensions within the pixel budget keeping
// the original aspect ratio: sqrt(budget*w/h) x sqrt(budget*h/w).
func fitBudget(width, height, budget int) (int, int) {
	w := float64(width)
	h := float64(height)
	b := float64(budget)
	targetW := int(math.Sqrt(b * w / h))
	targetH := int(math.Sqrt(b * h / w))
	if targetW < 1 {
		targetW = 1
	}
	if targetH < 1 {
		targetH = 1
	}
	return targetW, targetH
}

// CoverPNG decodes data and re-encodes it as a width x height PNG using a
// cover resize: scale to fill, then center-crop the overflow. Used for the
// archive illustration and favicon.
func CoverPNG(data []byte, width, height int) ([]byte, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	bounds := src.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	if srcW <= 0 || srcH <= 0 {
		return nil, fmt.Errorf("degenerate image dimensions %dx%d", srcW, srcH)
	}

	scale := math.Max(float64(width)/float64(srcW), float64(height)/float64(srcH))
	scaledW := int(math.Ceil(float64(srcW) * scale))
	scaledH := int(math.Ceil(float64(srcH) * scale))
	scaled := image.NewRGBA(image.Rect(0, 0, scaledW, scaledH))
	draw.CatmullRom.Scale(scaled, scaled.Bounds(), src, bounds, draw.Over, nil)

	offsetX := (scaledW - width) / 2
	offsetY := (scaledH - height) / 2
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), scaled, image.Pt(offsetX, offsetY), draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}
	return buf.Bytes(), nil
}
