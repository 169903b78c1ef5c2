package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
)

// ErrEmptyRegion is returned when a rectangle does not overlap the image.
var ErrEmptyRegion = errors.New("region does not overlap image")

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

// Crop returns the part of img inside rect, clipped to the image bounds.
func Crop(img image.Image, rect Rectangle) (image.Image, error) {
	r := rect.Bounds().Add(img.Bounds().Min).Intersect(img.Bounds())
	if r.Empty() {
		return nil, fmt.Errorf("%w: %s outside %v", ErrEmptyRegion, rect, img.Bounds())
	}
	if si, ok := img.(subImager); ok {
		return si.SubImage(r), nil
	}
	dst := image.NewNRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	draw.Draw(dst, dst.Bounds(), img, r.Min, draw.Src)
	return dst, nil
}

// ScanPixels calls fn for every pixel of img with 8-bit non-premultiplied channels.
func ScanPixels(img image.Image, fn func(x, y int, r, g, b uint8)) {
	b := img.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			fn(x, y, c.R, c.G, c.B)
		}
	}
}

// AverageBrightness returns the mean over all pixels of (r+g+b)/3, in [0, 255].
func AverageBrightness(img image.Image) (float64, error) {
	if img.Bounds().Empty() {
		return 0, ErrEmptyRegion
	}
	var sum float64
	var n int
	ScanPixels(img, func(_, _ int, r, g, b uint8) {
		sum += (float64(r) + float64(g) + float64(b)) / 3
		n++
	})
	return sum / float64(n), nil
}

// EncodePNG encodes img as PNG.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

// CropPNG crops img to rect and returns the region as PNG bytes.
func CropPNG(img image.Image, rect Rectangle) ([]byte, error) {
	cropped, err := Crop(img, rect)
	if err != nil {
		return nil, err
	}
	return EncodePNG(cropped)
}
