package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// Box is a filled rectangle painted onto a fixture page.
type Box struct {
	Rect  image.Rectangle
	Color color.Color
}

// FillBox returns a Box covering [x, y, x+w, y+h] with the given gray level.
func FillBox(x, y, w, h int, level uint8) Box {
	return Box{Rect: image.Rect(x, y, x+w, y+h), Color: Gray(level)}
}

// Gray returns an opaque color whose (r+g+b)/3 equals level.
func Gray(level uint8) color.NRGBA {
	return color.NRGBA{R: level, G: level, B: level, A: 255}
}

// Page paints a w x h page in the background color with the given boxes on top.
func Page(w, h int, bg color.Color, boxes ...Box) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	for _, b := range boxes {
		draw.Draw(img, b.Rect, image.NewUniform(b.Color), image.Point{}, draw.Src)
	}
	return img
}

// PNG encodes img and fails the test on error.
func PNG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// JPEG encodes img at maximum quality and fails the test on error.
func JPEG(t testing.TB, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// WritePNG writes img as a PNG file at path.
func WritePNG(t testing.TB, path string, img image.Image) {
	t.Helper()
	WriteFile(t, path, PNG(t, img))
}
