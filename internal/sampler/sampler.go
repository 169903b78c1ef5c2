// Package sampler answers two questions about a rectangle of a page image:
// what text it contains and how bright it is.
package sampler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/providers"
)

// DefaultTimeout bounds a single recognition call.
const DefaultTimeout = 30 * time.Second

// Sampler reads regions of page images.
type Sampler struct {
	ocr     providers.OCRProvider
	images  imaging.Decoder
	timeout time.Duration
}

// Config configures a Sampler.
type Config struct {
	OCR     providers.OCRProvider
	Images  imaging.Decoder // nil reads straight from disk
	Timeout time.Duration   // per recognition call
}

// New creates a sampler.
func New(cfg Config) *Sampler {
	if cfg.Images == nil {
		cfg.Images = imaging.FileDecoder{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Sampler{ocr: cfg.OCR, images: cfg.Images, timeout: cfg.Timeout}
}

// RecognizeText returns the text in rect with exactly one trailing line
// terminator removed. Invalid UTF-8 is replaced with U+FFFD so the text
// survives a JSON round trip unchanged.
func (s *Sampler) RecognizeText(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	text, err := s.ocr.Recognize(ctx, imagePath, rect)
	if err != nil {
		return "", fmt.Errorf("recognize %s in %s: %w", rect, imagePath, err)
	}
	return strings.ToValidUTF8(TrimLineTerminator(text), "\uFFFD"), nil
}

// AverageBrightness returns the mean (r+g+b)/3 over the pixels of rect, in [0, 255].
func (s *Sampler) AverageBrightness(ctx context.Context, imagePath string, rect imaging.Rectangle) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	img, err := s.images.Load(imagePath)
	if err != nil {
		return 0, err
	}
	crop, err := imaging.Crop(img, rect)
	if err != nil {
		return 0, fmt.Errorf("sample %s in %s: %w", rect, imagePath, err)
	}
	return imaging.AverageBrightness(crop)
}

// TrimLineTerminator removes one trailing "\r\n", "\n" or "\r".
func TrimLineTerminator(s string) string {
	switch {
	case strings.HasSuffix(s, "\r\n"):
		return s[:len(s)-2]
	case strings.HasSuffix(s, "\n"), strings.HasSuffix(s, "\r"):
		return s[:len(s)-1]
	}
	return s
}
