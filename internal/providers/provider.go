package providers

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/jackzampolin/formscan/internal/imaging"
)

// OCRProvider recognizes the text inside one rectangle of a page image on disk.
type OCRProvider interface {
	// Name returns the provider identifier (e.g., "tesseract", "mistral-ocr").
	Name() string

	// Recognize returns the raw text found in rect, untrimmed.
	Recognize(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error)
}

// ImageOCR extracts text from an already cropped, encoded image.
// Engines implement this; RegionOCR lifts them to OCRProvider.
type ImageOCR interface {
	Name() string
	ProcessImage(ctx context.Context, image []byte) (*OCRResult, error)
}

// OCRResult is the response from an OCR engine.
type OCRResult struct {
	// Success/content
	Success bool   `json:"success"`
	Text    string `json:"text"`

	// Metadata from provider (dimensions, model, etc.)
	Metadata map[string]any `json:"metadata,omitempty"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	// Error info
	ErrorMessage string `json:"error_message,omitempty"`
}

// RegionOCR crops the requested rectangle out of a page and hands it to an engine as PNG.
type RegionOCR struct {
	engine ImageOCR
	images imaging.Decoder
}

// NewRegionOCR wraps engine. A nil decoder reads pages straight from disk.
func NewRegionOCR(engine ImageOCR, images imaging.Decoder) *RegionOCR {
	if images == nil {
		images = imaging.FileDecoder{}
	}
	return &RegionOCR{engine: engine, images: images}
}

// Name returns the engine name.
func (r *RegionOCR) Name() string {
	return r.engine.Name()
}

// Recognize loads the page, crops rect and runs the engine on it.
func (r *RegionOCR) Recognize(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error) {
	img, err := r.images.Load(imagePath)
	if err != nil {
		return "", err
	}
	data, err := imaging.CropPNG(img, rect)
	if err != nil {
		return "", err
	}
	res, err := r.engine.ProcessImage(ctx, data)
	if err != nil {
		return "", fmt.Errorf("%s: %w", r.engine.Name(), err)
	}
	return res.Text, nil
}

// Close releases engine resources when the engine holds any.
func (r *RegionOCR) Close() error {
	if c, ok := r.engine.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Verify interface
var _ OCRProvider = (*RegionOCR)(nil)
