package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/formscan/internal/imaging"
)

const MockOCRName = "mock-ocr"

// MockCall records one Recognize call.
type MockCall struct {
	ImagePath string
	Rect      imaging.Rectangle
}

// MockOCR is an OCRProvider for testing. Responses are scripted per rectangle.
type MockOCR struct {
	// Configurable behavior
	Latency  time.Duration
	Default  string
	Response map[imaging.Rectangle]string
	Errors   map[imaging.Rectangle]error

	mu    sync.Mutex
	calls []MockCall
}

// NewMockOCR creates a mock that returns Default for unscripted rectangles.
func NewMockOCR() *MockOCR {
	return &MockOCR{
		Response: make(map[imaging.Rectangle]string),
		Errors:   make(map[imaging.Rectangle]error),
	}
}

// On scripts the text returned for rect.
func (m *MockOCR) On(rect imaging.Rectangle, text string) *MockOCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Response[rect] = text
	return m
}

// Fail scripts an error for rect.
func (m *MockOCR) Fail(rect imaging.Rectangle, err error) *MockOCR {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[rect] = err
	return m
}

// Name returns the provider identifier.
func (m *MockOCR) Name() string {
	return MockOCRName
}

// Recognize returns the scripted text for rect.
func (m *MockOCR) Recognize(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, MockCall{ImagePath: imagePath, Rect: rect})
	text, ok := m.Response[rect]
	err := m.Errors[rect]
	latency := m.Latency
	m.mu.Unlock()

	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if !ok {
		text = m.Default
	}
	return text, nil
}

// Calls returns a copy of the recorded calls in order.
func (m *MockOCR) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockCall(nil), m.calls...)
}

// Verify interface
var _ OCRProvider = (*MockOCR)(nil)

// MockEngine is an ImageOCR for testing.
type MockEngine struct {
	EngineName   string
	Latency      time.Duration
	ShouldFail   bool
	FailAfter    int
	ResponseText string

	requestCount atomic.Int64
	lastImage    atomic.Value // []byte
}

// NewMockEngine creates a new mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{
		EngineName:   "mock-engine",
		ResponseText: "mock OCR text",
	}
}

// Name returns the engine identifier.
func (e *MockEngine) Name() string {
	return e.EngineName
}

// ProcessImage returns ResponseText.
func (e *MockEngine) ProcessImage(ctx context.Context, image []byte) (*OCRResult, error) {
	start := time.Now()
	count := e.requestCount.Add(1)
	e.lastImage.Store(image)

	result := &OCRResult{}

	if e.ShouldFail {
		result.ErrorMessage = "mock OCR engine configured to fail"
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("mock OCR engine configured to fail")
	}
	if e.FailAfter > 0 && int(count) > e.FailAfter {
		result.ErrorMessage = fmt.Sprintf("mock OCR engine failed after %d requests", e.FailAfter)
		result.ExecutionTime = time.Since(start)
		return result, fmt.Errorf("mock OCR engine failed after %d requests", e.FailAfter)
	}

	select {
	case <-time.After(e.Latency):
	case <-ctx.Done():
		result.ErrorMessage = ctx.Err().Error()
		result.ExecutionTime = time.Since(start)
		return result, ctx.Err()
	}

	result.Success = true
	result.Text = e.ResponseText
	result.ExecutionTime = time.Since(start)
	result.Metadata = map[string]any{
		"provider":    e.EngineName,
		"image_bytes": len(image),
	}
	return result, nil
}

// RequestCount returns the number of requests made.
func (e *MockEngine) RequestCount() int64 {
	return e.requestCount.Load()
}

// LastImage returns the bytes passed to the most recent call.
func (e *MockEngine) LastImage() []byte {
	b, _ := e.lastImage.Load().([]byte)
	return b
}

// Verify interface
var _ ImageOCR = (*MockEngine)(nil)
