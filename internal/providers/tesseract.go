package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/otiai10/gosseract/v2"
)

const (
	TesseractName = "tesseract"

	// DefaultTesseractLanguage matches the forms this tool was built for.
	DefaultTesseractLanguage = "vie"

	// DefaultPageSegMode treats each region as a single text line.
	DefaultPageSegMode = int(gosseract.PSM_SINGLE_LINE)
)

// ErrClosed is returned by engines used after Close.
var ErrClosed = errors.New("ocr engine closed")

// tessClient is the subset of *gosseract.Client the engine uses.
type tessClient interface {
	SetLanguage(langs ...string) error
	SetPageSegMode(mode gosseract.PageSegMode) error
	SetImageFromBytes(data []byte) error
	Text() (string, error)
	Close() error
}

// TesseractConfig configures the local Tesseract engine.
type TesseractConfig struct {
	Languages   []string
	PageSegMode int
	PoolSize    int
	Timeout     time.Duration // per call
	Logger      *slog.Logger

	// newClient overrides client construction in tests.
	newClient func() tessClient
}

// TesseractOCR runs Tesseract through a fixed pool of gosseract clients.
// A client is owned by exactly one call at a time.
type TesseractOCR struct {
	languages []string
	psm       int
	timeout   time.Duration
	logger    *slog.Logger

	pool chan tessClient

	mu     sync.Mutex
	closed bool
}

// NewTesseractOCR creates the engine and its client pool.
func NewTesseractOCR(cfg TesseractConfig) (*TesseractOCR, error) {
	if len(cfg.Languages) == 0 {
		cfg.Languages = []string{DefaultTesseractLanguage}
	}
	if cfg.PageSegMode == 0 {
		cfg.PageSegMode = DefaultPageSegMode
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.newClient == nil {
		cfg.newClient = func() tessClient { return gosseract.NewClient() }
	}

	t := &TesseractOCR{
		languages: cfg.Languages,
		psm:       cfg.PageSegMode,
		timeout:   cfg.Timeout,
		logger:    cfg.Logger,
		pool:      make(chan tessClient, cfg.PoolSize),
	}
	for i := 0; i < cfg.PoolSize; i++ {
		c := cfg.newClient()
		if err := c.SetLanguage(cfg.Languages...); err != nil {
			c.Close()
			t.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
		if err := c.SetPageSegMode(gosseract.PageSegMode(cfg.PageSegMode)); err != nil {
			c.Close()
			t.Close()
			return nil, fmt.Errorf("set page segmentation mode: %w", err)
		}
		t.pool <- c
	}
	return t, nil
}

// Name returns the provider identifier.
func (t *TesseractOCR) Name() string {
	return TesseractName
}

type tessOutput struct {
	text string
	err  error
}

// ProcessImage recognizes the text in an encoded image.
// When the call times out the client stays checked out until the engine
// finishes, then goes back to the pool.
func (t *TesseractOCR) ProcessImage(ctx context.Context, image []byte) (*OCRResult, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var c tessClient
	select {
	case c = <-t.pool:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for tesseract client: %w", ctx.Err())
	}
	if t.isClosed() {
		c.Close()
		return nil, ErrClosed
	}

	done := make(chan tessOutput, 1)
	go func() {
		defer t.release(c)
		if err := c.SetImageFromBytes(image); err != nil {
			done <- tessOutput{err: fmt.Errorf("set image: %w", err)}
			return
		}
		text, err := c.Text()
		if err != nil {
			err = fmt.Errorf("recognize text: %w", err)
		}
		done <- tessOutput{text: text, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return &OCRResult{ErrorMessage: out.err.Error(), ExecutionTime: time.Since(start)}, out.err
		}
		return &OCRResult{
			Success:       true,
			Text:          out.text,
			ExecutionTime: time.Since(start),
			Metadata:      map[string]any{"languages": t.languages, "page_seg_mode": t.psm},
		}, nil
	case <-ctx.Done():
		t.logger.Warn("tesseract call abandoned", "error", ctx.Err(), "elapsed", time.Since(start))
		return nil, ctx.Err()
	}
}

func (t *TesseractOCR) release(c tessClient) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		c.Close()
		return
	}
	t.pool <- c
}

func (t *TesseractOCR) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close frees idle clients. Clients still in use are freed when their call ends.
func (t *TesseractOCR) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for {
		select {
		case c := <-t.pool:
			c.Close()
		default:
			return nil
		}
	}
}

// Verify interface
var _ ImageOCR = (*TesseractOCR)(nil)
