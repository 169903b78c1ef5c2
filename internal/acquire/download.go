package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 30 * time.Second
	DefaultMaxBytes    = 50 << 20
)

// ErrTooLarge is returned when a page body exceeds the configured limit.
var ErrTooLarge = errors.New("response body exceeds size limit")

// DownloadError reports the page that could not be fetched.
// Position is 1-based and matches the page number in the file name.
type DownloadError struct {
	URL      string
	Position int
	Err      error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download page %d (%s): %v", e.Position, e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// Config configures a Downloader.
type Config struct {
	Client      *http.Client
	Concurrency int
	Timeout     time.Duration // per transfer
	MaxBytes    int64
	Logger      *slog.Logger
}

// Downloader fetches the page images of a submission to disk.
type Downloader struct {
	client      *http.Client
	concurrency int
	timeout     time.Duration
	maxBytes    int64
	logger      *slog.Logger
}

// NewDownloader creates a downloader; zero values take the package defaults.
func NewDownloader(cfg Config) *Downloader {
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Downloader{
		client:      cfg.Client,
		concurrency: cfg.Concurrency,
		timeout:     cfg.Timeout,
		maxBytes:    cfg.MaxBytes,
		logger:      cfg.Logger,
	}
}

// Batch describes one submission's pages.
// URL i is written to {Dir}/{BaseName}-{i+1}.{Ext}.
type Batch struct {
	URLs     []string
	Dir      string
	BaseName string
	Ext      Extension
}

// PagePath returns the destination of the page at 1-based position.
func (b Batch) PagePath(position int) string {
	return filepath.Join(b.Dir, fmt.Sprintf("%s-%d.%s", b.BaseName, position, b.Ext))
}

// Download fetches every URL in the batch and returns the written paths in URL order.
// The first failure cancels transfers still in flight. Pages already written
// are left in place; a failed transfer never leaves a partial file.
func (d *Downloader) Download(ctx context.Context, b Batch) ([]string, error) {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create page directory: %w", err)
	}

	paths := make([]string, len(b.URLs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)

	for i, u := range b.URLs {
		u := u
		position := i + 1
		dest := b.PagePath(position)
		paths[i] = dest
		g.Go(func() error {
			start := time.Now()
			n, err := d.fetch(gctx, u, dest)
			if err != nil {
				return &DownloadError{URL: u, Position: position, Err: err}
			}
			d.logger.Debug("page downloaded",
				"position", position,
				"bytes", n,
				"duration", time.Since(start))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}

func (d *Downloader) fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".part-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op after rename

	n, err := io.Copy(tmp, io.LimitReader(resp.Body, d.maxBytes+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read body: %w", err)
	}
	if n > d.maxBytes {
		return 0, fmt.Errorf("%w (%d bytes)", ErrTooLarge, d.maxBytes)
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return 0, fmt.Errorf("failed to move page into place: %w", err)
	}
	return n, nil
}
