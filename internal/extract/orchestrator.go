// Package extract turns the page images of a submitted form into one result
// entry per schema field and persists the result by form id.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/home"
	"github.com/jackzampolin/formscan/internal/schema"
)

// Downloader writes a batch of page URLs to disk.
type Downloader interface {
	Download(ctx context.Context, b acquire.Batch) ([]string, error)
}

// PageCache holds decoded pages between recognition calls.
type PageCache interface {
	Forget(path string)
}

// Request is one submitted form.
type Request struct {
	Application string   `json:"application" yaml:"application"`
	FormID      string   `json:"form_id" yaml:"form_id"`
	ImageURLs   []string `json:"image_urls" yaml:"image_urls"`
	UserID      string   `json:"user_id" yaml:"user_id"`
}

// LocalRequest re-extracts a form whose pages are already on disk.
type LocalRequest struct {
	Application string
	FormID      string
	UserID      string
	Extension   acquire.Extension // empty detects it from page 1
}

// Config configures an Orchestrator.
type Config struct {
	Home              *home.Dir
	Downloader        Downloader
	Schemas           schema.Store
	Engine            *Engine
	Pages             PageCache // optional; pages are dropped from it after each run
	FallbackExtension acquire.Extension
	Logger            *slog.Logger
}

// Orchestrator runs extractions end to end.
type Orchestrator struct {
	home       *home.Dir
	downloader Downloader
	schemas    schema.Store
	engine     *Engine
	pages      PageCache
	fallback   acquire.Extension
	logger     *slog.Logger
	forms      *formLocks
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Home == nil {
		return nil, fmt.Errorf("home directory is required")
	}
	if cfg.Downloader == nil {
		return nil, fmt.Errorf("downloader is required")
	}
	if cfg.Schemas == nil {
		return nil, fmt.Errorf("schema store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.FallbackExtension == "" {
		cfg.FallbackExtension = acquire.DefaultExtension
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		home:       cfg.Home,
		downloader: cfg.Downloader,
		schemas:    cfg.Schemas,
		engine:     cfg.Engine,
		pages:      cfg.Pages,
		fallback:   cfg.FallbackExtension,
		logger:     cfg.Logger,
		forms:      newFormLocks(),
	}, nil
}

// Extract downloads the form's pages, extracts every schema field in order,
// persists the result at the form's result path and returns it.
// Extractions of the same form id run one at a time.
func (o *Orchestrator) Extract(ctx context.Context, req Request) (Result, error) {
	if err := checkIDs(req.FormID, req.UserID); err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}
	if len(req.ImageURLs) == 0 {
		return nil, &Error{Stage: StageAcquisition, Err: ErrNoImages}
	}

	unlock, err := o.forms.lock(ctx, req.FormID)
	if err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}
	defer unlock()

	logger := o.runLogger(req.Application, req.FormID, req.UserID)
	start := time.Now()

	ext, ok := acquire.ResolveExtension(req.ImageURLs, o.fallback)
	if !ok {
		logger.Warn("no recognizable extension on first url, using fallback",
			"url", req.ImageURLs[0],
			"extension", ext)
	}

	if err := o.prepare(req.FormID); err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}

	batch := acquire.Batch{
		URLs:     req.ImageURLs,
		Dir:      o.home.FormImagesDir(req.FormID),
		BaseName: req.UserID,
		Ext:      ext,
	}
	if _, err := o.downloader.Download(ctx, batch); err != nil {
		e := &Error{Stage: StageAcquisition, Err: err}
		var de *acquire.DownloadError
		if errors.As(err, &de) {
			e.URL = de.URL
		}
		logger.Error("page download failed", "error", err)
		return nil, e
	}
	logger.Info("pages downloaded", "pages", len(req.ImageURLs), "extension", ext)

	result, err := o.run(ctx, logger, req.Application, req.FormID, req.UserID, ext)
	if err != nil {
		return nil, err
	}
	logger.Info("extraction complete", "fields", len(result), "duration", time.Since(start))
	return result, nil
}

// ExtractLocal runs schema loading, recognition and persistence over pages
// already under the form's images directory.
func (o *Orchestrator) ExtractLocal(ctx context.Context, req LocalRequest) (Result, error) {
	if err := checkIDs(req.FormID, req.UserID); err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}

	unlock, err := o.forms.lock(ctx, req.FormID)
	if err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}
	defer unlock()

	logger := o.runLogger(req.Application, req.FormID, req.UserID)
	start := time.Now()

	ext := req.Extension
	if ext == "" {
		ext = o.detectExtension(req.FormID, req.UserID)
	}
	if err := o.prepare(req.FormID); err != nil {
		return nil, &Error{Stage: StageAcquisition, Err: err}
	}

	result, err := o.run(ctx, logger, req.Application, req.FormID, req.UserID, ext)
	if err != nil {
		return nil, err
	}
	logger.Info("local extraction complete", "fields", len(result), "extension", ext, "duration", time.Since(start))
	return result, nil
}

// ResultPath returns where the result for formID is persisted.
func (o *Orchestrator) ResultPath(formID string) string {
	return o.home.ResultPath(formID)
}

func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, application, formID, userID string, ext acquire.Extension) (Result, error) {
	fields, err := o.schemas.Load(ctx, application)
	if err != nil {
		logger.Error("schema load failed", "error", err)
		return nil, &Error{Stage: StageSchema, Err: err}
	}

	used := make(map[string]bool)
	pages := func(page int) string {
		p := o.home.PageImagePath(formID, userID, page, string(ext))
		used[p] = true
		return p
	}
	if o.pages != nil {
		defer func() {
			for p := range used {
				o.pages.Forget(p)
			}
		}()
	}

	result := make(Result, 0, len(fields))
	for _, f := range fields {
		entry, err := o.engine.Run(ctx, f, pages)
		if err != nil {
			logger.Error("field extraction failed", "field", f.Name, "error", err)
			return nil, &Error{Stage: StageRecognition, Field: f.Name, Err: err}
		}
		result = append(result, entry)
	}

	if err := o.persist(formID, result); err != nil {
		return nil, &Error{Stage: StagePersist, Err: err}
	}
	logger.Debug("result persisted", "path", o.home.ResultPath(formID))
	return result, nil
}

func (o *Orchestrator) prepare(formID string) error {
	if err := o.home.EnsureExists(); err != nil {
		return err
	}
	if err := o.home.EnsureFormImagesDir(formID); err != nil {
		return fmt.Errorf("failed to create form images directory: %w", err)
	}
	return nil
}

// persist writes the result next to its final path and renames it into place,
// so readers never see a partial document.
func (o *Orchestrator) persist(formID string, result Result) error {
	data, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	path := o.home.ResultPath(formID)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".ocr-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	_, err = tmp.Write(data)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("failed to set result permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to move result into place: %w", err)
	}
	return nil
}

func (o *Orchestrator) detectExtension(formID, userID string) acquire.Extension {
	for _, ext := range acquire.Extensions {
		if _, err := os.Stat(o.home.PageImagePath(formID, userID, 1, string(ext))); err == nil {
			return ext
		}
	}
	return o.fallback
}

func (o *Orchestrator) runLogger(application, formID, userID string) *slog.Logger {
	return o.logger.With(
		"run_id", uuid.NewString(),
		"application", application,
		"form_id", formID,
		"user_id", userID)
}

func checkIDs(formID, userID string) error {
	if err := home.ValidateSegment("form id", formID); err != nil {
		return err
	}
	return home.ValidateSegment("user id", userID)
}
