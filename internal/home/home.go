package home

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultDirName is the default name for the formscan home directory.
	DefaultDirName = ".formscan"

	// ImagesDirName is the subdirectory for downloaded form pages.
	ImagesDirName = "form-images"

	// OutputDirName is the subdirectory for extraction results.
	OutputDirName = "ocr-output"

	// SchemasDirName is the subdirectory for form schemas.
	SchemasDirName = "schemas"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// ErrInvalidSegment is returned for ids that cannot be used as a path component.
var ErrInvalidSegment = errors.New("invalid path segment")

// Dir represents the formscan working directory layout.
//
// Pages live at {imagesRoot}/{formID}/{userID}-{page}.{ext} and results at
// {outputRoot}/ocr_{formID}.json. Each root defaults to a subdirectory of the
// home path but can be overridden independently.
type Dir struct {
	path       string
	imagesRoot string
	outputRoot string
	schemasDir string
}

// Option overrides part of the layout.
type Option func(*Dir)

// WithImagesRoot places downloaded pages under root instead of {home}/form-images.
func WithImagesRoot(root string) Option {
	return func(d *Dir) {
		if root != "" {
			d.imagesRoot = root
		}
	}
}

// WithOutputRoot places extraction results under root instead of {home}/ocr-output.
func WithOutputRoot(root string) Option {
	return func(d *Dir) {
		if root != "" {
			d.outputRoot = root
		}
	}
}

// WithSchemasDir reads schemas from dir instead of {home}/schemas.
func WithSchemasDir(dir string) Option {
	return func(d *Dir) {
		if dir != "" {
			d.schemasDir = dir
		}
	}
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.formscan).
func New(path string, opts ...Option) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	d := &Dir{
		path:       path,
		imagesRoot: filepath.Join(path, ImagesDirName),
		outputRoot: filepath.Join(path, OutputDirName),
		schemasDir: filepath.Join(path, SchemasDirName),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// ImagesRoot returns the directory holding one subdirectory per form.
func (d *Dir) ImagesRoot() string {
	return d.imagesRoot
}

// OutputRoot returns the directory holding extraction results.
func (d *Dir) OutputRoot() string {
	return d.outputRoot
}

// SchemasDir returns the directory holding form schemas.
func (d *Dir) SchemasDir() string {
	return d.schemasDir
}

// EnsureExists creates the images, output and schema directories if they
// don't exist. Safe to call concurrently.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.imagesRoot, d.outputRoot, d.schemasDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// FormImagesDir returns the directory for the pages of a form.
func (d *Dir) FormImagesDir(formID string) string {
	return filepath.Join(d.imagesRoot, formID)
}

// EnsureFormImagesDir creates the page directory for a form.
func (d *Dir) EnsureFormImagesDir(formID string) error {
	return os.MkdirAll(d.FormImagesDir(formID), 0o755)
}

// PageImagePath returns the path of one downloaded page.
// Page numbers are 1-indexed.
func (d *Dir) PageImagePath(formID, userID string, page int, ext string) string {
	return filepath.Join(d.FormImagesDir(formID), PageFileName(userID, page, ext))
}

// PageFileName returns the file name used for one page of a submission.
func PageFileName(userID string, page int, ext string) string {
	return fmt.Sprintf("%s-%d.%s", userID, page, ext)
}

// ResultPath returns the path of the extraction result for a form.
func (d *Dir) ResultPath(formID string) string {
	return filepath.Join(d.outputRoot, "ocr_"+formID+".json")
}

// SchemaPath returns the path of the schema for an application.
func (d *Dir) SchemaPath(application string) string {
	return filepath.Join(d.schemasDir, application+".json")
}

// ValidateSegment checks that id can be used as a single path component.
func ValidateSegment(kind, id string) error {
	switch {
	case strings.TrimSpace(id) == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidSegment, kind)
	case id == "." || id == ".." || strings.Contains(id, ".."):
		return fmt.Errorf("%w: %s %q contains '..'", ErrInvalidSegment, kind, id)
	case strings.ContainsAny(id, `/\`):
		return fmt.Errorf("%w: %s %q contains a path separator", ErrInvalidSegment, kind, id)
	}
	return nil
}
