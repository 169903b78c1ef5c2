package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/home"
	"github.com/jackzampolin/formscan/internal/providers"
)

// Config holds formscan configuration.
// Stored at: {home}/config.yaml
type Config struct {
	LogLevel     string                    `mapstructure:"log_level" yaml:"log_level"`
	Paths        PathsCfg                  `mapstructure:"paths" yaml:"paths"`
	OCRProviders map[string]OCRProviderCfg `mapstructure:"ocr_providers" yaml:"ocr_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Download     DownloadCfg               `mapstructure:"download" yaml:"download"`
}

// PathsCfg locates the working directories. An empty Home is ~/.formscan;
// the other roots default to subdirectories of Home.
type PathsCfg struct {
	Home       string `mapstructure:"home" yaml:"home"`
	ImagesRoot string `mapstructure:"images_root" yaml:"images_root"`
	OutputRoot string `mapstructure:"output_root" yaml:"output_root"`
	SchemasDir string `mapstructure:"schemas_dir" yaml:"schemas_dir"`
}

// OCRProviderCfg configures an OCR provider.
type OCRProviderCfg struct {
	Type           string   `mapstructure:"type" yaml:"type"`                       // "tesseract", "mistral-ocr"
	APIKey         string   `mapstructure:"api_key" yaml:"api_key,omitempty"`       // supports ${ENV_VAR} syntax
	RateLimit      float64  `mapstructure:"rate_limit" yaml:"rate_limit,omitempty"` // requests per second
	Languages      []string `mapstructure:"languages" yaml:"languages,omitempty"`
	PageSegMode    int      `mapstructure:"page_seg_mode" yaml:"page_seg_mode,omitempty"`
	PoolSize       int      `mapstructure:"pool_size" yaml:"pool_size,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg holds extraction settings.
type DefaultsCfg struct {
	OCRProvider               string  `mapstructure:"ocr_provider" yaml:"ocr_provider"`
	FallbackExtension         string  `mapstructure:"fallback_extension" yaml:"fallback_extension"`
	CheckboxThreshold         float64 `mapstructure:"checkbox_threshold" yaml:"checkbox_threshold"`
	RecognitionTimeoutSeconds int     `mapstructure:"recognition_timeout_seconds" yaml:"recognition_timeout_seconds"`
	ImageCacheSize            int     `mapstructure:"image_cache_size" yaml:"image_cache_size"`
}

// DownloadCfg configures page downloads.
type DownloadCfg struct {
	Concurrency    int   `mapstructure:"concurrency" yaml:"concurrency"`
	TimeoutSeconds int   `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
	MaxBytes       int64 `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		OCRProviders: map[string]OCRProviderCfg{
			"tesseract": {
				Type:           providers.TypeTesseract,
				Languages:      []string{providers.DefaultTesseractLanguage},
				PageSegMode:    providers.DefaultPageSegMode,
				PoolSize:       2,
				TimeoutSeconds: 30,
				Enabled:        true,
			},
			"mistral": {
				Type:           providers.TypeMistral,
				APIKey:         "${MISTRAL_API_KEY}",
				RateLimit:      6.0,
				TimeoutSeconds: 60,
				Enabled:        false,
			},
		},
		Defaults: DefaultsCfg{
			OCRProvider:               "tesseract",
			FallbackExtension:         string(acquire.DefaultExtension),
			CheckboxThreshold:         3,
			RecognitionTimeoutSeconds: 30,
			ImageCacheSize:            8,
		},
		Download: DownloadCfg{
			Concurrency:    acquire.DefaultConcurrency,
			TimeoutSeconds: int(acquire.DefaultTimeout / time.Second),
			MaxBytes:       acquire.DefaultMaxBytes,
		},
	}
}

// Validate reports every setting that cannot be used.
func (c *Config) Validate() error {
	var problems []string
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	if c.Defaults.FallbackExtension != "" {
		if _, ok := acquire.ParseExtension(c.Defaults.FallbackExtension); !ok {
			problems = append(problems, fmt.Sprintf("defaults.fallback_extension %q is not jpg, jpeg, png or webp", c.Defaults.FallbackExtension))
		}
	}
	if c.Defaults.CheckboxThreshold < 0 {
		problems = append(problems, "defaults.checkbox_threshold must not be negative")
	}
	if name := c.Defaults.OCRProvider; name != "" {
		if p, ok := c.OCRProviders[name]; !ok {
			problems = append(problems, fmt.Sprintf("defaults.ocr_provider %q is not configured", name))
		} else if !p.Enabled {
			problems = append(problems, fmt.Sprintf("defaults.ocr_provider %q is disabled", name))
		}
	}
	for _, name := range c.providerNames() {
		switch t := c.OCRProviders[name].Type; t {
		case providers.TypeTesseract, providers.TypeMistral:
		default:
			problems = append(problems, fmt.Sprintf("ocr_providers.%s.type %q is unknown", name, t))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// GetOCRProvider returns an OCR provider config by name.
func (c *Config) GetOCRProvider(name string) (OCRProviderCfg, bool) {
	cfg, ok := c.OCRProviders[name]
	return cfg, ok
}

// EnabledOCRProviders returns all enabled OCR providers.
func (c *Config) EnabledOCRProviders() map[string]OCRProviderCfg {
	result := make(map[string]OCRProviderCfg)
	for name, cfg := range c.OCRProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}

// HomeDir builds the directory layout from the paths section.
// A leading "~/" in any path is expanded to the user's home directory.
func (c *Config) HomeDir() (*home.Dir, error) {
	var paths [4]string
	for i, p := range []string{c.Paths.Home, c.Paths.ImagesRoot, c.Paths.OutputRoot, c.Paths.SchemasDir} {
		expanded, err := expandHome(p)
		if err != nil {
			return nil, err
		}
		paths[i] = expanded
	}
	return home.New(paths[0],
		home.WithImagesRoot(paths[1]),
		home.WithOutputRoot(paths[2]),
		home.WithSchemasDir(paths[3]))
}

// FallbackExtension returns the parsed fallback extension.
func (c *Config) FallbackExtension() acquire.Extension {
	if ext, ok := acquire.ParseExtension(c.Defaults.FallbackExtension); ok {
		return ext
	}
	return acquire.DefaultExtension
}

// RecognitionTimeout bounds a single OCR call.
func (c *Config) RecognitionTimeout() time.Duration {
	return seconds(c.Defaults.RecognitionTimeoutSeconds)
}

// DownloaderConfig converts the download section for acquire.NewDownloader.
func (c *Config) DownloaderConfig() acquire.Config {
	return acquire.Config{
		Concurrency: c.Download.Concurrency,
		Timeout:     seconds(c.Download.TimeoutSeconds),
		MaxBytes:    c.Download.MaxBytes,
	}
}

func (c *Config) providerNames() []string {
	names := make([]string, 0, len(c.OCRProviders))
	for name := range c.OCRProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to expand %s: %w", p, err)
	}
	return filepath.Join(dir, strings.TrimPrefix(p, "~")), nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
