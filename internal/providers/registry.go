package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/jackzampolin/formscan/internal/imaging"
)

// Provider types understood by the registry.
const (
	TypeTesseract = "tesseract"
	TypeMistral   = "mistral-ocr"
)

// Registry holds references to OCR providers.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu           sync.RWMutex
	ocrProviders map[string]OCRProvider
	configs      map[string]OCRProviderConfig
	images       imaging.Decoder
	logger       *slog.Logger
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		ocrProviders: make(map[string]OCRProvider),
		configs:      make(map[string]OCRProviderConfig),
		images:       imaging.FileDecoder{},
		logger:       slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// RegisterOCR registers an OCR provider by name.
func (r *Registry) RegisterOCR(name string, provider OCRProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ocrProviders[name] = provider
	if r.logger != nil {
		r.logger.Info("registered OCR provider", "name", name)
	}
}

// UnregisterOCR removes an OCR provider by name.
func (r *Registry) UnregisterOCR(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(name)
}

// GetOCR returns an OCR provider by name.
func (r *Registry) GetOCR(name string) (OCRProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.ocrProviders[name]
	if !ok {
		return nil, fmt.Errorf("OCR provider not found: %s", name)
	}
	return provider, nil
}

// Named returns an OCRProvider that looks name up on every call, so callers
// keep working across Reload.
func (r *Registry) Named(name string) OCRProvider {
	return namedOCR{registry: r, name: name}
}

type namedOCR struct {
	registry *Registry
	name     string
}

func (n namedOCR) Name() string { return n.name }

func (n namedOCR) Recognize(ctx context.Context, imagePath string, rect imaging.Rectangle) (string, error) {
	p, err := n.registry.GetOCR(n.name)
	if err != nil {
		return "", err
	}
	return p.Recognize(ctx, imagePath, rect)
}

// ListOCR returns all registered OCR provider names, sorted.
func (r *Registry) ListOCR() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ocrProviders))
	for name := range r.ocrProviders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HasOCR checks if an OCR provider is registered.
func (r *Registry) HasOCR(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ocrProviders[name]
	return ok
}

// Close releases every provider that holds resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name := range r.ocrProviders {
		if err := r.closeLocked(name); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.ocrProviders, name)
		delete(r.configs, name)
	}
	return firstErr
}

// RegistryConfig defines the providers to instantiate from config.
// This mirrors the config.Config structure for provider setup.
type RegistryConfig struct {
	// OCRProviders maps provider names to their config
	OCRProviders map[string]OCRProviderConfig

	// Images decodes pages for region cropping; nil reads straight from disk.
	Images imaging.Decoder

	Logger *slog.Logger
}

// OCRProviderConfig matches config.OCRProviderCfg with resolved API key.
type OCRProviderConfig struct {
	Type        string   // "tesseract", "mistral-ocr"
	APIKey      string   // Resolved API key (remote providers)
	RateLimit   float64  // Requests per second (remote providers)
	Languages   []string // Tesseract languages
	PageSegMode int
	PoolSize    int
	Timeout     time.Duration
	Enabled     bool
}

// usable reports whether cfg has everything its type needs.
func (cfg OCRProviderConfig) usable() bool {
	if !cfg.Enabled {
		return false
	}
	switch cfg.Type {
	case TypeMistral:
		return cfg.APIKey != ""
	default:
		return true
	}
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with the settings they need are registered.
func NewRegistryFromConfig(cfg RegistryConfig) (*Registry, error) {
	r := NewRegistry()
	if cfg.Images != nil {
		r.images = cfg.Images
	}
	if cfg.Logger != nil {
		r.logger = cfg.Logger
	}
	if err := r.Reload(cfg); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be closed and unregistered.
// Providers with changed settings will be re-created.
func (r *Registry) Reload(cfg RegistryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.OCRProviders {
		if !provCfg.usable() {
			continue
		}
		want[name] = true

		prev, hasExisting := r.configs[name]
		if hasExisting && reflect.DeepEqual(prev, provCfg) {
			continue
		}
		provider, err := r.createOCRProvider(provCfg)
		if err != nil {
			return fmt.Errorf("provider %s: %w", name, err)
		}
		if hasExisting {
			_ = r.closeLocked(name)
		}
		r.ocrProviders[name] = provider
		r.configs[name] = provCfg
		if r.logger != nil {
			if hasExisting {
				r.logger.Info("updated OCR provider", "name", name, "type", provCfg.Type)
			} else {
				r.logger.Info("registered OCR provider", "name", name, "type", provCfg.Type)
			}
		}
	}

	// Remove providers that are no longer configured
	for name := range r.configs {
		if !want[name] {
			r.removeLocked(name)
		}
	}
	return nil
}

func (r *Registry) removeLocked(name string) {
	if _, ok := r.ocrProviders[name]; !ok {
		return
	}
	_ = r.closeLocked(name)
	delete(r.ocrProviders, name)
	delete(r.configs, name)
	if r.logger != nil {
		r.logger.Info("unregistered OCR provider", "name", name)
	}
}

func (r *Registry) closeLocked(name string) error {
	if c, ok := r.ocrProviders[name].(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// createOCRProvider creates an OCR provider based on provider type.
func (r *Registry) createOCRProvider(cfg OCRProviderConfig) (OCRProvider, error) {
	switch cfg.Type {
	case TypeTesseract:
		engine, err := NewTesseractOCR(TesseractConfig{
			Languages:   cfg.Languages,
			PageSegMode: cfg.PageSegMode,
			PoolSize:    cfg.PoolSize,
			Timeout:     cfg.Timeout,
			Logger:      r.logger,
		})
		if err != nil {
			return nil, err
		}
		return NewRegionOCR(engine, r.images), nil
	case TypeMistral:
		return NewRegionOCR(NewMistralOCRClient(MistralOCRConfig{
			APIKey:    cfg.APIKey,
			RateLimit: cfg.RateLimit,
			Timeout:   cfg.Timeout,
		}), r.images), nil
	default:
		return nil, fmt.Errorf("unknown OCR provider type %q", cfg.Type)
	}
}
