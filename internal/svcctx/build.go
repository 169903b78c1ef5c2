package svcctx

import (
	"fmt"
	"log/slog"

	"github.com/jackzampolin/formscan/internal/acquire"
	"github.com/jackzampolin/formscan/internal/config"
	"github.com/jackzampolin/formscan/internal/extract"
	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/providers"
	"github.com/jackzampolin/formscan/internal/sampler"
	"github.com/jackzampolin/formscan/internal/schema"
)

// Build wires every service from the current config. The provider registry
// follows later config changes; everything else keeps its startup settings.
func Build(mgr *config.Manager, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := mgr.Get()

	h, err := cfg.HomeDir()
	if err != nil {
		return nil, err
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}

	images := imaging.NewCachingDecoder(nil, cfg.Defaults.ImageCacheSize)

	registry, err := providers.NewRegistryFromConfig(registryConfig(cfg, images, logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create provider registry: %w", err)
	}
	if !registry.HasOCR(cfg.Defaults.OCRProvider) {
		logger.Warn("default OCR provider unavailable, text recognition will fail",
			"provider", cfg.Defaults.OCRProvider,
			"registered", registry.ListOCR())
	}

	mgr.SetLogger(logger)
	mgr.OnChange(func(c *config.Config) {
		if err := registry.Reload(registryConfig(c, images, logger)); err != nil {
			logger.Error("provider registry reload failed", "error", err)
			return
		}
		logger.Info("provider registry reloaded from config", "providers", registry.ListOCR())
	})

	smp := sampler.New(sampler.Config{
		OCR:     registry.Named(cfg.Defaults.OCRProvider),
		Images:  images,
		Timeout: cfg.RecognitionTimeout(),
	})

	schemas := schema.NewCachedStore(schema.NewFileStore(h.SchemasDir(), logger), logger)

	dl := cfg.DownloaderConfig()
	dl.Logger = logger

	orch, err := extract.NewOrchestrator(extract.Config{
		Home:       h,
		Downloader: acquire.NewDownloader(dl),
		Schemas:    schemas,
		Engine: extract.NewEngine(extract.EngineConfig{
			Sampler:   smp,
			Threshold: cfg.Defaults.CheckboxThreshold,
			Logger:    logger,
		}),
		Pages:             images,
		FallbackExtension: cfg.FallbackExtension(),
		Logger:            logger,
	})
	if err != nil {
		registry.Close()
		return nil, err
	}

	return &Services{
		Config:       mgr,
		Home:         h,
		Registry:     registry,
		Images:       images,
		Sampler:      smp,
		Schemas:      schemas,
		Orchestrator: orch,
		Logger:       logger,
	}, nil
}

// Close releases provider resources.
func (s *Services) Close() error {
	if s.Registry == nil {
		return nil
	}
	return s.Registry.Close()
}

func registryConfig(cfg *config.Config, images imaging.Decoder, logger *slog.Logger) providers.RegistryConfig {
	rc := cfg.ToProviderRegistryConfig()
	rc.Images = images
	rc.Logger = logger
	return rc
}
