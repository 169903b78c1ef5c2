package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/formscan/internal/providers"
)

// EnvPrefix prefixes environment overrides, e.g. FORMSCAN_LOG_LEVEL.
const EnvPrefix = "FORMSCAN"

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v *viper.Viper

	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	logger    *slog.Logger
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml then ~/.formscan/config.yaml;
// a missing file leaves the defaults in place.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
		logger:    slog.Default(),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// SetLogger sets the logger used for reload messages.
func (cm *Manager) SetLogger(logger *slog.Logger) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if logger != nil {
		cm.logger = logger
	}
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	defaults := DefaultConfig()
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("paths.home", defaults.Paths.Home)
	v.SetDefault("paths.images_root", defaults.Paths.ImagesRoot)
	v.SetDefault("paths.output_root", defaults.Paths.OutputRoot)
	v.SetDefault("paths.schemas_dir", defaults.Paths.SchemasDir)
	v.SetDefault("ocr_providers", defaults.OCRProviders)
	v.SetDefault("defaults.ocr_provider", defaults.Defaults.OCRProvider)
	v.SetDefault("defaults.fallback_extension", defaults.Defaults.FallbackExtension)
	v.SetDefault("defaults.checkbox_threshold", defaults.Defaults.CheckboxThreshold)
	v.SetDefault("defaults.recognition_timeout_seconds", defaults.Defaults.RecognitionTimeoutSeconds)
	v.SetDefault("defaults.image_cache_size", defaults.Defaults.ImageCacheSize)
	v.SetDefault("download.concurrency", defaults.Download.Concurrency)
	v.SetDefault("download.timeout_seconds", defaults.Download.TimeoutSeconds)
	v.SetDefault("download.max_bytes", defaults.Download.MaxBytes)

	// Environment variables with FORMSCAN_ prefix, e.g. FORMSCAN_DEFAULTS_OCR_PROVIDER
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.formscan")
	}

	// Try to read config file (not required)
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a validated Config.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Set overrides a config key, e.g. from a command-line flag, and reloads.
// Overrides outrank the file and survive hot reloads.
func (cm *Manager) Set(key string, value any) error {
	prev := cm.v.Get(key)
	cm.v.Set(key, value)
	cfg, err := cm.load()
	if err != nil {
		cm.v.Set(key, prev)
		return fmt.Errorf("invalid override %s: %w", key, err)
	}
	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()
	return nil
}

// ConfigFile returns the file the config was read from, or "" when running on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// WatchConfig enables hot-reloading of configuration.
// A file that fails to parse or validate keeps the previous config.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.mu.RLock()
			logger := cm.logger
			cm.mu.RUnlock()
			logger.Warn("config reload rejected", "file", e.Name, "error", err)
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		logger := cm.logger
		cm.mu.Unlock()

		logger.Info("config reloaded", "file", e.Name)
		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

var envRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		OCRProviders: make(map[string]providers.OCRProviderConfig),
	}

	for name, ocr := range c.OCRProviders {
		cfg.OCRProviders[name] = providers.OCRProviderConfig{
			Type:        ocr.Type,
			APIKey:      ResolveEnvVars(ocr.APIKey),
			RateLimit:   ocr.RateLimit,
			Languages:   ocr.Languages,
			PageSegMode: ocr.PageSegMode,
			PoolSize:    ocr.PoolSize,
			Timeout:     time.Duration(ocr.TimeoutSeconds) * time.Second,
			Enabled:     ocr.Enabled,
		}
	}

	return cfg
}

// WriteDefault writes the default configuration to the specified path.
func WriteDefault(path string) error {
	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# formscan configuration
# API keys use ${ENV_VAR} syntax to reference environment variables
# Set these in your shell: export MISTRAL_API_KEY=xxx
# Empty paths live under ~/.formscan

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
