package providers

import (
	"os"
)

// TestConfig holds provider configurations loaded from environment variables.
// This allows tests to use the same configuration pattern as production.
type TestConfig struct {
	MistralAPIKey string
	Tesseract     bool
}

// LoadTestConfig loads provider settings from environment variables.
// FORMSCAN_TEST_TESSERACT=1 enables tests that need tesseract language data installed.
func LoadTestConfig() TestConfig {
	return TestConfig{
		MistralAPIKey: os.Getenv("MISTRAL_API_KEY"),
		Tesseract:     os.Getenv("FORMSCAN_TEST_TESSERACT") != "",
	}
}

// HasMistral returns true if Mistral API key is configured.
func (c TestConfig) HasMistral() bool {
	return c.MistralAPIKey != ""
}

// HasTesseract returns true if the local engine is available for tests.
func (c TestConfig) HasTesseract() bool {
	return c.Tesseract
}

// ToRegistryConfig converts test config to a RegistryConfig for the provider registry.
// Only includes providers that are available.
func (c TestConfig) ToRegistryConfig() RegistryConfig {
	cfg := RegistryConfig{
		OCRProviders: make(map[string]OCRProviderConfig),
	}

	if c.HasTesseract() {
		cfg.OCRProviders["tesseract"] = OCRProviderConfig{
			Type:     TypeTesseract,
			PoolSize: 1,
			Enabled:  true,
		}
	}

	if c.HasMistral() {
		cfg.OCRProviders["mistral"] = OCRProviderConfig{
			Type:      TypeMistral,
			APIKey:    c.MistralAPIKey,
			RateLimit: 6,
			Enabled:   true,
		}
	}

	return cfg
}
