// Package svcctx provides service context for dependency injection via context.
// Commands build the services once and pull what they need from the context.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/formscan/internal/config"
	"github.com/jackzampolin/formscan/internal/extract"
	"github.com/jackzampolin/formscan/internal/home"
	"github.com/jackzampolin/formscan/internal/imaging"
	"github.com/jackzampolin/formscan/internal/providers"
	"github.com/jackzampolin/formscan/internal/sampler"
	"github.com/jackzampolin/formscan/internal/schema"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Config       *config.Manager
	Home         *home.Dir
	Registry     *providers.Registry
	Images       *imaging.CachingDecoder
	Sampler      *sampler.Sampler
	Schemas      *schema.CachedStore
	Orchestrator *extract.Orchestrator
	Logger       *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// SchemasFrom extracts the schema store from context.
func SchemasFrom(ctx context.Context) *schema.CachedStore {
	if s := ServicesFrom(ctx); s != nil {
		return s.Schemas
	}
	return nil
}

// SamplerFrom extracts the region sampler from context.
func SamplerFrom(ctx context.Context) *sampler.Sampler {
	if s := ServicesFrom(ctx); s != nil {
		return s.Sampler
	}
	return nil
}

// OrchestratorFrom extracts the extraction orchestrator from context.
func OrchestratorFrom(ctx context.Context) *extract.Orchestrator {
	if s := ServicesFrom(ctx); s != nil {
		return s.Orchestrator
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}
