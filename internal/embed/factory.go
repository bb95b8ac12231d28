package embed

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ProviderType selects an embedding backend.
type ProviderType string

const (
	// ProviderOllama uses the Ollama HTTP API for embeddings (default).
	ProviderOllama ProviderType = "ollama"

	// ProviderStatic uses hash-based embeddings (offline fallback).
	ProviderStatic ProviderType = "static"
)

// FactoryConfig configures embedder construction.
type FactoryConfig struct {
	Provider   ProviderType
	ModelName  string
	OllamaHost string
	BatchSize  int
	CacheSize  int
	Timeout    time.Duration
	MaxRetries int

	// Dimensions overrides the model's registered dimension when positive
	// (truncated-output models).
	Dimensions int
}

// NewEmbedder creates an embedder based on provider type.
// The VAULTINDEX_EMBEDDER environment variable overrides the provider
// ("ollama" or "static"). The result is wrapped with an LRU cache keyed by
// content, so repeated embeddings of unchanged text are free.
func NewEmbedder(ctx context.Context, cfg FactoryConfig) (Embedder, error) {
	provider := cfg.Provider
	if env := os.Getenv("VAULTINDEX_EMBEDDER"); env != "" {
		provider = ProviderType(strings.ToLower(env))
	}

	var (
		embedder Embedder
		err      error
	)

	switch provider {
	case ProviderStatic:
		model, lookupErr := GetModelConfig(cfg.ModelName)
		if lookupErr != nil || model.Name == "static" {
			model = SupportedModels["static"]
		}
		if cfg.Dimensions > 0 {
			model.Dimensions = cfg.Dimensions
		}
		embedder = NewStaticEmbedder(model.Dimensions)

	case ProviderOllama, "":
		model, lookupErr := GetModelConfig(cfg.ModelName)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if cfg.Dimensions > 0 {
			model.Dimensions = cfg.Dimensions
		}
		embedder, err = NewOllamaEmbedder(ctx, OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      model,
			BatchSize:  cfg.BatchSize,
			Timeout:    cfg.Timeout,
			MaxRetries: cfg.MaxRetries,
		})
		if err != nil {
			// Degrade to static embeddings rather than refusing to start;
			// search quality drops but the index stays usable offline.
			slog.Warn("ollama unavailable, falling back to static embeddings",
				slog.String("error", err.Error()))
			embedder = NewStaticEmbedder(SupportedModels["static"].Dimensions)
		}

	default:
		return nil, fmt.Errorf("unknown embedding provider %q", provider)
	}

	return NewCachedEmbedder(embedder, cfg.CacheSize), nil
}
