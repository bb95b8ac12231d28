package embed

import (
	"fmt"
	"sort"
)

// ModelConfig describes a supported embedding model.
type ModelConfig struct {
	// Name is the short registry name, also stored in the database so
	// instances can detect model changes.
	Name string
	// OllamaModel is the model tag requested from Ollama.
	OllamaModel string
	// Dimensions is the fixed embedding vector length.
	Dimensions int
	// MaxTokens is the model context length; longer notes are truncated
	// by the model server, not by us.
	MaxTokens int
	// QueryPrefix is prepended to queries before encoding (some models
	// are trained with asymmetric prefixes).
	QueryPrefix string
	// DocumentPrefix is prepended to documents before encoding.
	DocumentPrefix string
}

// SupportedModels is the registry of embedding models vaultindex knows how
// to run. The stored model name in the database must match the configured
// one or the index is considered stale.
var SupportedModels = map[string]ModelConfig{
	"all-minilm": {
		Name:        "all-minilm",
		OllamaModel: "all-minilm",
		Dimensions:  384,
		MaxTokens:   256,
	},
	"nomic-embed-text": {
		Name:           "nomic-embed-text",
		OllamaModel:    "nomic-embed-text",
		Dimensions:     768,
		MaxTokens:      8192,
		QueryPrefix:    "search_query: ",
		DocumentPrefix: "search_document: ",
	},
	"mxbai-embed-large": {
		Name:        "mxbai-embed-large",
		OllamaModel: "mxbai-embed-large",
		Dimensions:  1024,
		MaxTokens:   512,
	},
	"static": {
		Name:       "static",
		Dimensions: 256,
	},
}

// DefaultModel is the registry name used when none is configured.
const DefaultModel = "all-minilm"

// GetModelConfig looks up a model by registry name.
func GetModelConfig(name string) (ModelConfig, error) {
	if name == "" {
		name = DefaultModel
	}
	cfg, ok := SupportedModels[name]
	if !ok {
		return ModelConfig{}, fmt.Errorf("unsupported model %q (supported: %v)", name, ModelNames())
	}
	return cfg, nil
}

// ModelNames returns the sorted registry names.
func ModelNames() []string {
	names := make([]string, 0, len(SupportedModels))
	for name := range SupportedModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
