package embedder

import (
	"fmt"

	"github.com/graphline/graphline/config"
)

// NewFromConfig creates an Embedder based on the provided configuration.
// Centralizes provider initialization so CLI commands don't duplicate it.
func NewFromConfig(cfg *config.Config) (Embedder, error) {
	switch cfg.Embedder.Provider {
	case "hash", "":
		return NewHashEmbedder(cfg.Embedder.Dimensions), nil

	case "openai":
		return NewOpenAIEmbedder(
			WithOpenAIModel(cfg.Embedder.Model),
			WithOpenAIKey(cfg.Embedder.APIKey),
			WithOpenAIEndpoint(cfg.Embedder.Endpoint),
			WithOpenAIDimensions(cfg.Embedder.Dimensions),
		)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Embedder.Provider)
	}
}
