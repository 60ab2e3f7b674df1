package llm

import (
	"fmt"

	"github.com/recallhq/recall/internal/config"
)

// NewClients builds the text generator and embedding generator for the
// configured provider. Both interfaces are typically served by the same
// underlying client.
func NewClients(cfg config.LLMConfig) (TextGenerator, EmbeddingGenerator, error) {
	switch cfg.Provider {
	case "ollama", "":
		client := NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.OllamaURL,
			Model:          cfg.OllamaModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.EmbedTimeout,
		})
		return client, client, nil

	case "openai":
		if cfg.OpenAIAPIKey == "" {
			return nil, nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		client := NewOpenAIClient(OpenAIConfig{
			APIKey:         cfg.OpenAIAPIKey,
			Model:          cfg.OpenAIModel,
			EmbeddingModel: cfg.EmbeddingModel,
			Timeout:        cfg.EmbedTimeout,
		})
		return client, client, nil

	default:
		return nil, nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
