package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey         string
	Model          string        // Chat model (default: gpt-4o-mini)
	EmbeddingModel string        // Embedding model (default: text-embedding-3-small)
	BaseURL        string        // API base URL (default: https://api.openai.com)
	Timeout        time.Duration // Per-call timeout (default: 30s)
}

// OpenAIClient implements TextGenerator and EmbeddingGenerator using the
// OpenAI chat completions and embeddings APIs.
type OpenAIClient struct {
	cfg        OpenAIConfig
	client     *http.Client
	completeCB *breaker
	embedCB    *breaker
}

// NewOpenAIClient creates an OpenAI client, applying defaults for any
// unset configuration fields.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIClient{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		completeCB: newBreaker("openai-complete", DefaultBreakerConfig()),
		embedCB:    newBreaker("openai-embed", DefaultBreakerConfig()),
	}
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float64             `json:"temperature"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type openAIEmbeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type openAIEmbeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Complete sends a single-turn, temperature-zero chat completion.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.completeCB.execute(ctx, func() (interface{}, error) {
		var resp openAIChatResponse
		if err := c.post(ctx, "/v1/chat/completions", openAIChatRequest{
			Model:       c.cfg.Model,
			Messages:    []openAIChatMessage{{Role: "user", Content: prompt}},
			Temperature: 0,
		}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Choices) == 0 {
			return nil, errors.New("no choices returned")
		}
		return resp.Choices[0].Message.Content, nil
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	return result.(string), nil
}

// Embed generates an embedding vector for the given text.
// All failure modes are reported as ErrEmbeddingUnavailable.
func (c *OpenAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.embedCB.execute(ctx, func() (interface{}, error) {
		var resp openAIEmbeddingResponse
		if err := c.post(ctx, "/v1/embeddings", openAIEmbeddingRequest{
			Model: c.cfg.EmbeddingModel,
			Input: text,
		}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, errors.New("empty embedding vector")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: openai: %v", ErrEmbeddingUnavailable, err)
	}
	return result.([]float32), nil
}

// post issues an authenticated JSON POST with the per-call timeout applied.
func (c *OpenAIClient) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("openai returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Model returns the chat model name.
func (c *OpenAIClient) Model() string {
	return c.cfg.Model
}

// EmbeddingModelName returns the embedding model name.
func (c *OpenAIClient) EmbeddingModelName() string {
	return c.cfg.EmbeddingModel
}

var (
	_ TextGenerator      = (*OpenAIClient)(nil)
	_ EmbeddingGenerator = (*OpenAIClient)(nil)
)
