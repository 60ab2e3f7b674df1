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

// OllamaConfig holds configuration for the local Ollama provider.
type OllamaConfig struct {
	BaseURL        string        // Ollama API URL (default: http://localhost:11434)
	Model          string        // Model for completions (default: qwen2.5:7b)
	EmbeddingModel string        // Model for embeddings (default: nomic-embed-text)
	Timeout        time.Duration // Per-call timeout (default: 5s)
}

// OllamaClient talks to a local Ollama instance for both completion and
// embedding generation. Completion and embedding calls go through separate
// circuit breakers so a broken embedding model does not block classification.
type OllamaClient struct {
	cfg        OllamaConfig
	client     *http.Client
	completeCB *breaker
	embedCB    *breaker
}

// NewOllamaClient creates an Ollama client, applying defaults for any
// unset configuration fields.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &OllamaClient{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		completeCB: newBreaker("ollama-complete", DefaultBreakerConfig()),
		embedCB:    newBreaker("ollama-embed", DefaultBreakerConfig()),
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a 2D array; single-input requests always use
// the first row.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Complete sends a non-streaming completion request and returns the text.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	result, err := c.completeCB.execute(ctx, func() (interface{}, error) {
		var resp ollamaGenerateResponse
		if err := c.post(ctx, "/api/generate", ollamaGenerateRequest{
			Model:  c.cfg.Model,
			Prompt: prompt,
			Stream: false,
		}, &resp); err != nil {
			return nil, err
		}
		return resp.Response, nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama completion failed: %w", err)
	}
	return result.(string), nil
}

// Embed generates an embedding vector for the given text.
// All failure modes (HTTP error, timeout, open circuit, empty vector)
// are reported as ErrEmbeddingUnavailable.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := c.embedCB.execute(ctx, func() (interface{}, error) {
		var resp ollamaEmbedResponse
		if err := c.post(ctx, "/api/embed", ollamaEmbedRequest{
			Model: c.cfg.EmbeddingModel,
			Input: text,
		}, &resp); err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, errors.New("empty embedding vector")
		}
		return resp.Embeddings[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ollama: %v", ErrEmbeddingUnavailable, err)
	}
	return result.([]float32), nil
}

// post issues a JSON POST to the Ollama API with the per-call timeout applied.
func (c *OllamaClient) post(ctx context.Context, path string, reqBody, respBody interface{}) error {
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

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Model returns the completion model name.
func (c *OllamaClient) Model() string {
	return c.cfg.Model
}

// EmbeddingModelName returns the embedding model name.
func (c *OllamaClient) EmbeddingModelName() string {
	return c.cfg.EmbeddingModel
}

var (
	_ TextGenerator      = (*OllamaClient)(nil)
	_ EmbeddingGenerator = (*OllamaClient)(nil)
)
