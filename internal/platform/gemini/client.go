// Package gemini adapts Google's Gemini API to the memops LLM and
// Embedder interfaces.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/genai"

	"github.com/memgrid/memsched/internal/config"
	"github.com/memgrid/memsched/internal/domain"
)

const (
	defaultModel          = "gemini-2.0-flash"
	defaultEmbeddingModel = "text-embedding-004"
)

// Client wraps a genai client behind the memops collaborator
// interfaces. A single Client serves both text generation and
// embedding.
type Client struct {
	client         *genai.Client
	model          string
	embeddingModel string
	logger         *slog.Logger
}

// New creates a Gemini client from configuration.
func New(ctx context.Context, cfg config.LLMConfig, logger *slog.Logger) (*Client, error) {
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", domain.ErrConfiguration)
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create gemini client: %v", domain.ErrConfiguration, err)
	}

	model := cfg.ModelName
	if model == "" {
		model = defaultModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		logger:         logger.With(slog.String("component", "gemini")),
	}, nil
}

// Generate sends the prompt to the configured model and returns the
// response text.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("%w: prompt cannot be empty", domain.ErrValidation)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini returned an empty response")
	}

	c.logger.DebugContext(ctx, "gemini generation complete",
		slog.String("model", c.model),
		slog.Int("response_chars", len(text)))
	return text, nil
}

// Embed returns one embedding vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}

	resp, err := c.client.Models.EmbedContent(ctx, c.embeddingModel, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding failed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini returned %d embeddings for %d texts",
			len(resp.Embeddings), len(texts))
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, errors.New("gemini returned an empty embedding")
		}
		vectors = append(vectors, emb.Values)
	}
	return vectors, nil
}
