package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// VertexAIClient talks to Vertex AI through google.golang.org/genai, either
// with an express-mode API key or with ProjectID and Location credentials.
type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = DefaultEmbedModel(ProviderVertexAI)
	}
	if config.GenerateModel == "" {
		config.GenerateModel = "gemini-2.0-flash"
	}
	if config.Dim == 0 {
		config.Dim = DefaultDim(ProviderVertexAI, config.EmbedModel)
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "europe-west3"
	}

	cc := genai.ClientConfig{Backend: genai.BackendVertexAI}
	if key := strings.TrimSpace(config.APIKey); key != "" {
		cc.APIKey = key
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("vertexai client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
	}, nil
}

// taskType maps a role onto Vertex AI's retrieval task types.
func taskType(role Role) string {
	if role == RoleQuery {
		return "RETRIEVAL_QUERY"
	}
	return "RETRIEVAL_DOCUMENT"
}

// Embed implements Backend.
func (c *VertexAIClient) Embed(ctx context.Context, text string, role Role) ([]float32, error) {
	cfg := genai.EmbedContentConfig{TaskType: taskType(role)}
	if c.config.Dim > 0 {
		dim := int32(c.config.Dim)
		cfg.OutputDimensionality = &dim
	}

	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, fmt.Errorf("vertexai embed: %w", err)
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return res.Embeddings[0].Values, nil
}

// Ping is a no-op; the managed endpoint has no cheap health call and
// credential problems surface on the first Embed.
func (c *VertexAIClient) Ping(context.Context) error {
	if c.client == nil {
		return ErrUnavailable
	}
	return nil
}

// Generate implements Generator.
func (c *VertexAIClient) Generate(ctx context.Context, prompt string) (string, error) {
	temp := float32(0)
	cfg := genai.GenerateContentConfig{
		Temperature: &temp,
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.config.GenerateModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", fmt.Errorf("vertexai generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no completion returned")
	}

	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
