package ai

import (
	"context"
	"crypto/tls"
	"errors"
	"hash/fnv"
	"math"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var (
	ErrUnavailable    = errors.New("embedding backend unavailable")
	ErrEmptyEmbedding = errors.New("no embedding returned")
)

// Role tells asymmetric embedding models whether text is being indexed or searched.
type Role string

const (
	RolePassage Role = "passage"
	RoleQuery   Role = "query"
)

// Backend is a raw embedding provider. Role prefixes are applied by Embedder,
// not by the backend.
type Backend interface {
	Embed(ctx context.Context, text string, role Role) ([]float32, error)
	Ping(ctx context.Context) error
	Dim() int
}

// Generator produces a text completion for a single prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Provider is enumeration of supported AI providers
type Provider string

const (
	ProviderOllama   Provider = "ollama"
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderStub     Provider = "stub"
)

// DefaultEmbedModel returns the embedding model a provider uses when none is configured.
func DefaultEmbedModel(p Provider) string {
	switch p {
	case ProviderOllama:
		return "jeffh/intfloat-multilingual-e5-large-instruct:f16"
	case ProviderOpenAI:
		return "text-embedding-3-small"
	case ProviderVertexAI:
		return "text-multilingual-embedding-002"
	case ProviderStub:
		return "stub"
	}
	return ""
}

// DefaultDim returns the vector size of model under provider p, or 0 if unknown.
func DefaultDim(p Provider, model string) int {
	switch p {
	case ProviderOllama:
		return 1024
	case ProviderOpenAI:
		if model == "text-embedding-3-large" {
			return 3072
		}
		return 1536
	case ProviderVertexAI:
		return 768
	case ProviderStub:
		return 8
	}
	return 0
}

// ClientConfig holds configuration for AI clients
type ClientConfig struct {
	Provider      Provider
	BaseURL       string
	APIKey        string
	EmbedModel    string
	GenerateModel string
	Dim           int
	ProjectID     string
	Location      string
	SkipTLSVerify bool
}

// Key identifies the backend a config points at.
func (c ClientConfig) Key() string {
	return strings.Join([]string{string(c.Provider), c.BaseURL, c.EmbedModel, c.GenerateModel}, "|")
}

// client is implemented by every provider.
type client interface {
	Backend
	Generator
}

func newClient(config *ClientConfig) (client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}

	ctx := context.Background()
	switch config.Provider {
	case ProviderOllama:
		return NewOllamaClient(config), nil
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// NewBackend creates an embedding backend based on configuration
func NewBackend(config *ClientConfig) (Backend, error) {
	return newClient(config)
}

// NewGenerator creates an LLM client based on configuration
func NewGenerator(config *ClientConfig) (Generator, error) {
	return newClient(config)
}

// newHTTPClient returns an instrumented HTTP client. Per-call deadlines come
// from the request context; timeout only caps calls made without one.
func newHTTPClient(skipTLS bool, timeout time.Duration) *http.Client {
	transport := &http.Transport{}
	if skipTLS {
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(transport),
	}
}

// StubClient is a deterministic offline implementation used for tests and local runs.
type StubClient struct {
	dim int
}

// NewStubClient creates a new StubClient
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 8
	}
	return &StubClient{dim: dim}
}

// Embed hashes words into a fixed number of buckets and normalizes the result,
// so texts sharing words get similar vectors.
func (s *StubClient) Embed(_ context.Context, text string, _ Role) ([]float32, error) {
	vec := make([]float32, s.dim)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[h.Sum32()%uint32(s.dim)]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (s *StubClient) Ping(context.Context) error { return nil }

// Generate returns an empty score map, which rerankers treat as "no opinion".
func (s *StubClient) Generate(context.Context, string) (string, error) {
	return "{}", nil
}

// Dim returns the embedding dimension
func (s *StubClient) Dim() int {
	return s.dim
}
