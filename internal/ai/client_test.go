package ai

import (
	"context"
	"math"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

func TestProviderConstants(t *testing.T) {
	tests := []struct {
		provider Provider
		want     string
	}{
		{ProviderOllama, "ollama"},
		{ProviderOpenAI, "openai"},
		{ProviderVertexAI, "vertexai"},
		{ProviderStub, "stub"},
	}
	for _, tt := range tests {
		if string(tt.provider) != tt.want {
			t.Errorf("provider = %q, want %q", tt.provider, tt.want)
		}
	}
}

func TestNewBackend(t *testing.T) {
	tests := []struct {
		name        string
		config      *ClientConfig
		expectError bool
		expectedDim int
	}{
		{name: "nil config", config: nil, expectError: true},
		{name: "unsupported provider", config: &ClientConfig{Provider: "bogus"}, expectError: true},
		{name: "stub", config: &ClientConfig{Provider: ProviderStub, Dim: 16}, expectedDim: 16},
		{name: "stub default dim", config: &ClientConfig{Provider: ProviderStub}, expectedDim: 8},
		{name: "ollama default dim", config: &ClientConfig{Provider: ProviderOllama}, expectedDim: 1024},
		{name: "openai default dim", config: &ClientConfig{Provider: ProviderOpenAI, APIKey: "k"}, expectedDim: 1536},
		{name: "openai large", config: &ClientConfig{Provider: ProviderOpenAI, EmbedModel: "text-embedding-3-large"}, expectedDim: 3072},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBackend(tt.config)
			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewBackend: %v", err)
			}
			if b.Dim() != tt.expectedDim {
				t.Errorf("Dim() = %d, want %d", b.Dim(), tt.expectedDim)
			}
		})
	}
}

func TestNewGeneratorStub(t *testing.T) {
	g, err := NewGenerator(&ClientConfig{Provider: ProviderStub})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	out, err := g.Generate(context.Background(), "anything")
	if err != nil || out != "{}" {
		t.Fatalf("Generate = %q, %v", out, err)
	}
}

func TestClientConfigKey(t *testing.T) {
	a := ClientConfig{Provider: ProviderOllama, BaseURL: "http://a", EmbedModel: "e5"}
	b := ClientConfig{Provider: ProviderOllama, BaseURL: "http://b", EmbedModel: "e5"}
	if a.Key() == b.Key() {
		t.Fatalf("different backends share a key: %q", a.Key())
	}
	a2 := a
	a2.APIKey = "secret"
	if a.Key() != a2.Key() {
		t.Fatalf("api key must not change backend identity")
	}
	if strings.Contains(a2.Key(), "secret") {
		t.Fatalf("key leaks the api key")
	}
}

func TestStubClientEmbed(t *testing.T) {
	s := NewStubClient(32)
	ctx := context.Background()

	a, _ := s.Embed(ctx, "Kündigung des Mietvertrags", RolePassage)
	b, _ := s.Embed(ctx, "kündigung des mietvertrags", RoleQuery)
	c, _ := s.Embed(ctx, "Haftung für Verkehrsunfall", RolePassage)

	if len(a) != 32 {
		t.Fatalf("len = %d, want 32", len(a))
	}
	if cosine(a, b) < 0.999 {
		t.Errorf("identical words should embed identically, cos=%f", cosine(a, b))
	}
	if cosine(a, c) >= cosine(a, b) {
		t.Errorf("unrelated text should be less similar")
	}

	empty, _ := s.Embed(ctx, "   ", RolePassage)
	if empty[0] != 1 {
		t.Errorf("empty text should yield a unit vector, got %v", empty)
	}
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i] * b[i])
		na += float64(a[i] * a[i])
		nb += float64(b[i] * b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
