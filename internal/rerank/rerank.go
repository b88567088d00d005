// Package rerank reorders fused retrieval candidates with a single LLM call.
package rerank

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PBaumfalk/ai-lawyer/internal/ai"
	"github.com/PBaumfalk/ai-lawyer/pkg/models"
	"github.com/rs/zerolog/log"
)

// Options bound the cost of a rerank call.
type Options struct {
	Timeout       time.Duration
	MaxCandidates int
	TopN          int
	SnippetChars  int
}

func DefaultOptions() Options {
	return Options{
		Timeout:       3 * time.Second,
		MaxCandidates: 50,
		TopN:          10,
		SnippetChars:  300,
	}
}

type Reranker struct {
	gen  ai.Generator
	opts Options
}

// New returns a Reranker backed by gen. Zero-valued options take their
// defaults. A nil gen makes every call fall back to fused order.
func New(gen ai.Generator, opts Options) *Reranker {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = def.MaxCandidates
	}
	if opts.TopN <= 0 {
		opts.TopN = def.TopN
	}
	if opts.SnippetChars <= 0 {
		opts.SnippetChars = def.SnippetChars
	}
	return &Reranker{gen: gen, opts: opts}
}

// Rerank scores candidates against query and returns at most TopN of them.
// It never fails: on any error it logs and returns the first TopN candidates
// in their incoming order.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []models.Candidate) []models.Candidate {
	if len(candidates) == 0 {
		return []models.Candidate{}
	}
	if len(candidates) > r.opts.MaxCandidates {
		candidates = candidates[:r.opts.MaxCandidates]
	}

	scores, err := r.score(ctx, query, candidates)
	if err != nil {
		log.Warn().Err(err).Int("candidates", len(candidates)).Msg("rerank failed, keeping fused order")
		return r.fallback(candidates)
	}
	if !scoresAny(scores, candidates) {
		log.Warn().Int("candidates", len(candidates)).Msg("rerank scored no candidate, keeping fused order")
		return r.fallback(candidates)
	}

	out := make([]models.Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		s := scores[out[i].ChunkID]
		out[i].RerankScore = &s
	}
	sort.SliceStable(out, func(i, j int) bool {
		return *out[i].RerankScore > *out[j].RerankScore
	})
	return r.top(out)
}

// scoresAny reports whether scores names at least one candidate.
func scoresAny(scores map[string]float64, candidates []models.Candidate) bool {
	for _, c := range candidates {
		if _, ok := scores[c.ChunkID]; ok {
			return true
		}
	}
	return false
}

func (r *Reranker) fallback(candidates []models.Candidate) []models.Candidate {
	out := make([]models.Candidate, len(candidates))
	copy(out, candidates)
	return r.top(out)
}

func (r *Reranker) top(c []models.Candidate) []models.Candidate {
	if len(c) > r.opts.TopN {
		return c[:r.opts.TopN]
	}
	return c
}

type generateResult struct {
	text string
	err  error
}

// score runs the generator under the timeout. The generator runs in its own
// goroutine so a backend that ignores ctx cannot hold the caller past the deadline.
func (r *Reranker) score(ctx context.Context, query string, candidates []models.Candidate) (map[string]float64, error) {
	if r.gen == nil {
		return nil, errors.New("no generator configured")
	}
	ctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	prompt := buildPrompt(query, candidates, r.opts.SnippetChars)
	done := make(chan generateResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- generateResult{err: fmt.Errorf("generator panic: %v", p)}
			}
		}()
		text, err := r.gen.Generate(ctx, prompt)
		done <- generateResult{text: text, err: err}
	}()

	var res generateResult
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("rerank: %w", ctx.Err())
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("rerank: generate: %w", res.err)
	}
	return parseScores(res.text)
}

func buildPrompt(query string, candidates []models.Candidate, snippetChars int) string {
	var b strings.Builder
	b.WriteString("You rate how relevant passages from legal documents are to a question.\n")
	b.WriteString("Score every passage from 0 (irrelevant) to 10 (answers the question directly).\n")
	b.WriteString("Reply with only a JSON object mapping each passage id to its score, for example {\"id1\": 7, \"id2\": 0}.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\nPassages:\n", strings.TrimSpace(query))
	for _, c := range candidates {
		fmt.Fprintf(&b, "[%s] %s\n", c.ChunkID, snippet(c.Content, snippetChars))
	}
	return b.String()
}

// snippet truncates to n runes and flattens line breaks.
func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}

// parseScores reads the first JSON object in the model's reply. Values may be
// numbers or numeric strings and are clamped to [0,10]; others count as 0.
func parseScores(reply string) (map[string]float64, error) {
	obj, ok := firstJSONObject(reply)
	if !ok {
		return nil, errors.New("rerank: no JSON object in reply")
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, fmt.Errorf("rerank: decode scores: %w", err)
	}
	scores := make(map[string]float64, len(raw))
	for id, v := range raw {
		scores[id] = clamp(scoreValue(v))
	}
	return scores, nil
}

func scoreValue(v json.RawMessage) float64 {
	var f float64
	if err := json.Unmarshal(v, &f); err == nil {
		return f
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return 0
}

func clamp(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 10:
		return 10
	}
	return f
}

// firstJSONObject returns the first balanced {...} substring that is valid
// JSON. Braces inside string literals are ignored.
func firstJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > 0 {
			if cand := s[start : end+1]; json.Valid([]byte(cand)) {
				return cand, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}
