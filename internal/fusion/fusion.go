// Package fusion merges ranked result lists with Reciprocal Rank Fusion.
package fusion

import (
	"sort"

	"github.com/PBaumfalk/ai-lawyer/pkg/models"
)

// DefaultK dampens the advantage of a first place in either list.
const DefaultK = 60

// Fuse merges the lexical and vector rankings. Each list contributes
// 1/(k+rank) with 1-based rank; candidates found by both lists accumulate both
// contributions. Output is sorted by fused score, ties keep first-seen order
// with lexical entries ahead of vector-only ones. k <= 0 uses DefaultK.
func Fuse(lexical, vector []models.Candidate, k int) []models.Candidate {
	if k <= 0 {
		k = DefaultK
	}

	byID := make(map[string]*models.Candidate, len(lexical)+len(vector))
	order := make([]string, 0, len(lexical)+len(vector))

	add := func(list []models.Candidate, src models.RetrievalSource) {
		seen := make(map[string]bool, len(list))
		for i, c := range list {
			if seen[c.ChunkID] {
				continue
			}
			seen[c.ChunkID] = true
			contrib := 1.0 / float64(k+i+1)

			fused, ok := byID[c.ChunkID]
			if !ok {
				cp := c
				cp.Sources = nil
				cp.FusedScore = 0
				cp.RerankScore = nil
				byID[c.ChunkID] = &cp
				order = append(order, c.ChunkID)
				fused = &cp
			} else {
				mergePayload(fused, c)
			}
			fused.FusedScore += contrib
			fused.Sources = append(fused.Sources, src)
			switch src {
			case models.SourceLexical:
				fused.LexicalScore = c.LexicalScore
			case models.SourceVector:
				fused.Similarity = c.Similarity
			}
		}
	}
	add(lexical, models.SourceLexical)
	add(vector, models.SourceVector)

	out := make([]models.Candidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FusedScore > out[j].FusedScore
	})
	return out
}

// mergePayload fills fields dst is missing from src.
func mergePayload(dst *models.Candidate, src models.Candidate) {
	if dst.DocumentID == "" {
		dst.DocumentID = src.DocumentID
	}
	if dst.DocumentName == "" {
		dst.DocumentName = src.DocumentName
	}
	if dst.CaseID == "" {
		dst.CaseID = src.CaseID
	}
	if dst.CaseLabel == "" {
		dst.CaseLabel = src.CaseLabel
	}
	if dst.Content == "" {
		dst.Content = src.Content
	}
	if dst.ChunkKind == "" {
		dst.ChunkKind = src.ChunkKind
	}
	if dst.ParentChunkID == "" {
		dst.ParentChunkID = src.ParentChunkID
	}
}
