package service

import (
	"math"
)

// FuseAlpha combines lexical and vector results. Scores are min-max
// normalised per source, then fused as alpha*vector + (1-alpha)*lexical.
// A result found by only one source gets zero from the other.
func FuseAlpha(lexical, vector []SearchResult, alpha float64) []SearchResult {
	alpha = math.Max(0, math.Min(1, alpha))

	type parts struct {
		lex, vec   float64
		provenance string
	}
	byID := make(map[string]*parts)
	order := make([]string, 0, len(lexical)+len(vector))
	get := func(id string) *parts {
		p, ok := byID[id]
		if !ok {
			p = &parts{}
			byID[id] = p
			order = append(order, id)
		}
		return p
	}

	for _, r := range normalizeScores(lexical) {
		p := get(r.ID)
		p.lex = r.Score
		p.provenance = joinProvenance(p.provenance, "lexical")
	}
	for _, r := range normalizeScores(vector) {
		p := get(r.ID)
		p.vec = r.Score
		p.provenance = joinProvenance(p.provenance, "vector")
	}

	fused := make([]SearchResult, 0, len(order))
	for _, id := range order {
		p := byID[id]
		fused = append(fused, SearchResult{
			ID:         id,
			Score:      alpha*p.vec + (1-alpha)*p.lex,
			Provenance: p.provenance,
		})
	}
	sortResults(fused)
	return fused
}

// normalizeScores maps scores to [0,1]. A single score, or all equal
// scores, normalise to 1.
func normalizeScores(results []SearchResult) []SearchResult {
	if len(results) == 0 {
		return nil
	}
	minScore, maxScore := math.Inf(1), math.Inf(-1)
	for _, r := range results {
		minScore = math.Min(minScore, r.Score)
		maxScore = math.Max(maxScore, r.Score)
	}
	out := make([]SearchResult, len(results))
	for i, r := range results {
		out[i] = r
		if maxScore == minScore {
			out[i].Score = 1
			continue
		}
		out[i].Score = (r.Score - minScore) / (maxScore - minScore)
	}
	return out
}

func joinProvenance(have, add string) string {
	if have == "" {
		return add
	}
	return have + "," + add
}
