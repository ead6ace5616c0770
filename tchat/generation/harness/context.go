package harness

import (
	"sort"
)

// Snippet is a retrievable chunk with a score and token estimate.
type Snippet struct {
	Text       string
	Score      float64 // higher is better
	TokenCount int
	Source     string // citation label
}

// Budget specifies maximum tokens allocated to context packing.
type Budget struct {
	MaxContextTokens int // hard cap for context snippets
	MaxSnippets      int // safety bound on number of chunks
}

// ContextAssembler selects and packs context snippets within a token budget.
type ContextAssembler struct {
	defaultBudget Budget
	// TokenEstimator should be a fast heuristic; no tokenizer is bound here.
	TokenEstimator func(s string) int
}

func NewContextAssembler(b Budget, est func(s string) int) *ContextAssembler {
	if est == nil {
		est = func(s string) int { // ~4 chars per token
			l := len(s)
			if l == 0 {
				return 0
			}
			return (l + 3) / 4
		}
	}
	return &ContextAssembler{defaultBudget: b, TokenEstimator: est}
}

// Pack sorts snippets by score desc and keeps as many as fit the budget.
// The returned snippets keep their Source so callers can cite them.
func (a *ContextAssembler) Pack(snippets []Snippet, b *Budget) []Snippet {
	if b == nil {
		b = &a.defaultBudget
	}
	if len(snippets) == 0 || b.MaxContextTokens <= 0 || b.MaxSnippets <= 0 {
		return nil
	}

	sorted := append([]Snippet(nil), snippets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Score > sorted[j].Score })

	remaining := b.MaxContextTokens
	packed := make([]Snippet, 0, min(len(sorted), b.MaxSnippets))
	for _, sn := range sorted {
		if len(packed) >= b.MaxSnippets {
			break
		}
		if sn.TokenCount <= 0 {
			sn.TokenCount = a.TokenEstimator(sn.Text)
		}
		if sn.TokenCount > remaining {
			continue
		}
		sn.Text = normalize(sn.Text)
		packed = append(packed, sn)
		remaining -= sn.TokenCount
		if remaining <= 0 {
			break
		}
	}
	return packed
}
