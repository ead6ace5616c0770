package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// RetrievalSchema is the argument schema of search_knowledge_base.
const RetrievalSchema = `{
  "type": "object",
  "properties": {
    "query": {
      "type": "string",
      "minLength": 1,
      "description": "Question to look up in the manuals"
    }
  },
  "required": ["query"]
}`

// NoPageFound replaces the source list when an answer has no citations.
const NoPageFound = "No specific page found."

// KnowledgeBase answers questions from indexed documents.
type KnowledgeBase interface {
	Answer(ctx context.Context, question string) (answer string, citations []string, err error)
}

// KnowledgeAnswer is the structured result of a search. It carries the
// citations the orchestrator collects.
type KnowledgeAnswer struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}

// Citations returns the deduplicated sources in rank order.
func (a KnowledgeAnswer) Citations() []string { return a.Sources }

// RetrievalTool exposes the knowledge base to the model.
type RetrievalTool struct {
	kb     KnowledgeBase
	logger zerolog.Logger
}

// NewRetrievalTool builds the search_knowledge_base tool.
func NewRetrievalTool(kb KnowledgeBase, logger zerolog.Logger) *RetrievalTool {
	return &RetrievalTool{kb: kb, logger: logger.With().Str("tool", "search_knowledge_base").Logger()}
}

func (r *RetrievalTool) Name() string { return "search_knowledge_base" }

func (r *RetrievalTool) Description() string {
	return "Search the product manuals for technical information. Returns an answer with the manual pages it is based on."
}

func (r *RetrievalTool) Schema() []byte { return []byte(RetrievalSchema) }

func (r *RetrievalTool) Idempotent() bool { return true }

func (r *RetrievalTool) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	answer, citations, err := r.kb.Answer(ctx, in.Query)
	if err != nil {
		r.logger.Warn().Err(err).Str("query", in.Query).Msg("Knowledge base search failed")
		return ports.Fail(err)
	}

	ka := KnowledgeAnswer{Answer: strings.TrimSpace(answer), Sources: dedupe(citations)}
	return ports.Ok(FormatKnowledgeAnswer(ka), ka)
}

// FormatKnowledgeAnswer renders the answer and its source list as the text
// handed back to the model.
func FormatKnowledgeAnswer(a KnowledgeAnswer) string {
	var b strings.Builder
	b.WriteString("Answer based on manuals: ")
	b.WriteString(a.Answer)
	b.WriteString("\n\nSources:\n- ")
	if len(a.Sources) == 0 {
		b.WriteString(NoPageFound)
	} else {
		b.WriteString(strings.Join(a.Sources, "\n- "))
	}
	return b.String()
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

var (
	_ ports.Tool       = (*RetrievalTool)(nil)
	_ ports.Idempotent = (*RetrievalTool)(nil)
)
