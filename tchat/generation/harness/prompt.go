package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

// PromptBuilder assembles model-ready inputs from system text, messages, and tools.
type PromptBuilder struct {
	// HistoryWindow caps how many past turns are sent; zero sends all.
	HistoryWindow int
}

func NewPromptBuilder(historyWindow int) *PromptBuilder {
	return &PromptBuilder{HistoryWindow: historyWindow}
}

func normalize(s string) string { return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n")) }

// Build copies system, messages and context into a Provider PromptInput,
// normalising newlines and surrounding whitespace.
func (b *PromptBuilder) Build(system string, messages []ports.PromptMessage, contextSnippets []string, toolSpecs []ports.ToolSpec, meta map[string]string) ports.PromptInput {
	msgs := make([]ports.PromptMessage, len(messages))
	for i, m := range messages {
		m.Content = normalize(m.Content)
		msgs[i] = m
	}
	var snippets []string
	if len(contextSnippets) > 0 {
		snippets = make([]string, len(contextSnippets))
		for i, s := range contextSnippets {
			snippets[i] = normalize(s)
		}
	}

	return ports.PromptInput{
		System:   normalize(system),
		Messages: msgs,
		Context:  snippets,
		Tools:    toolSpecs,
		Meta:     meta,
	}
}

// FromHistory converts transcript turns to prompt messages, keeping only
// the most recent HistoryWindow turns.
func (b *PromptBuilder) FromHistory(history []session.Turn) []ports.PromptMessage {
	if b.HistoryWindow > 0 && len(history) > b.HistoryWindow {
		history = history[len(history)-b.HistoryWindow:]
	}
	msgs := make([]ports.PromptMessage, 0, len(history)+1)
	for _, t := range history {
		msgs = append(msgs, ports.PromptMessage{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}
