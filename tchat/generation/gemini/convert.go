package gemini

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
)

// ConvertMessages converts prompt messages to genai Contents. Consecutive
// tool responses are merged into one user content, as Gemini expects all
// responses of a round together.
func ConvertMessages(msgs []ports.PromptMessage) []*genai.Content {
	var result []*genai.Content
	for _, m := range msgs {
		switch m.Role {
		case ports.RoleUser:
			result = append(result, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: m.Content}},
			})
		case ports.RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, &genai.Part{Text: m.Content})
			}
			for _, c := range m.ToolCalls {
				// Args is json.RawMessage from the model; empty means no args.
				var args map[string]any
				_ = json.Unmarshal(c.Args, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: c.ID, Name: c.Name, Args: args},
				})
			}
			if len(parts) == 0 {
				continue
			}
			result = append(result, &genai.Content{Role: "model", Parts: parts})
		case ports.RoleTool:
			responseMap := map[string]any{"output": m.Content}
			if m.IsError {
				responseMap = map[string]any{"error": m.Content}
			}
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: responseMap,
			}}
			if n := len(result); n > 0 && isFunctionResponses(result[n-1]) {
				result[n-1].Parts = append(result[n-1].Parts, part)
				continue
			}
			result = append(result, &genai.Content{Role: "user", Parts: []*genai.Part{part}})
		}
	}
	return result
}

func isFunctionResponses(c *genai.Content) bool {
	if c.Role != "user" || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

// ConvertTools converts tool specs to genai Tools.
func ConvertTools(specs []ports.ToolSpec) []*genai.Tool {
	if len(specs) == 0 {
		return nil
	}
	decls := make([]*genai.FunctionDeclaration, len(specs))
	for i, s := range specs {
		// Schemas compiled at registration, so they are valid JSON.
		var schema map[string]any
		_ = json.Unmarshal(s.JSONSchema, &schema)
		decls[i] = &genai.FunctionDeclaration{
			Name:                 s.Name,
			Description:          s.Description,
			ParametersJsonSchema: schema,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// SystemInstruction joins the system prompt and any retrieved context.
func SystemInstruction(in ports.PromptInput) *genai.Content {
	var b strings.Builder
	b.WriteString(in.System)
	if len(in.Context) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("Context:\n")
		for _, s := range in.Context {
			b.WriteString("- ")
			b.WriteString(s)
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		return nil
	}
	return &genai.Content{Parts: []*genai.Part{{Text: strings.TrimSpace(b.String())}}}
}

func buildConfig(in ports.PromptInput, opts ports.Options) *genai.GenerateContentConfig {
	maxTokens := opts.MaxNewTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens:   int32(maxTokens),
		Tools:             ConvertTools(in.Tools),
		SystemInstruction: SystemInstruction(in),
	}
	if opts.Temperature > 0 {
		temp := opts.Temperature
		config.Temperature = &temp
	}
	if opts.TopP > 0 {
		topP := opts.TopP
		config.TopP = &topP
	}
	if opts.Seed != 0 {
		seed := int32(opts.Seed)
		config.Seed = &seed
	}
	return config
}

// ParseResponse extracts text, tool calls and usage from the first candidate.
// Calls without an ID get one so responses can be correlated.
func ParseResponse(resp *genai.GenerateContentResponse) ports.Completion {
	out := ports.Completion{Raw: resp}
	if resp == nil {
		return out
	}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		var text strings.Builder
		for _, p := range resp.Candidates[0].Content.Parts {
			switch {
			case p.FunctionCall != nil:
				args, err := json.Marshal(p.FunctionCall.Args)
				if err != nil || p.FunctionCall.Args == nil {
					args = json.RawMessage(`{}`)
				}
				id := p.FunctionCall.ID
				if id == "" {
					id = uuid.NewString()
				}
				out.ToolCalls = append(out.ToolCalls, ports.ToolCall{ID: id, Name: p.FunctionCall.Name, Args: args})
			case p.Text != "" && !p.Thought:
				text.WriteString(p.Text)
			}
		}
		out.Text = text.String()
	}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &ports.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return out
}

// ExtractMedia returns every inline data part of the response, across all
// candidates, in order.
func ExtractMedia(resp *genai.GenerateContentResponse) []tools.MediaPayload {
	if resp == nil {
		return nil
	}
	var out []tools.MediaPayload
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				out = append(out, tools.MediaPayload{MIMEType: p.InlineData.MIMEType, Data: p.InlineData.Data})
			}
		}
	}
	return out
}
