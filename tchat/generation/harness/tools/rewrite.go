package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// RewriteSchema is the argument schema of rewrite_image_prompt.
const RewriteSchema = `{
  "type": "object",
  "properties": {
    "text": {
      "type": "string",
      "minLength": 1,
      "description": "Short user request to turn into an image prompt"
    }
  },
  "required": ["text"]
}`

const (
	defaultBytezBaseURL = "https://api.bytez.com/models/v2"
	defaultRewriteModel = "openai/gpt-4o-mini"

	// ImagePromptInstruction steers the rewrite model.
	ImagePromptInstruction = "You convert short user requests into detailed prompts for image generation models. " +
		"Be specific about scene, subjects, composition, camera/perspective, lighting, colors, art style, and mood. " +
		"Output only the final English prompt, no explanations."
)

// PromptRewriter expands a short request into a detailed image prompt with
// a Bytez-hosted chat model.
type PromptRewriter struct {
	apiKey string
	model  string
	http   httpOptions
	logger zerolog.Logger
}

// NewPromptRewriter builds the rewriter. An empty model uses gpt-4o-mini.
func NewPromptRewriter(apiKey, model string, logger zerolog.Logger, opts ...Option) *PromptRewriter {
	if model == "" {
		model = defaultRewriteModel
	}
	return &PromptRewriter{
		apiKey: apiKey,
		model:  model,
		http:   applyOptions(defaultBytezBaseURL, opts),
		logger: logger.With().Str("tool", "rewrite_image_prompt").Str("model", model).Logger(),
	}
}

func (p *PromptRewriter) Name() string { return "rewrite_image_prompt" }

func (p *PromptRewriter) Description() string {
	return "Turn a short request into a detailed prompt for an image generation model."
}

func (p *PromptRewriter) Schema() []byte { return []byte(RewriteSchema) }

// Idempotent is true: a retry costs tokens but has no side effect.
func (p *PromptRewriter) Idempotent() bool { return true }

func (p *PromptRewriter) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in struct {
		Text string `json:"text"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	return p.Rewrite(ctx, in.Text)
}

type bytezMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Rewrite returns the image prompt for text as the result text.
func (p *PromptRewriter) Rewrite(ctx context.Context, text string) ports.ToolResult {
	if p.apiKey == "" {
		return ports.Fail(ports.NewError(ports.CodeMissingCredentials, "BYTEZ_API_KEY is required"))
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ports.Fail(ports.NewError(ports.CodeSchemaMismatch, "text is empty"))
	}

	payload := map[string]any{
		"messages": []bytezMessage{
			{Role: "system", Content: ImagePromptInstruction},
			{Role: "user", Content: "User request: " + text},
		},
		"stream": false,
	}
	req, err := newJSONRequest(ctx, http.MethodPost, p.http.baseURL+"/"+p.model, payload)
	if err != nil {
		return ports.Fail(err)
	}
	req.Header.Set("Authorization", "Key "+p.apiKey)

	var resp struct {
		Error  any             `json:"error"`
		Output json.RawMessage `json:"output"`
	}
	if perr := doJSON(p.http.httpClient, req, &resp); perr != nil {
		return ports.Fail(perr)
	}
	if resp.Error != nil && resp.Error != "" {
		return ports.Fail(ports.NewError(ports.CodeUpstreamRejected, "bytez: %v", resp.Error))
	}

	prompt, perr := normalizeOutput(resp.Output)
	if perr != nil {
		return ports.Fail(perr)
	}
	p.logger.Info().Str("prompt", prompt).Msg("Image prompt ready")
	return ports.Ok(prompt, nil)
}

// normalizeOutput accepts either a bare string or a {role, content} object.
func normalizeOutput(raw json.RawMessage) (string, *ports.Error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", ports.NewError(ports.CodeEmptyUpstreamOutput, "bytez returned no output")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nonEmpty(s)
	}

	var obj struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", ports.WrapError(ports.CodeUpstreamRejected, err, "unexpected bytez output")
	}
	if obj.Content == nil {
		return "", ports.NewError(ports.CodeEmptyUpstreamOutput, "bytez output has no content: %s", truncate(string(raw), maxErrorBody))
	}
	return nonEmpty(*obj.Content)
}

func nonEmpty(s string) (string, *ports.Error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ports.NewError(ports.CodeEmptyUpstreamOutput, "bytez returned an empty prompt")
	}
	return s, nil
}

var (
	_ ports.Tool       = (*PromptRewriter)(nil)
	_ ports.Idempotent = (*PromptRewriter)(nil)
)
