package gemini

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
)

// Interface compliance checks.
var (
	_ ports.Provider     = (*Client)(nil)
	_ tools.ImageBackend = (*Client)(nil)
)

// Client talks to the Gemini API for chat, images and embeddings.
type Client struct {
	client     *genai.Client
	chatModel  string
	imageModel string
	embedModel string
	timeout    time.Duration
	logger     zerolog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithChatModel sets the chat model ID.
func WithChatModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.chatModel = model
		}
	}
}

// WithImageModel sets the image model ID.
func WithImageModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.imageModel = model
		}
	}
}

// WithEmbeddingModel sets the embedding model ID.
func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.embedModel = model
		}
	}
}

// WithTimeout bounds every request. Zero leaves the caller's deadline alone.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// New creates a Client with the given API key.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if apiKey == "" {
		return nil, ports.NewError(ports.CodeMissingCredentials, "GOOGLE_API_KEY is required")
	}
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c := &Client{
		client:     gc,
		chatModel:  defaultChatModel,
		imageModel: defaultImageModel,
		embedModel: defaultEmbeddingModel,
		logger:     zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Complete sends one non-streaming chat request with the tool declarations.
func (c *Client) Complete(ctx context.Context, in ports.PromptInput, opts ports.Options) (ports.Completion, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()
	contents := ConvertMessages(in.Messages)
	resp, err := c.client.Models.GenerateContent(ctx, c.chatModel, contents, buildConfig(in, opts))
	if err != nil {
		return ports.Completion{}, fmt.Errorf("gemini: %w", err)
	}
	out := ParseResponse(resp)
	c.logger.Debug().
		Str("model", c.chatModel).
		Int("tool_calls", len(out.ToolCalls)).
		Int("text_len", len(out.Text)).
		Msg("Gemini completion")
	return out, nil
}

// GenerateImage asks the image model for a picture of prompt and returns the
// inline data parts undecoded.
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]tools.MediaPayload, error) {
	c.logger.Info().Str("model", c.imageModel).Str("prompt", prompt).Msg("Generating image")
	ctx, cancel := c.bound(ctx)
	defer cancel()
	resp, err := c.client.Models.GenerateContent(ctx, c.imageModel, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini image: %w", err)
	}
	return ExtractMedia(resp), nil
}

// Embed returns one vector per text. taskType is one of the Task constants.
func (c *Client) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	ctx, cancel := c.bound(ctx)
	defer cancel()
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}
	resp, err := c.client.Models.EmbedContent(ctx, c.embedModel, contents, &genai.EmbedContentConfig{TaskType: taskType})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}
