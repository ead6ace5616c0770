package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/rwcarlsen/goexif/exif"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// MediaSchema is the argument schema of generate_image.
const MediaSchema = `{
  "type": "object",
  "properties": {
    "prompt": {
      "type": "string",
      "minLength": 1,
      "description": "Detailed description of the image to generate"
    }
  },
  "required": ["prompt"]
}`

// MediaPayload is one candidate part returned by an image model.
type MediaPayload struct {
	MIMEType string
	Data     []byte
}

// ImageBackend produces candidate payloads for a prompt.
type ImageBackend interface {
	GenerateImage(ctx context.Context, prompt string) ([]MediaPayload, error)
}

// Decoder turns a payload into candidate image bytes.
type Decoder struct {
	Name   string
	Decode func(data []byte) ([]byte, bool)
}

// DefaultDecoders is tried in order; the first output that parses as an
// image wins.
var DefaultDecoders = []Decoder{
	{Name: "raw", Decode: decodeRaw},
	{Name: "base64", Decode: decodeBase64},
	{Name: "latin1", Decode: decodeLatin1},
}

// Media is a decoded image.
type Media struct {
	Data     []byte            `json:"-"`
	MIMEType string            `json:"mime_type"`
	Format   string            `json:"format"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Decoder  string            `json:"decoder"`
	Tags     map[string]string `json:"tags,omitempty"`
}

// MediaGenerator renders prompts to images.
type MediaGenerator struct {
	backend  ImageBackend
	decoders []Decoder
	logger   zerolog.Logger
}

// NewMediaGenerator builds the generate_image tool. A nil backend reports
// missing credentials.
func NewMediaGenerator(backend ImageBackend, logger zerolog.Logger) *MediaGenerator {
	return &MediaGenerator{
		backend:  backend,
		decoders: DefaultDecoders,
		logger:   logger.With().Str("tool", "generate_image").Logger(),
	}
}

func (m *MediaGenerator) Name() string { return "generate_image" }

func (m *MediaGenerator) Description() string {
	return "Generate an image from a detailed prompt."
}

func (m *MediaGenerator) Schema() []byte { return []byte(MediaSchema) }

// Idempotent is true: generation has no side effect besides cost.
func (m *MediaGenerator) Idempotent() bool { return true }

func (m *MediaGenerator) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	return m.Generate(ctx, in.Prompt)
}

// Generate calls the backend and decodes the first usable payload. The
// result data is a Media.
func (m *MediaGenerator) Generate(ctx context.Context, prompt string) ports.ToolResult {
	if m.backend == nil {
		return ports.Fail(ports.NewError(ports.CodeMissingCredentials, "GOOGLE_API_KEY is required"))
	}
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ports.Fail(ports.NewError(ports.CodeSchemaMismatch, "prompt is empty"))
	}

	payloads, err := m.backend.GenerateImage(ctx, prompt)
	if err != nil {
		return ports.Fail(err)
	}
	media, perr := m.Decode(payloads)
	if perr != nil {
		m.logger.Error().Int("parts", len(payloads)).Msg("Could not decode any payload as an image")
		return ports.Fail(perr)
	}
	m.logger.Info().
		Str("format", media.Format).
		Str("decoder", media.Decoder).
		Int("width", media.Width).
		Int("height", media.Height).
		Msg("Image generation completed")
	return ports.Ok(fmt.Sprintf("Generated %s image (%dx%d).", media.Format, media.Width, media.Height), media)
}

// Decode applies the decoder chain to each payload in order.
func (m *MediaGenerator) Decode(payloads []MediaPayload) (*Media, *ports.Error) {
	for i, p := range payloads {
		if len(p.Data) == 0 {
			continue
		}
		for _, dec := range m.decoders {
			b, ok := dec.Decode(p.Data)
			if !ok || len(b) == 0 {
				continue
			}
			cfg, format, err := image.DecodeConfig(bytes.NewReader(b))
			if err != nil {
				m.logger.Debug().Int("part", i).Str("decoder", dec.Name).Err(err).Msg("Payload is not an image")
				continue
			}
			return &Media{
				Data:     b,
				MIMEType: "image/" + format,
				Format:   format,
				Width:    cfg.Width,
				Height:   cfg.Height,
				Decoder:  dec.Name,
				Tags:     exifTags(b),
			}, nil
		}
	}
	return nil, ports.NewError(ports.CodeNoDecodableMedia, "%d payloads, none decodable", len(payloads))
}

func decodeRaw(data []byte) ([]byte, bool) { return data, true }

func decodeBase64(data []byte) ([]byte, bool) {
	s := strings.TrimSpace(string(data))
	b, err := base64.StdEncoding.Strict().DecodeString(s)
	if err != nil {
		return nil, false
	}
	return b, true
}

// decodeLatin1 recovers bytes that were carried as a text string with one
// code point per byte.
func decodeLatin1(data []byte) ([]byte, bool) {
	if !utf8.Valid(data) {
		return nil, false
	}
	out := make([]byte, 0, len(data))
	for _, r := range string(data) {
		if r > 0xFF {
			return nil, false
		}
		out = append(out, byte(r))
	}
	return out, true
}

var exifFields = map[string]exif.FieldName{
	"make":     exif.Make,
	"model":    exif.Model,
	"software": exif.Software,
}

// exifTags reads camera and software tags. Images without EXIF return nil.
func exifTags(b []byte) map[string]string {
	x, err := exif.Decode(bytes.NewReader(b))
	if err != nil {
		return nil
	}
	tags := make(map[string]string)
	for key, field := range exifFields {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		if v, err := tag.StringVal(); err == nil && strings.TrimSpace(v) != "" {
			tags[key] = strings.TrimSpace(v)
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return tags
}

var (
	_ ports.Tool       = (*MediaGenerator)(nil)
	_ ports.Idempotent = (*MediaGenerator)(nil)
)
