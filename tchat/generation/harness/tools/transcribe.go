package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// TranscribeSchema is the argument schema of transcribe_audio.
const TranscribeSchema = `{
  "type": "object",
  "properties": {
    "audio_url": {
      "type": "string",
      "description": "Publicly reachable URL of the audio file"
    }
  },
  "required": ["audio_url"]
}`

const defaultAssemblyAIBaseURL = "https://api.assemblyai.com/v2"

// Transcript statuses reported by AssemblyAI.
const (
	statusQueued     = "queued"
	statusProcessing = "processing"
	statusCompleted  = "completed"
	statusError      = "error"
)

// Transcriber converts speech to text with AssemblyAI: upload, create a
// transcript, then poll it to a terminal status.
type Transcriber struct {
	apiKey       string
	http         httpOptions
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewTranscriber builds the transcriber. pollInterval <= 0 polls every 2s.
func NewTranscriber(apiKey string, pollInterval time.Duration, logger zerolog.Logger, opts ...Option) *Transcriber {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Transcriber{
		apiKey:       apiKey,
		http:         applyOptions(defaultAssemblyAIBaseURL, opts),
		pollInterval: pollInterval,
		logger:       logger.With().Str("tool", "transcribe_audio").Logger(),
	}
}

func (t *Transcriber) Name() string { return "transcribe_audio" }

func (t *Transcriber) Description() string {
	return "Transcribe speech in an audio file to text."
}

func (t *Transcriber) Schema() []byte { return []byte(TranscribeSchema) }

// Idempotent reports that transcription may be retried.
func (t *Transcriber) Idempotent() bool { return true }

// Invoke transcribes audio that is already reachable by URL.
func (t *Transcriber) Invoke(ctx context.Context, args json.RawMessage) ports.ToolResult {
	var in struct {
		AudioURL string `json:"audio_url"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return ports.Fail(err)
	}
	if t.apiKey == "" {
		return ports.Fail(ports.NewError(ports.CodeMissingCredentials, "ASSEMBLYAI_API_KEY is required"))
	}
	return t.transcribeURL(ctx, in.AudioURL)
}

// Transcribe uploads audio and returns its transcript as the result text.
func (t *Transcriber) Transcribe(ctx context.Context, audio []byte) ports.ToolResult {
	if t.apiKey == "" {
		return ports.Fail(ports.NewError(ports.CodeMissingCredentials, "ASSEMBLYAI_API_KEY is required"))
	}
	if len(audio) == 0 {
		return ports.Fail(ports.NewError(ports.CodeSchemaMismatch, "audio is empty"))
	}
	t.logger.Info().Int("bytes", len(audio)).Msg("Sending audio to AssemblyAI")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.http.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return ports.Fail(err)
	}
	req.Header.Set("Authorization", t.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var up struct {
		UploadURL string `json:"upload_url"`
	}
	if perr := doJSON(t.http.httpClient, req, &up); perr != nil {
		return ports.Fail(perr)
	}
	if up.UploadURL == "" {
		return ports.Fail(ports.NewError(ports.CodeUpstreamRejected, "upload returned no url"))
	}
	return t.transcribeURL(ctx, up.UploadURL)
}

type transcriptResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Text   string `json:"text"`
	Error  string `json:"error"`
}

func (t *Transcriber) transcribeURL(ctx context.Context, audioURL string) ports.ToolResult {
	req, err := newJSONRequest(ctx, http.MethodPost, t.http.baseURL+"/transcript", map[string]string{"audio_url": audioURL})
	if err != nil {
		return ports.Fail(err)
	}
	req.Header.Set("Authorization", t.apiKey)

	var tr transcriptResponse
	if perr := doJSON(t.http.httpClient, req, &tr); perr != nil {
		return ports.Fail(perr)
	}

	for tr.Status == statusQueued || tr.Status == statusProcessing {
		timer := time.NewTimer(t.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.Fail(ports.WrapError(ports.CodeUpstreamTimeout, ctx.Err(), "transcript "+tr.ID))
		case <-timer.C:
		}

		req, err := newJSONRequest(ctx, http.MethodGet, t.http.baseURL+"/transcript/"+url.PathEscape(tr.ID), nil)
		if err != nil {
			return ports.Fail(err)
		}
		req.Header.Set("Authorization", t.apiKey)
		if perr := doJSON(t.http.httpClient, req, &tr); perr != nil {
			return ports.Fail(perr)
		}
	}

	t.logger.Info().Str("transcript_id", tr.ID).Str("status", tr.Status).Msg("AssemblyAI transcription finished")
	if tr.Status != statusCompleted {
		reason := tr.Status
		if tr.Error != "" {
			reason += " (" + tr.Error + ")"
		}
		return ports.Fail(ports.NewError(ports.CodeTranscriptionFailed, "%s", reason))
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		return ports.Fail(ports.NewError(ports.CodeEmptyUpstreamOutput, "transcript is empty"))
	}
	return ports.Ok(text, nil)
}

var (
	_ ports.Tool       = (*Transcriber)(nil)
	_ ports.Idempotent = (*Transcriber)(nil)
)
