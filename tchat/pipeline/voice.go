// Package pipeline runs the voice-to-image flow: audio is transcribed, the
// transcript is rewritten into an image prompt, and the prompt is rendered.
// Every stage result is cached in the session under the audio's hash.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
	"github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/tools"
	"github.com/ZanzyTHEbar/toolchat/tchat/session"
)

// Artifact kinds.
const (
	KindTranscript = "transcript"
	KindPrompt     = "prompt"
	KindImage      = "image"
)

var kinds = []string{KindTranscript, KindPrompt, KindImage}

// Transcriber turns audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) ports.ToolResult
}

// Rewriter turns a spoken request into an image prompt.
type Rewriter interface {
	Rewrite(ctx context.Context, text string) ports.ToolResult
}

// Imager renders a prompt. Successful results carry a *tools.Media.
type Imager interface {
	Generate(ctx context.Context, prompt string) ports.ToolResult
}

// Metrics receives artifact cache lookups and stage latencies.
type Metrics interface {
	ObserveArtifact(kind string, hit bool)
	ObserveStage(stage string, elapsed time.Duration, err error)
}

// Result is the outcome of one pipeline run. On failure the stages that
// completed are still filled in.
type Result struct {
	InputHash  string
	Transcript string
	Prompt     string
	Image      []byte
	MIMEType   string
	Format     string
	Width      int
	Height     int
	Cached     bool // every stage came from the session cache
	Err        *ports.Error
	FailedAt   string
}

// Voice is the voice-to-image pipeline. It is shared by all sessions of
// the voice profile.
type Voice struct {
	transcriber Transcriber
	rewriter    Rewriter
	imager      Imager
	limiter     ports.RateLimiter
	metrics     Metrics
	logger      zerolog.Logger
}

// Dependencies wires a Voice pipeline. Limiter throttles upstream work per
// session; Metrics is optional.
type Dependencies struct {
	Transcriber Transcriber
	Rewriter    Rewriter
	Imager      Imager
	Limiter     ports.RateLimiter
	Metrics     Metrics
	Logger      zerolog.Logger
}

// NewVoice returns a pipeline.
func NewVoice(deps Dependencies) *Voice {
	if deps.Metrics == nil {
		deps.Metrics = noOpMetrics{}
	}
	return &Voice{
		transcriber: deps.Transcriber,
		rewriter:    deps.Rewriter,
		imager:      deps.Imager,
		limiter:     deps.Limiter,
		metrics:     deps.Metrics,
		logger:      deps.Logger.With().Str("component", "voice").Logger(),
	}
}

// Process runs audio through the pipeline for sess. Artifacts of earlier
// recordings are dropped; a stage whose artifact is cached for this audio
// is skipped. The throttle applies only when some stage must call out.
func (v *Voice) Process(ctx context.Context, sess *session.Store, audio []byte) (*Result, error) {
	return v.run(ctx, sess, audio, false)
}

// Regenerate reruns prompt rewriting and rendering for audio, keeping the
// cached transcript.
func (v *Voice) Regenerate(ctx context.Context, sess *session.Store, audio []byte) (*Result, error) {
	return v.run(ctx, sess, audio, true)
}

func (v *Voice) run(ctx context.Context, sess *session.Store, audio []byte, regenerate bool) (*Result, error) {
	if len(audio) == 0 {
		return nil, ports.NewError(ports.CodeSchemaMismatch, "audio is empty")
	}
	release, err := sess.BeginTurn()
	if err != nil {
		return nil, err
	}
	defer release()

	hash := session.HashInput(audio)
	res := &Result{InputHash: hash}
	for _, k := range kinds {
		if n := sess.InvalidateKind(ctx, k, hash); n > 0 {
			v.logger.Debug().Str("kind", k).Int("dropped", n).Msg("Dropped artifacts of previous audio")
		}
	}
	if regenerate {
		sess.DeleteArtifact(ctx, session.ArtifactKey(KindPrompt, hash))
		sess.DeleteArtifact(ctx, session.ArtifactKey(KindImage, hash))
	}

	r := &runState{v: v, sess: sess, hash: hash}

	transcript, perr := r.stage(ctx, KindTranscript, func(ctx context.Context) (session.Artifact, *ports.Error) {
		out := v.transcriber.Transcribe(ctx, audio)
		if out.Err != nil {
			return session.Artifact{}, out.Err
		}
		return session.Artifact{Text: out.Text}, nil
	})
	if perr != nil {
		return res.fail(KindTranscript, perr), nil
	}
	res.Transcript = transcript.Text

	prompt, perr := r.stage(ctx, KindPrompt, func(ctx context.Context) (session.Artifact, *ports.Error) {
		out := v.rewriter.Rewrite(ctx, transcript.Text)
		if out.Err != nil {
			return session.Artifact{}, out.Err
		}
		return session.Artifact{Text: out.Text}, nil
	})
	if perr != nil {
		return res.fail(KindPrompt, perr), nil
	}
	res.Prompt = prompt.Text

	image, perr := r.stage(ctx, KindImage, func(ctx context.Context) (session.Artifact, *ports.Error) {
		out := v.imager.Generate(ctx, prompt.Text)
		if out.Err != nil {
			return session.Artifact{}, out.Err
		}
		media, ok := out.Data.(*tools.Media)
		if !ok || media == nil {
			return session.Artifact{}, ports.NewError(ports.CodeNoDecodableMedia, "image generator returned no media")
		}
		return session.Artifact{
			Text:     out.Text,
			Data:     media.Data,
			MIMEType: media.MIMEType,
			Meta: map[string]string{
				"format":  media.Format,
				"width":   strconv.Itoa(media.Width),
				"height":  strconv.Itoa(media.Height),
				"decoder": media.Decoder,
			},
		}, nil
	})
	if perr != nil {
		return res.fail(KindImage, perr), nil
	}
	res.Image = image.Data
	res.MIMEType = image.MIMEType
	res.Format = image.Meta["format"]
	res.Width, _ = strconv.Atoi(image.Meta["width"])
	res.Height, _ = strconv.Atoi(image.Meta["height"])
	res.Cached = !r.called

	if r.called {
		if err := sess.Append(ctx, session.Turn{Role: session.RoleUser, Content: res.Transcript}); err != nil {
			return res, err
		}
		if err := sess.Append(ctx, session.Turn{Role: session.RoleAssistant, Content: res.Prompt}); err != nil {
			return res, err
		}
	}
	v.logger.Info().
		Str("session_id", sess.ID()).
		Str("input_hash", hash[:12]).
		Bool("cached", res.Cached).
		Msg("Voice pipeline completed")
	return res, nil
}

func (r *Result) fail(stage string, err *ports.Error) *Result {
	r.Err = err
	r.FailedAt = stage
	return r
}

// runState tracks one run: whether an upstream call was made, which is when
// the throttle is taken.
type runState struct {
	v      *Voice
	sess   *session.Store
	hash   string
	called bool
}

func (r *runState) stage(ctx context.Context, kind string, produce func(context.Context) (session.Artifact, *ports.Error)) (session.Artifact, *ports.Error) {
	key := session.ArtifactKey(kind, r.hash)
	if a, ok := r.sess.GetArtifact(ctx, key); ok {
		r.v.metrics.ObserveArtifact(kind, true)
		return a, nil
	}
	r.v.metrics.ObserveArtifact(kind, false)

	if !r.called && r.v.limiter != nil {
		if err := r.v.limiter.Wait(ctx, r.sess.ID()); err != nil {
			return session.Artifact{}, ports.AsError(err)
		}
	}
	r.called = true

	start := time.Now()
	a, perr := produce(ctx)
	var err error
	if perr != nil {
		err = perr
	}
	r.v.metrics.ObserveStage(kind, time.Since(start), err)
	if perr != nil {
		r.v.logger.Warn().Err(perr).Str("stage", kind).Msg("Voice pipeline stage failed")
		return session.Artifact{}, perr
	}
	a.Kind = kind
	a.InputHash = r.hash
	if err := r.sess.PutArtifact(ctx, key, a); err != nil {
		return session.Artifact{}, ports.WrapError(ports.CodeUpstreamRejected, err, fmt.Sprintf("could not cache %s", kind))
	}
	return a, nil
}

type noOpMetrics struct{}

func (noOpMetrics) ObserveArtifact(string, bool)                {}
func (noOpMetrics) ObserveStage(string, time.Duration, error) {}
