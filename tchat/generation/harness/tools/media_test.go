package tools

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

type stubImageBackend struct {
	payloads []MediaPayload
	err      error
	prompts  []string
}

func (b *stubImageBackend) GenerateImage(ctx context.Context, prompt string) ([]MediaPayload, error) {
	b.prompts = append(b.prompts, prompt)
	return b.payloads, b.err
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// asLatin1Text carries every byte as one code point of a UTF-8 string.
func asLatin1Text(b []byte) []byte {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return []byte(sb.String())
}

func TestMediaGenerator_DecodeVariants(t *testing.T) {
	raw := testPNG(t)
	cases := []struct {
		name    string
		payload []byte
		decoder string
	}{
		{name: "raw bytes", payload: raw, decoder: "raw"},
		{name: "base64 text", payload: []byte(base64.StdEncoding.EncodeToString(raw)), decoder: "base64"},
		{name: "latin1 text", payload: asLatin1Text(raw), decoder: "latin1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			backend := &stubImageBackend{payloads: []MediaPayload{{MIMEType: "image/png", Data: tc.payload}}}
			gen := NewMediaGenerator(backend, zerolog.Nop())

			res := gen.Generate(context.Background(), "a red dot")
			require.True(t, res.IsOk(), "%v", res.Err)
			media := res.Data.(*Media)
			assert.Equal(t, raw, media.Data)
			assert.Equal(t, "png", media.Format)
			assert.Equal(t, "image/png", media.MIMEType)
			assert.Equal(t, 4, media.Width)
			assert.Equal(t, 3, media.Height)
			assert.Equal(t, tc.decoder, media.Decoder)
		})
	}
}

func TestMediaGenerator_InvalidBase64IsNoDecodableMedia(t *testing.T) {
	backend := &stubImageBackend{payloads: []MediaPayload{
		{MIMEType: "image/png", Data: []byte("iVBORw0KGgo!!not-base64@@")},
		{MIMEType: "text/plain", Data: []byte("I cannot draw that.")},
	}}
	gen := NewMediaGenerator(backend, zerolog.Nop())

	res := gen.Generate(context.Background(), "anything")
	require.NotNil(t, res.Err)
	assert.True(t, errors.Is(res.Err, ports.ErrNoDecodableMedia))
}

func TestMediaGenerator_SkipsBadPartsForLaterGoodOne(t *testing.T) {
	raw := testPNG(t)
	backend := &stubImageBackend{payloads: []MediaPayload{
		{Data: []byte("caption text")},
		{Data: raw},
	}}
	gen := NewMediaGenerator(backend, zerolog.Nop())

	res := gen.Invoke(context.Background(), json.RawMessage(`{"prompt":"a red dot"}`))
	require.True(t, res.IsOk(), "%v", res.Err)
	assert.Equal(t, []string{"a red dot"}, backend.prompts)
}

func TestMediaGenerator_BackendErrorsAndMissingBackend(t *testing.T) {
	gen := NewMediaGenerator(nil, zerolog.Nop())
	res := gen.Generate(context.Background(), "x")
	require.NotNil(t, res.Err)
	assert.Equal(t, ports.CodeMissingCredentials, res.Err.Code)

	gen = NewMediaGenerator(&stubImageBackend{err: context.DeadlineExceeded}, zerolog.Nop())
	res = gen.Generate(context.Background(), "x")
	require.NotNil(t, res.Err)
	assert.Equal(t, ports.CodeUpstreamTimeout, res.Err.Code)
}
