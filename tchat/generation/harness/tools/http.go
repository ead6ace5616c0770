package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// maxErrorBody bounds how much of an upstream error body is kept in a reason.
const maxErrorBody = 512

// Option configures the HTTP-backed adapters.
type Option func(*httpOptions)

type httpOptions struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
}

// WithBaseURL overrides the vendor endpoint, e.g. for an httptest server.
func WithBaseURL(u string) Option {
	return func(o *httpOptions) { o.baseURL = strings.TrimSuffix(u, "/") }
}

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *httpOptions) { o.httpClient = c }
}

// WithTimeout sets the client timeout when no client is supplied.
func WithTimeout(d time.Duration) Option {
	return func(o *httpOptions) { o.timeout = d }
}

func applyOptions(defaultBase string, opts []Option) httpOptions {
	o := httpOptions{baseURL: defaultBase, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: o.timeout}
	}
	return o
}

// doJSON sends req and decodes a 2xx JSON body into out. Transport faults
// keep their cause so the registry can tell them apart; non-2xx responses
// become UpstreamRejected carrying the body.
func doJSON(client *http.Client, req *http.Request, out any) *ports.Error {
	resp, err := client.Do(req)
	if err != nil {
		return transportError(req.Context(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(req.Context(), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ports.NewError(ports.CodeUpstreamRejected, "status %d: %s", resp.StatusCode, truncate(string(body), maxErrorBody))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return ports.WrapError(ports.CodeUpstreamRejected, err, "malformed response")
	}
	return nil
}

func transportError(ctx context.Context, err error) *ports.Error {
	if ctx.Err() != nil {
		return ports.WrapError(ports.CodeUpstreamTimeout, err, "")
	}
	return ports.AsError(err)
}

func newJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// decodeArgs unmarshals tool arguments into v.
func decodeArgs(args json.RawMessage, v any) *ports.Error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, v); err != nil {
		return ports.WrapError(ports.CodeSchemaMismatch, err, "invalid arguments")
	}
	return nil
}
