package harness

import (
	"context"
	"errors"
	"net"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// RetryConfig bounds adapter retries. Attempts counts the first call, so the
// single-retry policy is Attempts 2; values above 2 are clamped.
type RetryConfig struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryConfig is one retry after 200ms.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 2, Backoff: 200 * time.Millisecond}
}

// IsRetryable reports whether a failed result is a transient transport
// fault worth one more attempt.
func IsRetryable(res ports.ToolResult) bool {
	if res.Err == nil {
		return false
	}
	if res.Err.Code == ports.CodeUpstreamTimeout {
		return true
	}
	var netErr net.Error
	return res.Err.Code == ports.CodeUpstreamRejected && errors.As(res.Err.Err, &netErr)
}

// retryResult runs fn until it succeeds, fails with a non-retryable error,
// or the attempts run out.
func retryResult(ctx context.Context, cfg RetryConfig, fn func(attempt int) ports.ToolResult) ports.ToolResult {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 2 {
		attempts = 2
	}

	var res ports.ToolResult
	for attempt := 0; attempt < attempts; attempt++ {
		res = fn(attempt)
		if !IsRetryable(res) || attempt == attempts-1 {
			return res
		}

		timer := time.NewTimer(cfg.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ports.Fail(ctx.Err())
		case <-timer.C:
		}
	}
	return res
}
