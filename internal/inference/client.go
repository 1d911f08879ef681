// Package inference provides LLM provider clients for the identity pipeline.
// Two backends are supported: Google Gemini and any OpenAI-compatible
// endpoint. Both sit behind the Client interface and share one retry and
// error-classification policy.
package inference

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mauro3422/gitteach/internal/logging"
)

// =============================================================================
// CLIENT INTERFACE
// =============================================================================

// Request describes one completion call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int

	// JSONMode constrains the response to a JSON document.
	JSONMode bool
	// Schema optionally constrains the JSON shape (provider-native schema
	// object, plain JSON-schema style maps).
	Schema map[string]interface{}
}

// Client is the single contract every inference provider implements.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
	Model() string
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.StatusCode, e.Message)
}

// RateLimitError signals a 429 from a provider. Distinct from APIError so
// callers can back off globally instead of retrying one item.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limit exceeded (retry after %v)", e.RetryAfter)
	}
	return "rate limit exceeded (429)"
}

// IsRetryable reports whether an error warrants another attempt.
// Transient failures (timeouts, 5xx, rate limits) are retryable; client
// errors (4xx, malformed request) fail immediately.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// =============================================================================
// RETRY POLICY
// =============================================================================

// MaxAttempts is the bounded retry budget for transient failures.
const MaxAttempts = 3

// CompleteWithRetry calls the client with exponential backoff (1s, 2s, 4s)
// for transient failures only. Client errors surface immediately.
func CompleteWithRetry(ctx context.Context, client Client, req Request) (string, error) {
	var lastErr error

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			logging.APIDebug("retrying completion after %v (attempt %d/%d): %v",
				backoff, attempt+1, MaxAttempts, lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		result, err := client.Complete(ctx, req)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !IsRetryable(err) {
			return "", err
		}
	}

	return "", fmt.Errorf("all %d attempts failed, last error: %w", MaxAttempts, lastErr)
}
