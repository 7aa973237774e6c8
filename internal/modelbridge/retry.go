package modelbridge

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// RetryPolicy bounds how often a failed engine call is attempted.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	// Retryable reports whether err is worth another attempt. Defaults to IsConnectionError.
	Retryable func(error) bool
}

// DefaultRetryPolicy retries a connection failure once after a short pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     500 * time.Millisecond,
		Retryable:   IsConnectionError,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// are exhausted or ctx is done. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsConnectionError
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || attempt == attempts || !retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// IsConnectionError reports whether err means the engine could not be
// reached. HTTP-level errors from a reachable engine and context expiry are not.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return false
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return !urlErr.Timeout()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return !netErr.Timeout()
	}
	return false
}
