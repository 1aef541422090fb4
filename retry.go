package confluence

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// retryClient wraps a ModelClient and retries transient HTTP errors
// (429 Too Many Requests and 503 Service Unavailable) with exponential backoff.
type retryClient struct {
	inner       ModelClient
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger
}

// retryStreamingClient adds streaming retry for inners that stream.
type retryStreamingClient struct {
	*retryClient
	stream StreamingModelClient
}

// RetryOption configures WithRetry.
type RetryOption func(*retryClient)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryClient) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt (default: 1s).
// Each subsequent delay doubles: baseDelay, 2×baseDelay, 4×baseDelay, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryClient) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value disables it.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryClient) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log at
// WARN, exhausted attempts at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryClient) { r.logger = l }
}

// WithRetry wraps m with automatic retry on transient HTTP errors (429, 503).
// Retries use exponential backoff with jitter; a Retry-After value on the
// error sets the minimum delay. When m streams, the result streams too and
// a stream is retried only if it failed before its first update.
//
//	model = confluence.WithRetry(openaicompat.NewProvider(key, model, baseURL))
//	model = confluence.WithRetry(model, confluence.RetryMaxAttempts(5))
func WithRetry(m ModelClient, opts ...RetryOption) ModelClient {
	r := &retryClient{
		inner:       m,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	if r.maxAttempts < 1 {
		r.maxAttempts = 1
	}
	if sm, ok := m.(StreamingModelClient); ok {
		return &retryStreamingClient{retryClient: r, stream: sm}
	}
	return r
}

func (r *retryClient) Name() string { return r.inner.Name() }

func (r *retryClient) Prompt(ctx context.Context, req PromptRequest) ([]AgentResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	var last error
	for i := range r.maxAttempts {
		resps, err := r.inner.Prompt(ctx, req)
		if err == nil || !isTransient(err) {
			return resps, err
		}
		last = err
		if err := r.backoff(ctx, i, err); err != nil {
			return nil, err
		}
	}
	r.logger.Error("all retry attempts exhausted",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", last)
	return nil, last
}

func (r *retryStreamingClient) PromptStream(ctx context.Context, req PromptRequest) iter.Seq2[ResponseUpdate, error] {
	return func(yield func(ResponseUpdate, error) bool) {
		ctx, cancel := r.withTimeout(ctx)
		defer cancel()

		var last error
		for i := range r.maxAttempts {
			var (
				sent      bool
				streamErr error
			)
			for u, err := range r.stream.PromptStream(ctx, req) {
				if err != nil {
					streamErr = err
					break
				}
				sent = true
				if !yield(u, nil) {
					return
				}
			}
			if streamErr == nil {
				return
			}
			if sent || !isTransient(streamErr) {
				yield(ResponseUpdate{}, streamErr)
				return
			}
			last = streamErr
			if err := r.backoff(ctx, i, streamErr); err != nil {
				yield(ResponseUpdate{}, err)
				return
			}
		}
		r.logger.Error("all retry attempts exhausted (stream)",
			"provider", r.inner.Name(),
			"attempts", r.maxAttempts,
			"error", last)
		yield(ResponseUpdate{}, last)
	}
}

// backoff logs attempt i's transient failure and sleeps before the next
// attempt. It returns ctx.Err() if ctx ends first. No sleep follows the
// last attempt.
func (r *retryClient) backoff(ctx context.Context, i int, err error) error {
	r.logger.Warn("retrying transient error",
		"provider", r.inner.Name(),
		"status", statusOf(err),
		"attempt", i+1,
		"max_attempts", r.maxAttempts)
	if i >= r.maxAttempts-1 {
		return nil
	}
	timer := time.NewTimer(retryDelay(r.baseDelay, i, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withTimeout returns a child context with a deadline if r.timeout is set
// and ctx has no earlier deadline.
func (r *retryClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// isTransient reports whether err is a retryable HTTP error (429 or 503).
func isTransient(err error) bool {
	var e *ErrHTTP
	return errors.As(err, &e) && (e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable)
}

// statusOf extracts the HTTP status code from an ErrHTTP, or 0.
func statusOf(err error) int {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// retryDelay is max(backoff, Retry-After) for retry attempt i.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	var e *ErrHTTP
	if errors.As(err, &e) && e.RetryAfter > backoff {
		return e.RetryAfter
	}
	return backoff
}

// retryBackoff returns base * 2^i plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	return exp + time.Duration(rand.Int64N(int64(exp)/2+1))
}

var (
	_ ModelClient          = (*retryClient)(nil)
	_ StreamingModelClient = (*retryStreamingClient)(nil)
)
