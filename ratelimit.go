package confluence

import (
	"context"
	"iter"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitClient wraps a ModelClient with proactive rate limiting.
// Requests block until the budget allows them to proceed.
type rateLimitClient struct {
	inner ModelClient
	rpm   *rate.Limiter // one token per request
	tpm   *rate.Limiter // one token per model token, charged after the call
}

type rateLimitStreamingClient struct {
	*rateLimitClient
	stream StreamingModelClient
}

// RateLimitOption configures WithRateLimit.
type RateLimitOption func(*rateLimitClient)

// RPM sets the maximum requests per minute. Up to n requests may start at
// once; the budget then refills evenly over the minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitClient) {
		if n > 0 {
			r.rpm = rate.NewLimiter(rate.Limit(float64(n)/60), n)
		}
	}
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are charged from the response usage after each request.
// It is a soft limit: the request that exceeds the budget completes, and
// subsequent requests block until the budget refills.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitClient) {
		if n > 0 {
			r.tpm = rate.NewLimiter(rate.Limit(float64(n)/60), n)
		}
	}
}

// WithRateLimit wraps m with proactive rate limiting. Compose with other wrappers:
//
//	model = confluence.WithRateLimit(client, confluence.RPM(60))
//	model = confluence.WithRateLimit(confluence.WithRetry(client), confluence.RPM(60), confluence.TPM(100000))
func WithRateLimit(m ModelClient, opts ...RateLimitOption) ModelClient {
	r := &rateLimitClient{inner: m}
	for _, opt := range opts {
		opt(r)
	}
	if sm, ok := m.(StreamingModelClient); ok {
		return &rateLimitStreamingClient{rateLimitClient: r, stream: sm}
	}
	return r
}

func (r *rateLimitClient) Name() string { return r.inner.Name() }

func (r *rateLimitClient) Prompt(ctx context.Context, req PromptRequest) ([]AgentResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return nil, err
	}
	resps, err := r.inner.Prompt(ctx, req)
	for _, resp := range resps {
		r.recordUsage(resp.Usage)
	}
	return resps, err
}

func (r *rateLimitStreamingClient) PromptStream(ctx context.Context, req PromptRequest) iter.Seq2[ResponseUpdate, error] {
	return func(yield func(ResponseUpdate, error) bool) {
		if err := r.waitForBudget(ctx); err != nil {
			yield(ResponseUpdate{}, err)
			return
		}
		for u, err := range r.stream.PromptStream(ctx, req) {
			if u.Usage != nil {
				r.recordUsage(*u.Usage)
			}
			if !yield(u, err) || err != nil {
				return
			}
		}
	}
}

// waitForBudget blocks until both budgets allow a request, or ctx ends.
func (r *rateLimitClient) waitForBudget(ctx context.Context) error {
	if r.rpm != nil {
		if err := r.rpm.Wait(ctx); err != nil {
			return err
		}
	}
	if r.tpm != nil {
		// Admission only: the request itself is charged by recordUsage.
		if err := r.tpm.Wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recordUsage charges the token budget, clamped to one minute's worth so
// a single oversized response cannot block forever.
func (r *rateLimitClient) recordUsage(u Usage) {
	if r.tpm == nil {
		return
	}
	n := min(u.Total(), r.tpm.Burst())
	if n <= 0 {
		return
	}
	r.tpm.ReserveN(time.Now(), n)
}

var (
	_ ModelClient          = (*rateLimitClient)(nil)
	_ StreamingModelClient = (*rateLimitStreamingClient)(nil)
)
