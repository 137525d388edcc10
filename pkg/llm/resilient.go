package llm

import (
	"context"
	"strings"

	"golang.org/x/time/rate"

	"github.com/sells-group/submission-grader/internal/resilience"
)

// ResilientClient wraps a Client with the rate limiting, circuit breaking,
// and retry/backoff spec.md §7 requires of `retryable_transient` failures
// (LLM rate limits and upstream 5xx) — grounded on internal/fetcher.HTTPFetcher's
// rate.Limiter usage and internal/resilience's CircuitBreaker/Do, neither of
// which the bare sdkClient exercises on its own.
type ResilientClient struct {
	inner   Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewResilientClient wraps inner. limiter may be nil to skip rate limiting;
// breaker may be nil to skip circuit breaking.
func NewResilientClient(inner Client, limiter *rate.Limiter, breaker *resilience.CircuitBreaker, retry resilience.RetryConfig) *ResilientClient {
	return &ResilientClient{inner: inner, limiter: limiter, breaker: breaker, retry: retry}
}

func (c *ResilientClient) CreateMessage(ctx context.Context, req MessageRequest) (*MessageResponse, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*MessageResponse, error) {
		return callThroughBreaker(ctx, c.limiter, c.breaker, func(ctx context.Context) (*MessageResponse, error) {
			return c.inner.CreateMessage(ctx, req)
		})
	})
}

func (c *ResilientClient) CreateBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error) {
	return callThroughBreaker(ctx, c.limiter, c.breaker, func(ctx context.Context) (*BatchResponse, error) {
		return c.inner.CreateBatch(ctx, req)
	})
}

func (c *ResilientClient) GetBatch(ctx context.Context, batchID string) (*BatchResponse, error) {
	return resilience.DoVal(ctx, c.retry, func(ctx context.Context) (*BatchResponse, error) {
		return callThroughBreaker(ctx, c.limiter, c.breaker, func(ctx context.Context) (*BatchResponse, error) {
			return c.inner.GetBatch(ctx, batchID)
		})
	})
}

func (c *ResilientClient) GetBatchResults(ctx context.Context, batchID string) (BatchResultIterator, error) {
	return c.inner.GetBatchResults(ctx, batchID)
}

// callThroughBreaker applies rate limiting, transient-error classification,
// and circuit breaking around one call, generic over the response type so
// CreateMessage/CreateBatch/GetBatch share one implementation.
func callThroughBreaker[T any](ctx context.Context, limiter *rate.Limiter, breaker *resilience.CircuitBreaker, fn func(context.Context) (*T, error)) (*T, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	classified := func(ctx context.Context) (*T, error) {
		resp, err := fn(ctx)
		return resp, classifyErr(err)
	}
	if breaker == nil {
		return classified(ctx)
	}
	return resilience.ExecuteVal(ctx, breaker, classified)
}

// classifyErr marks an error transient when its message carries one of the
// status codes or phrases an Anthropic API error returns for rate limiting
// or upstream failure, so resilience.IsTransient (and therefore Do and the
// circuit breaker) recognize it without depending on the SDK's internal
// error type.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	for _, p := range []string{"429", "500", "502", "503", "504", "rate_limit_error", "overloaded_error", "api_error"} {
		if strings.Contains(msg, p) {
			return resilience.NewTransientError(err, 0)
		}
	}
	return err
}

var _ Client = (*ResilientClient)(nil)
