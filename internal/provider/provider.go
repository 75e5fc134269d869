// Package provider wraps external API clients with the shared failure
// policy: request pacing, per-call timeout, retry with backoff, and a
// circuit breaker per service.
package provider

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadflow/internal/resilience"
)

// Outcome classifies a guarded call for the orchestration layer, which
// decides between degraded results and hard failure.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeTransient covers retriable failures that exhausted their
	// attempts, plus circuit-open rejections.
	OutcomeTransient
	OutcomeNonTransient
)

// Config tunes one guarded service.
type Config struct {
	// CallTimeout bounds a single attempt. Default: 30s.
	CallTimeout time.Duration
	// PaceLimit caps outbound request rate to the service; zero disables
	// pacing.
	PaceLimit rate.Limit
	PaceBurst int

	Retry   resilience.RetryConfig
	Breaker resilience.CircuitBreakerConfig
}

// Caller guards all calls to a single external service.
type Caller struct {
	service string
	cfg     Config
	breaker *resilience.CircuitBreaker
	pacer   *rate.Limiter
}

// NewCaller builds a guarded caller for the named service.
func NewCaller(service string, cfg Config) *Caller {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = resilience.DefaultRetryConfig()
	}
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker = resilience.DefaultCircuitBreakerConfig()
	}
	if cfg.Breaker.OnStateChange == nil {
		cfg.Breaker.OnStateChange = logStateChange
	}

	var pacer *rate.Limiter
	if cfg.PaceLimit > 0 {
		burst := cfg.PaceBurst
		if burst <= 0 {
			burst = 1
		}
		pacer = rate.NewLimiter(cfg.PaceLimit, burst)
	}

	return &Caller{
		service: service,
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker(service, cfg.Breaker),
		pacer:   pacer,
	}
}

// Service returns the guarded service name.
func (c *Caller) Service() string { return c.service }

// BreakerState exposes the circuit state for status reporting.
func (c *Caller) BreakerState() resilience.CircuitState { return c.breaker.State() }

// Call runs fn under pacing, retry, and the circuit breaker. Each retry
// attempt passes through the breaker so consecutive transient failures
// accumulate; once the circuit opens remaining attempts fail fast.
func Call[T any](ctx context.Context, c *Caller, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return zero, err
		}
	}

	retryCfg := c.cfg.Retry
	retryCfg.ShouldRetry = func(err error) bool {
		// A breaker rejection will not clear within one backoff window.
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return false
		}
		return resilience.IsTransient(err)
	}
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(c.service, operation)
	}

	return resilience.DoVal(ctx, retryCfg, func(ctx context.Context) (T, error) {
		return resilience.ExecuteVal(ctx, c.breaker, func(ctx context.Context) (T, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancel()
			return fn(attemptCtx)
		})
	})
}

// Classify maps a finished call's error to an Outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, resilience.ErrCircuitOpen):
		return OutcomeTransient
	case resilience.IsTransient(err):
		return OutcomeTransient
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTransient
	default:
		return OutcomeNonTransient
	}
}

// WrapHTTPError converts a provider API error into the retry taxonomy
// based on its HTTP status. A 429 keeps the provider's retry-after hint.
func WrapHTTPError(err error, statusCode int, retryAfter time.Duration) error {
	if err == nil {
		return nil
	}
	if statusCode == 429 {
		return resilience.NewRateLimitedError(err, retryAfter)
	}
	if resilience.IsTransientHTTPStatus(statusCode) {
		return resilience.NewTransientError(err, statusCode)
	}
	return resilience.NewNonTransientError(err, statusCode)
}

func logStateChange(service string, from, to resilience.CircuitState) {
	zap.L().Warn("circuit breaker state change",
		zap.String("service", service),
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
}
