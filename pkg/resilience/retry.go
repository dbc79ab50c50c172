package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/outreachforge/orchestrator/internal/config"
)

// RetryableError wraps an error with an optional Retry-After hint, as
// reported at the tool boundary for HTTP 429 responses (spec §4.4).
type RetryableError struct {
	Err        error
	RetryAfter time.Duration // zero means "no explicit hint, use backoff"
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Policy is the exponential-backoff-with-full-jitter retry policy of spec
// §4.4: delay for attempt n is uniform random in
// [0, min(max_delay_ms, base_delay_ms * exponential_base^(n-1))], and an
// explicit Retry-After header is honored (capped at max_delay_ms) instead
// of the computed delay.
type Policy struct {
	cfg config.RetryConfig
}

// NewPolicy builds a retry Policy from the configured defaults, optionally
// overridden per-agent.
func NewPolicy(cfg config.RetryConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Delay returns the full-jitter delay for the given 1-indexed attempt,
// honoring an explicit Retry-After if the failure carried one.
func (p *Policy) Delay(attempt int, retryAfter time.Duration) time.Duration {
	maxDelay := p.cfg.MaxDelay()
	if retryAfter > 0 {
		if retryAfter > maxDelay {
			return maxDelay
		}
		return retryAfter
	}

	upper := float64(p.cfg.BaseDelay()) * pow(p.cfg.ExponentialBase, attempt-1)
	if upper > float64(maxDelay) {
		upper = float64(maxDelay)
	}
	if upper <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(upper) + 1))
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// MaxAttempts is the configured attempt ceiling before a task is considered
// exhausted and transitions to failed (spec §4.2 `retrying` state).
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// Run executes fn under backoff.Retry, using this Policy's full-jitter
// delay formula (not backoff/v5's own exponential curve) for the wait
// between attempts, and honoring a RetryableError's Retry-After hint. It
// is a convenience wrapper for callers (e.g. tool adapters invoked outside
// the Agent Runtime's own attempt/retrying state machine) that want the
// same policy without re-deriving delays by hand.
func (p *Policy) Run(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	bo := &jitterBackOff{policy: p}

	operation := func() (any, error) {
		bo.attempt++
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}

		bo.retryAfter = 0
		var rerr *RetryableError
		if asRetryable(err, &rerr) {
			bo.retryAfter = rerr.RetryAfter
			err = rerr.Err
		}

		if bo.attempt >= p.cfg.MaxAttempts {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	return backoff.Retry(ctx, operation,
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithBackOff(bo),
	)
}

// jitterBackOff adapts Policy.Delay to the backoff.BackOff interface so
// backoff.Retry's context-aware sleep/cancel loop can drive our own
// full-jitter formula instead of its default exponential curve.
type jitterBackOff struct {
	policy     *Policy
	attempt    int
	retryAfter time.Duration
}

func (b *jitterBackOff) NextBackOff() time.Duration {
	return b.policy.Delay(b.attempt, b.retryAfter)
}

func asRetryable(err error, target **RetryableError) bool {
	for err != nil {
		if r, ok := err.(*RetryableError); ok {
			*target = r
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
