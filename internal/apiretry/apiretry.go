// Package apiretry wraps outbound LLM API calls with the retry, rate-limit,
// and circuit-breaking discipline the teacher's Nudger applies to HTTP
// nudge delivery: exponential backoff with a cap, doubling each attempt,
// bounded total attempts — generalized here to also respect a server's
// Retry-After header exactly rather than guessing a backoff.
package apiretry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"forge/internal/config"
	"forge/internal/metrics"
)

// ErrRateLimited is returned by a Call implementation to signal a 429 /
// rate-limit response; RetryAfter, if non-zero, is the server's requested
// exact wait.
type ErrRateLimited struct {
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string { return "rate limited" }

// ErrNonRetryable marks an error classification spec §4.8 says must never
// be retried: bad credentials, a malformed request, or a response body
// that can't be parsed. Retrying any of these just wastes attempts on an
// error that will not change.
type ErrNonRetryable struct {
	Kind    string // "Auth", "BadRequest", or "Parse"
	Message string
}

func (e *ErrNonRetryable) Error() string { return e.Kind + ": " + e.Message }

// Call is the operation Runner retries: one attempt at an LLM request.
type Call func(ctx context.Context) error

// Runner applies rate limiting, retry-with-backoff, and circuit breaking
// around a Call.
type Runner struct {
	cfg     *config.Config
	log     *slog.Logger
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

// New creates a Runner from cfg. RateLimitRPS of 0 disables client-side
// rate limiting.
func New(cfg *config.Config, log *slog.Logger) *Runner {
	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), 1)
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-api",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Runner{cfg: cfg, log: log, limiter: limiter, breaker: breaker}
}

// Do executes call with up to cfg.APIMaxRetries retries (cfg.APIMaxRetries+1
// total attempts). Rate-limit
// errors wait exactly RetryAfter (or the configured default) before
// retrying; other transient errors use exponential backoff starting at
// APITransientBaseDelay, doubling each attempt and capped at
// APITransientCapDelay, with jitter to avoid a thundering herd across
// workers.
func (r *Runner) Do(ctx context.Context, opName string, call Call) error {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}

	// cfg.APIMaxRetries counts retries, not attempts: MAX_RETRIES=3 means up
	// to 4 total attempts.
	attempts := r.cfg.APIMaxRetries + 1
	if attempts <= 1 {
		attempts = 1
	}

	var lastErr error
	delay := r.cfg.APITransientBaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, call(ctx)
		})
		if err == nil {
			if attempt > 0 {
				r.log.Info("api call succeeded after retry", "op", opName, "attempt", attempt+1)
			}
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: circuit breaker open: %w", opName, err)
		}

		var nonRetryable *ErrNonRetryable
		if errors.As(err, &nonRetryable) {
			return fmt.Errorf("%s: %w", opName, err)
		}

		wait := delay
		var rl *ErrRateLimited
		if errors.As(err, &rl) {
			wait = rl.RetryAfter
			if wait <= 0 {
				wait = time.Duration(r.cfg.APIDefaultWaitSecs) * time.Second
			}
		} else {
			delay *= 2
			if delay > r.cfg.APITransientCapDelay {
				delay = r.cfg.APITransientCapDelay
			}
			wait += time.Duration(rand.Int63n(int64(wait/4 + 1)))
		}

		if attempt == attempts-1 {
			break
		}

		metrics.APIRetriesTotal.Inc()
		r.log.Warn("api call failed, retrying", "op", opName, "attempt", attempt+1, "wait", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return fmt.Errorf("%s: context cancelled during retry: %w", opName, ctx.Err())
		}
	}
	return fmt.Errorf("%s: failed after %d attempts: %w", opName, attempts, lastErr)
}

// ParseRetryAfter parses the Retry-After header value, supporting both the
// integer-seconds form and the RFC 2822 HTTP-date form.
func ParseRetryAfter(header string) (time.Duration, bool) {
	if header == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	t, err := http.ParseTime(header)
	if err != nil {
		// http.ParseTime only accepts a literal "GMT" zone; also accept the
		// RFC 1123/2822 forms with a numeric or named zone.
		for _, layout := range []string{time.RFC1123Z, time.RFC1123} {
			if t, err = time.Parse(layout, header); err == nil {
				break
			}
		}
	}
	if err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
