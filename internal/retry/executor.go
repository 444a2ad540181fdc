package retry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/embedchat/widgetcore/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Policy configures a resilient HTTP call. It is a value object; callers
// keep one per endpoint class and pass it on every Do.
type Policy struct {
	MaxRetries           int
	InitialDelay         time.Duration
	MaxDelay             time.Duration
	BackoffFactor        float64
	RetryableStatusCodes []int
	Timeout              time.Duration
}

// DefaultPolicy returns the policy used for chat and config calls
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:           3,
		InitialDelay:         500 * time.Millisecond,
		MaxDelay:             8 * time.Second,
		BackoffFactor:        2.0,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
		Timeout:              30 * time.Second,
	}
}

func (p Policy) retryable(status int) bool {
	for _, code := range p.RetryableStatusCodes {
		if code == status {
			return true
		}
	}
	return false
}

// RequestBuilder produces a fresh request for one attempt. Requests with
// bodies cannot be replayed, so the executor rebuilds them per attempt.
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// Executor performs HTTP calls with per-attempt timeouts, exponential
// backoff, and Retry-After honoring.
type Executor struct {
	client *http.Client
	logger zerolog.Logger

	// sleep is swapped in tests to keep backoff assertions fast
	sleep func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an executor around the given client. A nil client
// uses http.DefaultClient; per-attempt deadlines come from the policy, not
// the client.
func NewExecutor(client *http.Client) *Executor {
	if client == nil {
		client = http.DefaultClient
	}
	return &Executor{
		client: client,
		logger: log.With().Str("component", "retry").Logger(),
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes the request under the policy. The final response is returned
// verbatim, including a retryable status once attempts are exhausted;
// non-retryable statuses return immediately. Transport failures surface as
// the last error once retries run out. The response body is fully buffered,
// so callers may read it after Do returns.
func (e *Executor) Do(ctx context.Context, policy Policy, build RequestBuilder) (*http.Response, error) {
	delay := policy.InitialDelay
	attempts := policy.MaxRetries + 1

	var lastErr error
	var lastResp *http.Response

	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := e.attempt(ctx, policy, build)
		if err == nil && !policy.retryable(resp.StatusCode) {
			return resp, nil
		}

		lastErr = err
		lastResp = resp

		if attempt == attempts-1 {
			break
		}

		wait := delay
		if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			if ra, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok && ra > wait {
				wait = ra
			}
		}

		if err != nil {
			e.logger.Debug().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("Attempt failed, retrying")
		} else {
			e.logger.Debug().Int("status", resp.StatusCode).Int("attempt", attempt+1).Dur("wait", wait).Msg("Retryable status, retrying")
		}

		if err := e.sleep(ctx, wait); err != nil {
			return nil, err
		}

		delay = time.Duration(float64(delay) * policy.BackoffFactor)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("retries exhausted: %w", lastErr)
	}
	e.logger.Warn().Int("status", lastResp.StatusCode).Int("attempts", attempts).Msg("Retries exhausted, surfacing last response")
	return lastResp, nil
}

// attempt runs one request under its own deadline and buffers the body so
// the response stays readable after the attempt context is released.
func (e *Executor) attempt(ctx context.Context, policy Policy, build RequestBuilder) (*http.Response, error) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if policy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
	}
	defer cancel()

	req, err := build(attemptCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w after %s", domain.ErrAttemptTimeout, policy.Timeout)
		}
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w reading response", domain.ErrAttemptTimeout)
		}
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date
func parseRetryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait, true
		}
	}
	return 0, false
}
