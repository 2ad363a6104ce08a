// Package retry wraps HTTP request primitives in a bounded exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/conduit/internal/errdefs"
)

// Defaults for Policy.
const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

var retryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "conduit_retry_attempts_total",
		Help: "Total number of retried remote requests.",
	},
	[]string{"op"},
)

func init() {
	prometheus.MustRegister(retryAttemptsTotal)
}

// RequestFunc performs one attempt of a request. The policy owns the returned
// response body on failure.
type RequestFunc func(ctx context.Context) (*http.Response, error)

// Policy retries transient failures: a transport error or a non-2xx status.
// The delay before retry n (1-based) is BaseDelay << n, so with the defaults
// the waits are 2s, 4s and 8s.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Logger     *slog.Logger

	// OnRetry, if set, is called before each wait.
	OnRetry func(op string, attempt int, delay time.Duration, cause error)
}

// New returns a policy with the given bounds. Zero values select the
// defaults; a negative maxRetries disables retries.
func New(maxRetries int, baseDelay time.Duration, logger *slog.Logger) *Policy {
	if maxRetries == 0 {
		maxRetries = DefaultMaxRetries
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBaseDelay
	}
	return &Policy{MaxRetries: maxRetries, BaseDelay: baseDelay, Logger: logger}
}

// Delay returns the wait before retry n.
func (p *Policy) Delay(n int) time.Duration {
	return p.BaseDelay << n
}

// statusError records a non-success response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d", e.code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.code, e.body)
}

// Do runs fn until it returns a 2xx response or the retries are exhausted.
// On success the caller owns the response body. After the final failure Do
// returns a *errdefs.TransportError. Cancellation of ctx stops the loop
// promptly and is reported through the same error type.
func (p *Policy) Do(ctx context.Context, op string, fn RequestFunc) (*http.Response, error) {
	var (
		lastErr    error
		lastStatus int
		attempts   int
	)

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := p.Delay(attempt)
			p.notify(op, attempt, delay, lastErr)

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return nil, &errdefs.TransportError{Op: op, Attempts: attempts, StatusCode: lastStatus, Err: ctx.Err()}
			}
		}

		attempts++
		resp, err := fn(ctx)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, &errdefs.TransportError{Op: op, Attempts: attempts, StatusCode: lastStatus, Err: errors.Join(ctx.Err(), err)}
			}
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		lastStatus = resp.StatusCode
		lastErr = &statusError{code: resp.StatusCode, body: drain(resp)}
	}

	return nil, &errdefs.TransportError{Op: op, Attempts: attempts, StatusCode: lastStatus, Err: lastErr}
}

func (p *Policy) notify(op string, attempt int, delay time.Duration, cause error) {
	retryAttemptsTotal.WithLabelValues(op).Inc()
	if p.Logger != nil {
		p.Logger.Warn("retrying remote request",
			"op", op,
			"attempt", attempt,
			"max_retries", p.MaxRetries,
			"delay_ms", delay.Milliseconds(),
			"error", cause,
		)
	}
	if p.OnRetry != nil {
		p.OnRetry(op, attempt, delay, cause)
	}
}

// drain reads a short prefix of the body for diagnostics, discards the rest,
// and closes it so the connection can be reused.
func drain(resp *http.Response) string {
	defer resp.Body.Close()
	head, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	_, _ = io.Copy(io.Discard, resp.Body)
	return string(head)
}
