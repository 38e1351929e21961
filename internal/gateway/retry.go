package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"funding-arb-bot/internal/config"
)

// APIError is a non-2xx response from an exchange.
type APIError struct {
	Exchange   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error: http %d: %s", e.Exchange, e.StatusCode, e.Message)
}

// Transient reports whether an error is worth retrying within the same
// call: rate limits, server errors, and auth nonce skew. Anything else
// fails the cycle and waits for the next scheduled run.
func Transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 || apiErr.StatusCode >= 500 {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "nonce") || strings.Contains(msg, "expired")
	}
	return false
}

// Retryer wraps exchange calls in a small bounded retry loop.
type Retryer struct {
	attempts int
	min      time.Duration
	max      time.Duration
}

func NewRetryer(cfg config.RetryConfig) *Retryer {
	return &Retryer{attempts: cfg.Attempts, min: cfg.MinDelay, max: cfg.MaxDelay}
}

func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: r.min, Max: r.max, Factor: 2, Jitter: true}
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !Transient(err) || attempt == r.attempts-1 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}
