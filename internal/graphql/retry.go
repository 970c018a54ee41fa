package graphql

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// RetryConfig configures retry behavior for transient errors.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // 0.0 to 1.0
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		JitterFraction: 0.25,
	}
}

// Backoff computes the delay before the given attempt (0-based) with jitter.
func (c *RetryConfig) Backoff(attempt int) time.Duration {
	base := float64(c.InitialBackoff) * math.Pow(2, float64(attempt))
	if base > float64(c.MaxBackoff) {
		base = float64(c.MaxBackoff)
	}
	jitter := base * c.JitterFraction * (rand.Float64()*2 - 1) // +/- jitter
	d := time.Duration(base + jitter)
	if d < 0 {
		d = 0
	}
	return d
}

// RetryClient wraps a Client with automatic retry on transient errors.
type RetryClient struct {
	inner  Client
	config *RetryConfig
}

// NewRetryClient creates a RetryClient that wraps the given Client.
func NewRetryClient(inner Client, cfg *RetryConfig) *RetryClient {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryClient{inner: inner, config: cfg}
}

// IsTransient returns true for errors that are worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Status >= 500 || he.Status == http.StatusTooManyRequests
	}
	var re ResponseErrors
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true // network errors are transient
}

// Sleep waits for the given duration or until the context is cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes req, retrying transient failures.
func (rc *RetryClient) Do(ctx context.Context, req *Request) (*Response, error) {
	var (
		resp    *Response
		lastErr error
	)
	for attempt := 0; attempt <= rc.config.MaxRetries; attempt++ {
		resp, lastErr = rc.inner.Do(ctx, req)
		if lastErr == nil {
			return resp, nil
		}
		if !IsTransient(lastErr) {
			return resp, lastErr
		}
		if attempt < rc.config.MaxRetries {
			if err := Sleep(ctx, rc.config.Backoff(attempt)); err != nil {
				return nil, fmt.Errorf("graphql request: %w (retry cancelled)", lastErr)
			}
		}
	}
	return nil, fmt.Errorf("graphql request: %w (after %d retries)", lastErr, rc.config.MaxRetries)
}
