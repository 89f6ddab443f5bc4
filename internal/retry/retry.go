package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrRateLimited wraps the last upstream error once every attempt has
// been spent on rate-limit responses.
var ErrRateLimited = errors.New("rate limited")

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second}
}

// IsRateLimit reports whether err looks like an upstream 429. RPC
// providers are inconsistent about how they surface throttling, so
// this matches on message text as well as the status code.
func IsRateLimit(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "429") ||
		strings.Contains(msg, "too many requests")
}

// Do runs fn until it succeeds, fails with a non-rate-limit error, or
// exhausts cfg.MaxAttempts. Backoff doubles from cfg.BaseDelay between
// attempts. fn must be idempotent. Cancellation is honored between
// attempts, never mid-call.
func Do[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}

	delay := cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if !IsRateLimit(err) {
			return zero, err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return zero, fmt.Errorf("%w: %d attempts exhausted: %v", ErrRateLimited, cfg.MaxAttempts, lastErr)
}
