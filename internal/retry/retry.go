// Package retry provides a retry mechanism with exponential backoff for
// operations that may fail while a peer is coming up (dialing the control
// socket during a hand-off, for example).
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = 100 * time.Millisecond
	defaultMaxDelay     = 2 * time.Second
)

// Config represents retry configuration.
type Config struct {
	MaxAttempts    int           // Maximum number of attempts (default: 5)
	InitialBackoff time.Duration // Initial backoff duration (default: 100ms)
	MaxBackoff     time.Duration // Maximum backoff duration (default: 2s)
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaultInitialDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaultMaxDelay
	}
	return c
}

// Policy builds the backoff policy for cfg, bound to ctx.
func Policy(ctx context.Context, cfg Config) backoff.BackOff {
	cfg = cfg.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.InitialBackoff
	exp.MaxInterval = cfg.MaxBackoff
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	// The attempt count bounds the retry, not the elapsed time.
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(cfg.MaxAttempts-1)), ctx)
}

// Do executes fn until it succeeds, returns a non-retryable error, the
// attempts are exhausted or ctx ends.
func Do[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	attempts := 0
	op := func() (T, error) {
		attempts++
		v, err := fn()
		if err != nil && !IsRetryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	v, err := backoff.RetryWithData(op, Policy(ctx, cfg))
	if err == nil {
		return v, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return v, ctxErr
	}
	if !IsRetryable(err) || attempts < cfg.MaxAttempts {
		return v, err
	}
	return v, fmt.Errorf("all %d attempts failed: %w", attempts, err)
}

// IsRetryable reports whether err is transient: the peer is not listening
// yet, the connection was reset or an operation timed out.
// Context cancellation is never retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	for _, errno := range []syscall.Errno{
		syscall.ENOENT, // socket not created yet
		syscall.ECONNREFUSED,
		syscall.ECONNRESET,
		syscall.EAGAIN,
		syscall.EPIPE,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}

	var timeout interface{ Timeout() bool }
	if errors.As(err, &timeout) && timeout.Timeout() {
		return true
	}

	errLower := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporarily unavailable",
		"no such file or directory",
		"broken pipe",
	} {
		if strings.Contains(errLower, pattern) {
			return true
		}
	}
	return false
}
