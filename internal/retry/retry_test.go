package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestDo_SucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	v, err := Do(context.Background(), fastConfig(5), func() (string, error) {
		calls++
		if calls < 3 {
			return "", syscall.ECONNREFUSED
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("unknown command")
	calls := 0
	_, err := Do(context.Background(), fastConfig(5), func() (int, error) {
		calls++
		return 0, permanent
	})

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(3), func() (int, error) {
		calls++
		return 0, fmt.Errorf("dial: %w", syscall.ENOENT)
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "all 3 attempts failed")
	assert.ErrorIs(t, err, syscall.ENOENT)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Do(ctx, Config{MaxAttempts: 10, InitialBackoff: 50 * time.Millisecond}, func() (int, error) {
		calls++
		cancel()
		return 0, syscall.ECONNREFUSED
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDo_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, defaultMaxAttempts, cfg.MaxAttempts)
	assert.Equal(t, defaultInitialDelay, cfg.InitialBackoff)
	assert.Equal(t, defaultMaxDelay, cfg.MaxBackoff)
}

func TestPolicy_Intervals(t *testing.T) {
	b := Policy(context.Background(), Config{MaxAttempts: 4, InitialBackoff: 10 * time.Millisecond, MaxBackoff: 25 * time.Millisecond})
	b.Reset()

	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 25*time.Millisecond, b.NextBackOff())
	assert.Equal(t, time.Duration(-1), b.NextBackOff(), "retries exhausted")
}

func TestIsRetryable(t *testing.T) {
	opErr := &net.OpError{Op: "dial", Net: "unix", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"connection refused errno", syscall.ECONNREFUSED, true},
		{"wrapped dial error", fmt.Errorf("control: %w", opErr), true},
		{"socket missing", &os.PathError{Op: "dial", Path: "/tmp/x.sock", Err: syscall.ENOENT}, true},
		{"reset text", errors.New("read: connection reset by peer"), true},
		{"timeout text", errors.New("i/o timeout"), true},
		{"permission denied", syscall.EACCES, false},
		{"application error", errors.New("restart already in progress"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
