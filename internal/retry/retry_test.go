package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	err := Do(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDo_DoesNotRetryNonTransientErrors(t *testing.T) {
	calls := 0
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
	err := Do(context.Background(), cfg, func() error {
		calls++
		return errors.New("invalid symbol")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestIsTransientError(t *testing.T) {
	require.True(t, IsTransientError(errors.New("dial tcp: connection refused")))
	require.True(t, IsTransientError(errors.New("HTTP 503 Service Unavailable")))
	require.False(t, IsTransientError(errors.New("invalid client_order_id")))
	require.False(t, IsTransientError(nil))
}
