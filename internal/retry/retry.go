// Package retry provides exponential-backoff retry for broker and
// market-data read operations. Writes (order submission, cancellation)
// are never retried; only read paths use this package.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig provides sensible defaults for read-path retries.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
}

// Do retries fn up to cfg.MaxRetries times with jittered exponential
// backoff, but only when the error is classified transient by
// IsTransientError. A non-transient error returns immediately.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}

	var lastErr error
	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry: canceled: %w", err)
		}
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsTransientError(err) || attempt == cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = nextBackoff(backoff, cfg.MaxBackoff)
		case <-ctx.Done():
			return fmt.Errorf("retry: canceled during backoff: %w", ctx.Err())
		}
	}
	return fmt.Errorf("retry: exhausted after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}

func nextBackoff(current, max time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > max {
		backoff = max
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		if jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter)); err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransientError classifies common network/timeout/server errors as
// retryable. Broker write-path callers must not use this; they treat
// every failure as fatal.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout", "i/o timeout", "connection refused", "connection reset",
		"temporary failure", "temporarily unavailable", "server error",
		"rate limit", "429", "502", "503", "504", "network", "dns", "tcp",
		"no such host", "deadline exceeded", "tls handshake", "broken pipe", "eof",
	}
	for _, p := range transientPatterns {
		if strings.Contains(errStr, p) {
			return true
		}
	}
	return false
}
