package events

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/ksred/klear-escrow/internal/config"
)

func withRetryDefaults(cfg config.RetryConfig) config.RetryConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	return cfg
}

// backoff doubles BaseDelay per attempt up to MaxDelay, with +/-15% jitter.
func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	delay := time.Duration(math.Pow(2, float64(attempt))) * cfg.BaseDelay
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}

	if cfg.Jitter {
		jitter := time.Duration(rand.Float64() * float64(delay) * 0.3)
		delay = delay + jitter - time.Duration(float64(delay)*0.15)
	}
	return delay
}

// sleep waits d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
