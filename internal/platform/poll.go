package platform

import (
	"context"
	"fmt"
	"time"
)

// PollConfig bounds a container/publish status poll loop.
type PollConfig struct {
	Interval    time.Duration
	MaxAttempts int
}

// DefaultPollConfig matches the vendor guidance for media container
// processing: check every few seconds, give up after about a minute.
func DefaultPollConfig() PollConfig {
	return PollConfig{Interval: 3 * time.Second, MaxAttempts: 20}
}

// Poll invokes fn until it reports done, returns a terminal error, or the
// attempt budget is exhausted. Exhaustion and context cancellation surface
// as a retryable NetworkError so a hung vendor container fails the attempt
// instead of hanging the worker.
func Poll(ctx context.Context, cfg PollConfig, fn func(ctx context.Context) (done bool, err error)) error {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return NewError(ErrNetworkError, fmt.Sprintf("status poll interrupted: %v", ctx.Err()), true)
		case <-ticker.C:
		}
	}

	return NewError(ErrNetworkError,
		fmt.Sprintf("status poll timed out after %d attempts at %s intervals", cfg.MaxAttempts, cfg.Interval), true)
}
