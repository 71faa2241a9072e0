package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig bounds capture source recovery.
type ReconnectConfig struct {
	MaxRetries    int           // failed restarts tolerated before giving up
	RetryDelay    time.Duration // wait after the first failed restart
	MaxRetryDelay time.Duration // cap for the doubling wait
}

// DefaultReconnectConfig returns 5 retries starting at 1s, capped at 30s.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// backoff is the wait after failed restart n (1-based). It doubles from
// RetryDelay and never exceeds MaxRetryDelay.
func (cfg ReconnectConfig) backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := cfg.RetryDelay << uint(n-1)
	if d <= 0 || d > cfg.MaxRetryDelay {
		return cfg.MaxRetryDelay
	}
	return d
}

// ReconnectState tracks restarts of the capture source.
type ReconnectState struct {
	CurrentRetries int           // failed restarts in the current recovery
	Reconnects     atomic.Uint32 // failed restarts since start
}

func (s *ReconnectState) reset() {
	if s.CurrentRetries != 0 {
		slog.Debug("pipeline: reconnect state reset", "retries", s.CurrentRetries)
	}
	s.CurrentRetries = 0
}

// RestartFunc tears down and rebuilds the capture branch.
type RestartFunc func(ctx context.Context) error

// RecoverSource restarts the capture branch until it comes back, the retry
// budget runs out, or ctx is cancelled.
//
// devices carries hot-plug events for the capture device (true = removed).
// While waiting between restarts, an arrival ends the wait and the next
// restart runs at once; a removal leaves the wait running since there is
// nothing to restart onto. A nil channel disables both.
//
// Exhausting MaxRetries returns an error wrapping ErrDeviceDisconnect.
func RecoverSource(
	ctx context.Context,
	restart RestartFunc,
	devices <-chan bool,
	cfg ReconnectConfig,
	state *ReconnectState,
) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := restart(ctx)
		if err == nil {
			slog.Info("pipeline: capture source restored", "after_retries", state.CurrentRetries)
			state.reset()
			return nil
		}

		state.CurrentRetries++
		state.Reconnects.Add(1)
		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("%w: gave up after %d restarts: %v", ErrDeviceDisconnect, state.CurrentRetries, err)
		}

		wait := cfg.backoff(state.CurrentRetries)
		slog.Warn("pipeline: capture source restart failed",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"retry_in", wait,
			"error", err,
		)

		if err := waitForRetry(ctx, wait, devices); err != nil {
			return err
		}
	}
}

// waitForRetry blocks for d or until the capture device arrives.
func waitForRetry(ctx context.Context, d time.Duration, devices <-chan bool) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case removed := <-devices:
			if !removed {
				slog.Info("pipeline: capture device arrived, retrying now")
				return nil
			}
			slog.Debug("pipeline: capture device removed while waiting to retry")
		}
	}
}
