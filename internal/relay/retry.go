package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/relaytun/internal/obs"
)

// ExhaustedError marks a permanent connect failure: the configured
// attempt budget is spent and the caller must not retry automatically.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("relay: connection attempts exhausted after %d tries: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// RetryConfig bounds the reconnect schedule. The delay after the first
// failure is InitialDelay verbatim (no jitter); each subsequent delay is the
// previous one times Multiplier, capped at MaxDelay.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryConfig matches the deployed schedule: 10 attempts starting at
// 200ms, growing 1.5x to a 5s ceiling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 10, InitialDelay: 200 * time.Millisecond, Multiplier: 1.5, MaxDelay: 5 * time.Second}
}

// ConnectWithBackoff dials the broker, retrying per rc. One scheduler
// instance serves one logical connection attempt; state is discarded on
// success or permanent failure.
func ConnectWithBackoff(ctx context.Context, cfg Config, rc RetryConfig) (*Channel, error) {
	return connectWithBackoff(ctx, rc, func(ctx context.Context) (*Channel, error) {
		return Dial(ctx, cfg)
	}, sleepCtx)
}

type dialFunc func(ctx context.Context) (*Channel, error)

func connectWithBackoff(ctx context.Context, rc RetryConfig, dial dialFunc, sleep func(context.Context, time.Duration) error) (*Channel, error) {
	b := &backoff.Backoff{Min: rc.InitialDelay, Max: rc.MaxDelay, Factor: rc.Multiplier, Jitter: false}
	var lastErr error
	for attempt := 1; attempt <= rc.MaxAttempts; attempt++ {
		ch, err := dial(ctx)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		obs.Error("relay.connect.retry", obs.Fields{"attempt": attempt, "max": rc.MaxAttempts, "err": err.Error()})
		obs.RetryAttemptsTotal.Inc()
		if attempt == rc.MaxAttempts {
			break
		}
		if err := sleep(ctx, b.Duration()); err != nil {
			return nil, err
		}
	}
	obs.ErrorsTotal.WithLabelValues("connect_exhausted").Inc()
	return nil, &ExhaustedError{Attempts: rc.MaxAttempts, Last: lastErr}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
