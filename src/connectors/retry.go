package connectors

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/username/cryptotaxreports/src/logger"
	"github.com/username/cryptotaxreports/src/models"
)

// RetryPolicy retries transient upstream failures with bounded exponential
// backoff. Only rate limiting and unavailability are retried; authentication
// failures and everything else return immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is used when a connector is built without one.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 4, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}

// Do runs op until it succeeds, fails permanently, or attempts run out.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		var upstream *models.UpstreamError
		if !errors.As(err, &upstream) || !upstream.Retryable() || attempt == attempts {
			return err
		}
		delay := p.backoff(attempt, upstream.RetryAfter)
		logger.FromContext(ctx).Warn("Retrying upstream call", "provider", upstream.Provider,
			"attempt", attempt, "delay", delay.String(), "error", err)
		if serr := p.sleep(ctx, delay); serr != nil {
			return serr
		}
	}
	return err
}

func (p RetryPolicy) backoff(attempt int, retryAfter time.Duration) time.Duration {
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		if (p.MaxDelay > 0 && d >= p.MaxDelay) || d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}
	if retryAfter > d {
		d = retryAfter
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
