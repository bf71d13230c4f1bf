package patchstream

import (
	"context"
	"math"
	"time"
)

// Backoff is the reconnect policy of a Stream. MaxAttempts <= 0 retries
// forever. Jitter is a ratio in [0, 1] applied symmetrically around the
// computed delay.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		BaseDelay:  time.Second,
		MaxDelay:   8 * time.Second,
		Multiplier: 2,
	}
}

func (b Backoff) normalized() Backoff {
	if b.BaseDelay <= 0 {
		b.BaseDelay = time.Second
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = 8 * time.Second
	}
	if b.MaxDelay < b.BaseDelay {
		b.MaxDelay = b.BaseDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = 2
	}
	b.Jitter = clampJitterRatio(b.Jitter)
	return b
}

// Exhausted reports whether the given 1-based retry attempt is beyond the
// policy.
func (b Backoff) Exhausted(attempt int) bool {
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}

// Delay returns the wait before the given 1-based retry attempt. sample is a
// uniform value in [0, 1] used for jitter.
func (b Backoff) Delay(attempt int, sample float64) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(b.Multiplier, float64(attempt-1))
	if delay > float64(b.MaxDelay) || math.IsInf(delay, 0) {
		delay = float64(b.MaxDelay)
	}
	return jitteredIntervalWithSample(time.Duration(delay), b.Jitter, sample)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
