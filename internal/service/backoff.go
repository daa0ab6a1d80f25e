package service

import (
	"math"
	"time"
)

// RetryPolicy decides how long a failed entry waits before its next
// automatic attempt. retryCount is the number of failures so far, before the
// current one is counted.
type RetryPolicy interface {
	NextDelay(retryCount int) time.Duration
}

// FixedBackoff retries at a constant interval regardless of attempt count.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) NextDelay(int) time.Duration {
	if b.Interval < 0 {
		return 0
	}
	return b.Interval
}

// ExponentialBackoff doubles Base per failure, capped at Max. Max <= 0 means
// no cap.
type ExponentialBackoff struct {
	Base time.Duration
	Max  time.Duration
}

func (b ExponentialBackoff) NextDelay(retryCount int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}

	d := b.Base
	for i := 0; i < retryCount; i++ {
		if b.Max > 0 && d >= b.Max/2 {
			d = b.Max
			break
		}
		// uncapped: hold at the largest delay that still doubles without overflow
		if d > math.MaxInt64/2 {
			break
		}
		d *= 2
	}

	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// NewRetryPolicy maps the configured strategy name onto a policy.
func NewRetryPolicy(kind string, interval, max time.Duration) RetryPolicy {
	if kind == "exponential" {
		return ExponentialBackoff{Base: interval, Max: max}
	}
	return FixedBackoff{Interval: interval}
}
