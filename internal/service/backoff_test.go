package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Interval: time.Minute}
	for _, n := range []int{0, 1, 5, 100} {
		assert.Equal(t, time.Minute, b.NextDelay(n))
	}
}

func TestExponentialBackoff(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, 2*time.Second, b.NextDelay(1))
	assert.Equal(t, 8*time.Second, b.NextDelay(3))
	assert.Equal(t, 10*time.Second, b.NextDelay(10))
	assert.Equal(t, 10*time.Second, b.NextDelay(1000))
	assert.Equal(t, time.Second, b.NextDelay(-3))
}

func TestExponentialBackoff_Uncapped(t *testing.T) {
	b := ExponentialBackoff{Base: time.Second}

	assert.Equal(t, 1024*time.Second, b.NextDelay(10))
	prev := b.NextDelay(0)
	for n := 1; n <= 200; n++ {
		d := b.NextDelay(n)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", n)
		prev = d
	}
	assert.Positive(t, b.NextDelay(1000))
}

func TestNewRetryPolicy(t *testing.T) {
	assert.IsType(t, FixedBackoff{}, NewRetryPolicy("fixed", time.Minute, time.Hour))
	assert.IsType(t, ExponentialBackoff{}, NewRetryPolicy("exponential", time.Minute, time.Hour))
}
