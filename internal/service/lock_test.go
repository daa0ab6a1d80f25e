package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_TryLock(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, ok, err := l.TryLock(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, l.Held("a"))

	_, ok, err = l.TryLock(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "second holder is refused")

	other, ok, _ := l.TryLock(ctx, "b")
	require.True(t, ok, "locks are per entry")
	other()

	unlock()
	unlock() // idempotent
	assert.False(t, l.Held("a"))

	_, ok, _ = l.TryLock(ctx, "a")
	assert.True(t, ok)
}

func TestLocalLocker_SingleWinner(t *testing.T) {
	l := NewLocalLocker()
	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, ok, _ := l.TryLock(context.Background(), "same"); ok {
				winners.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, winners.Load())
}
