package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fieldsync/internal/metrics"
	v1 "fieldsync/pkg/api/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_PublishAssignsRevisions(t *testing.T) {
	hub := NewHub(metrics.NopHubObserver{}, 0, 16, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	client := &Client{Send: make(chan v1.OutboxEvent, 8), Features: map[string]bool{"timesheet": true}}
	require.True(t, hub.Register(client))

	hub.Publish(v1.OutboxEvent{Action: "enqueued", Feature: "attendance"})
	hub.Publish(v1.OutboxEvent{Action: "enqueued", Feature: "timesheet"})

	select {
	case ev := <-client.Send:
		assert.EqualValues(t, 2, ev.Revision)
		assert.Equal(t, "timesheet", ev.Feature)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	events, ok := hub.GetSince(0)
	require.True(t, ok)
	assert.Len(t, events, 2)
	assert.EqualValues(t, 2, hub.Revision())
}

type countingHubObserver struct {
	metrics.NopHubObserver
	drops atomic.Int32
}

func (o *countingHubObserver) RecordDrop() { o.drops.Add(1) }

func TestHub_SlowClientDropped(t *testing.T) {
	obs := &countingHubObserver{}
	hub := NewHub(obs, 0, 16, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := &Client{Send: make(chan v1.OutboxEvent, 1)}
	require.True(t, hub.Register(slow))
	hub.Publish(v1.OutboxEvent{Action: "enqueued"})
	hub.Publish(v1.OutboxEvent{Action: "enqueued"})

	require.Eventually(t, func() bool { return obs.drops.Load() == 1 }, time.Second, 5*time.Millisecond)

	ev, ok := <-slow.Send
	require.True(t, ok)
	assert.EqualValues(t, 1, ev.Revision)
	_, ok = <-slow.Send
	assert.False(t, ok, "slow client channel is closed")

	// unregistering an already dropped client must not panic
	hub.Unregister(slow)
}

func TestHub_QueueOverflowDisconnectsWatchers(t *testing.T) {
	hub := NewHub(metrics.NopHubObserver{}, 0, 1, 16)
	watcher := &Client{Send: make(chan v1.OutboxEvent, 8)}
	// registered before Run so the queue fills while nothing drains it
	hub.clients[watcher] = true

	hub.Publish(v1.OutboxEvent{Action: "enqueued"})
	hub.Publish(v1.OutboxEvent{Action: "enqueued"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	closed := make(chan struct{})
	go func() {
		for range watcher.Send {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("watcher was not disconnected after overflow")
	}

	// the missed revision is still replayable on reconnect
	events, ok := hub.GetSince(0)
	require.True(t, ok)
	assert.Len(t, events, 2)
}

func TestHub_StoppedHubRefusesClients(t *testing.T) {
	hub := NewHub(nil, 0, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	assert.False(t, hub.Register(&Client{Send: make(chan v1.OutboxEvent, 1)}))
	hub.Unregister(&Client{})
}

func TestHub_Concurrency(t *testing.T) {
	hub := NewHub(metrics.NopHubObserver{}, 5*time.Millisecond, 512, 1000)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	clientCount := 50
	msgCount := 200
	clients := make([]*Client, clientCount)

	var wg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			c := &Client{Send: make(chan v1.OutboxEvent, 50)}
			clients[idx] = c
			hub.Register(c)
		}(i)
	}
	wg.Wait()

	broadcastDone := make(chan struct{})
	go func() {
		for i := 0; i < msgCount; i++ {
			hub.Publish(v1.OutboxEvent{Action: "rescheduled", Feature: "timesheet"})
			if i%10 == 0 {
				time.Sleep(time.Millisecond)
			}
		}
		close(broadcastDone)
	}()

	go func() {
		for i := 0; i < clientCount/2; i++ {
			time.Sleep(2 * time.Millisecond)
			hub.Unregister(clients[i])
		}
	}()

	var readWg sync.WaitGroup
	for i := 0; i < clientCount; i++ {
		readWg.Add(1)
		go func(c *Client) {
			defer readWg.Done()
			timeout := time.After(3 * time.Second)
			for {
				select {
				case _, ok := <-c.Send:
					if !ok {
						return
					}
				case <-broadcastDone:
					for {
						select {
						case _, ok := <-c.Send:
							if !ok {
								return
							}
						default:
							return
						}
					}
				case <-timeout:
					return
				}
			}
		}(clients[i])
	}
	readWg.Wait()

	assert.EqualValues(t, msgCount, hub.Revision())
}
