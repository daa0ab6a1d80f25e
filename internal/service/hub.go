package service

import (
	"context"
	"fieldsync/internal/buffer"
	"fieldsync/internal/metrics"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Client is one event stream watcher. An empty Features set receives every feature.
type Client struct {
	Send     chan v1.OutboxEvent
	Features map[string]bool
}

func (c *Client) wants(event v1.OutboxEvent) bool {
	if event.Action == string(constraints.ActionPing) || len(c.Features) == 0 {
		return true
	}
	return c.Features[event.Feature]
}

// Hub fans outbox change events out to watchers and remembers recent ones
// for reconnect compensation.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan v1.OutboxEvent
	overflow   chan struct{}
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	observer  metrics.HubObserver
	heartbeat time.Duration

	mu       sync.Mutex
	revision int64
	history  *buffer.RevisionBuffer
}

func NewHub(observer metrics.HubObserver, heartbeat time.Duration, queueSize, historySize int) *Hub {
	if observer == nil {
		observer = metrics.NopHubObserver{}
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan v1.OutboxEvent, queueSize),
		overflow:   make(chan struct{}, 1),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		observer:   observer,
		heartbeat:  heartbeat,
		history:    buffer.NewRevisionBuffer(historySize),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)

	var ping <-chan time.Time
	if h.heartbeat > 0 {
		ticker := time.NewTicker(h.heartbeat)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
			h.observer.IncOnline()
		case client := <-h.unregister:
			if h.clients[client] {
				h.drop(client)
			}
		case event := <-h.broadcast:
			h.deliver(event)
		case <-h.overflow:
			// watchers missed an event; they reconnect with last_rev and replay history
			logger.Warn("hub queue overflowed, disconnecting watchers", zap.Int("clients", len(h.clients)))
			for client := range h.clients {
				h.drop(client)
			}
		case <-ping:
			h.deliver(v1.OutboxEvent{Action: string(constraints.ActionPing), At: time.Now().UTC()})
		}
	}
}

func (h *Hub) deliver(event v1.OutboxEvent) {
	for client := range h.clients {
		if !client.wants(event) {
			continue
		}
		select {
		case client.Send <- event:
			h.observer.RecordPush()
		default:
			// slow watcher; it reconnects with last_rev and catches up from history
			logger.Warn("watcher too slow, disconnecting", zap.Int64("revision", event.Revision))
			h.observer.RecordDrop()
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.Send)
	h.observer.DecOnline()
}

// Register adds a watcher. It returns false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Publish stamps the next revision on event, records it and queues it for
// broadcast. It never blocks the caller.
func (h *Hub) Publish(event v1.OutboxEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.revision++
	event.Revision = h.revision
	h.history.Add(event)

	select {
	case h.broadcast <- event:
	default:
		h.observer.RecordDrop()
		logger.Warn("hub queue full, event kept in history only", zap.Int64("revision", event.Revision))
		select {
		case h.overflow <- struct{}{}:
		default:
		}
	}
}

// GetSince returns buffered events after lastRev; ok=false means the caller
// fell too far behind and must resync.
func (h *Hub) GetSince(lastRev int64) ([]v1.OutboxEvent, bool) {
	return h.history.GetSince(lastRev)
}

func (h *Hub) Revision() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.revision
}
