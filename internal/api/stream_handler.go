package api

import (
	"io"
	"strings"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/service"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type StreamHandler struct {
	hub *service.Hub
}

func NewStreamHandler(hub *service.Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

// WatchOutbox streams queue changes as SSE. A watcher passes the revision it
// last saw; missed events are replayed from history, or a reset event tells
// it to refetch the depth snapshot.
func (h *StreamHandler) WatchOutbox(c *gin.Context) {
	var q req.WatchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(400, gin.H{"error": "invalid params"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	features := make(map[string]bool)
	for p := range strings.SplitSeq(q.Feature, ",") {
		if p = strings.TrimSpace(p); p != "" {
			features[p] = true
		}
	}

	client := &service.Client{
		Send:     make(chan v1.OutboxEvent, 128),
		Features: features,
	}
	if !h.hub.Register(client) {
		c.JSON(503, gin.H{"error": "event stream is shutting down"})
		return
	}
	defer h.hub.Unregister(client)

	logger.Info("outbox watcher connected",
		zap.String("operator", service.GetOperator(c.Request.Context())),
		zap.String("features", q.Feature),
		zap.Int64("last_rev", q.LastRev),
		zap.String("ip", c.ClientIP()),
	)

	maxSentRev := q.LastRev
	events, ok := h.hub.GetSince(q.LastRev)
	if ok {
		for _, ev := range events {
			if len(features) > 0 && !features[ev.Feature] {
				continue
			}
			c.SSEvent("message", ev)
			maxSentRev = ev.Revision
		}
	} else {
		c.SSEvent("reset", "revision_too_old")
	}
	c.Writer.Flush()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-client.Send:
			if !ok {
				return false
			}
			if ev.Action == string(constraints.ActionPing) {
				c.SSEvent("ping", "pong")
				return true
			}
			// already replayed from history
			if ev.Revision <= maxSentRev {
				return true
			}
			c.SSEvent("message", ev)
			maxSentRev = ev.Revision
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
