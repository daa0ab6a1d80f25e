package api

import (
	"context"
	"errors"
	"net/http"

	"fieldsync/internal/dto/req"
	"fieldsync/internal/dto/resp"
	"fieldsync/internal/model"
	"fieldsync/internal/service"

	"github.com/gin-gonic/gin"
)

// OutboxProvider is the inspection surface: list everything, retry now, discard.
type OutboxProvider interface {
	List(ctx context.Context, feature string) ([]model.OutboxEntry, error)
	Get(ctx context.Context, id string) (*model.OutboxEntry, error)
	RetryNow(ctx context.Context, id string) (*service.RetryResult, error)
	Discard(ctx context.Context, id, reason string) error
	Depth(ctx context.Context) (map[string]int, error)
	History(ctx context.Context, id string) ([]model.OutboxAudit, error)
	Audit(ctx context.Context, page, size int) ([]model.OutboxAudit, int64, error)
	FeatureCap() int
	Health(ctx context.Context) error
}

type OutboxHandler struct {
	service OutboxProvider
	hub     *service.Hub
}

func NewOutboxHandler(service OutboxProvider, hub *service.Hub) *OutboxHandler {
	return &OutboxHandler{
		service: service,
		hub:     hub,
	}
}

func (h *OutboxHandler) ListEntries(c *gin.Context) {
	var q req.ListOutboxQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}

	entries, err := h.service.List(c.Request.Context(), q.Feature)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp.ListOutboxResponse{
		Data:  resp.ToEntries(entries),
		Total: len(entries),
	})
}

func (h *OutboxHandler) GetEntry(c *gin.Context) {
	var r req.EntryURI
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	entry, err := h.service.Get(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}
	history, err := h.service.History(c.Request.Context(), r.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp.GetEntryResponse{
		Entry:   resp.ToEntry(*entry),
		History: resp.ToAuditItems(history),
	})
}

// RetryEntry submits the entry right away. A failed retry answers 502 with
// the reason to show; the entry stays queued.
func (h *OutboxHandler) RetryEntry(c *gin.Context) {
	var r req.EntryURI
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}

	res, err := h.service.RetryNow(c.Request.Context(), r.ID)
	if err != nil {
		writeError(c, err)
		return
	}

	body := resp.RetryResponse{Outcome: string(res.Outcome), Message: res.Message}
	if res.Entry != nil {
		entry := resp.ToEntry(*res.Entry)
		body.Entry = &entry
	}
	if res.Outcome == service.OutcomeDelivered {
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusBadGateway, body)
}

func (h *OutboxHandler) DiscardEntry(c *gin.Context) {
	var r req.EntryURI
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return
	}
	var body req.DiscardRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	if err := h.service.Discard(c.Request.Context(), r.ID, body.Reason); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetDepth backs the badge counter. Revision is read before the counts so a
// watcher resuming from it never misses a change.
func (h *OutboxHandler) GetDepth(c *gin.Context) {
	rev := h.hub.Revision()
	depth, err := h.service.Depth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	total := 0
	for _, n := range depth {
		total += n
	}
	c.JSON(http.StatusOK, resp.DepthResponse{
		Depth:    depth,
		Total:    total,
		Cap:      h.service.FeatureCap(),
		Revision: rev,
	})
}

func (h *OutboxHandler) ListAudit(c *gin.Context) {
	var q req.ListAuditQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	if q.Page == 0 {
		q.Page = 1
	}
	if q.Size == 0 {
		q.Size = 20
	}

	audits, total, err := h.service.Audit(c.Request.Context(), q.Page, q.Size)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp.ListAuditResponse{
		Data:  resp.ToAuditItems(audits),
		Total: total,
	})
}

func (h *OutboxHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func writeError(c *gin.Context, err error) {
	var se *service.SubmitError
	switch {
	case errors.Is(err, service.ErrEntryNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, service.ErrEntryBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "entry is being sent, try again shortly"})
	case errors.Is(err, service.ErrCapacityExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error": "offline queue is full, this write was NOT saved",
			"code":  "capacity_exceeded",
		})
	case errors.Is(err, service.ErrInvalidTimesheet),
		errors.Is(err, service.ErrInvalidFeature),
		errors.Is(err, service.ErrInvalidKey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &se):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": se.Message, "code": se.Code})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
