package api

import (
	"context"
	"net/http"

	"fieldsync/internal/dto/resp"
	"fieldsync/internal/service"
	v1 "fieldsync/pkg/api/v1"

	"github.com/gin-gonic/gin"
)

const headerIdempotencyKey = "Idempotency-Key"

// WriteProvider sends a write now or queues it for retry.
type WriteProvider interface {
	Submit(ctx context.Context, sheet v1.Timesheet, key string) (*service.WriteResult, error)
	SubmitAttendance(ctx context.Context, mark v1.Attendance, key string) (*service.WriteResult, error)
}

type WriteHandler struct {
	service WriteProvider
}

func NewWriteHandler(service WriteProvider) *WriteHandler {
	return &WriteHandler{service: service}
}

// SubmitTimesheet answers 200 when the backend took the sheet and 202 when it
// was queued. 422 with code capacity_exceeded means it was not saved at all.
func (h *WriteHandler) SubmitTimesheet(c *gin.Context) {
	var sheet v1.Timesheet
	if err := c.ShouldBindJSON(&sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	res, err := h.service.Submit(c.Request.Context(), sheet, c.GetHeader(headerIdempotencyKey))
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, res)
}

func (h *WriteHandler) SubmitAttendance(c *gin.Context) {
	var mark v1.Attendance
	if err := c.ShouldBindJSON(&mark); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	res, err := h.service.SubmitAttendance(c.Request.Context(), mark, c.GetHeader(headerIdempotencyKey))
	if err != nil {
		writeError(c, err)
		return
	}
	writeResult(c, res)
}

func writeResult(c *gin.Context, res *service.WriteResult) {
	body := resp.WriteResponse{
		Status:  string(res.Status),
		Key:     res.Key,
		Message: res.Message,
	}
	if res.Entry != nil {
		entry := resp.ToEntry(*res.Entry)
		body.Entry = &entry
	}

	status := http.StatusOK
	if res.Status == service.WriteQueued {
		status = http.StatusAccepted
	}
	c.JSON(status, body)
}
