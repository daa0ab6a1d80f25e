package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fieldsync/internal/model"
	"fieldsync/internal/service"
	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultTimeout = 20 * time.Second

	timesheetPath  = "/v1/timesheets"
	attendancePath = "/v1/attendance"

	// cap on how much of an error body we read for the user message
	maxErrorBody = 4 << 10
)

// Client delivers queued writes to the backend API. It implements
// service.Submitter for the timesheet and attendance features.
type Client struct {
	baseURL    string
	deviceID   string
	apiToken   string
	httpClient *http.Client
}

func NewClient(baseURL, deviceID, apiToken string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		deviceID:   deviceID,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Register wires the client into router for every feature it can deliver.
func (c *Client) Register(router *service.FeatureRouter) {
	router.Register(constraints.FeatureTimesheet, service.SubmitterFunc(c.SubmitTimesheet))
	router.Register(constraints.FeatureAttendance, service.SubmitterFunc(c.SubmitAttendance))
}

func (c *Client) SubmitTimesheet(ctx context.Context, entry model.OutboxEntry) error {
	sheet, err := service.DecodePayload[v1.Timesheet](entry)
	if err != nil {
		return err
	}
	return c.post(ctx, timesheetPath, entry, sheet)
}

func (c *Client) SubmitAttendance(ctx context.Context, entry model.OutboxEntry) error {
	mark, err := service.DecodePayload[v1.Attendance](entry)
	if err != nil {
		return err
	}
	return c.post(ctx, attendancePath, entry, mark)
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, entry model.OutboxEntry, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", entry.Feature, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", entry.Feature, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.ID)
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
	if entry.TraceID != "" {
		req.Header.Set("X-Trace-ID", entry.TraceID)
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Debug("remote unreachable", zap.String("entry_id", entry.ID), zap.Error(err))
		return service.Transient("network", "No connection to the server. The entry will be sent when the network is back.")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	return classifyResponse(resp)
}

// classifyResponse turns a non-2xx reply into a SubmitError. 5xx, 408 and 429
// are retried; other 4xx are rejections of the payload itself.
func classifyResponse(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var parsed errorBody
	_ = json.Unmarshal(data, &parsed)
	message := parsed.Message
	if message == "" {
		message = parsed.Error
	}
	code := parsed.Code
	if code == "" {
		code = fmt.Sprintf("http_%d", resp.StatusCode)
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		if message == "" {
			message = "The server is temporarily unavailable. The entry will be retried."
		}
		return service.Transient(code, message)
	default:
		if message == "" {
			message = fmt.Sprintf("The server rejected this entry (%s).", http.StatusText(resp.StatusCode))
		}
		return service.Permanent(code, message)
	}
}
