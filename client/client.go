package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "fieldsync/pkg/api/v1"
	"fieldsync/pkg/constraints"
	"fieldsync/pkg/logger"

	"go.uber.org/zap"
)

const (
	heartbeatTimeout = 45 * time.Second
	maxBackoff       = 30 * time.Second
)

// APIError is a non-2xx reply from the agent.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fieldsync: %d %s", e.Status, e.Message)
}

// IsCapacityExceeded reports whether a write was refused because the offline
// queue is full. The write was not saved.
func IsCapacityExceeded(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == "capacity_exceeded"
}

// RetryReply is the answer to a manual retry. Delivered is false when the
// backend refused again; Message then carries the reason to show.
type RetryReply struct {
	Outcome   string    `json:"outcome"`
	Entry     *v1.Entry `json:"entry,omitempty"`
	Message   string    `json:"message,omitempty"`
	Delivered bool      `json:"-"`
}

// Client talks to a fieldsync agent and keeps a live copy of the queue depth
// for badge counters.
type Client struct {
	addr       string
	token      string
	httpClient *http.Client
	onChange   func(depth map[string]int)

	mu      sync.RWMutex
	depth   map[string]int
	lastRev int64

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

type Option func(*Client)

// WithOnChange is called with a copy of the depth map after every change.
func WithOnChange(fn func(depth map[string]int)) Option {
	return func(c *Client) { c.onChange = fn }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(addr, token string, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		addr:       strings.TrimRight(addr, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 0},
		depth:      make(map[string]int),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) List(ctx context.Context, feature string) ([]v1.Entry, error) {
	path := "/v1/outbox"
	if feature != "" {
		path += "?feature=" + url.QueryEscape(feature)
	}
	var res struct {
		Data []v1.Entry `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (c *Client) Get(ctx context.Context, id string) (*v1.Entry, error) {
	var res struct {
		Entry v1.Entry `json:"entry"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/outbox/"+url.PathEscape(id), nil, &res); err != nil {
		return nil, err
	}
	return &res.Entry, nil
}

// RetryNow asks the agent to send the entry immediately. A refused retry is
// not an error: the reply says what happened.
func (c *Client) RetryNow(ctx context.Context, id string) (*RetryReply, error) {
	var reply RetryReply
	err := c.do(ctx, http.MethodPost, "/v1/outbox/"+url.PathEscape(id)+"/retry", nil, &reply)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway {
		return &reply, nil
	}
	if err != nil {
		return nil, err
	}
	reply.Delivered = reply.Outcome == "delivered"
	return &reply, nil
}

func (c *Client) Discard(ctx context.Context, id, reason string) error {
	body := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodDelete, "/v1/outbox/"+url.PathEscape(id), body, nil)
}

func (c *Client) SubmitTimesheet(ctx context.Context, sheet v1.Timesheet) (status, key string, err error) {
	var res struct {
		Status string `json:"status"`
		Key    string `json:"key"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/timesheets", sheet, &res); err != nil {
		return "", "", err
	}
	return res.Status, res.Key, nil
}

func (c *Client) FetchDepth(ctx context.Context) (*v1.DepthSnapshot, error) {
	var snap v1.DepthSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/outbox/depth", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Start loads the depth snapshot and keeps it current over the event stream
// until Stop is called.
func (c *Client) Start() error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.resync(c.ctx); err != nil {
		c.started.Store(false)
		return err
	}
	go c.runWatchLoop()
	return nil
}

// Stop ends the watch loop and waits for it to exit.
func (c *Client) Stop() {
	c.cancel()
	if c.started.Load() {
		<-c.done
	}
}

// Depth returns the last known number of queued entries for feature, or the
// total when feature is empty.
func (c *Client) Depth(feature string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if feature != "" {
		return c.depth[feature]
	}
	total := 0
	for _, n := range c.depth {
		total += n
	}
	return total
}

func (c *Client) resync(ctx context.Context) error {
	snap, err := c.FetchDepth(ctx)
	if err != nil {
		logger.Error("failed to fetch outbox depth", zap.Error(err))
		return err
	}
	c.mu.Lock()
	c.depth = copyDepth(snap.Depth)
	c.lastRev = snap.Revision
	depth := copyDepth(c.depth)
	c.mu.Unlock()
	c.notify(depth)
	return nil
}

func (c *Client) runWatchLoop() {
	defer close(c.done)

	backoff := time.Second
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		err := c.watchOnce()
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = time.Second
			continue
		}

		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		logger.Warn("outbox stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff+jitter))
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(backoff + jitter):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// watchOnce holds one SSE connection. It returns nil when the server asked
// for a resync, an error otherwise.
func (c *Client) watchOnce() error {
	c.mu.RLock()
	path := fmt.Sprintf("%s/v1/outbox/stream?last_rev=%d", c.addr, c.lastRev)
	c.mu.RUnlock()

	reqCtx, reqCancel := context.WithCancel(c.ctx)
	defer reqCancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readError(resp).APIError
	}

	// watchdog for heartbeats
	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-reqCtx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(lastActivity.Load(), 0)) > heartbeatTimeout {
					logger.Warn("outbox stream heartbeat timeout, reconnecting")
					reqCancel()
					return
				}
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var eventType string
	var data bytes.Buffer

	for scanner.Scan() {
		lastActivity.Store(time.Now().Unix())
		line := scanner.Text()

		if line != "" {
			switch {
			case strings.HasPrefix(line, "event:"):
				eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				if data.Len() > 0 {
					data.WriteString("\n")
				}
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
			continue
		}

		switch eventType {
		case "reset":
			logger.Warn("outbox stream reset, refetching depth")
			if err := c.resync(c.ctx); err != nil {
				return err
			}
			return nil
		case "ping":
		default:
			if data.Len() > 0 {
				var ev v1.OutboxEvent
				if err := json.Unmarshal(data.Bytes(), &ev); err != nil {
					logger.Error("failed to decode outbox event", zap.Error(err))
				} else {
					c.handleEvent(ev)
				}
			}
		}
		eventType = ""
		data.Reset()
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

func (c *Client) handleEvent(ev v1.OutboxEvent) {
	if ev.Action == string(constraints.ActionPing) {
		return
	}

	c.mu.Lock()
	if ev.Revision <= c.lastRev {
		c.mu.Unlock()
		logger.Debug("stale outbox revision", zap.Int64("rev", ev.Revision))
		return
	}
	// every event carries the full depth after the change
	c.depth = copyDepth(ev.Depth)
	c.lastRev = ev.Revision
	depth := copyDepth(c.depth)
	c.mu.Unlock()

	logger.Debug("outbox changed",
		zap.String("action", ev.Action),
		zap.String("entry_id", ev.EntryID),
		zap.Int64("rev", ev.Revision),
	)
	c.notify(depth)
}

func (c *Client) notify(depth map[string]int) {
	if c.onChange != nil {
		c.onChange(depth)
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.addr+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := readError(resp)
		// a refused retry still reports the entry state
		if resp.StatusCode == http.StatusBadGateway && out != nil && apiErr.raw != nil {
			_ = json.Unmarshal(apiErr.raw, out)
		}
		return apiErr.APIError
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

type rawAPIError struct {
	*APIError
	raw []byte
}

func readError(resp *http.Response) rawAPIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = body.Message
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return rawAPIError{
		APIError: &APIError{Status: resp.StatusCode, Code: body.Code, Message: msg},
		raw:      raw,
	}
}

func copyDepth(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
