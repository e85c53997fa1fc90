// Package gateway lets capability code talk back to the peer while it is
// handling a request: notifications, log messages, progress updates and
// request/response round trips such as sampling.
//
// Every call suspends the handler by yielding an Envelope to the protocol's
// transport loop and blocks until the loop resumes it. The gateway never
// arms timers itself; Request timeouts are enforced by the loop.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/mcp/sampling"
	"github.com/google/uuid"
)

// DefaultRequestTimeout is used by Request when no timeout is given.
const DefaultRequestTimeout = 60 * time.Second

var (
	// ErrDetached is returned when the client is not bound to an in-flight
	// request, e.g. a capability invoked outside the protocol.
	ErrDetached = errors.New("gateway: client is not attached to a running request")
	// ErrSamplingFailed wraps failures while decoding a sampling result.
	ErrSamplingFailed = errors.New("gateway: sampling failed")
)

// RemoteError is the error object returned by the peer in reply to a
// server-initiated request.
type RemoteError = jsonrpc.Error

// Client is the gateway handed to capability code. The zero value is
// detached: every call fails with ErrDetached except Progress and Log which
// silently do nothing.
type Client struct {
	sessionID string
	task      *Task
}

// NewClient binds a client to the given session and in-flight task. A nil
// task yields a detached client.
func NewClient(sessionID string, task *Task) *Client {
	return &Client{sessionID: sessionID, task: task}
}

// SessionID returns the session the client is bound to.
func (c *Client) SessionID() string {
	if c == nil {
		return ""
	}
	return c.sessionID
}

// Notify sends a fire-and-forget notification to the peer.
func (c *Client) Notify(ctx context.Context, method mcp.Method, params any) error {
	if c == nil || c.task == nil {
		return ErrDetached
	}
	msg, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	_, err = c.suspend(ctx, newEnvelope(KindNotification, msg, c.sessionID, 0))
	return err
}

// Log emits a notifications/message log entry unless level is below the
// threshold the peer selected with logging/setLevel.
func (c *Client) Log(ctx context.Context, level mcp.LoggingLevel, logger string, data any) error {
	if c == nil || c.task == nil {
		return nil
	}
	if c.task.logLevel != "" && level.Severity() < c.task.logLevel.Severity() {
		return nil
	}
	return c.Notify(ctx, mcp.LoggingMessageNotificationMethod, mcp.LoggingMessageNotification{
		Level:  level,
		Data:   data,
		Logger: logger,
	})
}

// Progress reports progress for the in-flight request. It is a no-op when
// the request carried no progress token. A zero total is omitted.
func (c *Client) Progress(ctx context.Context, progress, total float64, message string) error {
	if c == nil || c.task == nil || c.task.progressToken == nil {
		return nil
	}
	return c.Notify(ctx, mcp.ProgressNotificationMethod, mcp.ProgressNotificationParams{
		ProgressToken: c.task.progressToken,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// Request sends method to the peer and blocks until its response arrives or
// the transport loop gives up after timeout. A peer error object is
// returned as a *RemoteError.
func (c *Client) Request(ctx context.Context, method mcp.Method, params any, timeout time.Duration) (json.RawMessage, error) {
	if c == nil || c.task == nil {
		return nil, ErrDetached
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	msg, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(uuid.NewString()), string(method), params)
	if err != nil {
		return nil, err
	}
	resp, err := c.suspend(ctx, newEnvelope(KindRequest, msg, c.sessionID, timeout))
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

// CreateMessage asks the peer to sample its model.
func (c *Client) CreateMessage(ctx context.Context, req *mcp.CreateMessageRequest) (*mcp.CreateMessageResult, error) {
	if err := sampling.Validate(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSamplingFailed, err)
	}
	raw, err := c.Request(ctx, mcp.SamplingCreateMessageMethod, req, 0)
	if err != nil {
		return nil, err
	}
	var res mcp.CreateMessageResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("%w: decode result: %w", ErrSamplingFailed, err)
	}
	return &res, nil
}

// Sample is shorthand for a single-turn text CreateMessage. It returns the
// text of the generated message.
func (c *Client) Sample(ctx context.Context, prompt string, opts ...sampling.Option) (string, error) {
	res, err := c.CreateMessage(ctx, sampling.New([]mcp.SamplingMessage{sampling.UserText(prompt)}, opts...))
	if err != nil {
		return "", err
	}
	if res.Content.Type != mcp.ContentTypeText {
		return "", fmt.Errorf("%w: expected text content, got %q", ErrSamplingFailed, res.Content.Type)
	}
	return res.Content.Text, nil
}

// ListRoots asks the peer for its workspace roots.
func (c *Client) ListRoots(ctx context.Context) ([]mcp.Root, error) {
	raw, err := c.Request(ctx, mcp.RootsListMethod, struct{}{}, 0)
	if err != nil {
		return nil, err
	}
	var res mcp.ListRootsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("gateway: decode roots: %w", err)
	}
	return res.Roots, nil
}

func (c *Client) suspend(ctx context.Context, env *Envelope) (*jsonrpc.Response, error) {
	select {
	case c.task.yield <- env:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-env.resume:
		return r.response, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
