package gateway

import (
	"context"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
)

// Task is the suspension channel of one in-flight request handler. The
// protocol creates a Task per dispatched request, runs the handler with the
// Task attached to its context and services the Envelopes it yields.
type Task struct {
	sessionID     string
	requestID     *jsonrpc.RequestID
	progressToken mcp.ProgressToken
	logLevel      mcp.LoggingLevel
	yield         chan *Envelope
}

// TaskOption configures a Task.
type TaskOption func(*Task)

// WithProgressToken records the progress token the peer attached to the
// request. Without one, Client.Progress is a no-op.
func WithProgressToken(token mcp.ProgressToken) TaskOption {
	return func(t *Task) { t.progressToken = token }
}

// WithLogLevel sets the minimum level forwarded by Client.Log.
func WithLogLevel(level mcp.LoggingLevel) TaskOption {
	return func(t *Task) { t.logLevel = level }
}

// NewTask creates a Task for the request identified by reqID.
func NewTask(sessionID string, reqID *jsonrpc.RequestID, opts ...TaskOption) *Task {
	t := &Task{
		sessionID: sessionID,
		requestID: reqID,
		yield:     make(chan *Envelope),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Yields is the channel the transport loop reads suspended envelopes from.
func (t *Task) Yields() <-chan *Envelope { return t.yield }

// SessionID returns the session the task belongs to.
func (t *Task) SessionID() string { return t.sessionID }

// RequestID returns the id of the inbound request being handled.
func (t *Task) RequestID() *jsonrpc.RequestID { return t.requestID }

type taskKey struct{}

// WithTask attaches t to ctx.
func WithTask(ctx context.Context, t *Task) context.Context {
	return context.WithValue(ctx, taskKey{}, t)
}

// TaskFromContext returns the Task attached to ctx, if any.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	t, ok := ctx.Value(taskKey{}).(*Task)
	return t, ok
}
