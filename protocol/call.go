package protocol

import (
	"context"
	"encoding/json"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// Call is one inbound request or notification as seen by a handler.
type Call struct {
	Method  string
	Params  json.RawMessage
	Session sessions.Session
	// Client is bound to the in-flight request and lets the handler reach
	// the peer. It is detached for notifications.
	Client *gateway.Client

	id *jsonrpc.RequestID
}

// IsNotification reports whether the call carries no id.
func (c *Call) IsNotification() bool { return c.id.IsNil() }

// RequestID returns the string form of the request id, empty for
// notifications.
func (c *Call) RequestID() string { return c.id.String() }

// Bind decodes the params into v. Absent params leave v untouched. A decode
// failure is reported as an Invalid Params protocol error.
func (c *Call) Bind(v any) error {
	if len(c.Params) == 0 || string(c.Params) == "null" {
		return nil
	}
	if err := json.Unmarshal(c.Params, v); err != nil {
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "invalid params: "+err.Error(), nil)
	}
	return nil
}

// meta extracts the _meta object common to MCP request params.
func (c *Call) meta() *mcp.RequestMeta {
	var p struct {
		Meta *mcp.RequestMeta `json:"_meta"`
	}
	if len(c.Params) == 0 || json.Unmarshal(c.Params, &p) != nil {
		return nil
	}
	return p.Meta
}

// RequestHandler serves requests. The protocol consults its request handlers
// in order and hands each request to the first one whose Supports returns
// true; no other handler is tried, even when Handle fails.
type RequestHandler interface {
	Supports(c *Call) bool
	Handle(ctx context.Context, c *Call) (any, error)
}

// NotificationHandler observes notifications. Every supporting handler runs;
// errors are logged and dropped.
type NotificationHandler interface {
	Supports(c *Call) bool
	Handle(ctx context.Context, c *Call) error
}

type methodRequestHandler struct {
	method string
	fn     func(ctx context.Context, c *Call) (any, error)
}

func (h methodRequestHandler) Supports(c *Call) bool { return c.Method == h.method }

func (h methodRequestHandler) Handle(ctx context.Context, c *Call) (any, error) {
	return h.fn(ctx, c)
}

// HandleRequest returns a RequestHandler serving a single method.
func HandleRequest(method mcp.Method, fn func(ctx context.Context, c *Call) (any, error)) RequestHandler {
	return methodRequestHandler{method: string(method), fn: fn}
}

type methodNotificationHandler struct {
	method string
	fn     func(ctx context.Context, c *Call) error
}

func (h methodNotificationHandler) Supports(c *Call) bool { return c.Method == h.method }

func (h methodNotificationHandler) Handle(ctx context.Context, c *Call) error {
	return h.fn(ctx, c)
}

// HandleNotification returns a NotificationHandler for a single method.
func HandleNotification(method mcp.Method, fn func(ctx context.Context, c *Call) error) NotificationHandler {
	return methodNotificationHandler{method: string(method), fn: fn}
}
