// Package protocol is the MCP server orchestrator. It decodes inbound
// JSON-RPC payloads, resolves the caller's session, dispatches each message
// to the request or notification pipeline and hands encoded replies back to
// the transport.
//
// Request handlers run as tasks. A task may suspend at a gateway call site to
// notify the peer or to wait for the peer's answer to a server-initiated
// request; the protocol performs that I/O and resumes the task. Answers from
// the peer arrive through ProcessInput like any other message and are matched
// to the suspended task by session and request id.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
)

// MessageFunc receives raw inbound payloads from a transport.
type MessageFunc func(ctx context.Context, data []byte, sessionID string)

// Transport moves encoded messages between the protocol and the peer.
type Transport interface {
	// Send delivers one encoded message to the peer of sessionID. The ctx is
	// the one the protocol received the triggering payload with, so
	// transports can route replies to the originating exchange.
	Send(ctx context.Context, data []byte, sessionID string) error
	OnMessage(fn MessageFunc)
	OnSessionClosed(fn func(ctx context.Context, sessionID string))
}

// Protocol dispatches messages for any number of sessions.
type Protocol struct {
	reg   *registry.Registry
	store sessions.Store
	refs  *reference.Handler
	subs  *subscriptions.Manager
	log   *slog.Logger

	serverInfo     mcp.ImplementationInfo
	instructions   string
	gcProbability  float64
	rand           func() float64
	requestTimeout time.Duration
	pageSize       int

	registerer prometheus.Registerer
	metrics    *metrics

	extraRequest         []RequestHandler
	extraNotify          []NotificationHandler
	requestHandlers      []RequestHandler
	notificationHandlers []NotificationHandler

	mu        sync.Mutex
	transport Transport
	live      map[string]struct{}
	done      chan struct{}
	closeOnce sync.Once

	pending *pendingTable
	running *taskTable
}

// New builds a Protocol serving the capabilities in reg with sessions kept
// in store.
func New(reg *registry.Registry, store sessions.Store, opts ...Option) *Protocol {
	p := &Protocol{
		reg:           reg,
		store:         store,
		log:           slog.New(slog.DiscardHandler),
		serverInfo:    mcp.ImplementationInfo{Name: "mcp-runtime-go", Version: "dev"},
		gcProbability: DefaultGCProbability,
		rand:          rand.Float64,
		pageSize:      DefaultPageSize,
		live:          make(map[string]struct{}),
		done:          make(chan struct{}),
		pending:       newPendingTable(),
		running:       newTaskTable(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.refs == nil {
		p.refs = reference.NewHandler(reference.WithLogger(p.log))
	}
	if p.subs == nil {
		p.subs = subscriptions.NewManager(subscriptions.WithLogger(p.log))
	}
	if p.registerer != nil {
		m, err := newMetrics(p.registerer)
		if err != nil {
			p.log.Warn("protocol.metrics.register.err", slog.String("err", err.Error()))
		} else {
			p.metrics = m
		}
	}
	p.requestHandlers = append(append([]RequestHandler(nil), p.extraRequest...), p.defaultRequestHandlers()...)
	p.notificationHandlers = append(p.defaultNotificationHandlers(), p.extraNotify...)
	return p
}

// Subscriptions returns the subscription manager.
func (p *Protocol) Subscriptions() *subscriptions.Manager { return p.subs }

// Connect binds the protocol to t. A Protocol serves exactly one transport;
// a second call returns ErrAlreadyConnected.
func (p *Protocol) Connect(t Transport) error {
	p.mu.Lock()
	if p.transport != nil {
		p.mu.Unlock()
		return ErrAlreadyConnected
	}
	p.transport = t
	p.mu.Unlock()

	t.OnMessage(p.ProcessInput)
	t.OnSessionClosed(func(ctx context.Context, id string) {
		if err := p.DestroySession(ctx, id); err != nil {
			p.log.ErrorContext(ctx, "protocol.session.destroy.err", slog.String("session_id", id), slog.String("err", err.Error()))
		}
	})
	go p.forwardListChanges(
		p.reg.Changes(reference.KindTool),
		p.reg.Changes(reference.KindResource),
		p.reg.Changes(reference.KindPrompt),
	)
	return nil
}

// Close stops background work started by Connect and cancels in-flight
// tasks. It does not close the transport.
func (p *Protocol) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.running.cancelAll()
	})
}

// ProcessInput handles one inbound payload: a single message or a batch.
// It never panics and reports every failure to the peer or the log.
func (p *Protocol) ProcessInput(ctx context.Context, raw []byte, sessionID string) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "protocol.process_input.panic", slog.String("err", fmt.Sprint(r)))
		}
	}()

	entries, _, err := jsonrpc.Decode(raw)
	if err != nil {
		p.log.InfoContext(ctx, "protocol.process_input.parse_error", slog.String("err", err.Error()))
		p.metrics.message("invalid", "", outcomeRejected)
		p.sendError(ctx, nil, jsonrpc.ErrorCodeParseError, "parse error", nil, sessionID)
		return
	}

	p.maybeGC(ctx)

	sess, rejection := p.resolveSession(ctx, entries, sessionID)
	if rejection != nil {
		p.metrics.message("session", "", outcomeRejected)
		if err := p.SendResponse(ctx, rejection, sessionID); err != nil {
			p.log.ErrorContext(ctx, "protocol.send.err", slog.String("err", err.Error()))
		}
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.ID()})

	for _, e := range entries {
		switch {
		case e.Invalid != nil:
			p.metrics.message("invalid", "", outcomeRejected)
			p.log.InfoContext(ctx, "protocol.process_input.invalid", slog.String("err", e.Invalid.Reason))
			p.sendError(ctx, e.Invalid.ID, jsonrpc.ErrorCodeInvalidRequest, "invalid request: "+e.Invalid.Reason, nil, sess.ID())
		case e.Request != nil && e.Request.IsNotification():
			p.handleNotification(ctx, sess, e.Request)
		case e.Request != nil:
			p.handleRequest(ctx, sess, e.Request)
		case e.Response != nil:
			p.handleResponse(ctx, sess.ID(), e.Response)
		}
	}

	if err := sess.Save(ctx); err != nil {
		p.log.ErrorContext(ctx, "protocol.session.save.err", slog.String("err", err.Error()))
	}
}

// resolveSession finds or creates the session the payload belongs to. A
// non-nil response means the payload was rejected and must not be
// dispatched.
func (p *Protocol) resolveSession(ctx context.Context, entries []jsonrpc.Entry, sessionID string) (sessions.Session, *jsonrpc.Response) {
	var initReq *jsonrpc.Request
	for _, e := range entries {
		if e.Request != nil && !e.Request.IsNotification() && e.Request.Method == string(mcp.InitializeMethod) {
			initReq = e.Request
			break
		}
	}

	if initReq != nil {
		if len(entries) > 1 {
			return nil, jsonrpc.NewErrorResponse(initReq.ID, jsonrpc.ErrorCodeInvalidRequest, msgInitializeBatched, nil)
		}
		if sessionID != "" {
			return nil, jsonrpc.NewErrorResponse(initReq.ID, jsonrpc.ErrorCodeInvalidRequest, msgInitializeSessionID, nil)
		}
		sess, err := p.store.Create(ctx)
		if err != nil {
			p.log.ErrorContext(ctx, "protocol.session.create.err", slog.String("err", err.Error()))
			return nil, jsonrpc.NewErrorResponse(initReq.ID, jsonrpc.ErrorCodeInternalError, "failed to create session", nil)
		}
		p.track(sess.ID())
		p.log.InfoContext(ctx, "protocol.session.created", slog.String("session_id", sess.ID()))
		return sess, nil
	}

	id := soleRequestID(entries)
	if sessionID == "" {
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, msgSessionIDRequired, statusData{Status: 400})
	}
	sess, err := p.store.CreateWithID(ctx, sessionID)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		p.untrack(sessionID)
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInvalidRequest, msgSessionNotFound, statusData{Status: 404})
	case err != nil:
		p.log.ErrorContext(ctx, "protocol.session.load.err", slog.String("session_id", sessionID), slog.String("err", err.Error()))
		return nil, jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "failed to load session", nil)
	}
	p.track(sess.ID())
	return sess, nil
}

// soleRequestID is the id to answer a rejected payload with: the request's
// own id for a single request, null otherwise.
func soleRequestID(entries []jsonrpc.Entry) *jsonrpc.RequestID {
	if len(entries) == 1 && entries[0].Request != nil {
		return entries[0].Request.ID
	}
	return nil
}

func (p *Protocol) handleRequest(ctx context.Context, sess sessions.Session, req *jsonrpc.Request) {
	start := time.Now()
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})
	log := p.log.With(slog.String("method", req.Method))

	call := &Call{Method: req.Method, Params: req.Params, Session: sess, id: req.ID}

	var handler RequestHandler
	for _, h := range p.requestHandlers {
		if h.Supports(call) {
			handler = h
			break
		}
	}
	if handler == nil {
		log.InfoContext(ctx, "protocol.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		p.metrics.message("request", req.Method, outcomeRejected)
		p.sendError(ctx, req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil, sess.ID())
		return
	}

	result, cancelled, err := p.runTask(ctx, call, handler)
	p.metrics.request(req.Method, time.Since(start))
	if cancelled {
		log.InfoContext(ctx, "protocol.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		p.metrics.message("request", req.Method, outcomeCancelled)
		return
	}
	if err != nil {
		rpcErr := toRPCError(err)
		if rpcErr.Code == jsonrpc.ErrorCodeInternalError {
			log.ErrorContext(ctx, "protocol.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		} else {
			log.InfoContext(ctx, "protocol.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		}
		p.metrics.message("request", req.Method, outcomeError)
		p.sendError(ctx, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data, sess.ID())
		return
	}

	resp, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		log.ErrorContext(ctx, "protocol.handle_request.encode.err", slog.String("err", err.Error()))
		p.metrics.message("request", req.Method, outcomeError)
		p.sendError(ctx, req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil, sess.ID())
		return
	}
	log.InfoContext(ctx, "protocol.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	p.metrics.message("request", req.Method, outcomeOK)
	if err := p.SendResponse(ctx, resp, sess.ID()); err != nil {
		log.ErrorContext(ctx, "protocol.send.err", slog.String("err", err.Error()))
	}
}

func (p *Protocol) handleNotification(ctx context.Context, sess sessions.Session, note *jsonrpc.Request) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: note.Method, Type: "notification"})
	call := &Call{Method: note.Method, Params: note.Params, Session: sess, Client: gateway.NewClient(sess.ID(), nil)}

	matched := 0
	for _, h := range p.notificationHandlers {
		if !h.Supports(call) {
			continue
		}
		matched++
		if err := safeNotify(ctx, h, call); err != nil {
			p.metrics.message("notification", note.Method, outcomeError)
			p.log.ErrorContext(ctx, "protocol.handle_notification.err", slog.String("method", note.Method), slog.String("err", err.Error()))
			continue
		}
		p.metrics.message("notification", note.Method, outcomeOK)
	}
	if matched == 0 {
		p.log.DebugContext(ctx, "protocol.handle_notification.unhandled", slog.String("method", note.Method))
	}
}

func safeNotify(ctx context.Context, h NotificationHandler, c *Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notification handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, c)
}

// handleResponse resumes the task waiting on a server-initiated request.
func (p *Protocol) handleResponse(ctx context.Context, sessionID string, resp *jsonrpc.Response) {
	env := p.pending.take(sessionID, resp.ID.Key())
	if env == nil {
		p.log.DebugContext(ctx, "protocol.handle_response.unmatched", slog.String("request_id", resp.ID.String()))
		p.metrics.message("response", "", outcomeRejected)
		return
	}
	p.metrics.message("response", env.Message.Method, outcomeOK)
	env.Resume(resp)
}

// SendResponse encodes resp and hands it to the transport. When resp cannot
// be encoded a generic Internal Error with the same id is sent instead.
func (p *Protocol) SendResponse(ctx context.Context, resp *jsonrpc.Response, sessionID string) error {
	data, err := json.Marshal(resp)
	if err != nil {
		p.log.ErrorContext(ctx, "protocol.send_response.encode.err", slog.String("err", err.Error()))
		data, err = json.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil))
		if err != nil {
			return err
		}
	}
	return p.send(ctx, data, sessionID)
}

func (p *Protocol) sendError(ctx context.Context, id *jsonrpc.RequestID, code jsonrpc.ErrorCode, msg string, data any, sessionID string) {
	if err := p.SendResponse(ctx, jsonrpc.NewErrorResponse(id, code, msg, data), sessionID); err != nil {
		p.log.ErrorContext(ctx, "protocol.send.err", slog.String("err", err.Error()))
	}
}

// SendNotification sends a notification to the peer of sessionID.
func (p *Protocol) SendNotification(ctx context.Context, sessionID string, method mcp.Method, params any) error {
	note, err := jsonrpc.NewNotification(string(method), params)
	if err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return p.send(ctx, data, sessionID)
}

var _ subscriptions.Sink = (*Protocol)(nil)

func (p *Protocol) send(ctx context.Context, data []byte, sessionID string) error {
	p.mu.Lock()
	t := p.transport
	p.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, data, sessionID)
}

// NotifyResourceChanged tells every session subscribed to uri that the
// resource changed.
func (p *Protocol) NotifyResourceChanged(ctx context.Context, uri string) error {
	return p.subs.NotifyAll(ctx, p, p.store.CreateWithID, uri)
}

// SessionExists reports whether id names a live session.
func (p *Protocol) SessionExists(ctx context.Context, id string) (bool, error) {
	return p.store.Exists(ctx, id)
}

// DestroySession removes the session from the store and forgets everything
// the protocol tracks for it. Destroying an unknown session is not an error.
func (p *Protocol) DestroySession(ctx context.Context, id string) error {
	if err := p.store.Destroy(ctx, id); err != nil {
		return fmt.Errorf("protocol: destroy session: %w", err)
	}
	p.forget(id)
	p.log.InfoContext(ctx, "protocol.session.destroyed", slog.String("session_id", id))
	return nil
}

func (p *Protocol) forget(id string) {
	p.untrack(id)
	p.subs.Forget(id)
	p.running.cancelSession(id)
	p.pending.closeSession(id, errSessionClosed)
}

func (p *Protocol) maybeGC(ctx context.Context) {
	if p.gcProbability <= 0 || p.rand() >= p.gcProbability {
		return
	}
	ids, err := p.store.GC(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "protocol.session.gc.err", slog.String("err", err.Error()))
		return
	}
	for _, id := range ids {
		p.forget(id)
	}
	p.metrics.reaped(len(ids))
	if len(ids) > 0 {
		p.log.InfoContext(ctx, "protocol.session.gc", slog.Int("reaped", len(ids)))
	}
}

func (p *Protocol) track(id string) {
	p.mu.Lock()
	p.live[id] = struct{}{}
	p.mu.Unlock()
}

func (p *Protocol) untrack(id string) {
	p.mu.Lock()
	delete(p.live, id)
	p.mu.Unlock()
}

func (p *Protocol) liveSessions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.live))
	for id := range p.live {
		out = append(out, id)
	}
	return out
}

// forwardListChanges relays registry change signals to every live session.
func (p *Protocol) forwardListChanges(tools, resources, prompts <-chan struct{}) {
	for {
		var method mcp.Method
		select {
		case <-p.done:
			return
		case _, ok := <-tools:
			if !ok {
				return
			}
			method = mcp.ToolsListChangedNotificationMethod
		case _, ok := <-resources:
			if !ok {
				return
			}
			method = mcp.ResourcesListChangedNotificationMethod
		case _, ok := <-prompts:
			if !ok {
				return
			}
			method = mcp.PromptsListChangedNotificationMethod
		}

		ctx := context.Background()
		for _, id := range p.liveSessions() {
			if err := p.SendNotification(ctx, id, method, nil); err != nil {
				p.log.DebugContext(ctx, "protocol.list_changed.send.err", slog.String("session_id", id), slog.String("err", err.Error()))
			}
		}
	}
}
