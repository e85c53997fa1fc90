package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

var (
	errCancelledByPeer = errors.New("protocol: request cancelled by peer")
	errSessionClosed   = errors.New("protocol: session closed")
	errProtocolClosed  = errors.New("protocol: closed")
)

type taskOutcome struct {
	result any
	err    error
}

// runTask runs h for call and services the envelopes it yields until the
// handler returns. cancelled reports that no response must be sent.
func (p *Protocol) runTask(ctx context.Context, call *Call, h RequestHandler) (result any, cancelled bool, err error) {
	sessID := call.Session.ID()
	reqKey := call.id.Key()

	taskCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if p.requestTimeout > 0 {
		var stop context.CancelFunc
		taskCtx, stop = context.WithTimeout(taskCtx, p.requestTimeout)
		defer stop()
	}

	var opts []gateway.TaskOption
	if meta := call.meta(); meta != nil && meta.ProgressToken != nil {
		opts = append(opts, gateway.WithProgressToken(meta.ProgressToken))
	}
	if level, ok := sessions.Lookup[mcp.LoggingLevel](call.Session, sessions.KeyLogLevel); ok {
		opts = append(opts, gateway.WithLogLevel(level))
	}
	task := gateway.NewTask(sessID, call.id, opts...)
	call.Client = gateway.NewClient(sessID, task)
	taskCtx = gateway.WithTask(taskCtx, task)

	p.running.register(sessID, reqKey, cancel)
	defer p.running.remove(sessID, reqKey)
	defer p.pending.dropOwner(sessID, reqKey)

	done := make(chan taskOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- taskOutcome{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		res, err := h.Handle(taskCtx, call)
		done <- taskOutcome{result: res, err: err}
	}()

	for {
		select {
		case env := <-task.Yields():
			p.service(ctx, env, reqKey)
		case out := <-done:
			if errors.Is(context.Cause(taskCtx), errCancelledByPeer) {
				return nil, true, nil
			}
			return out.result, false, out.err
		case <-taskCtx.Done():
			if errors.Is(taskCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, false, jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "request timed out", nil)
			}
			return nil, true, nil
		}
	}
}

// service performs the I/O a suspended task asked for. Notifications are
// resumed as soon as they are handed to the transport; requests are parked
// in the pending table until handleResponse or the timeout resumes them.
func (p *Protocol) service(ctx context.Context, env *gateway.Envelope, owner string) {
	data, err := json.Marshal(env.Message)
	if err != nil {
		env.Resume(fmt.Errorf("protocol: encode %s: %w", env.Kind, err))
		return
	}

	switch env.Kind {
	case gateway.KindNotification:
		if err := p.send(ctx, data, env.SessionID); err != nil {
			p.log.DebugContext(ctx, "protocol.task.notify.err", slog.String("method", env.Message.Method), slog.String("err", err.Error()))
			env.Resume(err)
			return
		}
		env.Resume(nil)

	case gateway.KindRequest:
		id := env.Message.ID.Key()
		timeout := env.Timeout
		if timeout <= 0 {
			timeout = gateway.DefaultRequestTimeout
		}
		p.pending.add(env.SessionID, id, owner, env, timeout, func() {
			if e := p.pending.take(env.SessionID, id); e != nil {
				p.log.InfoContext(ctx, "protocol.task.request.timeout", slog.String("method", e.Message.Method), slog.String("request_id", env.Message.ID.String()))
				e.Resume(jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, "request timed out", nil))
			}
		})
		if err := p.send(ctx, data, env.SessionID); err != nil {
			if e := p.pending.take(env.SessionID, id); e != nil {
				e.Resume(err)
			}
		}
	}
}

// cancelRequest aborts the in-flight request id of session sessID.
func (p *Protocol) cancelRequest(sessID, id string) bool {
	return p.running.cancel(sessID, id, errCancelledByPeer)
}

// taskTable indexes the cancel functions of running tasks by session and
// request id.
type taskTable struct {
	mu sync.Mutex
	m  map[string]map[string]context.CancelCauseFunc
}

func newTaskTable() *taskTable {
	return &taskTable{m: make(map[string]map[string]context.CancelCauseFunc)}
}

func (t *taskTable) register(sess, id string, cancel context.CancelCauseFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[sess] == nil {
		t.m[sess] = make(map[string]context.CancelCauseFunc)
	}
	t.m[sess][id] = cancel
}

func (t *taskTable) remove(sess, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m[sess], id)
	if len(t.m[sess]) == 0 {
		delete(t.m, sess)
	}
}

func (t *taskTable) cancel(sess, id string, cause error) bool {
	t.mu.Lock()
	fn, ok := t.m[sess][id]
	t.mu.Unlock()
	if ok {
		fn(cause)
	}
	return ok
}

func (t *taskTable) cancelSession(sess string) {
	t.mu.Lock()
	fns := t.m[sess]
	delete(t.m, sess)
	t.mu.Unlock()
	for _, fn := range fns {
		fn(errSessionClosed)
	}
}

func (t *taskTable) cancelAll() {
	t.mu.Lock()
	all := t.m
	t.m = make(map[string]map[string]context.CancelCauseFunc)
	t.mu.Unlock()
	for _, fns := range all {
		for _, fn := range fns {
			fn(errProtocolClosed)
		}
	}
}

// pendingTable holds server-initiated requests awaiting the peer's answer,
// keyed by session and outbound request id.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]map[string]*pendingEntry
}

type pendingEntry struct {
	env   *gateway.Envelope
	owner string
	timer *time.Timer
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]map[string]*pendingEntry)}
}

func (t *pendingTable) add(sess, id, owner string, env *gateway.Envelope, timeout time.Duration, onTimeout func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[sess] == nil {
		t.m[sess] = make(map[string]*pendingEntry)
	}
	t.m[sess][id] = &pendingEntry{env: env, owner: owner, timer: time.AfterFunc(timeout, onTimeout)}
}

// take removes and returns the envelope parked under id. Only one caller
// ever receives a given envelope, so it is resumed at most once.
func (t *pendingTable) take(sess, id string) *gateway.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.m[sess][id]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(t.m[sess], id)
	if len(t.m[sess]) == 0 {
		delete(t.m, sess)
	}
	return e.env
}

// dropOwner discards entries left behind by a finished task. The task no
// longer waits on them.
func (t *pendingTable) dropOwner(sess, owner string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.m[sess] {
		if e.owner == owner {
			e.timer.Stop()
			delete(t.m[sess], id)
		}
	}
	if len(t.m[sess]) == 0 {
		delete(t.m, sess)
	}
}

func (t *pendingTable) closeSession(sess string, cause error) {
	t.mu.Lock()
	entries := t.m[sess]
	delete(t.m, sess)
	t.mu.Unlock()
	for _, e := range entries {
		e.timer.Stop()
		e.env.Resume(cause)
	}
}

func (t *pendingTable) len(sess string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m[sess])
}
