package stdio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/google/uuid"
)

// DefaultMaxLineSize bounds a single inbound message unless WithMaxLineSize
// says otherwise.
const DefaultMaxLineSize = 16 << 20

// ErrAlreadyServing is returned by a second call to Serve.
var ErrAlreadyServing = errors.New("stdio: handler already serving")

var _ protocol.Transport = (*Handler)(nil)

// Handler is a single-connection stdio transport that reads JSON-RPC messages
// from an io.Reader and writes replies to an io.Writer. By default, it uses
// os.Stdin and os.Stdout.
//
// The handler is transport-only; all MCP semantics live in the Protocol it
// is bound to.
type Handler struct {
	p       *protocol.Protocol
	r       io.Reader
	w       io.Writer
	l       *slog.Logger
	maxLine int

	wmu sync.Mutex

	mu        sync.Mutex
	onMessage protocol.MessageFunc
	onClosed  func(ctx context.Context, sessionID string)
	sessionID string

	serving atomic.Bool
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(p *protocol.Protocol, opts ...Option) *Handler {
	h := &Handler{
		p:       p,
		r:       os.Stdin,
		w:       os.Stdout,
		l:       slog.New(slog.DiscardHandler),
		maxLine: DefaultMaxLineSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.l = slog.New(logctx.Handler{Handler: h.l.Handler()})
	return h
}

// OnMessage implements protocol.Transport.
func (h *Handler) OnMessage(fn protocol.MessageFunc) {
	h.mu.Lock()
	h.onMessage = fn
	h.mu.Unlock()
}

// OnSessionClosed implements protocol.Transport.
func (h *Handler) OnSessionClosed(fn func(ctx context.Context, sessionID string)) {
	h.mu.Lock()
	h.onClosed = fn
	h.mu.Unlock()
}

// Send writes one message followed by a newline. The first non-empty session
// id it sees becomes the connection's session.
func (h *Handler) Send(ctx context.Context, data []byte, sessionID string) error {
	if sessionID != "" {
		h.mu.Lock()
		if h.sessionID == "" {
			h.sessionID = sessionID
			h.l.InfoContext(ctx, "stdio.session.bound", slog.String("session_id", sessionID))
		}
		h.mu.Unlock()
	}

	h.wmu.Lock()
	defer h.wmu.Unlock()
	if _, err := h.w.Write(append(bytes.TrimSpace(data), '\n')); err != nil {
		return fmt.Errorf("stdio: write: %w", err)
	}
	return nil
}

func (h *Handler) session() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessionID
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. It connects the handler to its Protocol and may be called at
// most once. A clean EOF returns nil.
func (h *Handler) Serve(ctx context.Context) error {
	if !h.serving.CompareAndSwap(false, true) {
		return ErrAlreadyServing
	}
	if err := h.p.Connect(h); err != nil {
		return err
	}

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{RequestID: uuid.NewString(), Transport: "stdio"})
	h.l.InfoContext(ctx, "stdio.serve.start")

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), h.maxLine)
		for sc.Scan() {
			line := bytes.TrimSpace(sc.Bytes())
			if len(line) == 0 {
				continue
			}
			select {
			case lines <- append([]byte(nil), line...):
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	// Requests are served sequentially by a single worker so replies keep
	// arrival order.
	queue := make(chan []byte, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for line := range queue {
			h.dispatch(ctx, line)
		}
	}()
	defer func() {
		close(queue)
		wg.Wait()
		h.closeSession(context.WithoutCancel(ctx))
	}()

	for {
		select {
		case <-ctx.Done():
			h.l.InfoContext(ctx, "stdio.serve.cancelled")
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				h.l.ErrorContext(ctx, "stdio.read.err", slog.String("err", err.Error()))
				return fmt.Errorf("stdio: read: %w", err)
			}
			h.l.InfoContext(ctx, "stdio.serve.eof")
			return nil
		case line := <-lines:
			switch {
			case h.session() == "":
				// Nothing can run concurrently before initialize binds the
				// session.
				h.dispatch(ctx, line)
			case carriesRequest(line):
				select {
				case queue <- line:
				case <-ctx.Done():
					return ctx.Err()
				}
			default:
				h.dispatch(ctx, line)
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, line []byte) {
	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	if fn == nil {
		return
	}
	fn(ctx, line, h.session())
}

func (h *Handler) closeSession(ctx context.Context) {
	h.mu.Lock()
	id, fn := h.sessionID, h.onClosed
	h.mu.Unlock()
	if id == "" || fn == nil {
		return
	}
	fn(ctx, id)
	h.l.InfoContext(ctx, "stdio.session.closed", slog.String("session_id", id))
}

// carriesRequest reports whether line holds at least one request that
// expects a response. Unparseable lines count as requests so their parse
// error is answered in order.
func carriesRequest(line []byte) bool {
	entries, _, err := jsonrpc.Decode(line)
	if err != nil {
		return true
	}
	for _, e := range entries {
		if e.Invalid != nil || (e.Request != nil && !e.Request.IsNotification()) {
			return true
		}
	}
	return false
}
