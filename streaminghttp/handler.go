package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/google/uuid"
)

var (
	ErrNoStream      = errors.New("streaminghttp: no open stream for session")
	ErrStreamBacklog = errors.New("streaminghttp: stream backlog full")
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
	postMediaTypes        = []contenttype.MediaType{eventStreamMediaType, jsonMediaType}
)

const (
	mcpSessionIDHeader = "Mcp-Session-Id"

	// DefaultMaxBodyBytes bounds a POST body unless WithMaxBodyBytes says
	// otherwise.
	DefaultMaxBodyBytes = 4 << 20

	streamBacklog = 64
)

var _ protocol.Transport = (*Handler)(nil)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. Shape: {"error":{"code":<status>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// Handler is an http.Handler serving one MCP endpoint for any number of
// sessions. All MCP semantics live in the Protocol it is bound to.
type Handler struct {
	p       *protocol.Protocol
	log     *slog.Logger
	mux     *http.ServeMux
	maxBody int64

	mu        sync.Mutex
	onMessage protocol.MessageFunc
	onClosed  func(ctx context.Context, sessionID string)
	streams   map[string]*stream
}

// New builds a Handler serving the endpoint at publicEndpoint and connects it
// to p. Only the path of publicEndpoint is used for routing.
func New(publicEndpoint string, p *protocol.Protocol, opts ...Option) (*Handler, error) {
	mcpURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server URL: %w", err)
	}
	if mcpURL.Scheme != "https" && mcpURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", mcpURL.Scheme)
	}

	h := &Handler{
		p:       p,
		log:     slog.New(slog.DiscardHandler),
		maxBody: DefaultMaxBodyBytes,
		streams: make(map[string]*stream),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	if err := p.Connect(h); err != nil {
		return nil, err
	}

	path := pathOnly(mcpURL)
	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleDelete)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u.Path == "" {
		return "/"
	}
	return u.Path
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Transport:  "http",
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
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

// Send routes a message for sessionID. Messages produced while a POST is
// being served go back on that POST's response; everything else goes to the
// session's GET stream.
func (h *Handler) Send(ctx context.Context, data []byte, sessionID string) error {
	if ex, ok := ctx.Value(exchangeKey{}).(*exchange); ok {
		handled, err := ex.deliver(data, sessionID)
		if handled || err != nil {
			return err
		}
	}

	h.mu.Lock()
	s := h.streams[sessionID]
	h.mu.Unlock()
	if s == nil {
		return ErrNoStream
	}
	select {
	case s.out <- append([]byte(nil), data...):
		return nil
	case <-s.done:
		return ErrNoStream
	default:
		return ErrStreamBacklog
	}
}

// handlePost feeds one JSON-RPC payload to the protocol. Replies are written
// as an SSE stream or a single JSON body depending on the Accept header.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "http.post.content_type.unsupported")
		return
	}
	accepted, _, err := contenttype.GetAcceptableMediaType(r, postMediaTypes)
	if err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept application/json or text/event-stream")
		h.log.WarnContext(ctx, "http.post.accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "failed to read request body")
		}
		h.log.WarnContext(ctx, "http.post.body.err", slog.String("err", err.Error()))
		return
	}

	ex := &exchange{
		w:         w,
		sse:       accepted.Matches(eventStreamMediaType),
		sessionID: r.Header.Get(mcpSessionIDHeader),
		batch:     bytes.HasPrefix(bytes.TrimSpace(body), []byte("[")),
	}
	if f, ok := w.(http.Flusher); ok && ex.sse {
		ex.wf = &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	} else {
		ex.sse = false
	}

	h.mu.Lock()
	fn := h.onMessage
	h.mu.Unlock()
	if fn != nil {
		fn(context.WithValue(ctx, exchangeKey{}, ex), body, ex.sessionID)
	}

	if err := ex.finish(); err != nil {
		h.log.ErrorContext(ctx, "http.post.write.err", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
}

// handleGet opens the session's standalone SSE stream. Opening a new stream
// replaces the previous one.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "client must accept text/event-stream")
		h.log.WarnContext(ctx, "http.get.accept.unsupported")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "http.get.flusher.missing")
		return
	}

	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session id required")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	ok, err := h.p.SessionExists(ctx, sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
		h.log.ErrorContext(ctx, "http.get.session.err", slog.String("err", err.Error()))
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found or expired")
		return
	}

	s := &stream{out: make(chan []byte, streamBacklog), done: make(chan struct{})}
	h.mu.Lock()
	if prev := h.streams[sessionID]; prev != nil {
		prev.close()
	}
	h.streams[sessionID] = s
	h.mu.Unlock()
	defer h.dropStream(sessionID, s)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(mcpSessionIDHeader, sessionID)
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	h.log.InfoContext(ctx, "http.get.stream.open")

	var seq int64
	for {
		select {
		case <-ctx.Done():
			h.log.InfoContext(ctx, "http.get.stream.client_gone")
			return
		case <-s.done:
			h.log.InfoContext(ctx, "http.get.stream.replaced")
			return
		case data := <-s.out:
			seq++
			if err := writeSSEEvent(wf, strconv.FormatInt(seq, 10), data); err != nil {
				h.log.ErrorContext(ctx, "http.get.stream.write.err", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleDelete terminates a session.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.Header.Get(mcpSessionIDHeader)
	if sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session id required")
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessionID})
	ok, err := h.p.SessionExists(ctx, sessionID)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session lookup failed")
		h.log.ErrorContext(ctx, "http.delete.session.err", slog.String("err", err.Error()))
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "session not found or expired")
		return
	}

	h.mu.Lock()
	fn := h.onClosed
	if s := h.streams[sessionID]; s != nil {
		s.close()
		delete(h.streams, sessionID)
	}
	h.mu.Unlock()
	if fn != nil {
		fn(ctx, sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok")
}

func (h *Handler) dropStream(sessionID string, s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[sessionID] == s {
		delete(h.streams, sessionID)
	}
	s.close()
}

type stream struct {
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

type exchangeKey struct{}

// exchange collects what the protocol sends while one POST is being served.
type exchange struct {
	w     http.ResponseWriter
	wf    *lockedWriteFlusher
	sse   bool
	batch bool

	mu        sync.Mutex
	sessionID string
	started   bool
	finished  bool
	collected []json.RawMessage
	status    int
	rejection []byte
}

// deliver takes data when it belongs on this POST's response. It reports
// false for messages that must travel on the session's GET stream.
func (ex *exchange) deliver(data []byte, sessionID string) (bool, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.finished {
		return false, nil
	}

	if ex.sessionID != "" && sessionID != "" && sessionID != ex.sessionID {
		return false, nil
	}
	if ex.sessionID == "" {
		ex.sessionID = sessionID
	}

	if !ex.started && len(ex.collected) == 0 {
		if status := rejectionStatus(data); status != 0 {
			ex.status = status
			ex.rejection = append([]byte(nil), data...)
			return true, nil
		}
	}

	if !ex.sse {
		if !isResponse(data) {
			return false, nil
		}
		ex.collected = append(ex.collected, append(json.RawMessage(nil), data...))
		return true, nil
	}

	if !ex.started {
		ex.writeHeaders(http.StatusOK, eventStreamMediaType.String())
		ex.started = true
	}
	return true, writeSSEEvent(ex.wf, "", data)
}

func (ex *exchange) writeHeaders(status int, contentType string) {
	if contentType != "" {
		ex.w.Header().Set("Content-Type", contentType)
	}
	if ex.sessionID != "" {
		ex.w.Header().Set(mcpSessionIDHeader, ex.sessionID)
	}
	if contentType == eventStreamMediaType.String() {
		ex.w.Header().Set("Cache-Control", "no-cache")
	}
	ex.w.WriteHeader(status)
}

// finish writes whatever the POST has not written yet. Messages sent after
// finish fall through to the GET stream.
func (ex *exchange) finish() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.finished = true

	switch {
	case ex.status != 0:
		ex.w.Header().Set("Content-Type", jsonMediaType.String())
		ex.w.WriteHeader(ex.status)
		_, err := ex.w.Write(ex.rejection)
		return err
	case ex.started:
		return nil
	case len(ex.collected) == 0:
		ex.writeHeaders(http.StatusAccepted, "")
		return nil
	}

	var body []byte
	if len(ex.collected) == 1 && !ex.batch {
		body = ex.collected[0]
	} else {
		var err error
		if body, err = json.Marshal(ex.collected); err != nil {
			return err
		}
	}
	ex.writeHeaders(http.StatusOK, jsonMediaType.String())
	_, err := ex.w.Write(body)
	return err
}

// rejectionStatus extracts the HTTP status the protocol attaches to session
// rejections.
func rejectionStatus(data []byte) int {
	var msg struct {
		Error *struct {
			Data struct {
				Status int `json:"status"`
			} `json:"data"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Error == nil {
		return 0
	}
	return msg.Error.Data.Status
}

func isResponse(data []byte) bool {
	var msg struct {
		Method *string `json:"method"`
	}
	return json.Unmarshal(data, &msg) == nil && msg.Method == nil
}

// writeSSEEvent writes one Server-Sent Event carrying payload and flushes.
func writeSSEEvent(wf *lockedWriteFlusher, msgID string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
