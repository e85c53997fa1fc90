package streaminghttp_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
	"github.com/ggoodman/mcp-runtime-go/sessions/memorystore"
	"github.com/ggoodman/mcp-runtime-go/streaminghttp"
)

const (
	acceptSSE  = "application/json, text/event-stream"
	acceptJSON = "application/json"
)

type sseEvent struct {
	event string
	id    string
	data  json.RawMessage
}

func mustServer(t *testing.T, reg *registry.Registry) *httptest.Server {
	t.Helper()
	p := protocol.New(reg, memorystore.New(), protocol.WithGCProbability(0))
	h, err := streaminghttp.New("http://example.com/mcp", p)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})
	return srv
}

func echoRegistry(t *testing.T, opts ...registry.Option) *registry.Registry {
	t.Helper()
	reg := registry.New(opts...)
	err := reg.RegisterTool(mcp.Tool{Name: "echo"}, reference.Func(func(text string) string { return text }, reference.Params("text")), true)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func doPost(t *testing.T, srv *httptest.Server, accept, sessionID string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/mcp", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	return resp
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func request(t *testing.T, id any, method mcp.Method, params any) []byte {
	t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	if err != nil {
		t.Fatal(err)
	}
	return mustJSON(t, req)
}

func initializeBody(t *testing.T) []byte {
	return request(t, "init", mcp.InitializeMethod, mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "c", Version: "1"},
		Capabilities:    mcp.ClientCapabilities{Sampling: &struct{}{}},
	})
}

// initialize runs the handshake in JSON mode and returns the session id.
func initialize(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := doPost(t, srv, acceptJSON, "", initializeBody(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("initialize status %d body=%s", resp.StatusCode, b)
	}
	sessID := resp.Header.Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatalf("missing session id")
	}

	note, _ := jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod), nil)
	nresp := doPost(t, srv, acceptJSON, sessID, mustJSON(t, note))
	nresp.Body.Close()
	if nresp.StatusCode != http.StatusAccepted {
		t.Fatalf("initialized status: %d", nresp.StatusCode)
	}
	return sessID
}

func readOneSSE(r *bufio.Reader) (sseEvent, error) {
	var (
		event   sseEvent
		dataBuf bytes.Buffer
	)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return sseEvent{}, io.ErrUnexpectedEOF
			}
			return sseEvent{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if dataBuf.Len() == 0 {
				continue
			}
			event.data = append([]byte(nil), dataBuf.Bytes()...)
			return event, nil
		}
		switch {
		case strings.HasPrefix(line, "event: "):
			event.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			event.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			if dataBuf.Len() > 0 {
				dataBuf.WriteByte('\n')
			}
			dataBuf.WriteString(strings.TrimPrefix(line, "data: "))
		}
	}
}

// readSSEAsync reads one event off r without blocking the test forever.
func readSSEAsync(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	ch := make(chan sseEvent, 1)
	errCh := make(chan error, 1)
	go func() {
		evt, err := readOneSSE(r)
		if err != nil {
			errCh <- err
			return
		}
		ch <- evt
	}()
	select {
	case evt := <-ch:
		return evt
	case err := <-errCh:
		t.Fatalf("read sse: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for sse event")
	}
	return sseEvent{}
}

func mustUnmarshalJSON[T any](t *testing.T, data []byte, v *T) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal json: %v\ninput: %s", err, string(data))
	}
}

func TestInitializeOverSSE(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))

	resp := doPost(t, srv, acceptSSE, "", initializeBody(t))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("want event stream, got %q", ct)
	}
	if resp.Header.Get("Mcp-Session-Id") == "" {
		t.Fatalf("missing session id header")
	}

	evt := readSSEAsync(t, bufio.NewReader(resp.Body))
	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.Error != nil {
		t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	mustUnmarshalJSON(t, res.Result, &initRes)
	if initRes.Capabilities.Tools == nil {
		t.Errorf("tools capability not advertised")
	}
}

func TestToolCallJSONMode(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))
	sessID := initialize(t, srv)

	resp := doPost(t, srv, acceptJSON, sessID, request(t, 1, mcp.ToolsCallMethod, map[string]any{
		"name": "echo", "arguments": map[string]any{"text": "hi"},
	}))
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want json content type, got %q", ct)
	}
	var res jsonrpc.Response
	body, _ := io.ReadAll(resp.Body)
	mustUnmarshalJSON(t, body, &res)
	var out mcp.CallToolResult
	mustUnmarshalJSON(t, res.Result, &out)
	if len(out.Content) != 1 || out.Content[0].Text != "hi" {
		t.Fatalf("unexpected result %s", body)
	}
}

func TestBatchJSONModeAnswersWithArray(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))
	sessID := initialize(t, srv)

	batch := "[" + string(request(t, 1, mcp.PingMethod, nil)) + "," + string(request(t, 2, mcp.PingMethod, nil)) + "]"
	resp := doPost(t, srv, acceptJSON, sessID, []byte(batch))
	defer resp.Body.Close()

	var out []jsonrpc.Response
	body, _ := io.ReadAll(resp.Body)
	mustUnmarshalJSON(t, body, &out)
	if len(out) != 2 || out[0].ID.String() != "1" || out[1].ID.String() != "2" {
		t.Fatalf("unexpected batch reply %s", body)
	}
}

func TestNotificationOnlyIsAccepted(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))
	sessID := initialize(t, srv)

	note, _ := jsonrpc.NewNotification(string(mcp.RootsListChangedNotificationMethod), nil)
	resp := doPost(t, srv, acceptSSE, sessID, mustJSON(t, note))
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202, got %d", resp.StatusCode)
	}
}

func TestSessionRejections(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))

	cases := []struct {
		name      string
		sessionID string
		status    int
	}{
		{name: "missing", sessionID: "", status: http.StatusBadRequest},
		{name: "unknown", sessionID: "nope", status: http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := doPost(t, srv, acceptSSE, tc.sessionID, request(t, 1, mcp.PingMethod, nil))
			defer resp.Body.Close()
			if resp.StatusCode != tc.status {
				t.Fatalf("want %d, got %d", tc.status, resp.StatusCode)
			}
			var res jsonrpc.Response
			body, _ := io.ReadAll(resp.Body)
			mustUnmarshalJSON(t, body, &res)
			if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
				t.Fatalf("want invalid request error, got %s", body)
			}
		})
	}
}

func TestUnsupportedContentType(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/mcp", strings.NewReader("hello"))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("want 415, got %d", resp.StatusCode)
	}
}

func TestBodyTooLarge(t *testing.T) {
	p := protocol.New(registry.New(), memorystore.New())
	h, err := streaminghttp.New("http://example.com/mcp", p, streaminghttp.WithMaxBodyBytes(16))
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	resp := doPost(t, srv, acceptJSON, "", initializeBody(t))
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("want 413, got %d", resp.StatusCode)
	}
}

func TestSamplingStreamedInline(t *testing.T) {
	reg := registry.New()
	ask := func(ctx context.Context, c *gateway.Client, prompt string) (string, error) {
		return c.Sample(ctx, prompt)
	}
	if err := reg.RegisterTool(mcp.Tool{Name: "ask"}, reference.Func(ask, reference.Params("prompt")), true); err != nil {
		t.Fatal(err)
	}
	srv := mustServer(t, reg)
	sessID := initialize(t, srv)

	resp := doPost(t, srv, acceptSSE, sessID, request(t, "ask-1", mcp.ToolsCallMethod, map[string]any{
		"name": "ask", "arguments": map[string]any{"prompt": "hello"},
	}))
	defer resp.Body.Close()
	br := bufio.NewReader(resp.Body)

	evt := readSSEAsync(t, br)
	var msg jsonrpc.AnyMessage
	mustUnmarshalJSON(t, evt.data, &msg)
	if msg.Type() != "request" {
		t.Fatalf("want server request, got %s", evt.data)
	}
	sreq := msg.AsRequest()
	if sreq.Method != string(mcp.SamplingCreateMessageMethod) {
		t.Fatalf("want sampling request, got %s", sreq.Method)
	}

	answer, err := jsonrpc.NewResultResponse(sreq.ID, mcp.CreateMessageResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.TextContent("sampled"),
		Model:   "test-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	aresp := doPost(t, srv, acceptJSON, sessID, mustJSON(t, answer))
	aresp.Body.Close()
	if aresp.StatusCode != http.StatusAccepted {
		t.Fatalf("want 202 for client response, got %d", aresp.StatusCode)
	}

	evt = readSSEAsync(t, br)
	var res jsonrpc.Response
	mustUnmarshalJSON(t, evt.data, &res)
	if res.ID.String() != "ask-1" {
		t.Fatalf("unexpected response %s", evt.data)
	}
	var out mcp.CallToolResult
	mustUnmarshalJSON(t, res.Result, &out)
	if len(out.Content) != 1 || out.Content[0].Text != "sampled" {
		t.Errorf("want sampled, got %s", res.Result)
	}
}

func TestGetStreamReceivesListChanged(t *testing.T) {
	reg := echoRegistry(t, registry.WithListChanged(true))
	srv := mustServer(t, reg)
	sessID := initialize(t, srv)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", sessID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	if err := reg.RegisterTool(mcp.Tool{Name: "other"}, reference.Func(func() string { return "" }), true); err != nil {
		t.Fatal(err)
	}
	evt := readSSEAsync(t, bufio.NewReader(resp.Body))
	var note jsonrpc.Request
	mustUnmarshalJSON(t, evt.data, &note)
	if note.Method != string(mcp.ToolsListChangedNotificationMethod) {
		t.Fatalf("want list_changed, got %s", evt.data)
	}
	if evt.id != "1" {
		t.Errorf("want event id 1, got %q", evt.id)
	}
}

func TestGetUnknownSession(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/mcp", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Mcp-Session-Id", "nope")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404, got %d", resp.StatusCode)
	}
}

func TestDeleteSession(t *testing.T) {
	srv := mustServer(t, echoRegistry(t))
	sessID := initialize(t, srv)

	del := func() int {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/mcp", nil)
		req.Header.Set("Mcp-Session-Id", sessID)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if got := del(); got != http.StatusNoContent {
		t.Fatalf("want 204, got %d", got)
	}
	if got := del(); got != http.StatusNotFound {
		t.Fatalf("want 404 on second delete, got %d", got)
	}

	resp := doPost(t, srv, acceptJSON, sessID, request(t, 1, mcp.PingMethod, nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("want 404 after delete, got %d", resp.StatusCode)
	}
}

func TestNewRejectsBadScheme(t *testing.T) {
	p := protocol.New(registry.New(), memorystore.New())
	if _, err := streaminghttp.New("ftp://example.com/mcp", p); err == nil {
		t.Fatalf("want error for non-http scheme")
	}
}
