package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
	"github.com/ggoodman/mcp-runtime-go/sessions/memorystore"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	store  *memorystore.Store
	stdinW *io.PipeWriter
	outMu  sync.Mutex
	lines  []string
	served chan error
}

func defaultInitializeRequest() mcp.InitializeRequest {
	return mcp.InitializeRequest{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.ImplementationInfo{Name: "client", Version: "0.0.1"},
		Capabilities:    mcp.ClientCapabilities{Sampling: &struct{}{}},
	}
}

func newHarness(t *testing.T, reg *registry.Registry) *testHarness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	store := memorystore.New()
	p := protocol.New(reg, store, protocol.WithGCProbability(0))
	h := NewHandler(p, WithIO(inR, outW))

	ctx, cancel := context.WithCancel(context.Background())
	th := &testHarness{t: t, store: store, stdinW: inW, served: make(chan error, 1)}

	go func() {
		th.served <- h.Serve(ctx)
	}()

	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
		p.Close()
	})
	return th
}

func (th *testHarness) sendRaw(line string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(line + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

// send helper writes a JSON-RPC message (as marshalled JSON + newline) to stdin.
func (th *testHarness) send(msg any) {
	th.t.Helper()
	b, err := json.Marshal(msg)
	if err != nil {
		th.t.Fatalf("marshal: %v", err)
	}
	th.sendRaw(string(b))
}

func (th *testHarness) nextLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		if len(th.lines) > 0 {
			s := th.lines[0]
			th.lines = th.lines[1:]
			th.outMu.Unlock()
			return s, nil
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return "", fmt.Errorf("timeout waiting for output line")
}

func (th *testHarness) next() *jsonrpc.AnyMessage {
	th.t.Helper()
	line, err := th.nextLine(2 * time.Second)
	if err != nil {
		th.t.Fatal(err)
	}
	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		th.t.Fatalf("decode %q: %v", line, err)
	}
	return &msg
}

func (th *testHarness) expectResponse() *jsonrpc.Response {
	th.t.Helper()
	msg := th.next()
	if msg.Type() != "response" {
		th.t.Fatalf("expected response, got %s", msg.Type())
	}
	return msg.AsResponse()
}

func (th *testHarness) expectRequest() *jsonrpc.Request {
	th.t.Helper()
	msg := th.next()
	if msg.Type() != "request" && msg.Type() != "notification" {
		th.t.Fatalf("expected request/notification, got %s", msg.Type())
	}
	return msg.AsRequest()
}

func (th *testHarness) initialize() *mcp.InitializeResult {
	th.t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID("init-1"), string(mcp.InitializeMethod), defaultInitializeRequest())
	if err != nil {
		th.t.Fatal(err)
	}
	th.send(req)

	res := th.expectResponse()
	if res.Error != nil {
		th.t.Fatalf("initialize failed: %+v", res.Error)
	}
	var initRes mcp.InitializeResult
	if err := json.Unmarshal(res.Result, &initRes); err != nil {
		th.t.Fatalf("decode initialize result: %v", err)
	}

	note, _ := jsonrpc.NewNotification(string(mcp.InitializedNotificationMethod), nil)
	th.send(note)
	return &initRes
}

func (th *testHarness) call(id any, method mcp.Method, params any) {
	th.t.Helper()
	req, err := jsonrpc.NewRequest(jsonrpc.NewRequestID(id), string(method), params)
	if err != nil {
		th.t.Fatal(err)
	}
	th.send(req)
}

func toolText(t *testing.T, res *jsonrpc.Response) string {
	t.Helper()
	if res.Error != nil {
		t.Fatalf("tool call failed: %+v", res.Error)
	}
	var out mcp.CallToolResult
	if err := json.Unmarshal(res.Result, &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Content) == 0 {
		t.Fatalf("empty tool result")
	}
	return out.Content[0].Text
}

func echoRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New()
	err := reg.RegisterTool(mcp.Tool{Name: "echo"}, reference.Func(func(text string) string { return text }, reference.Params("text")), true)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestInitializeHappyPath(t *testing.T) {
	th := newHarness(t, echoRegistry(t))

	initRes := th.initialize()
	if initRes.ProtocolVersion != mcp.LatestProtocolVersion {
		t.Fatalf("server protocol version mismatch: %s", initRes.ProtocolVersion)
	}
	if initRes.Capabilities.Tools == nil {
		t.Fatalf("tools capability not advertised")
	}
	if n := th.store.Len(); n != 1 {
		t.Fatalf("want one session, got %d", n)
	}
}

func TestRequestBeforeInitialize(t *testing.T) {
	th := newHarness(t, echoRegistry(t))

	th.call(1, mcp.PingMethod, nil)
	res := th.expectResponse()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("want invalid request, got %+v", res)
	}
}

func TestToolsListAndCall(t *testing.T) {
	th := newHarness(t, echoRegistry(t))
	th.initialize()

	th.call("1", mcp.ToolsListMethod, nil)
	res := th.expectResponse()
	var list mcp.ListToolsResult
	if err := json.Unmarshal(res.Result, &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Tools) != 1 || list.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools %+v", list.Tools)
	}
	if _, ok := list.Tools[0].InputSchema.Properties["text"]; !ok {
		t.Errorf("want derived schema, got %+v", list.Tools[0].InputSchema)
	}

	th.call("2", mcp.ToolsCallMethod, map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}})
	if got := toolText(t, th.expectResponse()); got != "hi" {
		t.Errorf("want hi, got %q", got)
	}
}

func TestRepliesKeepRequestOrder(t *testing.T) {
	th := newHarness(t, echoRegistry(t))
	th.initialize()

	for i := range 5 {
		th.call(i+10, mcp.ToolsCallMethod, map[string]any{"name": "echo", "arguments": map[string]any{"text": fmt.Sprint(i)}})
	}
	for i := range 5 {
		res := th.expectResponse()
		if got := res.ID.String(); got != fmt.Sprint(i+10) {
			t.Fatalf("want id %d, got %s", i+10, got)
		}
	}
}

func TestSamplingWhileSuspended(t *testing.T) {
	reg := registry.New()
	ask := func(ctx context.Context, c *gateway.Client, prompt string) (string, error) {
		return c.Sample(ctx, prompt)
	}
	if err := reg.RegisterTool(mcp.Tool{Name: "ask"}, reference.Func(ask, reference.Params("prompt")), true); err != nil {
		t.Fatal(err)
	}
	th := newHarness(t, reg)
	th.initialize()

	th.call("ask-1", mcp.ToolsCallMethod, map[string]any{"name": "ask", "arguments": map[string]any{"prompt": "hello"}})

	req := th.expectRequest()
	if req.Method != string(mcp.SamplingCreateMessageMethod) {
		t.Fatalf("want sampling request, got %s", req.Method)
	}
	resp, err := jsonrpc.NewResultResponse(req.ID, mcp.CreateMessageResult{
		Role:    mcp.RoleAssistant,
		Content: mcp.TextContent("sampled"),
		Model:   "test-model",
	})
	if err != nil {
		t.Fatal(err)
	}
	th.send(resp)

	res := th.expectResponse()
	if res.ID.String() != "ask-1" {
		t.Fatalf("unexpected response id %s", res.ID)
	}
	if got := toolText(t, res); got != "sampled" {
		t.Errorf("want sampled, got %q", got)
	}
}

func TestCancellationWhileServing(t *testing.T) {
	reg := registry.New()
	started := make(chan struct{})
	block := func(ctx context.Context) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := reg.RegisterTool(mcp.Tool{Name: "block"}, reference.Func(block), true); err != nil {
		t.Fatal(err)
	}
	th := newHarness(t, reg)
	th.initialize()

	th.call(7, mcp.ToolsCallMethod, map[string]any{"name": "block"})
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("tool never started")
	}

	note, _ := jsonrpc.NewNotification(string(mcp.CancelledNotificationMethod), map[string]any{"requestId": 7})
	th.send(note)

	th.call(8, mcp.PingMethod, nil)
	res := th.expectResponse()
	if res.ID.String() != "8" {
		t.Fatalf("want only the ping response, got id %s", res.ID)
	}
}

func TestParseErrorLine(t *testing.T) {
	th := newHarness(t, echoRegistry(t))
	th.initialize()

	th.sendRaw(`{"jsonrpc":`)
	res := th.expectResponse()
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", res)
	}
	if !res.ID.IsNil() {
		t.Errorf("want null id, got %s", res.ID)
	}
}

func TestEOFEndsSession(t *testing.T) {
	th := newHarness(t, echoRegistry(t))
	th.initialize()

	_ = th.stdinW.Close()
	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("want clean EOF, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return at EOF")
	}
	if n := th.store.Len(); n != 0 {
		t.Errorf("want session destroyed at EOF, got %d", n)
	}
}

func TestServeTwice(t *testing.T) {
	p := protocol.New(registry.New(), memorystore.New())
	r, w := io.Pipe()
	t.Cleanup(func() { _ = w.Close() })
	h := NewHandler(p, WithIO(r, io.Discard))

	go func() { _ = h.Serve(t.Context()) }()
	deadline := time.Now().Add(time.Second)
	for !h.serving.Load() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := h.Serve(t.Context()); !errors.Is(err, ErrAlreadyServing) {
		t.Fatalf("want ErrAlreadyServing, got %v", err)
	}
}
