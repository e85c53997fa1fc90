package streaminghttp_test

import (
	"net/http/httptest"
	"testing"

	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/protocol"
	"github.com/ggoodman/mcp-runtime-go/sessions/memorystore"
	"github.com/ggoodman/mcp-runtime-go/streaminghttp"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// TestSDKClientInterop drives the handler with the reference SDK client.
func TestSDKClientInterop(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	reg := echoRegistry(t)
	p := protocol.New(reg, memorystore.New(), protocol.WithGCProbability(0), protocol.WithServerInfo(mcp.ImplementationInfo{Name: "test-server", Version: "0.0.1"}))
	h, err := streaminghttp.New("http://example.com/mcp", p)
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer p.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	transport := &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}
	cs, err := client.Connect(ctx, transport, &sdk.ClientSessionOptions{})
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer cs.Close()

	if want, got := "test-server", cs.InitializeResult().ServerInfo.Name; want != got {
		t.Errorf("want server name %q, got %q", want, got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if len(lt.Tools) != 1 || lt.Tools[0].Name != "echo" {
		t.Fatalf("unexpected tools: %+v", lt.Tools)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "echo",
		Arguments: map[string]any{"text": "hello"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError || len(res.Content) == 0 {
		t.Fatalf("unexpected call result: %+v", res)
	}
	text, ok := res.Content[0].(*sdk.TextContent)
	if !ok || text.Text != "hello" {
		t.Errorf("want echoed text, got %+v", res.Content[0])
	}
}
