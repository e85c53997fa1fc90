package sampling

import (
	"testing"

	"github.com/ggoodman/mcp-runtime-go/mcp"
)

func TestNewBasic(t *testing.T) {
	r := New([]mcp.SamplingMessage{UserText("hello")},
		WithSystemPrompt("system"),
		WithMaxTokens(10),
		WithHistory(AssistantText("earlier")),
	)
	if err := Validate(r); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if got := r.SystemPrompt; got != "system" {
		t.Fatalf("systemPrompt mismatch: %s", got)
	}
	if r.MaxTokens != 10 {
		t.Fatalf("maxTokens mismatch: %d", r.MaxTokens)
	}
	if len(r.Messages) != 2 || r.Messages[0].Content.Text != "earlier" || r.Messages[1].Content.Text != "hello" {
		t.Fatalf("unexpected messages: %#v", r.Messages)
	}
}

func TestValidateErrors(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil request")
	}
	if err := Validate(&mcp.CreateMessageRequest{}); err == nil {
		t.Fatal("expected error for empty messages")
	}
	bad := New([]mcp.SamplingMessage{{Role: "system", Content: mcp.TextContent("x")}})
	if err := Validate(bad); err == nil {
		t.Fatal("expected error for invalid role")
	}
}
