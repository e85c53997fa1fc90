package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ggoodman/mcp-runtime-go/mcp"
)

// toolResult wraps a raw tool handler result.
func toolResult(out any) (*mcp.CallToolResult, error) {
	switch v := out.(type) {
	case nil:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{}}, nil
	case *mcp.CallToolResult:
		if v.Content == nil {
			v.Content = []mcp.ContentBlock{}
		}
		return v, nil
	case mcp.CallToolResult:
		if v.Content == nil {
			v.Content = []mcp.ContentBlock{}
		}
		return &v, nil
	case string:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(v)}}, nil
	case mcp.ContentBlock:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{v}}, nil
	case []mcp.ContentBlock:
		return &mcp.CallToolResult{Content: v}, nil
	case fmt.Stringer:
		return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(v.String())}}, nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode tool result: %w", err)
	}
	res := &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(string(b))}}
	var obj map[string]any
	if json.Unmarshal(b, &obj) == nil && obj != nil {
		res.StructuredContent = obj
	}
	return res, nil
}

// resourceResult wraps a raw resource handler result.
func resourceResult(uri, mimeType string, out any) (*mcp.ReadResourceResult, error) {
	switch v := out.(type) {
	case *mcp.ReadResourceResult:
		return v, nil
	case mcp.ReadResourceResult:
		return &v, nil
	case mcp.ResourceContents:
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{v}}, nil
	case []mcp.ResourceContents:
		return &mcp.ReadResourceResult{Contents: v}, nil
	case string:
		return single(mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: v}), nil
	case []byte:
		if isTextual(mimeType, v) {
			return single(mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(v)}), nil
		}
		return single(mcp.ResourceContents{URI: uri, MimeType: mimeType, Blob: base64.StdEncoding.EncodeToString(v)}), nil
	case nil:
		return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{}}, nil
	}

	b, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode resource result: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/json"
	}
	return single(mcp.ResourceContents{URI: uri, MimeType: mimeType, Text: string(b)}), nil
}

func single(c mcp.ResourceContents) *mcp.ReadResourceResult {
	return &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{c}}
}

// isTextual reports whether b should be sent as text rather than a base64
// blob. Without a declared type the bytes decide.
func isTextual(mimeType string, b []byte) bool {
	if mimeType == "" {
		return utf8.Valid(b)
	}
	return strings.HasPrefix(mimeType, "text/") ||
		strings.HasSuffix(mimeType, "json") ||
		strings.HasSuffix(mimeType, "xml") ||
		mimeType == "application/javascript"
}

// promptResult wraps a raw prompt handler result.
func promptResult(description string, out any) (*mcp.GetPromptResult, error) {
	switch v := out.(type) {
	case *mcp.GetPromptResult:
		return v, nil
	case mcp.GetPromptResult:
		return &v, nil
	case []mcp.PromptMessage:
		return &mcp.GetPromptResult{Description: description, Messages: v}, nil
	case mcp.PromptMessage:
		return &mcp.GetPromptResult{Description: description, Messages: []mcp.PromptMessage{v}}, nil
	case string:
		return &mcp.GetPromptResult{
			Description: description,
			Messages:    []mcp.PromptMessage{{Role: mcp.RoleUser, Content: mcp.TextContent(v)}},
		}, nil
	case []string:
		msgs := make([]mcp.PromptMessage, 0, len(v))
		for _, s := range v {
			msgs = append(msgs, mcp.PromptMessage{Role: mcp.RoleUser, Content: mcp.TextContent(s)})
		}
		return &mcp.GetPromptResult{Description: description, Messages: msgs}, nil
	}
	return nil, fmt.Errorf("protocol: unsupported prompt result %T", out)
}
