package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/internal/logctx"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// maxCompletionValues caps completion/complete results.
const maxCompletionValues = 100

func (p *Protocol) defaultRequestHandlers() []RequestHandler {
	return []RequestHandler{
		HandleRequest(mcp.InitializeMethod, p.handleInitialize),
		HandleRequest(mcp.PingMethod, func(context.Context, *Call) (any, error) { return mcp.EmptyResult{}, nil }),
		HandleRequest(mcp.ToolsListMethod, p.handleToolsList),
		HandleRequest(mcp.ToolsCallMethod, p.handleToolsCall),
		HandleRequest(mcp.ResourcesListMethod, p.handleResourcesList),
		HandleRequest(mcp.ResourcesTemplatesListMethod, p.handleResourceTemplatesList),
		HandleRequest(mcp.ResourcesReadMethod, p.handleResourcesRead),
		HandleRequest(mcp.ResourcesSubscribeMethod, p.handleSubscribe),
		HandleRequest(mcp.ResourcesUnsubscribeMethod, p.handleUnsubscribe),
		HandleRequest(mcp.PromptsListMethod, p.handlePromptsList),
		HandleRequest(mcp.PromptsGetMethod, p.handlePromptsGet),
		HandleRequest(mcp.CompletionCompleteMethod, p.handleComplete),
		HandleRequest(mcp.LoggingSetLevelMethod, p.handleSetLevel),
	}
}

func (p *Protocol) defaultNotificationHandlers() []NotificationHandler {
	return []NotificationHandler{
		HandleNotification(mcp.InitializedNotificationMethod, func(_ context.Context, c *Call) error {
			c.Session.Set(sessions.KeyInitialized, true)
			return nil
		}),
		HandleNotification(mcp.CancelledNotificationMethod, p.handleCancelled),
		HandleNotification(mcp.RootsListChangedNotificationMethod, func(ctx context.Context, c *Call) error {
			p.log.InfoContext(ctx, "protocol.roots.list_changed", slog.String("session_id", c.Session.ID()))
			return nil
		}),
	}
}

func (p *Protocol) handleInitialize(ctx context.Context, c *Call) (any, error) {
	var req mcp.InitializeRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}

	version := mcp.LatestProtocolVersion
	if slices.Contains(mcp.SupportedProtocolVersions, req.ProtocolVersion) {
		version = req.ProtocolVersion
	}
	c.Session.Set(sessions.KeyProtocolVersion, version)
	c.Session.Set(sessions.KeyClientInfo, req.ClientInfo)
	c.Session.Set(sessions.KeyClientCapabilities, req.Capabilities)

	p.log.InfoContext(ctx, "protocol.initialize.ok",
		slog.String("client", req.ClientInfo.Name),
		slog.String("requested_version", req.ProtocolVersion),
		slog.String("version", version),
	)
	return &mcp.InitializeResult{
		ProtocolVersion: version,
		Capabilities:    p.reg.Capabilities(),
		ServerInfo:      p.serverInfo,
		Instructions:    p.instructions,
	}, nil
}

func (p *Protocol) handleToolsList(_ context.Context, c *Call) (any, error) {
	var req mcp.PaginatedRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	page, next, err := paginate(p.reg.Tools(), req.Cursor, p.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListToolsResult{Tools: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (p *Protocol) handleResourcesList(_ context.Context, c *Call) (any, error) {
	var req mcp.PaginatedRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	page, next, err := paginate(p.reg.Resources(), req.Cursor, p.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourcesResult{Resources: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (p *Protocol) handleResourceTemplatesList(_ context.Context, c *Call) (any, error) {
	var req mcp.PaginatedRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	page, next, err := paginate(p.reg.ResourceTemplates(), req.Cursor, p.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListResourceTemplatesResult{ResourceTemplates: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (p *Protocol) handlePromptsList(_ context.Context, c *Call) (any, error) {
	var req mcp.PaginatedRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	page, next, err := paginate(p.reg.Prompts(), req.Cursor, p.pageSize)
	if err != nil {
		return nil, err
	}
	return &mcp.ListPromptsResult{Prompts: page, PaginatedResult: mcp.PaginatedResult{NextCursor: next}}, nil
}

func (p *Protocol) handleToolsCall(ctx context.Context, c *Call) (any, error) {
	var req mcp.CallToolRequestReceived
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	ref, err := p.reg.Tool(req.Name)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "unknown tool: "+req.Name, nil)
	}

	args, err := decodeArguments(req.Arguments)
	if err != nil {
		return nil, err
	}
	args[reference.SessionKey] = c.Session

	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: string(reference.KindTool), Key: req.Name})
	out, err := p.refs.Handle(ctx, ref, args)
	if err != nil {
		var te *reference.ToolError
		if errors.As(err, &te) {
			return &mcp.CallToolResult{Content: []mcp.ContentBlock{mcp.TextContent(te.Message)}, IsError: true}, nil
		}
		return nil, err
	}
	return toolResult(out)
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := make(map[string]any)
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "arguments must be an object", nil)
	}
	if args == nil {
		args = make(map[string]any)
	}
	return args, nil
}

func (p *Protocol) handleResourcesRead(ctx context.Context, c *Call) (any, error) {
	var req mcp.ReadResourceRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "uri is required", nil)
	}
	ref, vars, err := p.reg.LookupResource(req.URI, true)
	if err != nil {
		return nil, &resourceNotFound{uri: req.URI, err: err}
	}

	args := make(map[string]any, len(vars)+2)
	for k, v := range vars {
		args[k] = v
	}
	if _, ok := args["uri"]; !ok {
		args["uri"] = req.URI
	}
	args[reference.SessionKey] = c.Session

	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: string(ref.Kind()), Key: ref.Key()})
	out, err := p.refs.Handle(ctx, ref, args)
	if err != nil {
		return nil, err
	}
	return resourceResult(req.URI, resourceMimeType(ref), out)
}

func resourceMimeType(ref *reference.Reference) string {
	switch o := ref.Object.(type) {
	case mcp.Resource:
		return o.MimeType
	case *mcp.Resource:
		return o.MimeType
	case mcp.ResourceTemplate:
		return o.MimeType
	case *mcp.ResourceTemplate:
		return o.MimeType
	}
	return ""
}

func (p *Protocol) handleSubscribe(ctx context.Context, c *Call) (any, error) {
	var req mcp.SubscribeRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if req.URI == "" {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "uri is required", nil)
	}
	if _, _, err := p.reg.LookupResource(req.URI, true); err != nil {
		return nil, &resourceNotFound{uri: req.URI, err: err}
	}
	if err := p.subs.Subscribe(ctx, c.Session, req.URI); err != nil {
		return nil, err
	}
	return mcp.EmptyResult{}, nil
}

func (p *Protocol) handleUnsubscribe(ctx context.Context, c *Call) (any, error) {
	var req mcp.UnsubscribeRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if err := p.subs.Unsubscribe(ctx, c.Session, req.URI); err != nil {
		return nil, err
	}
	return mcp.EmptyResult{}, nil
}

func (p *Protocol) handlePromptsGet(ctx context.Context, c *Call) (any, error) {
	var req mcp.GetPromptRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	ref, err := p.reg.Prompt(req.Name)
	if err != nil {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, "unknown prompt: "+req.Name, nil)
	}

	args := make(map[string]any, len(req.Arguments)+1)
	for k, v := range req.Arguments {
		args[k] = v
	}
	args[reference.SessionKey] = c.Session

	ctx = logctx.WithCapabilityData(ctx, &logctx.CapabilityData{Kind: string(reference.KindPrompt), Key: req.Name})
	out, err := p.refs.Handle(ctx, ref, args)
	if err != nil {
		return nil, err
	}
	var desc string
	if pr, ok := ref.Object.(mcp.Prompt); ok {
		desc = pr.Description
	}
	return promptResult(desc, out)
}

func (p *Protocol) handleComplete(ctx context.Context, c *Call) (any, error) {
	var req mcp.CompleteRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}

	var (
		ref *reference.Reference
		err error
	)
	switch req.Ref.Type {
	case mcp.RefTypePrompt:
		ref, err = p.reg.Prompt(req.Ref.Name)
	case mcp.RefTypeResource:
		ref, err = p.reg.ResourceTemplate(req.Ref.URI)
		if errors.Is(err, registry.ErrNotFound) {
			ref, err = p.reg.Resource(req.Ref.URI)
		}
	default:
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unsupported reference type %q", req.Ref.Type), nil)
	}
	if err != nil {
		return nil, err
	}

	empty := &mcp.CompleteResult{Completion: mcp.Completion{Values: []string{}}}
	provider, ok := ref.Completions[req.Argument.Name]
	if !ok || provider == nil {
		return empty, nil
	}
	values, err := provider.Complete(ctx, c.Session, req.Argument.Value)
	if err != nil {
		return nil, err
	}
	if values == nil {
		values = []string{}
	}
	res := &mcp.CompleteResult{Completion: mcp.Completion{Values: values, Total: len(values)}}
	if len(values) > maxCompletionValues {
		res.Completion.Values = values[:maxCompletionValues]
		res.Completion.HasMore = true
	}
	return res, nil
}

func (p *Protocol) handleSetLevel(ctx context.Context, c *Call) (any, error) {
	var req mcp.SetLevelRequest
	if err := c.Bind(&req); err != nil {
		return nil, err
	}
	if !mcp.IsValidLoggingLevel(req.Level) {
		return nil, jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("invalid logging level %q", req.Level), nil)
	}
	c.Session.Set(sessions.KeyLogLevel, req.Level)
	p.log.DebugContext(ctx, "protocol.logging.set_level", slog.String("level", string(req.Level)))
	return mcp.EmptyResult{}, nil
}

func (p *Protocol) handleCancelled(ctx context.Context, c *Call) error {
	var note mcp.CancelledNotification
	if err := c.Bind(&note); err != nil {
		return err
	}
	var id jsonrpc.RequestID
	if err := json.Unmarshal(note.RequestID, &id); err != nil {
		return fmt.Errorf("protocol: cancelled notification: %w", err)
	}
	if !p.cancelRequest(c.Session.ID(), id.Key()) {
		p.log.DebugContext(ctx, "protocol.cancel.unknown", slog.String("request_id", id.String()))
		return nil
	}
	p.log.InfoContext(ctx, "protocol.cancel.ok", slog.String("request_id", id.String()), slog.String("reason", note.Reason))
	return nil
}
