// Package stdio implements a single-connection MCP transport over
// stdin/stdout. It is intended for embedding servers as subprocesses, local
// development, and environments where spawning a child process and piping JSON
// is simpler than running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : one, minted by the first initialize and destroyed at EOF
//	Framing          : newline-delimited JSON-RPC
//
// Requests are served one at a time in arrival order. Responses and
// notifications from the client are handled as soon as they are read, so a
// client can answer a sampling request or cancel the request being served
// while its handler is suspended.
//
// Example:
//
//	reg := registry.New()
//	p := protocol.New(reg, memorystore.New())
//	h := stdio.NewHandler(p)
//	if err := h.Serve(ctx); err != nil { log.Fatal(err) }
//
// For multi-session deployments prefer the streaming HTTP transport.
package stdio
