// Package streaminghttp implements the MCP streaming HTTP transport. It mounts
// as a standard net/http handler serving a single endpoint path for any
// number of sessions.
//
// Routes
//
//	POST   : one JSON-RPC message or batch from the client
//	GET    : the session's standalone Server-Sent Events stream
//	DELETE : terminates the session named by the Mcp-Session-Id header
//
// # Reply routing
//
// Everything the server emits while serving a POST, including requests the
// handler makes of the client such as sampling, is written on that POST's
// response. Clients accepting text/event-stream get an SSE stream opened on
// the first message; clients accepting only application/json get the
// responses as one JSON body, and any server-initiated traffic goes to the
// GET stream instead. Messages produced outside a POST, such as list-changed
// and resource-updated notifications, also go to the GET stream.
//
// The client answers server-initiated requests with a separate POST, which
// is served concurrently with the one that is waiting for the answer.
//
// # Error Handling
//
// Transport-level failures map to HTTP status codes. Session failures are
// answered with a JSON-RPC error body and the status the protocol attached
// to it: 400 when the session header is missing, 404 when the session is
// unknown or expired.
//
// Example (mount in net/http):
//
//	p := protocol.New(reg, memorystore.New())
//	h, err := streaminghttp.New("https://api.example/mcp", p)
//	if err != nil { log.Fatal(err) }
//	mux := http.NewServeMux()
//	mux.Handle("/mcp", h)
//	http.ListenAndServe(":8080", mux)
package streaminghttp
