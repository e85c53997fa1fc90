// Package mcp contains the Model Context Protocol wire shapes shared by the
// runtime packages: capability descriptors (Tool, Resource,
// ResourceTemplate, Prompt), request params and results for the methods the
// protocol package serves, and the Method name constants.
//
// The package carries no behavior beyond a few helpers (TextContent,
// LoggingLevel.Severity). Framing and dispatch live in the protocol and
// transport packages.
//
// Example (tool result construction):
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{mcp.TextContent("hello")},
//	}
package mcp
