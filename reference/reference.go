// Package reference binds capability metadata (tools, resources, resource
// templates, prompts) to the Go code that serves them, and invokes that code
// with arguments adapted from the caller's JSON input.
//
// A Reference pairs a descriptor from package mcp with a Descriptor naming
// the handler: a function (Func), a method on a value (Method) or a struct
// type whose default entry point is instantiated per call (Type). The
// Strategy decides how caller arguments reach the handler:
//
//   - Reflective binds named arguments to the handler's parameters, coercing
//     each to the declared Go type. A handler taking a single struct gets one
//     parameter per exported field, named by its json tag, with defaults
//     from the `default:"..."` tag. Other handlers declare their parameter
//     names with Params.
//   - Raw hands the argument map through untouched (minus the internal
//     session entry) to a handler taking map[string]any.
//
// In both strategies leading context.Context, *gateway.Client and
// sessions.Session parameters are injected rather than bound.
package reference

import (
	"context"
	"fmt"
	"strings"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// SessionKey is the argument entry carrying the caller's sessions.Session.
const SessionKey = "_session"

// Kind names the registry map a Reference belongs to.
type Kind string

const (
	KindTool             Kind = "tool"
	KindResource         Kind = "resource"
	KindResourceTemplate Kind = "resource_template"
	KindPrompt           Kind = "prompt"
)

// Strategy selects how arguments are prepared for the handler.
type Strategy int

const (
	Reflective Strategy = iota
	Raw
)

func (s Strategy) String() string {
	if s == Raw {
		return "raw"
	}
	return "reflective"
}

// Reference binds a capability descriptor to its handler.
type Reference struct {
	// Object is one of mcp.Tool, mcp.Resource, mcp.ResourceTemplate or
	// mcp.Prompt.
	Object   any
	Handler  Descriptor
	Manual   bool
	Strategy Strategy
	// Completions supplies completion/complete suggestions per argument name.
	Completions map[string]CompletionProvider
}

// Kind derives the registry kind from Object.
func (r *Reference) Kind() Kind {
	switch r.Object.(type) {
	case mcp.Tool, *mcp.Tool:
		return KindTool
	case mcp.Resource, *mcp.Resource:
		return KindResource
	case mcp.ResourceTemplate, *mcp.ResourceTemplate:
		return KindResourceTemplate
	case mcp.Prompt, *mcp.Prompt:
		return KindPrompt
	}
	return ""
}

// Key is the identity of the reference within its kind: tool or prompt
// name, resource URI, or resource template pattern.
func (r *Reference) Key() string {
	switch o := r.Object.(type) {
	case mcp.Tool:
		return o.Name
	case *mcp.Tool:
		return o.Name
	case mcp.Resource:
		return o.URI
	case *mcp.Resource:
		return o.URI
	case mcp.ResourceTemplate:
		return o.URITemplate
	case *mcp.ResourceTemplate:
		return o.URITemplate
	case mcp.Prompt:
		return o.Name
	case *mcp.Prompt:
		return o.Name
	}
	return ""
}

func (r *Reference) String() string {
	origin := "discovered"
	if r.Manual {
		origin = "manual"
	}
	return fmt.Sprintf("%s %q -> %s (%s)", r.Kind(), r.Key(), r.Handler, origin)
}

// ClientAware is implemented by handler receivers that want the gateway
// client injected before each invocation. Method and provider receivers that
// are struct pointers are shallow-copied per invocation before injection.
type ClientAware interface {
	SetClient(*gateway.Client)
}

// Provider serves dynamically provided capabilities. Call receives the
// caller's arguments with the session key removed.
type Provider interface {
	Call(ctx context.Context, args map[string]any) (any, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, args map[string]any) (any, error)

func (f ProviderFunc) Call(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

// CompletionProvider produces completion candidates for one argument.
type CompletionProvider interface {
	Complete(ctx context.Context, sess sessions.Session, value string) ([]string, error)
}

// CompletionFunc adapts a function to CompletionProvider.
type CompletionFunc func(ctx context.Context, sess sessions.Session, value string) ([]string, error)

func (f CompletionFunc) Complete(ctx context.Context, sess sessions.Session, value string) ([]string, error) {
	return f(ctx, sess, value)
}

// ListCompletion suggests the entries that start with the typed prefix
// (case-insensitive).
type ListCompletion []string

func (l ListCompletion) Complete(_ context.Context, _ sessions.Session, value string) ([]string, error) {
	prefix := strings.ToLower(value)
	out := make([]string, 0, len(l))
	for _, v := range l {
		if strings.HasPrefix(strings.ToLower(v), prefix) {
			out = append(out, v)
		}
	}
	return out, nil
}
