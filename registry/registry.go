// Package registry stores the capabilities a server exposes: tools,
// resources, resource templates and prompts, each bound to its handler
// through a reference.Reference.
//
// References are either manual (registered explicitly by the host) or
// discovered (produced by a Discoverer). A manual reference is never replaced
// by a discovered one with the same key, whichever is registered first, and
// Clear only drops discovered references.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/internal/uritemplate"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
)

// ErrNotFound is returned by lookups for unknown keys.
var ErrNotFound = errors.New("registry: not found")

// ErrInvalidReference is returned when a reference has no kind or key.
var ErrInvalidReference = errors.New("registry: invalid reference")

var kinds = []reference.Kind{
	reference.KindTool,
	reference.KindResource,
	reference.KindResourceTemplate,
	reference.KindPrompt,
}

// Registry holds capability references. It is safe for concurrent use.
type Registry struct {
	log *slog.Logger

	mu   sync.RWMutex
	refs map[reference.Kind]map[string]*reference.Reference

	templates *uritemplate.Cache

	logging     bool
	completions bool
	listChanged bool

	tools     ChangeNotifier
	resources ChangeNotifier
	prompts   ChangeNotifier
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithLogging advertises the logging capability.
func WithLogging(enabled bool) Option {
	return func(r *Registry) { r.logging = enabled }
}

// WithCompletions advertises the completions capability even when no
// reference carries completion providers.
func WithCompletions(enabled bool) Option {
	return func(r *Registry) { r.completions = enabled }
}

// WithListChanged advertises list-changed notifications and enables the
// change signals returned by Changes.
func WithListChanged(enabled bool) Option {
	return func(r *Registry) { r.listChanged = enabled }
}

// WithTemplateCacheSize bounds the compiled URI template cache.
func WithTemplateCacheSize(n int) Option {
	return func(r *Registry) { r.templates = uritemplate.NewCache(n) }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		log:  slog.New(slog.DiscardHandler),
		refs: make(map[reference.Kind]map[string]*reference.Reference, len(kinds)),
	}
	for _, k := range kinds {
		r.refs[k] = make(map[string]*reference.Reference)
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.templates == nil {
		r.templates = uritemplate.NewCache(uritemplate.DefaultCacheSize)
	}
	return r
}

// RefOption adjusts a reference built by the typed Register helpers.
type RefOption func(*reference.Reference)

// WithStrategy selects the argument preparation strategy.
func WithStrategy(s reference.Strategy) RefOption {
	return func(ref *reference.Reference) { ref.Strategy = s }
}

// WithCompletionProviders attaches completion providers keyed by argument
// name.
func WithCompletionProviders(p map[string]reference.CompletionProvider) RefOption {
	return func(ref *reference.Reference) { ref.Completions = p }
}

func newRef(obj any, h reference.Descriptor, manual bool, opts []RefOption) *reference.Reference {
	ref := &reference.Reference{Object: obj, Handler: h, Manual: manual}
	for _, opt := range opts {
		opt(ref)
	}
	return ref
}

// RegisterTool registers a tool. When the tool has no input schema and the
// handler is reflective, the schema is derived from the handler parameters.
func (r *Registry) RegisterTool(tool mcp.Tool, h reference.Descriptor, manual bool, opts ...RefOption) error {
	ref := newRef(nil, h, manual, opts)
	if tool.InputSchema.Type == "" {
		tool.InputSchema = r.deriveSchema(ref)
	}
	ref.Object = tool
	return r.Register(ref)
}

// RegisterResource registers a resource served at a fixed URI.
func (r *Registry) RegisterResource(res mcp.Resource, h reference.Descriptor, manual bool, opts ...RefOption) error {
	return r.Register(newRef(res, h, manual, opts))
}

// RegisterResourceTemplate registers a resource template. The template is
// compiled eagerly so malformed patterns fail here rather than on lookup.
func (r *Registry) RegisterResourceTemplate(tpl mcp.ResourceTemplate, h reference.Descriptor, manual bool, opts ...RefOption) error {
	return r.Register(newRef(tpl, h, manual, opts))
}

// RegisterPrompt registers a prompt. Missing argument descriptions are
// derived from a reflective handler.
func (r *Registry) RegisterPrompt(p mcp.Prompt, h reference.Descriptor, manual bool, opts ...RefOption) error {
	ref := newRef(nil, h, manual, opts)
	if len(p.Arguments) == 0 && ref.Strategy == reference.Reflective {
		if args, err := reference.PromptArguments(h); err == nil {
			p.Arguments = args
		}
	}
	ref.Object = p
	return r.Register(ref)
}

func (r *Registry) deriveSchema(ref *reference.Reference) mcp.ToolInputSchema {
	if ref.Strategy == reference.Reflective && !ref.Handler.IsProvider() {
		schema, err := reference.InputSchema(ref.Handler)
		if err == nil {
			return schema
		}
		r.log.Debug("registry.schema.derive.err", slog.String("handler", ref.Handler.String()), slog.String("err", err.Error()))
	}
	return mcp.ToolInputSchema{Type: "object", AdditionalProperties: ref.Strategy == reference.Raw || ref.Handler.IsProvider()}
}

// Register adds ref under its own kind and key, honouring manual precedence.
func (r *Registry) Register(ref *reference.Reference) error {
	if ref == nil {
		return fmt.Errorf("%w: nil", ErrInvalidReference)
	}
	kind, key := ref.Kind(), ref.Key()
	if kind == "" {
		return fmt.Errorf("%w: unsupported object %T", ErrInvalidReference, ref.Object)
	}
	if key == "" {
		return fmt.Errorf("%w: empty %s key", ErrInvalidReference, kind)
	}
	if kind == reference.KindResourceTemplate {
		if _, err := r.templates.Compile(key); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidReference, err)
		}
	}

	r.mu.Lock()
	changed := r.register(kind, key, ref)
	r.mu.Unlock()

	if changed {
		r.notify(kind)
	}
	return nil
}

// register must be called with mu held. It reports whether the listing
// changed: re-registering an identical object replaces the handler silently.
func (r *Registry) register(kind reference.Kind, key string, ref *reference.Reference) bool {
	m := r.refs[kind]
	existing, ok := m[key]
	if ok {
		switch {
		case existing.Manual && !ref.Manual:
			r.log.Debug("registry.register.ignored",
				slog.String("kind", string(kind)),
				slog.String("key", key),
				slog.String("reason", "manual reference takes precedence"),
			)
			return false
		case !existing.Manual && ref.Manual:
			r.log.Debug("registry.register.override",
				slog.String("kind", string(kind)),
				slog.String("key", key),
			)
		}
	}
	m[key] = ref
	return !ok || existing.Manual != ref.Manual || !reflect.DeepEqual(existing.Object, ref.Object)
}

// Unregister removes the reference with the given kind and key, manual or
// not. It reports whether a reference was removed.
func (r *Registry) Unregister(kind reference.Kind, key string) bool {
	r.mu.Lock()
	_, ok := r.refs[kind][key]
	delete(r.refs[kind], key)
	r.mu.Unlock()

	if ok {
		r.notify(kind)
	}
	return ok
}

// Lookup is the exact lookup of a reference by kind and key.
func (r *Registry) Lookup(kind reference.Kind, key string) (*reference.Reference, error) {
	r.mu.RLock()
	ref, ok := r.refs[kind][key]
	r.mu.RUnlock()
	if !ok {
		return nil, notFound(kind, key)
	}
	return ref, nil
}

// Tool returns the tool registered under name.
func (r *Registry) Tool(name string) (*reference.Reference, error) {
	return r.Lookup(reference.KindTool, name)
}

// Prompt returns the prompt registered under name.
func (r *Registry) Prompt(name string) (*reference.Reference, error) {
	return r.Lookup(reference.KindPrompt, name)
}

// Resource returns the resource registered at exactly uri.
func (r *Registry) Resource(uri string) (*reference.Reference, error) {
	return r.Lookup(reference.KindResource, uri)
}

// ResourceTemplate returns the template registered under its pattern.
func (r *Registry) ResourceTemplate(pattern string) (*reference.Reference, error) {
	return r.Lookup(reference.KindResourceTemplate, pattern)
}

// LookupResource resolves uri to a resource. Exact resources win; otherwise,
// when includeTemplates is set, templates are tried most specific first and
// the variables extracted by the first match are returned.
func (r *Registry) LookupResource(uri string, includeTemplates bool) (*reference.Reference, map[string]string, error) {
	r.mu.RLock()
	if ref, ok := r.refs[reference.KindResource][uri]; ok {
		r.mu.RUnlock()
		return ref, nil, nil
	}
	if !includeTemplates {
		r.mu.RUnlock()
		return nil, nil, notFound(reference.KindResource, uri)
	}

	type candidate struct {
		tpl *uritemplate.Template
		ref *reference.Reference
	}
	candidates := make([]candidate, 0, len(r.refs[reference.KindResourceTemplate]))
	for key, ref := range r.refs[reference.KindResourceTemplate] {
		tpl, err := r.templates.Compile(key)
		if err != nil {
			r.log.Warn("registry.lookup_resource.compile.err", slog.String("template", key), slog.String("err", err.Error()))
			continue
		}
		candidates = append(candidates, candidate{tpl: tpl, ref: ref})
	}
	r.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].tpl.Specificity(), candidates[j].tpl.Specificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].tpl.Raw() < candidates[j].tpl.Raw()
	})
	for _, c := range candidates {
		if vars, ok := c.tpl.Match(uri); ok {
			return c.ref, vars, nil
		}
	}
	return nil, nil, notFound(reference.KindResource, uri)
}

// References returns the references of one kind ordered by key.
func (r *Registry) References(kind reference.Kind) []*reference.Reference {
	r.mu.RLock()
	m := r.refs[kind]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*reference.Reference, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	r.mu.RUnlock()
	return out
}

// Tools returns the registered tool descriptors ordered by name.
func (r *Registry) Tools() []mcp.Tool {
	return objects[mcp.Tool](r.References(reference.KindTool))
}

// Resources returns the registered resources ordered by URI.
func (r *Registry) Resources() []mcp.Resource {
	return objects[mcp.Resource](r.References(reference.KindResource))
}

// ResourceTemplates returns the registered templates ordered by pattern.
func (r *Registry) ResourceTemplates() []mcp.ResourceTemplate {
	return objects[mcp.ResourceTemplate](r.References(reference.KindResourceTemplate))
}

// Prompts returns the registered prompts ordered by name.
func (r *Registry) Prompts() []mcp.Prompt {
	return objects[mcp.Prompt](r.References(reference.KindPrompt))
}

func objects[T any](refs []*reference.Reference) []T {
	out := make([]T, 0, len(refs))
	for _, ref := range refs {
		switch o := ref.Object.(type) {
		case T:
			out = append(out, o)
		case *T:
			out = append(out, *o)
		}
	}
	return out
}

// Clear drops every discovered reference. Manual references survive.
func (r *Registry) Clear() {
	r.mu.Lock()
	changed := r.dropDiscovered()
	r.mu.Unlock()

	total := 0
	for kind, n := range changed {
		total += n
		r.notify(kind)
	}
	if total > 0 {
		r.log.Debug("registry.clear", slog.Int("removed", total))
	}
}

// dropDiscovered must be called with mu held.
func (r *Registry) dropDiscovered() map[reference.Kind]int {
	removed := make(map[reference.Kind]int)
	for kind, m := range r.refs {
		for key, ref := range m {
			if !ref.Manual {
				delete(m, key)
				removed[kind]++
			}
		}
	}
	return removed
}

// Capabilities derives the server capabilities from the current contents.
func (r *Registry) Capabilities() mcp.ServerCapabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var caps mcp.ServerCapabilities
	if len(r.refs[reference.KindTool]) > 0 {
		caps.Tools = &mcp.ListChangedCapability{ListChanged: r.listChanged}
	}
	if len(r.refs[reference.KindResource]) > 0 || len(r.refs[reference.KindResourceTemplate]) > 0 {
		caps.Resources = &mcp.ResourcesCapability{ListChanged: r.listChanged, Subscribe: true}
	}
	if len(r.refs[reference.KindPrompt]) > 0 {
		caps.Prompts = &mcp.ListChangedCapability{ListChanged: r.listChanged}
	}
	if r.logging {
		caps.Logging = &struct{}{}
	}
	if r.completions || r.hasCompletionProviders() {
		caps.Completions = &struct{}{}
	}
	return caps
}

func (r *Registry) hasCompletionProviders() bool {
	for _, m := range r.refs {
		for _, ref := range m {
			if len(ref.Completions) > 0 {
				return true
			}
		}
	}
	return false
}

// Changes returns a channel signalled whenever the list of the given kind
// changes. Resources and resource templates share one signal. Signals are
// only produced when list-changed notifications are enabled.
func (r *Registry) Changes(kind reference.Kind) <-chan struct{} {
	return r.notifier(kind).Subscribe()
}

// Close stops change signalling and closes every Changes channel.
func (r *Registry) Close() {
	r.tools.Close()
	r.resources.Close()
	r.prompts.Close()
}

func (r *Registry) notify(kind reference.Kind) {
	if !r.listChanged {
		return
	}
	r.notifier(kind).Notify()
}

func (r *Registry) notifier(kind reference.Kind) *ChangeNotifier {
	switch kind {
	case reference.KindTool:
		return &r.tools
	case reference.KindPrompt:
		return &r.prompts
	}
	return &r.resources
}

func notFound(kind reference.Kind, key string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, key)
}
