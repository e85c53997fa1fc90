package registry_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
)

func handler(out string) reference.Descriptor {
	return reference.Func(func() string { return out })
}

func call(t *testing.T, ref *reference.Reference) any {
	t.Helper()
	got, err := reference.NewHandler().Handle(t.Context(), ref, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return got
}

func debugLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestManualThenDiscovered(t *testing.T) {
	var buf bytes.Buffer
	r := registry.New(registry.WithLogger(debugLogger(&buf)))

	if err := r.RegisterTool(mcp.Tool{Name: "echo"}, handler("manual"), true); err != nil {
		t.Fatalf("register manual: %v", err)
	}
	if err := r.RegisterTool(mcp.Tool{Name: "echo"}, handler("discovered"), false); err != nil {
		t.Fatalf("register discovered: %v", err)
	}

	ref, err := r.Tool("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := call(t, ref); got != "manual" {
		t.Errorf("want manual reference, got %v", got)
	}
	if !strings.Contains(buf.String(), "registry.register.ignored") {
		t.Errorf("want ignored trace, got %q", buf.String())
	}
}

func TestDiscoveredThenManual(t *testing.T) {
	var buf bytes.Buffer
	r := registry.New(registry.WithLogger(debugLogger(&buf)))

	if err := r.RegisterTool(mcp.Tool{Name: "echo"}, handler("discovered"), false); err != nil {
		t.Fatalf("register discovered: %v", err)
	}
	if err := r.RegisterTool(mcp.Tool{Name: "echo"}, handler("manual"), true); err != nil {
		t.Fatalf("register manual: %v", err)
	}

	ref, err := r.Tool("echo")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got := call(t, ref); got != "manual" {
		t.Errorf("want manual reference, got %v", got)
	}
	if !strings.Contains(buf.String(), "registry.register.override") {
		t.Errorf("want override trace, got %q", buf.String())
	}
}

func TestClearKeepsManual(t *testing.T) {
	r := registry.New()
	must(t, r.RegisterTool(mcp.Tool{Name: "kept"}, handler("m"), true))
	must(t, r.RegisterTool(mcp.Tool{Name: "dropped"}, handler("d"), false))
	must(t, r.RegisterPrompt(mcp.Prompt{Name: "p"}, handler("d"), false))
	must(t, r.RegisterResource(mcp.Resource{URI: "file:///m", Name: "m"}, handler("m"), true))
	must(t, r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "db://{table}", Name: "t"}, handler("d"), false))

	r.Clear()

	if _, err := r.Tool("kept"); err != nil {
		t.Errorf("want manual tool to survive: %v", err)
	}
	if _, err := r.Resource("file:///m"); err != nil {
		t.Errorf("want manual resource to survive: %v", err)
	}
	if _, err := r.Tool("dropped"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want discovered tool dropped, got %v", err)
	}
	if _, err := r.Prompt("p"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want discovered prompt dropped, got %v", err)
	}
	if _, err := r.ResourceTemplate("db://{table}"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want discovered template dropped, got %v", err)
	}
}

func TestClearEmptyLogsNothing(t *testing.T) {
	var buf bytes.Buffer
	r := registry.New(registry.WithLogger(debugLogger(&buf)))
	must(t, r.RegisterTool(mcp.Tool{Name: "kept"}, handler("m"), true))
	r.Clear()
	if strings.Contains(buf.String(), "registry.clear") {
		t.Errorf("want no clear trace, got %q", buf.String())
	}
}

func TestLookupResourceMostSpecificTemplate(t *testing.T) {
	r := registry.New()
	must(t, r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "a/{id}", Name: "short"}, handler("short"), true))
	must(t, r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "a/{id}/profile", Name: "long"}, handler("long"), true))

	ref, vars, err := r.LookupResource("a/123/profile", true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ref.Key() != "a/{id}/profile" {
		t.Errorf("want a/{id}/profile, got %s", ref.Key())
	}
	if vars["id"] != "123" {
		t.Errorf("want id 123, got %v", vars)
	}

	ref, vars, err = r.LookupResource("a/9", true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ref.Key() != "a/{id}" || vars["id"] != "9" {
		t.Errorf("want a/{id} with id 9, got %s %v", ref.Key(), vars)
	}
}

func TestLookupResourceExactFirst(t *testing.T) {
	r := registry.New()
	must(t, r.RegisterResource(mcp.Resource{URI: "a/me/profile", Name: "me"}, handler("exact"), true))
	must(t, r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "a/{id}/profile", Name: "tpl"}, handler("tpl"), true))

	ref, vars, err := r.LookupResource("a/me/profile", true)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if ref.Kind() != reference.KindResource || vars != nil {
		t.Errorf("want exact resource, got %s %v", ref, vars)
	}

	if _, _, err := r.LookupResource("a/other/profile", false); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want templates skipped, got %v", err)
	}
	if _, _, err := r.LookupResource("a/x/y/profile", true); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want variables not to cross slashes, got %v", err)
	}
}

func TestRegisterRejectsBadTemplate(t *testing.T) {
	r := registry.New()
	err := r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "a/{bad-name}", Name: "x"}, handler("x"), true)
	if !errors.Is(err, registry.ErrInvalidReference) {
		t.Fatalf("want ErrInvalidReference, got %v", err)
	}
}

func TestCapabilitiesRecomputed(t *testing.T) {
	r := registry.New(registry.WithLogging(true), registry.WithListChanged(true))

	caps := r.Capabilities()
	if caps.Tools != nil || caps.Resources != nil || caps.Prompts != nil {
		t.Errorf("want no list capabilities on empty registry, got %+v", caps)
	}
	if caps.Logging == nil {
		t.Error("want logging capability")
	}

	must(t, r.RegisterTool(mcp.Tool{Name: "t"}, handler("x"), true))
	must(t, r.RegisterResourceTemplate(mcp.ResourceTemplate{URITemplate: "x://{id}", Name: "x"}, handler("x"), true))

	caps = r.Capabilities()
	if caps.Tools == nil || !caps.Tools.ListChanged {
		t.Errorf("want tools with listChanged, got %+v", caps.Tools)
	}
	if caps.Resources == nil || !caps.Resources.Subscribe {
		t.Errorf("want resources with subscribe, got %+v", caps.Resources)
	}
	if caps.Completions != nil {
		t.Error("want no completions without providers")
	}

	must(t, r.RegisterPrompt(mcp.Prompt{Name: "p"}, handler("x"), true,
		registry.WithCompletionProviders(map[string]reference.CompletionProvider{"x": reference.ListCompletion{"a"}})))
	if r.Capabilities().Completions == nil {
		t.Error("want completions once a provider is registered")
	}
}

func TestRegisterToolDerivesSchema(t *testing.T) {
	type args struct {
		Text string `json:"text"`
	}
	r := registry.New()
	must(t, r.RegisterTool(mcp.Tool{Name: "echo"}, reference.Func(func(a args) string { return a.Text }), true))

	tools := r.Tools()
	if len(tools) != 1 {
		t.Fatalf("want 1 tool, got %d", len(tools))
	}
	schema := tools[0].InputSchema
	if schema.Type != "object" || schema.Properties["text"].Type != "string" {
		t.Errorf("want derived text property, got %+v", schema)
	}
	if len(schema.Required) != 1 || schema.Required[0] != "text" {
		t.Errorf("want text required, got %v", schema.Required)
	}
}

func TestRegisterToolProviderSchema(t *testing.T) {
	r := registry.New()
	p := reference.ProviderFunc(func(context.Context, map[string]any) (any, error) { return nil, nil })
	must(t, r.RegisterTool(mcp.Tool{Name: "dynamic"}, reference.Provide(p), false))

	tools := r.Tools()
	if len(tools) != 1 {
		t.Fatalf("want 1 tool, got %d", len(tools))
	}
	if s := tools[0].InputSchema; s.Type != "object" || !s.AdditionalProperties || len(s.Properties) != 0 {
		t.Errorf("want open object schema, got %+v", s)
	}
}

func TestListsOrderedByKey(t *testing.T) {
	r := registry.New()
	for _, name := range []string{"c", "a", "b"} {
		must(t, r.RegisterTool(mcp.Tool{Name: name}, handler(name), true))
	}
	var got []string
	for _, tool := range r.Tools() {
		got = append(got, tool.Name)
	}
	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("want a,b,c, got %v", got)
	}
}

func TestApplyDiscovery(t *testing.T) {
	r := registry.New()
	must(t, r.RegisterTool(mcp.Tool{Name: "manual"}, handler("manual"), true))
	must(t, r.RegisterTool(mcp.Tool{Name: "old"}, handler("old"), false))

	state := &registry.DiscoveryState{
		Tools: map[string]*reference.Reference{
			"manual": {Object: mcp.Tool{Name: "manual"}, Handler: handler("discovered")},
			"new":    {Object: mcp.Tool{Name: "new"}, Handler: handler("new"), Manual: true},
		},
	}
	d := registry.DiscovererFunc(func(context.Context) (*registry.DiscoveryState, error) { return state, nil })
	if err := r.Discover(t.Context(), d, false); err != nil {
		t.Fatalf("discover: %v", err)
	}

	if _, err := r.Tool("old"); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("want replace to drop old discovered tool, got %v", err)
	}
	ref, err := r.Tool("manual")
	if err != nil {
		t.Fatalf("lookup manual: %v", err)
	}
	if got := call(t, ref); got != "manual" {
		t.Errorf("want manual to survive discovery, got %v", got)
	}
	ref, err = r.Tool("new")
	if err != nil {
		t.Fatalf("lookup new: %v", err)
	}
	if ref.Manual {
		t.Error("want discovery entries registered as discovered")
	}

	snap := r.DiscoveryState()
	if len(snap.Tools) != 1 || snap.Tools["new"] == nil {
		t.Errorf("want snapshot of discovered tools only, got %v", snap.Tools)
	}

	merge := &registry.DiscoveryState{Prompts: map[string]*reference.Reference{
		"p": {Object: mcp.Prompt{Name: "p"}, Handler: handler("p")},
	}}
	must(t, r.ApplyDiscovery(merge, true))
	if _, err := r.Tool("new"); err != nil {
		t.Errorf("want merge to keep earlier discovered tool: %v", err)
	}
	if _, err := r.Prompt("p"); err != nil {
		t.Errorf("want merged prompt: %v", err)
	}
}

func TestApplyDiscoveryRejectsMismatchedKey(t *testing.T) {
	r := registry.New()
	state := &registry.DiscoveryState{Tools: map[string]*reference.Reference{
		"a": {Object: mcp.Tool{Name: "b"}, Handler: handler("b")},
	}}
	if err := r.ApplyDiscovery(state, true); !errors.Is(err, registry.ErrInvalidReference) {
		t.Fatalf("want ErrInvalidReference, got %v", err)
	}
}

func TestChangesSignalled(t *testing.T) {
	r := registry.New(registry.WithListChanged(true))
	defer r.Close()
	tools := r.Changes(reference.KindTool)
	prompts := r.Changes(reference.KindPrompt)

	must(t, r.RegisterTool(mcp.Tool{Name: "t"}, handler("x"), true))
	select {
	case <-tools:
	case <-time.After(time.Second):
		t.Fatal("want tools change signal")
	}
	select {
	case <-prompts:
		t.Fatal("want no prompts signal")
	default:
	}

	r.Close()
	if _, ok := <-tools; ok {
		t.Error("want channel closed after Close")
	}
}

func TestIdenticalRediscoveryIsSilent(t *testing.T) {
	r := registry.New(registry.WithListChanged(true))
	defer r.Close()
	resources := r.Changes(reference.KindResource)

	state := func(desc string) *registry.DiscoveryState {
		return &registry.DiscoveryState{Resources: map[string]*reference.Reference{
			"fs:///a": {Object: mcp.Resource{URI: "fs:///a", Name: "a", Description: desc}, Handler: handler("a")},
		}}
	}

	must(t, r.ApplyDiscovery(state("first"), true))
	select {
	case <-resources:
	case <-time.After(time.Second):
		t.Fatal("want signal for new resource")
	}

	must(t, r.ApplyDiscovery(state("first"), true))
	must(t, r.RegisterResource(mcp.Resource{URI: "fs:///a", Name: "a", Description: "first"}, handler("b"), false))
	select {
	case <-resources:
		t.Fatal("want no signal when the listing is unchanged")
	default:
	}

	must(t, r.ApplyDiscovery(state("second"), true))
	select {
	case <-resources:
	case <-time.After(time.Second):
		t.Fatal("want signal when the resource changed")
	}
}

func TestChangesDisabled(t *testing.T) {
	r := registry.New()
	tools := r.Changes(reference.KindTool)
	must(t, r.RegisterTool(mcp.Tool{Name: "t"}, handler("x"), true))
	select {
	case <-tools:
		t.Fatal("want no signal when list-changed is disabled")
	default:
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}
