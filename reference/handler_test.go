package reference_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/sessions"
	"github.com/ggoodman/mcp-runtime-go/sessions/memorystore"
)

type Color string

const (
	Red   Color = "red"
	Green Color = "green"
)

func (Color) EnumCases() []any { return []any{Red, Green} }

type Priority int

const (
	Low  Priority = 1
	High Priority = 9
)

func (Priority) EnumCases() []any { return []any{Low, High} }
func (p Priority) EnumValue() any { return int(p) }
func (p Priority) String() string { return fmt.Sprintf("priority(%d)", int(p)) }

type searchArgs struct {
	Query string   `json:"query"`
	Limit int      `json:"limit" default:"10"`
	Tags  []string `json:"tags,omitempty"`
	Color Color    `json:"color,omitempty"`
}

func tool(name string, d reference.Descriptor) *reference.Reference {
	return &reference.Reference{Object: mcp.Tool{Name: name}, Handler: d}
}

func TestHandleCoercesIntegerString(t *testing.T) {
	h := reference.NewHandler()
	ref := tool("double", reference.Func(func(n int) int { return n * 2 }, reference.Params("n")))

	got, err := h.Handle(t.Context(), ref, map[string]any{"n": "42"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != 84 {
		t.Errorf("want 84, got %v", got)
	}
}

func TestHandleRejectsNonNumericString(t *testing.T) {
	h := reference.NewHandler()
	ref := tool("double", reference.Func(func(n int) int { return n * 2 }, reference.Params("n")))

	_, err := h.Handle(t.Context(), ref, map[string]any{"n": "abc"})
	if !errors.Is(err, reference.ErrInvalidParams) {
		t.Fatalf("want ErrInvalidParams, got %v", err)
	}
	var ipe *reference.InvalidParamsError
	if !errors.As(err, &ipe) {
		t.Fatalf("want *InvalidParamsError, got %T", err)
	}
	if ipe.Param != "n" {
		t.Errorf("want param n, got %q", ipe.Param)
	}
	if !strings.Contains(err.Error(), `"n"`) {
		t.Errorf("want error to name the parameter, got %q", err.Error())
	}
}

func TestHandleCoercionTable(t *testing.T) {
	tests := []struct {
		name    string
		fn      any
		in      any
		want    any
		wantErr bool
	}{
		{name: "int from float", fn: func(v int) int { return v }, in: 7.0, want: 7},
		{name: "int from fractional float", fn: func(v int) int { return v }, in: 7.5, wantErr: true},
		{name: "int from signed string", fn: func(v int) int { return v }, in: "-12", want: -12},
		{name: "int8 overflow", fn: func(v int8) int8 { return v }, in: 300, wantErr: true},
		{name: "float from string", fn: func(v float64) float64 { return v }, in: "2.5", want: 2.5},
		{name: "float from int", fn: func(v float64) float64 { return v }, in: 3, want: 3.0},
		{name: "float from bool", fn: func(v float64) float64 { return v }, in: true, wantErr: true},
		{name: "bool from TRUE", fn: func(v bool) bool { return v }, in: "TRUE", want: true},
		{name: "bool from 0", fn: func(v bool) bool { return v }, in: 0.0, want: false},
		{name: "bool from yes", fn: func(v bool) bool { return v }, in: "yes", wantErr: true},
		{name: "string from number", fn: func(v string) string { return v }, in: 1.5, want: "1.5"},
		{name: "string from bool", fn: func(v string) string { return v }, in: false, want: "false"},
		{name: "list", fn: func(v []int) int { return len(v) }, in: []any{1.0, "2"}, want: 2},
		{name: "list from scalar", fn: func(v []int) int { return len(v) }, in: "1,2", wantErr: true},
		{name: "nullable null", fn: func(v *int) bool { return v == nil }, in: nil, want: true},
		{name: "non-nullable null", fn: func(v int) int { return v }, in: nil, wantErr: true},
		{name: "plain enum by name", fn: func(c Color) string { return string(c) }, in: "green", want: "green"},
		{name: "plain enum unknown", fn: func(c Color) string { return string(c) }, in: "blue", wantErr: true},
		{name: "backed enum by value", fn: func(p Priority) int { return int(p) }, in: 9.0, want: 9},
		{name: "backed enum unknown", fn: func(p Priority) int { return int(p) }, in: 5, wantErr: true},
		{name: "enum instance", fn: func(c Color) string { return string(c) }, in: Red, want: "red"},
	}

	h := reference.NewHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref := tool("t", reference.Func(tt.fn, reference.Params("v")))
			got, err := h.Handle(t.Context(), ref, map[string]any{"v": tt.in})
			if tt.wantErr {
				if !errors.Is(err, reference.ErrInvalidParams) {
					t.Fatalf("want ErrInvalidParams, got %v (result %v)", err, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("handle: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("want %#v, got %#v", tt.want, got)
			}
		})
	}
}

func TestEnumErrorListsOptions(t *testing.T) {
	h := reference.NewHandler()
	ref := tool("paint", reference.Func(func(c Color) string { return string(c) }, reference.Params("color")))

	_, err := h.Handle(t.Context(), ref, map[string]any{"color": "blue"})
	if err == nil {
		t.Fatal("want error")
	}
	if !strings.Contains(err.Error(), "red, green") {
		t.Errorf("want valid options listed, got %q", err.Error())
	}
}

func TestHandleDefaultsAndMissing(t *testing.T) {
	h := reference.NewHandler()
	fn := func(name string, times int) string { return strings.Repeat(name, times) }
	ref := tool("repeat", reference.Func(fn, reference.Params("name", "times"), reference.Defaults(map[string]any{"times": 2})))

	got, err := h.Handle(t.Context(), ref, map[string]any{"name": "ab"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != "abab" {
		t.Errorf("want abab, got %v", got)
	}

	_, err = h.Handle(t.Context(), ref, map[string]any{"times": 3})
	var ipe *reference.InvalidParamsError
	if !errors.As(err, &ipe) {
		t.Fatalf("want *InvalidParamsError, got %v", err)
	}
	if ipe.Param != "name" || !strings.Contains(ipe.Reason, "missing") {
		t.Errorf("want missing name, got %+v", ipe)
	}
	if ipe.Callable == "" {
		t.Error("want callable named in error")
	}
}

func TestHandleArgumentOrderFollowsDeclaration(t *testing.T) {
	h := reference.NewHandler()
	fn := func(a, b string) string { return a + "-" + b }
	ref := tool("join", reference.Func(fn, reference.Params("a", "b")))

	got, err := h.Handle(t.Context(), ref, map[string]any{"b": "second", "a": "first"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != "first-second" {
		t.Errorf("want first-second, got %v", got)
	}
}

func TestHandleStructArguments(t *testing.T) {
	h := reference.NewHandler()
	var seen searchArgs
	ref := tool("search", reference.Func(func(ctx context.Context, args searchArgs) (string, error) {
		seen = args
		return args.Query, nil
	}))

	if _, err := h.Handle(t.Context(), ref, map[string]any{"query": "go", "color": "red"}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := searchArgs{Query: "go", Limit: 10, Color: Red}
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("want %+v, got %+v", want, seen)
	}

	_, err := h.Handle(t.Context(), ref, map[string]any{"limit": 3})
	var ipe *reference.InvalidParamsError
	if !errors.As(err, &ipe) || ipe.Param != "query" {
		t.Fatalf("want missing query, got %v", err)
	}
}

func TestHandleRawStripsSession(t *testing.T) {
	store := memorystore.New()
	sess, err := store.Create(t.Context())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h := reference.NewHandler()
	var got map[string]any
	ref := &reference.Reference{
		Object:   mcp.Tool{Name: "raw"},
		Strategy: reference.Raw,
		Handler: reference.Func(func(ctx context.Context, args map[string]any) (any, error) {
			got = args
			return nil, nil
		}),
	}
	args := map[string]any{"a": "1", "nested": map[string]any{"x": 1.0}, reference.SessionKey: sess}
	if _, err := h.Handle(t.Context(), ref, args); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := got[reference.SessionKey]; ok {
		t.Error("want session stripped from raw arguments")
	}
	if got["a"] != "1" {
		t.Errorf("want a passed through uncoerced, got %#v", got["a"])
	}
	if _, ok := args[reference.SessionKey]; !ok {
		t.Error("want caller's map left intact")
	}
}

func TestHandleRawRequiresMapArgument(t *testing.T) {
	h := reference.NewHandler()
	ref := &reference.Reference{
		Object:   mcp.Tool{Name: "raw"},
		Strategy: reference.Raw,
		Handler:  reference.Func(func(s string) string { return s }),
	}
	_, err := h.Handle(t.Context(), ref, nil)
	if !errors.Is(err, reference.ErrInvalidHandler) {
		t.Fatalf("want ErrInvalidHandler, got %v", err)
	}
}

func TestHandleInjectsSession(t *testing.T) {
	store := memorystore.New()
	sess, err := store.Create(t.Context())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h := reference.NewHandler()
	ref := tool("whoami", reference.Func(func(s sessions.Session, c *gateway.Client) string {
		if s.ID() != c.SessionID() {
			return "mismatch"
		}
		return s.ID()
	}))
	got, err := h.Handle(t.Context(), ref, map[string]any{reference.SessionKey: sess})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != sess.ID() {
		t.Errorf("want %q, got %v", sess.ID(), got)
	}
}

type greeter struct {
	client *gateway.Client
	prefix string
}

func (g *greeter) SetClient(c *gateway.Client) { g.client = c }

func (g *greeter) Greet(name string) (string, error) {
	if g.client == nil {
		return "", errors.New("client not injected")
	}
	return g.prefix + name, nil
}

type counter struct {
	client *gateway.Client
	calls  int
}

func (c *counter) SetClient(cl *gateway.Client) { c.client = cl }

func (c *counter) Handle() int {
	c.calls++
	if c.client == nil {
		return -1
	}
	return c.calls
}

type kvProvider struct {
	values map[string]any
}

func (p *kvProvider) Call(_ context.Context, args map[string]any) (any, error) {
	key, _ := args["key"].(string)
	v, ok := p.values[key]
	if !ok {
		return nil, reference.ToolErrorf("no value for %q", key)
	}
	return v, nil
}

func TestHandleProviderIsAlwaysRaw(t *testing.T) {
	store := memorystore.New()
	sess, err := store.Create(t.Context())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	h := reference.NewHandler()
	ref := tool("kv", reference.Provide(&kvProvider{values: map[string]any{"a": 1}}))
	got, err := h.Handle(t.Context(), ref, map[string]any{"key": "a", reference.SessionKey: sess})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != 1 {
		t.Errorf("want 1, got %v", got)
	}

	var seen map[string]any
	fn := reference.ProviderFunc(func(_ context.Context, args map[string]any) (any, error) {
		seen = args
		return "ok", nil
	})
	if _, err := h.Handle(t.Context(), tool("fn", reference.Provide(fn)), map[string]any{"x": "1", reference.SessionKey: sess}); err != nil {
		t.Fatalf("handle func: %v", err)
	}
	if _, ok := seen[reference.SessionKey]; ok || seen["x"] != "1" {
		t.Errorf("want raw args without session, got %#v", seen)
	}

	if _, err := h.Handle(t.Context(), tool("nil", reference.Provide(nil)), nil); !errors.Is(err, reference.ErrInvalidHandler) {
		t.Errorf("want ErrInvalidHandler for nil provider, got %v", err)
	}
}

func TestHandleClientAwareMethod(t *testing.T) {
	h := reference.NewHandler()
	g := &greeter{prefix: "hello "}
	ref := tool("greet", reference.Method(g, "Greet", reference.Params("name")))

	got, err := h.Handle(t.Context(), ref, map[string]any{"name": "ann"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if got != "hello ann" {
		t.Errorf("want hello ann, got %v", got)
	}
}

// whoami reports the session of the client it was handed, after every
// concurrent caller has had its client injected.
type whoami struct {
	client  *gateway.Client
	arrived *sync.WaitGroup
}

func (w *whoami) SetClient(c *gateway.Client) { w.client = c }

func (w *whoami) Who() string {
	w.arrived.Done()
	w.arrived.Wait()
	return w.client.SessionID()
}

func TestHandleClientAwareMethodConcurrentSessions(t *testing.T) {
	h := reference.NewHandler()
	store := memorystore.New()
	var arrived sync.WaitGroup
	arrived.Add(2)
	shared := &whoami{arrived: &arrived}
	ref := tool("whoami", reference.Method(shared, "Who"))

	sessA, err := store.Create(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	sessB, err := store.Create(t.Context())
	if err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		want string
		got  any
		err  error
	}
	results := make(chan outcome, 2)
	for _, sess := range []sessions.Session{sessA, sessB} {
		go func() {
			got, err := h.Handle(t.Context(), ref, map[string]any{reference.SessionKey: sess})
			results <- outcome{sess.ID(), got, err}
		}()
	}
	for range 2 {
		select {
		case o := <-results:
			if o.err != nil {
				t.Fatalf("handle: %v", o.err)
			}
			if o.got != o.want {
				t.Errorf("want client for session %s, got %v", o.want, o.got)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("handlers did not finish")
		}
	}
	if shared.client != nil {
		t.Errorf("want shared receiver untouched, got client for %s", shared.client.SessionID())
	}
}

func TestHandleTypeInstantiatesPerCall(t *testing.T) {
	h := reference.NewHandler()
	ref := tool("count", reference.TypeOf[counter]())

	for i := 0; i < 2; i++ {
		got, err := h.Handle(t.Context(), ref, nil)
		if err != nil {
			t.Fatalf("handle: %v", err)
		}
		if got != 1 {
			t.Errorf("call %d: want fresh instance (1), got %v", i, got)
		}
	}
}

func TestHandlePropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	h := reference.NewHandler()
	ref := tool("fail", reference.Func(func() error { return boom }))

	_, err := h.Handle(t.Context(), ref, nil)
	if !errors.Is(err, boom) {
		t.Fatalf("want handler error unmodified, got %v", err)
	}
}

func TestHandleRecoversPanic(t *testing.T) {
	h := reference.NewHandler()
	ref := tool("panic", reference.Func(func() string { panic("kaboom") }))

	_, err := h.Handle(t.Context(), ref, nil)
	if err == nil || !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("want panic surfaced as error, got %v", err)
	}
}

func TestResolutionFailures(t *testing.T) {
	tests := []struct {
		name string
		d    reference.Descriptor
	}{
		{name: "zero descriptor", d: reference.Descriptor{}},
		{name: "nil func", d: reference.Func(nil)},
		{name: "not a func", d: reference.Func(42)},
		{name: "missing method", d: reference.Method(&greeter{}, "Missing")},
		{name: "unexported method", d: reference.Method(&greeter{}, "greet")},
		{name: "non-struct type", d: reference.Type(reflect.TypeFor[int]())},
		{name: "type without entry point", d: reference.TypeOf[greeter]()},
		{name: "variadic", d: reference.Func(func(xs ...int) int { return len(xs) })},
		{name: "bad results", d: reference.Func(func() (int, int) { return 0, 0 })},
		{name: "unnamed params", d: reference.Func(func(a, b int) int { return a + b })},
		{name: "bad default", d: reference.Func(func(n int) int { return n }, reference.Params("n"), reference.Defaults(map[string]any{"n": "x"}))},
	}

	h := reference.NewHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(t.Context(), tool("x", tt.d), map[string]any{"n": 1})
			if !errors.Is(err, reference.ErrInvalidHandler) {
				t.Fatalf("want ErrInvalidHandler, got %v", err)
			}
			if err := reference.Validate(tt.d, reference.Reflective); !errors.Is(err, reference.ErrInvalidHandler) {
				t.Errorf("Validate: want ErrInvalidHandler, got %v", err)
			}
		})
	}
}

func TestReferenceIdentity(t *testing.T) {
	tests := []struct {
		obj      any
		wantKind reference.Kind
		wantKey  string
	}{
		{obj: mcp.Tool{Name: "echo"}, wantKind: reference.KindTool, wantKey: "echo"},
		{obj: &mcp.Prompt{Name: "greet"}, wantKind: reference.KindPrompt, wantKey: "greet"},
		{obj: mcp.Resource{URI: "file:///a"}, wantKind: reference.KindResource, wantKey: "file:///a"},
		{obj: mcp.ResourceTemplate{URITemplate: "a/{id}"}, wantKind: reference.KindResourceTemplate, wantKey: "a/{id}"},
	}
	for _, tt := range tests {
		ref := &reference.Reference{Object: tt.obj}
		if ref.Kind() != tt.wantKind || ref.Key() != tt.wantKey {
			t.Errorf("want %s %q, got %s %q", tt.wantKind, tt.wantKey, ref.Kind(), ref.Key())
		}
	}
}

func TestListCompletion(t *testing.T) {
	l := reference.ListCompletion{"Alpha", "alpine", "beta"}
	got, err := l.Complete(t.Context(), nil, "AL")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	want := []string{"Alpha", "alpine"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("want %v, got %v", want, got)
	}
}
