package reference

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// DefaultEntryPoint is the method invoked on handlers described by Type.
const DefaultEntryPoint = "Handle"

type descriptorKind int

const (
	descriptorNone descriptorKind = iota
	descriptorFunc
	descriptorMethod
	descriptorType
	descriptorProvider
)

// Descriptor names the code that serves a capability. Build one with Func,
// Method, Type, TypeOf or Provide; the zero value is invalid.
type Descriptor struct {
	kind     descriptorKind
	fn       any
	target   any
	method   string
	typ      reflect.Type
	provider Provider
	params   []string
	defaults map[string]any
}

// DescriptorOption configures a Descriptor.
type DescriptorOption func(*Descriptor)

// Params names the bindable parameters of a handler in declaration order.
// Injected parameters (context, gateway client, session) are not named.
func Params(names ...string) DescriptorOption {
	return func(d *Descriptor) { d.params = append([]string(nil), names...) }
}

// Defaults supplies default values for named parameters.
func Defaults(defaults map[string]any) DescriptorOption {
	return func(d *Descriptor) { d.defaults = defaults }
}

// Func describes a free function or closure.
func Func(fn any, opts ...DescriptorOption) Descriptor {
	return newDescriptor(Descriptor{kind: descriptorFunc, fn: fn}, opts)
}

// Method describes the exported method name on target.
func Method(target any, name string, opts ...DescriptorOption) Descriptor {
	return newDescriptor(Descriptor{kind: descriptorMethod, target: target, method: name}, opts)
}

// Type describes a struct type whose DefaultEntryPoint method serves the
// capability. A fresh zero instance is created for each invocation.
func Type(t reflect.Type, opts ...DescriptorOption) Descriptor {
	return TypeMethod(t, DefaultEntryPoint, opts...)
}

// TypeMethod is like Type with an explicit entry point.
func TypeMethod(t reflect.Type, name string, opts ...DescriptorOption) Descriptor {
	return newDescriptor(Descriptor{kind: descriptorType, typ: t, method: name}, opts)
}

// TypeOf is Type for a type parameter.
func TypeOf[T any](opts ...DescriptorOption) Descriptor {
	return Type(reflect.TypeFor[T](), opts...)
}

// Provide describes a dynamic capability served by p. Provider descriptors
// always use the Raw strategy, whatever the reference asks for.
func Provide(p Provider) Descriptor {
	return Descriptor{kind: descriptorProvider, provider: p}
}

// IsProvider reports whether d was built with Provide.
func (d Descriptor) IsProvider() bool { return d.kind == descriptorProvider }

func newDescriptor(d Descriptor, opts []DescriptorOption) Descriptor {
	for _, opt := range opts {
		opt(&d)
	}
	return d
}

func (d Descriptor) String() string {
	switch d.kind {
	case descriptorFunc:
		if d.fn == nil {
			return "<nil func>"
		}
		v := reflect.ValueOf(d.fn)
		if v.Kind() == reflect.Func {
			if f := runtime.FuncForPC(v.Pointer()); f != nil {
				return f.Name()
			}
		}
		return fmt.Sprintf("%T", d.fn)
	case descriptorMethod:
		return fmt.Sprintf("%T.%s", d.target, d.method)
	case descriptorType:
		if d.typ == nil {
			return "<nil type>." + d.method
		}
		return d.typ.String() + "." + d.method
	case descriptorProvider:
		return fmt.Sprintf("%T.Call", d.provider)
	}
	return "<invalid descriptor>"
}

// IsZero reports whether the descriptor was never set.
func (d Descriptor) IsZero() bool { return d.kind == descriptorNone }

var (
	contextType = reflect.TypeFor[context.Context]()
	clientType  = reflect.TypeFor[*gateway.Client]()
	sessionType = reflect.TypeFor[sessions.Session]()
	errorType   = reflect.TypeFor[error]()
	rawArgsType = reflect.TypeFor[map[string]any]()
)

type slotKind int

const (
	slotContext slotKind = iota
	slotClient
	slotSession
	slotParam
	slotStruct
	slotRawArgs
)

type slot struct {
	kind  slotKind
	typ   reflect.Type
	param int // index into callable.params for slotParam
}

// param is one bindable argument.
type param struct {
	name       string
	typ        reflect.Type
	hasDefault bool
	def        reflect.Value
	optional   bool
	field      []int // struct field index for struct-mode params
}

// callable is a resolved Descriptor ready to invoke.
type callable struct {
	name      string
	fn        reflect.Value
	target    any
	slots     []slot
	params    []param
	structArg reflect.Type // non-nil in struct mode; may be a pointer type
	hasValue  bool
	hasError  bool
}

// resolve turns the descriptor into a callable. All structural problems are
// reported as ErrInvalidHandler.
func (d Descriptor) resolve(strategy Strategy) (*callable, error) {
	var (
		fn     reflect.Value
		target any
	)
	switch d.kind {
	case descriptorFunc:
		if d.fn == nil {
			return nil, invalidHandler("nil function")
		}
		fn = reflect.ValueOf(d.fn)
		if fn.Kind() != reflect.Func {
			return nil, invalidHandler("%T is not a function", d.fn)
		}
		if fn.IsNil() {
			return nil, invalidHandler("nil function")
		}
	case descriptorMethod:
		if d.target == nil {
			return nil, invalidHandler("nil target for method %q", d.method)
		}
		recv := perCallReceiver(reflect.ValueOf(d.target))
		m, err := lookupMethod(recv, d.method)
		if err != nil {
			return nil, err
		}
		fn, target = m, recv.Interface()
	case descriptorType:
		if d.typ == nil {
			return nil, invalidHandler("nil type")
		}
		t := d.typ
		if t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		if t.Kind() != reflect.Struct {
			return nil, invalidHandler("%s is not a concrete struct type", d.typ)
		}
		inst := reflect.New(t)
		m, err := lookupMethod(inst, d.method)
		if err != nil {
			return nil, err
		}
		fn, target = m, inst.Interface()
	case descriptorProvider:
		if d.provider == nil {
			return nil, invalidHandler("nil provider")
		}
		recv := perCallReceiver(reflect.ValueOf(d.provider))
		fn, target = recv.MethodByName("Call"), recv.Interface()
		strategy = Raw
	default:
		return nil, invalidHandler("empty descriptor")
	}

	c := &callable{name: d.String(), fn: fn, target: target}
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, invalidHandler("%s: variadic handlers are not supported", c.name)
	}
	if err := c.analyzeResults(ft); err != nil {
		return nil, err
	}
	if err := c.analyzeParams(ft, d, strategy); err != nil {
		return nil, err
	}
	return c, nil
}

// perCallReceiver returns a shallow copy of a ClientAware struct pointer so
// the client injected for one invocation is never seen by another. Other
// receivers are shared as given.
func perCallReceiver(recv reflect.Value) reflect.Value {
	if _, ok := recv.Interface().(ClientAware); !ok {
		return recv
	}
	if recv.Kind() != reflect.Pointer || recv.IsNil() || recv.Elem().Kind() != reflect.Struct {
		return recv
	}
	cp := reflect.New(recv.Elem().Type())
	cp.Elem().Set(recv.Elem())
	return cp
}

func lookupMethod(recv reflect.Value, name string) (reflect.Value, error) {
	if name == "" {
		return reflect.Value{}, invalidHandler("%s: empty method name", recv.Type())
	}
	if r, _ := utf8.DecodeRuneInString(name); !unicode.IsUpper(r) {
		return reflect.Value{}, invalidHandler("%s.%s is not exported", recv.Type(), name)
	}
	m := recv.MethodByName(name)
	if !m.IsValid() {
		return reflect.Value{}, invalidHandler("%s has no method %s", recv.Type(), name)
	}
	return m, nil
}

func (c *callable) analyzeResults(ft reflect.Type) error {
	switch ft.NumOut() {
	case 0:
	case 1:
		if ft.Out(0) == errorType {
			c.hasError = true
		} else {
			c.hasValue = true
		}
	case 2:
		if ft.Out(1) != errorType {
			return invalidHandler("%s: second result must be error", c.name)
		}
		c.hasValue, c.hasError = true, true
	default:
		return invalidHandler("%s: handlers return at most (value, error)", c.name)
	}
	return nil
}

func (c *callable) analyzeParams(ft reflect.Type, d Descriptor, strategy Strategy) error {
	var bindable []int
	for i := 0; i < ft.NumIn(); i++ {
		t := ft.In(i)
		switch t {
		case contextType:
			c.slots = append(c.slots, slot{kind: slotContext})
		case clientType:
			c.slots = append(c.slots, slot{kind: slotClient})
		case sessionType:
			c.slots = append(c.slots, slot{kind: slotSession})
		default:
			bindable = append(bindable, len(c.slots))
			c.slots = append(c.slots, slot{kind: slotParam, typ: t})
		}
	}

	if strategy == Raw {
		if len(bindable) != 1 || c.slots[bindable[0]].typ != rawArgsType {
			return invalidHandler("%s: raw handlers take a single map[string]any argument", c.name)
		}
		c.slots[bindable[0]].kind = slotRawArgs
		return nil
	}

	if len(d.params) == 0 && len(bindable) == 1 {
		t := c.slots[bindable[0]].typ
		base := t
		if base.Kind() == reflect.Pointer {
			base = base.Elem()
		}
		if base.Kind() == reflect.Struct && !t.Implements(enumType) {
			c.slots[bindable[0]].kind = slotStruct
			c.structArg = t
			return c.analyzeStruct(base, d.defaults)
		}
	}

	if len(d.params) != len(bindable) {
		return invalidHandler("%s declares %d bindable parameters but %d names were given", c.name, len(bindable), len(d.params))
	}
	for i, si := range bindable {
		p := param{name: d.params[i], typ: c.slots[si].typ, optional: isNullable(c.slots[si].typ)}
		if def, ok := d.defaults[p.name]; ok {
			v, err := coerce(def, p.typ)
			if err != nil {
				return invalidHandler("%s: default for %q: %v", c.name, p.name, err)
			}
			p.hasDefault, p.def = true, v
		}
		c.slots[si].param = len(c.params)
		c.params = append(c.params, p)
	}
	return nil
}

func (c *callable) analyzeStruct(t reflect.Type, overrides map[string]any) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, omitempty, skip := jsonFieldName(f)
		if skip {
			continue
		}
		p := param{
			name:     name,
			typ:      f.Type,
			optional: omitempty || isNullable(f.Type),
			field:    f.Index,
		}

		var (
			def    any
			hasDef bool
		)
		if tag, ok := f.Tag.Lookup("default"); ok {
			def, hasDef = parseDefaultTag(tag), true
		}
		if v, ok := overrides[name]; ok {
			def, hasDef = v, true
		}
		if hasDef {
			v, err := coerce(def, f.Type)
			if err != nil {
				return invalidHandler("%s: default for %q: %v", c.name, name, err)
			}
			p.hasDefault, p.def = true, v
		}
		c.params = append(c.params, p)
	}
	return nil
}

func jsonFieldName(f reflect.StructField) (name string, omitempty, skip bool) {
	tag := f.Tag.Get("json")
	if tag == "-" {
		return "", false, true
	}
	name, opts, _ := strings.Cut(tag, ",")
	if name == "" {
		name = f.Name
	}
	for _, o := range strings.Split(opts, ",") {
		if o == "omitempty" || o == "omitzero" {
			omitempty = true
		}
	}
	return name, omitempty, false
}

// parseDefaultTag lets list and object defaults be written as JSON.
func parseDefaultTag(tag string) any {
	trimmed := strings.TrimSpace(tag)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		var v any
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v
		}
	}
	return tag
}
