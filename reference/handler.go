package reference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/ggoodman/mcp-runtime-go/gateway"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// Handler invokes references. It is safe for concurrent use.
type Handler struct {
	log *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithLogger sets the logger used for invocation traces.
func WithLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// NewHandler creates a reference handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle resolves ref's handler, adapts args according to ref.Strategy and
// invokes it. The session is taken from args[SessionKey]; the in-flight task,
// if any, from ctx. The returned value is the handler's raw result.
//
// Resolution failures wrap ErrInvalidHandler, argument failures are
// *InvalidParamsError, and errors returned by the handler come back
// unmodified.
func (h *Handler) Handle(ctx context.Context, ref *Reference, args map[string]any) (any, error) {
	if ref == nil {
		return nil, invalidHandler("nil reference")
	}
	c, err := ref.Handler.resolve(ref.Strategy)
	if err != nil {
		return nil, err
	}

	sess, _ := args[SessionKey].(sessions.Session)
	var sessID string
	if sess != nil {
		sessID = sess.ID()
	}
	task, _ := gateway.TaskFromContext(ctx)
	client := gateway.NewClient(sessID, task)

	if aware, ok := c.target.(ClientAware); ok {
		aware.SetClient(client)
	}

	in, err := c.bind(ctx, client, sess, args)
	if err != nil {
		h.log.DebugContext(ctx, "reference.handle.bind.err", slog.String("callable", c.name), slog.String("err", err.Error()))
		return nil, err
	}

	start := time.Now()
	out, err := c.call(in)
	if err != nil {
		h.log.DebugContext(ctx, "reference.handle.err",
			slog.String("callable", c.name),
			slog.String("err", err.Error()),
			slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		)
		return nil, err
	}
	h.log.DebugContext(ctx, "reference.handle.ok",
		slog.String("callable", c.name),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

// Validate reports whether d can be resolved under strategy.
func Validate(d Descriptor, strategy Strategy) error {
	_, err := d.resolve(strategy)
	return err
}

func (c *callable) bind(ctx context.Context, client *gateway.Client, sess sessions.Session, args map[string]any) ([]reflect.Value, error) {
	in := make([]reflect.Value, len(c.slots))
	for i, s := range c.slots {
		switch s.kind {
		case slotContext:
			in[i] = reflect.ValueOf(&ctx).Elem()
		case slotClient:
			in[i] = reflect.ValueOf(client)
		case slotSession:
			v := reflect.New(sessionType).Elem()
			if sess != nil {
				v.Set(reflect.ValueOf(sess))
			}
			in[i] = v
		case slotRawArgs:
			raw := make(map[string]any, len(args))
			for k, v := range args {
				if k != SessionKey {
					raw[k] = v
				}
			}
			in[i] = reflect.ValueOf(raw)
		case slotStruct:
			v, err := c.bindStruct(args)
			if err != nil {
				return nil, err
			}
			in[i] = v
		case slotParam:
			v, err := c.bindParam(c.params[s.param], args)
			if err != nil {
				return nil, err
			}
			in[i] = v
		}
	}
	return in, nil
}

func (c *callable) bindParam(p param, args map[string]any) (reflect.Value, error) {
	if raw, ok := args[p.name]; ok {
		v, err := coerce(raw, p.typ)
		if err != nil {
			return reflect.Value{}, c.invalid(p.name, err)
		}
		return v, nil
	}
	switch {
	case p.hasDefault:
		return p.def, nil
	case p.optional:
		return reflect.Zero(p.typ), nil
	}
	return reflect.Value{}, missingArgument(p.name, c.name)
}

func (c *callable) bindStruct(args map[string]any) (reflect.Value, error) {
	base := c.structArg
	if base.Kind() == reflect.Pointer {
		base = base.Elem()
	}
	ptr := reflect.New(base)
	for _, p := range c.params {
		v, err := c.bindParam(p, args)
		if err != nil {
			return reflect.Value{}, err
		}
		ptr.Elem().FieldByIndex(p.field).Set(v)
	}
	if c.structArg.Kind() == reflect.Pointer {
		return ptr, nil
	}
	return ptr.Elem(), nil
}

func (c *callable) invalid(name string, err error) error {
	var ce *coercionError
	if errors.As(err, &ce) {
		return &InvalidParamsError{Param: name, Callable: c.name, Reason: ce.reason}
	}
	return &InvalidParamsError{Param: name, Callable: c.name, Reason: err.Error()}
}

// call invokes the function and splits its results. A panic inside the
// handler is returned as an error.
func (c *callable) call(in []reflect.Value) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reference: %s panicked: %v", c.name, r)
		}
	}()

	out := c.fn.Call(in)
	if c.hasError {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if c.hasValue {
		return out[0].Interface(), nil
	}
	return nil, nil
}
