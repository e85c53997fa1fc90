package reference

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidHandler reports a handler descriptor that cannot be resolved
	// to something invocable. It is raised before any argument adaptation.
	ErrInvalidHandler = errors.New("reference: invalid handler")
	// ErrInvalidParams is the sentinel every argument error unwraps to.
	ErrInvalidParams = errors.New("reference: invalid params")
)

// InvalidParamsError describes a caller-supplied argument that could not be
// bound to a handler parameter.
type InvalidParamsError struct {
	Param    string
	Callable string
	Reason   string
}

func (e *InvalidParamsError) Error() string {
	return fmt.Sprintf("invalid argument %q for %s: %s", e.Param, e.Callable, e.Reason)
}

func (e *InvalidParamsError) Unwrap() error { return ErrInvalidParams }

func missingArgument(param, callable string) error {
	return &InvalidParamsError{Param: param, Callable: callable, Reason: "missing required argument"}
}

func invalidHandler(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidHandler, fmt.Sprintf(format, args...))
}

// ToolError is returned by a tool handler to report a failure to the model
// as an isError tool result rather than a protocol error.
type ToolError struct {
	Message string
}

func (e *ToolError) Error() string { return e.Message }

// ToolErrorf formats a ToolError.
func ToolErrorf(format string, args ...any) error {
	return &ToolError{Message: fmt.Sprintf(format, args...)}
}
