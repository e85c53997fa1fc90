package protocol

import (
	"errors"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/registry"
)

var (
	// ErrAlreadyConnected is returned by Connect on an instance that is
	// already bound to a transport.
	ErrAlreadyConnected = errors.New("protocol: already connected to a transport")
	// ErrNotConnected is returned when sending without a transport.
	ErrNotConnected = errors.New("protocol: not connected")
)

// Session rejection messages.
const (
	msgInitializeBatched   = "initialize must not be batched"
	msgInitializeSessionID = "initialize must not carry a session id"
	msgSessionIDRequired   = "session id required"
	msgSessionNotFound     = "session not found or expired"
)

// statusData is the status hint attached to session errors.
type statusData struct {
	Status int `json:"status"`
}

// resourceNotFound marks a registry miss on a resource URI so it maps to the
// resource-specific code rather than invalid params.
type resourceNotFound struct {
	uri string
	err error
}

func (e *resourceNotFound) Error() string { return e.err.Error() }
func (e *resourceNotFound) Unwrap() error { return e.err }

// toRPCError classifies a handler failure.
func toRPCError(err error) *jsonrpc.Error {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var rnf *resourceNotFound
	if errors.As(err, &rnf) {
		return jsonrpc.NewError(jsonrpc.ErrorCodeResourceNotFound, "resource not found", map[string]string{"uri": rnf.uri})
	}

	var ipe *reference.InvalidParamsError
	switch {
	case errors.As(err, &ipe):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, ipe.Error(), map[string]string{"param": ipe.Param})
	case errors.Is(err, reference.ErrInvalidParams), errors.Is(err, registry.ErrNotFound):
		return jsonrpc.NewError(jsonrpc.ErrorCodeInvalidParams, err.Error(), nil)
	}
	return jsonrpc.NewError(jsonrpc.ErrorCodeInternalError, err.Error(), nil)
}
