package gateway

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ggoodman/mcp-runtime-go/internal/jsonrpc"
)

// Kind tags what an Envelope asks the transport loop to do.
type Kind int

const (
	// KindNotification asks the loop to flush a notification and resume
	// immediately.
	KindNotification Kind = iota
	// KindRequest asks the loop to send a request and resume once the
	// correlated response arrives or the timeout elapses.
	KindRequest
)

func (k Kind) String() string {
	switch k {
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Envelope is what a suspended task hands to the transport loop. The task
// stays blocked until Resume is called exactly once.
type Envelope struct {
	Kind      Kind
	Message   *jsonrpc.Request
	SessionID string
	// Timeout bounds how long the loop waits for a response to a request.
	// Zero for notifications.
	Timeout time.Duration

	resume  chan resumption
	resumed atomic.Bool
}

type resumption struct {
	response *jsonrpc.Response
	err      error
}

func newEnvelope(kind Kind, msg *jsonrpc.Request, sessionID string, timeout time.Duration) *Envelope {
	return &Envelope{
		Kind:      kind,
		Message:   msg,
		SessionID: sessionID,
		Timeout:   timeout,
		resume:    make(chan resumption, 1),
	}
}

// Resume hands the outcome of the I/O back to the suspended task.
//
// Notifications accept nil or an error. Requests accept a *jsonrpc.Response
// (result or error object) or an error describing a transport failure or
// timeout. Any other payload, or a second call, is a programming error in
// the transport loop and panics.
func (e *Envelope) Resume(payload any) {
	var r resumption
	switch v := payload.(type) {
	case nil:
		if e.Kind == KindRequest {
			panic("gateway: request suspension resumed without a response")
		}
	case *jsonrpc.Response:
		if e.Kind != KindRequest || v == nil {
			panic(fmt.Sprintf("gateway: %s suspension resumed with a response", e.Kind))
		}
		r.response = v
	case error:
		r.err = v
	default:
		panic(fmt.Sprintf("gateway: %s suspension resumed with unexpected %T", e.Kind, payload))
	}

	if !e.resumed.CompareAndSwap(false, true) {
		panic("gateway: envelope resumed twice")
	}
	e.resume <- r
}

// Resumed reports whether Resume has already been called.
func (e *Envelope) Resumed() bool {
	return e.resumed.Load()
}
