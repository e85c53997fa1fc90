package protocol

import (
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/reference"
	"github.com/ggoodman/mcp-runtime-go/subscriptions"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultGCProbability is the chance that an inbound payload triggers a
// session garbage collection pass.
const DefaultGCProbability = 0.01

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the protocol logger. It is shared with the default
// reference handler and subscription manager.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protocol) {
		if l != nil {
			p.log = l
		}
	}
}

// WithServerInfo sets the implementation info returned by initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(p *Protocol) { p.serverInfo = info }
}

// WithInstructions sets the instructions returned by initialize.
func WithInstructions(s string) Option {
	return func(p *Protocol) { p.instructions = s }
}

// WithGCProbability overrides DefaultGCProbability. Zero disables
// opportunistic collection.
func WithGCProbability(prob float64) Option {
	return func(p *Protocol) {
		if prob >= 0 {
			p.gcProbability = prob
		}
	}
}

// WithRandSource replaces the random source used for the GC draw.
func WithRandSource(fn func() float64) Option {
	return func(p *Protocol) {
		if fn != nil {
			p.rand = fn
		}
	}
}

// WithRequestHandlers adds request handlers. They are consulted before the
// built-in handlers, in the order given, so they can replace any built-in
// method.
func WithRequestHandlers(hs ...RequestHandler) Option {
	return func(p *Protocol) { p.extraRequest = append(p.extraRequest, hs...) }
}

// WithNotificationHandlers adds notification handlers. They run in addition
// to the built-in ones.
func WithNotificationHandlers(hs ...NotificationHandler) Option {
	return func(p *Protocol) { p.extraNotify = append(p.extraNotify, hs...) }
}

// WithMetrics registers the protocol collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Protocol) { p.registerer = reg }
}

// WithReferenceHandler replaces the reference handler used to invoke
// capabilities.
func WithReferenceHandler(h *reference.Handler) Option {
	return func(p *Protocol) { p.refs = h }
}

// WithSubscriptions replaces the subscription manager.
func WithSubscriptions(m *subscriptions.Manager) Option {
	return func(p *Protocol) { p.subs = m }
}

// WithRequestTimeout bounds how long a single inbound request may run. Zero
// means no limit beyond the caller's context.
func WithRequestTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d >= 0 {
			p.requestTimeout = d
		}
	}
}

// WithPageSize overrides DefaultPageSize for list methods.
func WithPageSize(n int) Option {
	return func(p *Protocol) {
		if n > 0 {
			p.pageSize = n
		}
	}
}
