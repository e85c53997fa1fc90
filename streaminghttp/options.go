package streaminghttp

import "log/slog"

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger used for transport events.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxBodyBytes bounds the size of a POST body. Larger bodies are
// rejected with 413.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxBody = n
		}
	}
}
