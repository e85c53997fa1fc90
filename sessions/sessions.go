package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is the sliding lifetime of an idle session.
const DefaultTTL = 30 * time.Minute

// Well-known keys in the session bag.
const (
	// KeySubscriptions prefixes subscription entries. Each subscribed URI is
	// its own key, KeySubscriptions + "/" + uri, so handles saving
	// concurrently never overwrite each other's subscriptions.
	KeySubscriptions = "subscriptions"
	// KeyInitialized records that notifications/initialized was received.
	KeyInitialized = "initialized"
	// KeyProtocolVersion is the negotiated protocol revision.
	KeyProtocolVersion = "protocol_version"
	// KeyClientInfo is the peer's implementation info from initialize.
	KeyClientInfo = "client_info"
	// KeyClientCapabilities is the capability set the peer advertised.
	KeyClientCapabilities = "client_capabilities"
	// KeyLogLevel is the threshold chosen with logging/setLevel.
	KeyLogLevel = "log_level"
)

// ErrSessionNotFound is returned when a session id is unknown or expired.
var ErrSessionNotFound = errors.New("session not found or expired")

// Session is a handle on one peer's server-side state.
type Session interface {
	ID() string
	// Get returns the value stored under key, or def when absent. Values come
	// back in their JSON-decoded form (objects as map[string]any, numbers as
	// float64).
	Get(key string, def any) any
	Set(key string, value any)
	Delete(key string)
	// Keys lists the keys present in this handle, sorted.
	Keys() []string
	// Save persists mutations made through this handle and refreshes the
	// session's expiry.
	Save(ctx context.Context) error
}

// Store owns session lifecycle.
type Store interface {
	// Create mints a new session with a fresh id.
	Create(ctx context.Context) (Session, error)
	// CreateWithID attaches a handle to an existing session. It returns
	// ErrSessionNotFound when the id is unknown or expired.
	CreateWithID(ctx context.Context, id string) (Session, error)
	Exists(ctx context.Context, id string) (bool, error)
	// GC removes sessions whose TTL elapsed since their last save and returns
	// their ids.
	GC(ctx context.Context) ([]string, error)
	// Destroy removes the session. Destroying an unknown id is not an error.
	Destroy(ctx context.Context, id string) error
}

// Lookup decodes the value under key into T. It reports false when the key is
// absent or does not decode into T.
func Lookup[T any](s Session, key string) (T, bool) {
	var out T
	v := s.Get(key, nil)
	if v == nil {
		return out, false
	}
	if typed, ok := v.(T); ok {
		return typed, true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return out, false
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, false
	}
	return out, true
}

// CommitFunc persists a batch of changes for session id. set holds encoded
// values to write; del lists keys to remove. It must refresh the session's
// expiry and return ErrSessionNotFound if the session no longer exists.
type CommitFunc func(ctx context.Context, id string, set map[string]json.RawMessage, del []string) error

// encodeError records a value that could not be encoded by Set.
type encodeError struct {
	key string
	err error
}

func (e *encodeError) Error() string {
	return fmt.Sprintf("sessions: encode %q: %v", e.key, e.err)
}

func (e *encodeError) Unwrap() error { return e.err }
