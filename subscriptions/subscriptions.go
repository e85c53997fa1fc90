// Package subscriptions tracks which sessions asked to be told about changes
// to which resource URIs.
//
// The authoritative subscription table lives in each session, one key per
// URI under the sessions.KeySubscriptions prefix, so subscriptions disappear
// together with their session and concurrent subscribes on separate handles
// both persist. The Manager additionally keeps an in-process index from URI to
// session ids so a change can be fanned out without scanning every session.
package subscriptions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/ggoodman/mcp-runtime-go/mcp"
	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// Sink delivers notifications to a session's peer. The protocol implements
// it.
type Sink interface {
	SendNotification(ctx context.Context, sessionID string, method mcp.Method, params any) error
}

// Loader reattaches to a session by id; sessions.Store.CreateWithID fits.
type Loader func(ctx context.Context, id string) (sessions.Session, error)

// Manager implements subscribe, unsubscribe and change notification.
type Manager struct {
	log *slog.Logger

	mu    sync.Mutex
	index map[string]map[string]struct{} // uri -> session ids
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// NewManager creates a subscription manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		log:   slog.New(slog.DiscardHandler),
		index: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const keyPrefix = sessions.KeySubscriptions + "/"

func key(uri string) string { return keyPrefix + uri }

// Subscriptions returns the URIs the session is subscribed to.
func Subscriptions(sess sessions.Session) map[string]bool {
	subs := make(map[string]bool)
	for _, k := range sess.Keys() {
		if uri, ok := strings.CutPrefix(k, keyPrefix); ok && IsSubscribed(sess, uri) {
			subs[uri] = true
		}
	}
	return subs
}

// IsSubscribed reports whether sess is subscribed to uri.
func IsSubscribed(sess sessions.Session, uri string) bool {
	on, _ := sessions.Lookup[bool](sess, key(uri))
	return on
}

// Subscribe records the subscription and saves the session. Subscribing
// twice is not an error.
func (m *Manager) Subscribe(ctx context.Context, sess sessions.Session, uri string) error {
	sess.Set(key(uri), true)
	if err := sess.Save(ctx); err != nil {
		return fmt.Errorf("subscriptions: subscribe %q: %w", uri, err)
	}

	m.mu.Lock()
	ids, ok := m.index[uri]
	if !ok {
		ids = make(map[string]struct{})
		m.index[uri] = ids
	}
	ids[sess.ID()] = struct{}{}
	m.mu.Unlock()

	m.log.DebugContext(ctx, "subscriptions.subscribe", slog.String("session_id", sess.ID()), slog.String("uri", uri))
	return nil
}

// Unsubscribe removes the subscription and saves the session. Removing an
// absent subscription is not an error.
func (m *Manager) Unsubscribe(ctx context.Context, sess sessions.Session, uri string) error {
	sess.Delete(key(uri))
	if err := sess.Save(ctx); err != nil {
		return fmt.Errorf("subscriptions: unsubscribe %q: %w", uri, err)
	}

	m.mu.Lock()
	m.dropLocked(uri, sess.ID())
	m.mu.Unlock()

	m.log.DebugContext(ctx, "subscriptions.unsubscribe", slog.String("session_id", sess.ID()), slog.String("uri", uri))
	return nil
}

// Forget removes a session from the index, typically after it was destroyed
// or reaped.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for uri := range m.index {
		m.dropLocked(uri, sessionID)
	}
}

func (m *Manager) dropLocked(uri, sessionID string) {
	ids, ok := m.index[uri]
	if !ok {
		return
	}
	delete(ids, sessionID)
	if len(ids) == 0 {
		delete(m.index, uri)
	}
}

// Subscribers returns the indexed session ids subscribed to uri, sorted.
func (m *Manager) Subscribers(uri string) []string {
	m.mu.Lock()
	out := make([]string, 0, len(m.index[uri]))
	for id := range m.index[uri] {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Strings(out)
	return out
}

// NotifyResourceChanged sends notifications/resources/updated to the session
// when it is subscribed to uri and does nothing otherwise. Send failures are
// logged and returned.
func (m *Manager) NotifyResourceChanged(ctx context.Context, sink Sink, sess sessions.Session, uri string) error {
	if !IsSubscribed(sess, uri) {
		return nil
	}
	params := mcp.ResourceUpdatedNotification{URI: uri}
	if err := sink.SendNotification(ctx, sess.ID(), mcp.ResourcesUpdatedNotificationMethod, params); err != nil {
		m.log.ErrorContext(ctx, "subscriptions.notify.err",
			slog.String("session_id", sess.ID()),
			slog.String("uri", uri),
			slog.String("err", err.Error()),
		)
		return fmt.Errorf("subscriptions: notify %q: %w", uri, err)
	}
	return nil
}

// NotifyAll notifies every indexed subscriber of uri. Sessions that can no
// longer be loaded are dropped from the index. The first send failure is
// returned after every subscriber has been tried.
func (m *Manager) NotifyAll(ctx context.Context, sink Sink, load Loader, uri string) error {
	var firstErr error
	for _, id := range m.Subscribers(uri) {
		sess, err := load(ctx, id)
		if err != nil {
			m.log.DebugContext(ctx, "subscriptions.notify_all.stale", slog.String("session_id", id), slog.String("err", err.Error()))
			m.mu.Lock()
			m.dropLocked(uri, id)
			m.mu.Unlock()
			continue
		}
		if err := m.NotifyResourceChanged(ctx, sink, sess, uri); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
