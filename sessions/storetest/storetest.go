// Package storetest is a conformance suite for sessions.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/mcp-runtime-go/sessions"
)

// Clock is a manually advanced time source shared with the store under test.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock starting at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TTL is the session lifetime the factory must configure.
const TTL = time.Minute

// StoreFactory creates a Store with the given TTL that reads time from clock.
type StoreFactory func(t *testing.T, ttl time.Duration, clock *Clock) sessions.Store

// RunStoreTests runs the complete Store test suite against the provided factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("Lifecycle_CreateSaveReload", func(t *testing.T) { testCreateSaveReload(t, factory) })
	t.Run("Lifecycle_UnknownID", func(t *testing.T) { testUnknownID(t, factory) })
	t.Run("Lifecycle_DestroyIsIdempotent", func(t *testing.T) { testDestroy(t, factory) })
	t.Run("Values_DeleteKey", func(t *testing.T) { testDeleteKey(t, factory) })
	t.Run("Values_ConcurrentHandlesDoNotClobber", func(t *testing.T) { testConcurrentHandles(t, factory) })
	t.Run("Values_GetDefault", func(t *testing.T) { testGetDefault(t, factory) })
	t.Run("Expiry_GCReapsIdleSessions", func(t *testing.T) { testGC(t, factory) })
	t.Run("Expiry_SaveRefreshesTTL", func(t *testing.T) { testSaveRefreshes(t, factory) })
	t.Run("Expiry_SaveAfterExpiryFails", func(t *testing.T) { testSaveAfterExpiry(t, factory) })
}

func mustCreate(t *testing.T, ctx context.Context, st sessions.Store) sessions.Session {
	t.Helper()
	sess, err := st.Create(ctx)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.ID() == "" {
		t.Fatalf("expected non-empty session id")
	}
	return sess
}

func testCreateSaveReload(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	sess := mustCreate(t, ctx, st)
	ok, err := st.Exists(ctx, sess.ID())
	if err != nil || !ok {
		t.Fatalf("want fresh session to exist, got ok=%v err=%v", ok, err)
	}

	sess.Set("name", "alice")
	sess.Set("flags", map[string]bool{"beta": true})
	if err := sess.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := st.CreateWithID(ctx, sess.ID())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.ID() != sess.ID() {
		t.Errorf("want id %q, got %q", sess.ID(), again.ID())
	}
	if got := again.Get("name", nil); got != "alice" {
		t.Errorf("want name alice, got %v", got)
	}
	flags, ok := sessions.Lookup[map[string]bool](again, "flags")
	if !ok || !flags["beta"] {
		t.Errorf("want map value to survive reload, got %v", flags)
	}
	if keys := again.Keys(); len(keys) != 2 || keys[0] != "flags" || keys[1] != "name" {
		t.Errorf("want sorted keys [flags name], got %v", keys)
	}
}

func testUnknownID(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	ok, err := st.Exists(ctx, "does-not-exist")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Errorf("unknown session reported as existing")
	}
	if _, err := st.CreateWithID(ctx, "does-not-exist"); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound, got %v", err)
	}
}

func testDestroy(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	sess := mustCreate(t, ctx, st)
	if err := st.Destroy(ctx, sess.ID()); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := st.Destroy(ctx, sess.ID()); err != nil {
		t.Fatalf("second destroy: %v", err)
	}
	if ok, _ := st.Exists(ctx, sess.ID()); ok {
		t.Errorf("destroyed session still exists")
	}
	sess.Set("k", 1)
	if err := sess.Save(ctx); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound saving destroyed session, got %v", err)
	}
}

func testDeleteKey(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	sess := mustCreate(t, ctx, st)
	sess.Set("a", 1)
	sess.Set("b", 2)
	if err := sess.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	sess.Delete("a")
	if err := sess.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	again, err := st.CreateWithID(ctx, sess.ID())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := again.Get("a", "missing"); got != "missing" {
		t.Errorf("want deleted key to be absent, got %v", got)
	}
	if got := again.Get("b", nil); got != float64(2) {
		t.Errorf("want b=2, got %v (%T)", got, got)
	}
}

func testConcurrentHandles(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	sess := mustCreate(t, ctx, st)
	sess.Set("shared", "v0")
	if err := sess.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	h1, err := st.CreateWithID(ctx, sess.ID())
	if err != nil {
		t.Fatalf("load h1: %v", err)
	}
	h2, err := st.CreateWithID(ctx, sess.ID())
	if err != nil {
		t.Fatalf("load h2: %v", err)
	}

	h1.Set("one", true)
	h2.Set("two", true)
	if err := h1.Save(ctx); err != nil {
		t.Fatalf("save h1: %v", err)
	}
	if err := h2.Save(ctx); err != nil {
		t.Fatalf("save h2: %v", err)
	}

	final, err := st.CreateWithID(ctx, sess.ID())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	for _, key := range []string{"one", "two"} {
		if got := final.Get(key, false); got != true {
			t.Errorf("want %s=true, got %v", key, got)
		}
	}
	if got := final.Get("shared", nil); got != "v0" {
		t.Errorf("want shared=v0, got %v", got)
	}
}

func testGetDefault(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	st := factory(t, TTL, NewClock())

	sess := mustCreate(t, ctx, st)
	if got := sess.Get("absent", "fallback"); got != "fallback" {
		t.Errorf("want fallback, got %v", got)
	}
	sess.Set("present", "x")
	if got := sess.Get("present", "fallback"); got != "x" {
		t.Errorf("want unsaved value visible on the same handle, got %v", got)
	}
}

func testGC(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	clock := NewClock()
	st := factory(t, TTL, clock)

	old := mustCreate(t, ctx, st)
	clock.Advance(TTL / 2)
	fresh := mustCreate(t, ctx, st)
	clock.Advance(TTL/2 + time.Second)

	reaped, err := st.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if len(reaped) != 1 || reaped[0] != old.ID() {
		t.Fatalf("want only %q reaped, got %v", old.ID(), reaped)
	}
	if ok, _ := st.Exists(ctx, old.ID()); ok {
		t.Errorf("reaped session still exists")
	}
	if ok, _ := st.Exists(ctx, fresh.ID()); !ok {
		t.Errorf("fresh session was reaped")
	}

	reaped, err = st.GC(ctx)
	if err != nil {
		t.Fatalf("second gc: %v", err)
	}
	if len(reaped) != 0 {
		t.Errorf("want nothing reaped twice, got %v", reaped)
	}
}

func testSaveRefreshes(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	clock := NewClock()
	st := factory(t, TTL, clock)

	sess := mustCreate(t, ctx, st)
	clock.Advance(TTL - time.Second)
	if err := sess.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	clock.Advance(TTL - time.Second)

	if ok, _ := st.Exists(ctx, sess.ID()); !ok {
		t.Fatalf("want save to refresh the TTL")
	}
	reaped, err := st.GC(ctx)
	if err != nil {
		t.Fatalf("gc: %v", err)
	}
	if len(reaped) != 0 {
		t.Errorf("want nothing reaped, got %v", reaped)
	}
}

func testSaveAfterExpiry(t *testing.T, factory StoreFactory) {
	ctx := context.Background()
	clock := NewClock()
	st := factory(t, TTL, clock)

	sess := mustCreate(t, ctx, st)
	clock.Advance(TTL + time.Second)

	if _, err := st.CreateWithID(ctx, sess.ID()); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound loading expired session, got %v", err)
	}
	if err := sess.Save(ctx); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Errorf("want ErrSessionNotFound saving expired session, got %v", err)
	}
}
