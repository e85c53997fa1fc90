package sessions

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

var _ Session = (*Handle)(nil)

// Handle is the Session implementation shared by the stores. It keeps a
// snapshot of the stored values and buffers mutations until Save hands them
// to the store's CommitFunc.
type Handle struct {
	id     string
	commit CommitFunc

	mu     sync.Mutex
	values map[string]json.RawMessage
	dirty  map[string]bool // key -> true when set, false when deleted
	encErr error
}

// NewHandle builds a handle over a snapshot of stored values.
func NewHandle(id string, values map[string]json.RawMessage, commit CommitFunc) *Handle {
	if values == nil {
		values = make(map[string]json.RawMessage)
	}
	return &Handle{
		id:     id,
		commit: commit,
		values: values,
		dirty:  make(map[string]bool),
	}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Get(key string, def any) any {
	h.mu.Lock()
	raw, ok := h.values[key]
	h.mu.Unlock()
	if !ok {
		return def
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

func (h *Handle) Set(key string, value any) {
	raw, err := json.Marshal(value)

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		// Surfaced by the next Save.
		h.encErr = &encodeError{key: key, err: err}
		return
	}
	h.values[key] = raw
	h.dirty[key] = true
}

func (h *Handle) Delete(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.values, key)
	h.dirty[key] = false
}

func (h *Handle) Keys() []string {
	h.mu.Lock()
	keys := make([]string, 0, len(h.values))
	for k := range h.values {
		keys = append(keys, k)
	}
	h.mu.Unlock()
	sort.Strings(keys)
	return keys
}

func (h *Handle) Save(ctx context.Context) error {
	h.mu.Lock()
	if h.encErr != nil {
		err := h.encErr
		h.encErr = nil
		h.mu.Unlock()
		return err
	}
	set := make(map[string]json.RawMessage)
	var del []string
	for key, isSet := range h.dirty {
		if isSet {
			set[key] = h.values[key]
		} else {
			del = append(del, key)
		}
	}
	h.mu.Unlock()

	if err := h.commit(ctx, h.id, set, del); err != nil {
		return err
	}

	h.mu.Lock()
	for key, isSet := range h.dirty {
		// Only clear entries that were not touched again while committing.
		if isSet {
			if cur, ok := h.values[key]; ok && string(cur) == string(set[key]) {
				delete(h.dirty, key)
			}
		} else if _, ok := h.values[key]; !ok {
			delete(h.dirty, key)
		}
	}
	h.mu.Unlock()
	return nil
}
