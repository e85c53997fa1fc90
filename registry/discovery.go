package registry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ggoodman/mcp-runtime-go/reference"
)

// DiscoveryState is a snapshot of discovered references, keyed like the
// registry itself.
type DiscoveryState struct {
	Tools             map[string]*reference.Reference
	Resources         map[string]*reference.Reference
	ResourceTemplates map[string]*reference.Reference
	Prompts           map[string]*reference.Reference
}

// Len returns the total number of references in the state.
func (s *DiscoveryState) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Tools) + len(s.Resources) + len(s.ResourceTemplates) + len(s.Prompts)
}

func (s *DiscoveryState) byKind() map[reference.Kind]map[string]*reference.Reference {
	return map[reference.Kind]map[string]*reference.Reference{
		reference.KindTool:             s.Tools,
		reference.KindResource:         s.Resources,
		reference.KindResourceTemplate: s.ResourceTemplates,
		reference.KindPrompt:           s.Prompts,
	}
}

// Discoverer produces references from some external source, such as a
// static scan of handler packages or a plugin directory.
type Discoverer interface {
	Discover(ctx context.Context) (*DiscoveryState, error)
}

// DiscovererFunc adapts a function to Discoverer.
type DiscovererFunc func(ctx context.Context) (*DiscoveryState, error)

func (f DiscovererFunc) Discover(ctx context.Context) (*DiscoveryState, error) { return f(ctx) }

// DiscoveryState snapshots the discovered (non-manual) references.
func (r *Registry) DiscoveryState() *DiscoveryState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := func(kind reference.Kind) map[string]*reference.Reference {
		out := make(map[string]*reference.Reference)
		for k, ref := range r.refs[kind] {
			if !ref.Manual {
				out[k] = ref
			}
		}
		return out
	}
	return &DiscoveryState{
		Tools:             snap(reference.KindTool),
		Resources:         snap(reference.KindResource),
		ResourceTemplates: snap(reference.KindResourceTemplate),
		Prompts:           snap(reference.KindPrompt),
	}
}

// ApplyDiscovery installs a discovery state. Without merge every previously
// discovered reference is dropped first. Entries are always registered as
// discovered, so manual references are never replaced.
func (r *Registry) ApplyDiscovery(state *DiscoveryState, merge bool) error {
	if state == nil {
		return nil
	}
	for kind, m := range state.byKind() {
		for key, ref := range m {
			if ref == nil || ref.Key() != key || ref.Kind() != kind {
				return fmt.Errorf("%w: discovery entry %s %q does not match its object", ErrInvalidReference, kind, key)
			}
			if kind == reference.KindResourceTemplate {
				if _, err := r.templates.Compile(key); err != nil {
					return fmt.Errorf("%w: %w", ErrInvalidReference, err)
				}
			}
		}
	}

	r.mu.Lock()
	changed := make(map[reference.Kind]bool)
	if !merge {
		for kind := range r.dropDiscovered() {
			changed[kind] = true
		}
	}
	for kind, m := range state.byKind() {
		for key, ref := range m {
			cp := *ref
			cp.Manual = false
			if r.register(kind, key, &cp) {
				changed[kind] = true
			}
		}
	}
	r.mu.Unlock()

	for kind := range changed {
		r.notify(kind)
	}
	r.log.Debug("registry.apply_discovery", slog.Int("entries", state.Len()), slog.Bool("merge", merge))
	return nil
}

// Discover runs d and applies its result.
func (r *Registry) Discover(ctx context.Context, d Discoverer, merge bool) error {
	state, err := d.Discover(ctx)
	if err != nil {
		return fmt.Errorf("registry: discover: %w", err)
	}
	return r.ApplyDiscovery(state, merge)
}
