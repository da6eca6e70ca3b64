package tools

import "sync"

// Registry holds the (tool_name → handler) map plus each tool's Spec,
// tagged with whether the tool supports parallel execution (spec §4.5
// "Registration"). MCP-discovered tools are injected per turn via Add.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	specs    map[string]Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}, specs: map[string]Spec{}}
}

// Add registers or replaces the handler and spec for a tool name.
func (r *Registry) Add(spec Spec, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[spec.Name] = h
	r.specs[spec.Name] = spec
}

// Remove deletes a tool registration, used to drop per-turn MCP tools once a
// turn ends.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, name)
	delete(r.specs, name)
}

// Lookup returns the handler and spec registered for name.
func (r *Registry) Lookup(name string) (Handler, Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, Spec{}, false
	}
	return h, r.specs[name], true
}

// Specs returns a snapshot of every currently registered tool's Spec, the
// set shown to the model when assembling a Prompt.
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// SupportsParallel reports whether name is registered and parallel-capable.
// An unknown tool is treated as non-parallel (conservative default, forces
// exclusive execution rather than silently racing).
func (r *Registry) SupportsParallel(name string) bool {
	_, spec, ok := r.Lookup(name)
	return ok && spec.SupportsParallel
}
