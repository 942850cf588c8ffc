package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xraph/courier/dedup"
)

// HandlerFunc is a type-erased job handler that accepts the record payload.
// The typed Definition[T] is converted to a HandlerFunc at registration
// time by closing over a JSON round trip into T and the typed handler.
type HandlerFunc func(ctx context.Context, payload map[string]any) (map[string]any, error)

// Registry maps job names to type-erased handler functions and their
// options. It also owns the dedup strategy registry so that registering a
// definition binds its strategy. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	options  map[string]Options
	dedup    *dedup.Registry
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		options:  make(map[string]Options),
		dedup:    dedup.NewRegistry(),
	}
}

// RegisterDefinition registers a typed job definition. The generic handler
// is wrapped in a closure that converts the payload into T before calling
// the typed handler.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload map[string]any) (map[string]any, error) {
		var t T
		if err := Decode(payload, &t); err != nil {
			return nil, fmt.Errorf("decode payload for job %q: %w", def.Name, err)
		}
		return def.Handler(ctx, t)
	}
	r.Register(def.Name, handler, def.Opts)
}

// Register adds an untyped handler.
func (r *Registry) Register(name string, h HandlerFunc, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
	r.options[name] = opts
	if opts.Dedup != nil {
		r.dedup.Set(name, opts.Dedup)
	}
}

// Get returns the handler for the given job name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Options returns the options registered for name.
func (r *Registry) Options(name string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	o, ok := r.options[name]
	return o, ok
}

// Dedup returns the dedup strategy registry fed by registrations.
func (r *Registry) Dedup() *dedup.Registry { return r.dedup }

// Names returns all registered job names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Encode converts a typed payload into the map form stored on records.
func Encode(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	if m, ok := v.(map[string]any); ok {
		return m, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("payload must encode to a JSON object: %w", err)
	}
	return m, nil
}

// Decode converts a stored payload into v.
func Decode(payload map[string]any, v any) error {
	if len(payload) == 0 {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
