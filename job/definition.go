package job

import "context"

// Definition is a typed job definition with a handler function.
// T is the payload type (must be JSON-serializable).
type Definition[T any] struct {
	// Name is the unique identifier for this job type.
	Name string

	// Handler processes the payload. The returned map, if any, is stored
	// as the record's result.
	Handler func(ctx context.Context, payload T) (map[string]any, error)

	// Opts configures attempts, priority, timeout and dedup.
	Opts Options
}

// NewDefinition creates a typed job definition whose handler returns no
// result.
func NewDefinition[T any](name string, handler func(ctx context.Context, payload T) error, opts ...Option) *Definition[T] {
	return NewResultDefinition(name, func(ctx context.Context, p T) (map[string]any, error) {
		return nil, handler(ctx, p)
	}, opts...)
}

// NewResultDefinition creates a typed job definition whose handler reports
// a result.
func NewResultDefinition[T any](name string, handler func(ctx context.Context, payload T) (map[string]any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Name:    name,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
