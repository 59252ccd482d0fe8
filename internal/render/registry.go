package render

import (
	"context"
	"sync"

	"github.com/ramiqadoumi/imageflow/internal/domain"
)

// Renderer turns task parameters into stored artifacts. Implementations must
// return once ctx is done if they can; the queue never times a render out.
type Renderer interface {
	Render(ctx context.Context, params domain.Params) ([]domain.Result, error)
}

// RendererFunc adapts a function to the Renderer interface.
type RendererFunc func(ctx context.Context, params domain.Params) ([]domain.Result, error)

func (f RendererFunc) Render(ctx context.Context, params domain.Params) ([]domain.Result, error) {
	return f(ctx, params)
}

// Registry maps generation kinds to their renderers.
type Registry struct {
	mu        sync.RWMutex
	renderers map[domain.Kind]Renderer
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{renderers: make(map[domain.Kind]Renderer)}
}

// Register adds a renderer for kind. Safe to call concurrently.
func (r *Registry) Register(kind domain.Kind, renderer Renderer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renderers[kind] = renderer
}

// Get returns the renderer for the given kind.
// Returns InvalidKindError if not registered.
func (r *Registry) Get(kind domain.Kind) (Renderer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	renderer, ok := r.renderers[kind]
	if !ok {
		return nil, &domain.InvalidKindError{Kind: kind}
	}
	return renderer, nil
}

// Has reports whether kind has a renderer.
func (r *Registry) Has(kind domain.Kind) bool {
	_, err := r.Get(kind)
	return err == nil
}

// Render dispatches to the renderer registered for params.Kind.
func (r *Registry) Render(ctx context.Context, params domain.Params) ([]domain.Result, error) {
	renderer, err := r.Get(params.Kind)
	if err != nil {
		return nil, err
	}
	return renderer.Render(ctx, params)
}
