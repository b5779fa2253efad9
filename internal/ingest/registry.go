package ingest

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/edu-etl/internal/config"
)

// Registry maps source names to their implementations.
type Registry struct {
	sources map[string]Source
	order   []string // insertion order for deterministic iteration
}

// NewRegistry creates a registry populated with the Census and Urban sources.
func NewRegistry(cfg *config.Config, deps Deps) *Registry {
	r := &Registry{
		sources: make(map[string]Source),
	}
	r.Register(NewCensus(cfg.Census, deps))
	r.Register(NewUrban(cfg.Urban, deps))
	return r
}

// Register adds a source to the registry.
func (r *Registry) Register(s Source) {
	if r.sources == nil {
		r.sources = make(map[string]Source)
	}
	name := s.Name()
	if _, ok := r.sources[name]; !ok {
		r.order = append(r.order, name)
	}
	r.sources[name] = s
}

// Get returns a source by name.
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, eris.Errorf("ingest: unknown source %q (valid: census, urban)", name)
	}
	return s, nil
}

// Select returns the named sources, or every source when names is empty.
func (r *Registry) Select(names []string) ([]Source, error) {
	if len(names) == 0 {
		return r.All(), nil
	}
	result := make([]Source, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, nil
}

// All returns all sources in registration order.
func (r *Registry) All() []Source {
	result := make([]Source, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.sources[name])
	}
	return result
}

// AllNames returns all registered source names in registration order.
func (r *Registry) AllNames() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
