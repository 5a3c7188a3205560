package config

import (
	"fmt"

	"github.com/presto8/bup/errs"
)

// BackendFactory builds a backend from its parsed config. The return
// type is left as `any` here so config stays independent of the repo
// package's Backend interface (the caller of Build asserts it back to
// repo.Backend);
// avoids an import cycle between config and repo.
type BackendFactory func(cfg *Config) (any, error)

// Registry is the "closed enumeration of backends... factory in a
// registry keyed by the backend name string" spec.md §9 describes
// for bup.type dispatch.
type Registry struct {
	factories map[string]BackendFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]BackendFactory{}}
}

// Register adds or replaces the factory for a bup.type name.
func (r *Registry) Register(typeName string, factory BackendFactory) {
	r.factories[typeName] = factory
}

// Build looks up cfg.Type and invokes its factory.
func (r *Registry) Build(cfg *Config) (any, error) {
	factory, ok := r.factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("config: %w: unknown bup.type %q", errs.ErrConfig, cfg.Type)
	}
	return factory(cfg)
}
