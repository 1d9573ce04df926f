package transform

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry resolves transform identifiers to registered units.
//
// The registry is the pipeline's only view of the transform catalog:
// the orchestrator resolves the configured id at start and whenever a
// transform switch is requested. Thread-safe.
type Registry struct {
	mu    sync.RWMutex
	units map[string]Unit
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		units: make(map[string]Unit),
	}
}

// NewBuiltinRegistry creates a registry pre-populated with the built-in
// transforms, identity included.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	for _, u := range builtinUnits() {
		if err := r.Register(u); err != nil {
			// Built-in ids are distinct by construction.
			logrus.WithFields(logrus.Fields{
				"function":     "NewBuiltinRegistry",
				"transform_id": u.ID(),
				"error":        err,
			}).Error("Failed to register built-in transform")
		}
	}
	return r
}

// Register adds a unit to the registry. Registering an id twice is an error.
func (r *Registry) Register(u Unit) error {
	if u == nil {
		return fmt.Errorf("transform unit cannot be nil")
	}
	if u.ID() == "" {
		return fmt.Errorf("transform unit must have a non-empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.units[u.ID()]; exists {
		return fmt.Errorf("transform %q already registered", u.ID())
	}
	r.units[u.ID()] = u

	logrus.WithFields(logrus.Fields{
		"function":     "Registry.Register",
		"transform_id": u.ID(),
		"param_count":  len(u.ParameterSchema()),
	}).Debug("Transform registered")

	return nil
}

// Resolve returns the unit registered under id.
//
// An unknown id wraps ErrUnknownTransform so callers can classify the
// failure with errors.Is; at pipeline start this is a configuration error.
func (r *Registry) Resolve(id string) (Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.units[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, id)
	}
	return u, nil
}

// IDs returns the registered transform identifiers, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
