package saga

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ActivityResolver is an interface for resolving activities by name.
// This allows for dependency injection and better testability compared to global registries.
type ActivityResolver interface {
	// Resolve returns a fresh runner for the given activity name.
	Resolve(activityName string) (ActivityRunner, error)
}

type runnerFactory func() ActivityRunner

// Registry is a map-based ActivityResolver. Activities are registered as
// factories and a new instance is constructed for every invocation.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]runnerFactory
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]runnerFactory),
	}
}

// Register registers an execute-only activity under the given name.
func Register[TArgs any](r *Registry, name string, factory func() ExecuteActivity[TArgs]) error {
	return r.register(name, func() ActivityRunner {
		return NewExecuteRunner(factory())
	})
}

// RegisterCompensable registers a compensable activity under the given name.
func RegisterCompensable[TArgs any, TLog any](r *Registry, name string, factory func() Activity[TArgs, TLog]) error {
	return r.register(name, func() ActivityRunner {
		return NewActivityRunner(factory())
	})
}

// RegisterRunner registers a prebuilt runner factory, e.g. for composite
// activities.
func (r *Registry) RegisterRunner(name string, factory func() ActivityRunner) error {
	return r.register(name, factory)
}

func (r *Registry) register(name string, factory runnerFactory) error {
	if name == "" {
		return errors.New("activity name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return errors.Wrapf(ErrActivityAlreadyRegistered, "%q", name)
	}
	r.factories[name] = factory
	return nil
}

func (r *Registry) Resolve(activityName string) (ActivityRunner, error) {
	r.mu.RLock()
	factory, ok := r.factories[activityName]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(ErrActivityNotRegistered, "%q", activityName)
	}
	return factory(), nil
}

func (r *Registry) IsRegistered(activityName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[activityName]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
