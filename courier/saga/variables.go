package saga

import (
	"sort"

	"github.com/pkg/errors"
)

// Variables is the saga-wide bag shared by all activities of one routing
// slip. Entries are added or overwritten by executing activities and are
// never removed or rolled back by the engine.
type Variables map[string]any

func (v Variables) Get(name string) (any, bool) {
	value, ok := v[name]
	return value, ok
}

func (v Variables) Set(name string, value any) {
	v[name] = value
}

// Merge copies updates into v, overwriting existing names.
func (v Variables) Merge(updates Variables) {
	for name, value := range updates {
		v[name] = value
	}
}

// Clone returns a shallow copy.
func (v Variables) Clone() Variables {
	clone := make(Variables, len(v))
	for name, value := range v {
		clone[name] = value
	}
	return clone
}

func (v Variables) Keys() []string {
	keys := make([]string, 0, len(v))
	for name := range v {
		keys = append(keys, name)
	}
	sort.Strings(keys)
	return keys
}

// ReadOnlyVariables is the view of the bag handed to compensating
// activities and to observers.
type ReadOnlyVariables struct {
	values Variables
}

func NewReadOnlyVariables(values Variables) ReadOnlyVariables {
	return ReadOnlyVariables{values: values}
}

func (r ReadOnlyVariables) Get(name string) (any, bool) {
	value, ok := r.values[name]
	return value, ok
}

func (r ReadOnlyVariables) Len() int {
	return len(r.values)
}

func (r ReadOnlyVariables) Keys() []string {
	return r.values.Keys()
}

func (r ReadOnlyVariables) Clone() Variables {
	return r.values.Clone()
}

// VariableGetter is satisfied by Variables, ReadOnlyVariables and the
// activity contexts.
type VariableGetter interface {
	Get(name string) (any, bool)
}

// VariableAs reads a variable and converts it to T.
func VariableAs[T any](vars VariableGetter, name string) (T, error) {
	var out T
	value, ok := vars.Get(name)
	if !ok {
		return out, errors.Errorf("variable %q is not set", name)
	}
	if err := decode(value, &out); err != nil {
		return out, errors.Wrapf(err, "variable %q", name)
	}
	return out, nil
}
