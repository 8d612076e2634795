// Package registry maps dotted call names to registered methods and their
// descriptors. Only explicitly registered methods are callable: the lookup is
// a security boundary, never a reflection over arbitrary attributes.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	// ErrNotFound means the kind or object does not exist (404).
	ErrNotFound = errors.New("call target not found")
	// ErrForbidden means the object exists but the method is not part of its
	// registered surface (403).
	ErrForbidden = errors.New("method not registered")
	// ErrFrozen means registration was attempted after startup completed.
	ErrFrozen = errors.New("registry is frozen")
)

// Registry is built once at startup, frozen, and then shared read-only across
// all workers.
type Registry struct {
	mu      sync.Mutex
	frozen  bool
	objects map[string]map[string]*Method // "kind.object" → method name → Method
}

func New() *Registry {
	return &Registry{objects: make(map[string]map[string]*Method)}
}

// Register adds a method. Duplicate registrations and registrations after
// Freeze are rejected.
func (r *Registry) Register(m *Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrFrozen
	}
	if m.Kind != KindModel && m.Kind != KindWizard && m.Kind != KindReport {
		return fmt.Errorf("unknown kind %q", m.Kind)
	}
	if m.Desc.Instantiate != nil {
		if m.Scalar == nil && m.Batch == nil {
			return fmt.Errorf("%s.%s.%s: instantiate mode needs a scalar or batch handler", m.Kind, m.Object, m.Name)
		}
	} else if m.Call == nil {
		return fmt.Errorf("%s.%s.%s: no handler", m.Kind, m.Object, m.Name)
	}
	key := string(m.Kind) + "." + m.Object
	methods, ok := r.objects[key]
	if !ok {
		methods = make(map[string]*Method)
		r.objects[key] = methods
	}
	if _, dup := methods[m.Name]; dup {
		return fmt.Errorf("%s.%s already registered", key, m.Name)
	}
	methods[m.Name] = m
	return nil
}

// Freeze marks the registry read-only. After Freeze, Lookup needs no locking.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Lookup resolves a dotted call name "kind.object.method". The method name is
// the last dot-separated component; the object name may itself contain dots.
func (r *Registry) Lookup(name string) (*Method, error) {
	first := strings.Index(name, ".")
	last := strings.LastIndex(name, ".")
	if first < 0 || first == last {
		return nil, fmt.Errorf("%w: malformed call name %q", ErrNotFound, name)
	}
	kind := name[:first]
	object := name[first+1 : last]
	method := name[last+1:]

	methods, ok := r.objects[kind+"."+object]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrNotFound, kind, object)
	}
	m, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s.%s", ErrForbidden, kind, object, method)
	}
	return m, nil
}

// Objects lists the registered "kind.object" keys, for diagnostics.
func (r *Registry) Objects() []string {
	keys := make([]string, 0, len(r.objects))
	for k := range r.objects {
		keys = append(keys, k)
	}
	return keys
}
