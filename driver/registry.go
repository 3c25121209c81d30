package driver

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps device-type tags to driver constructors.
//
// A Registry is safe for concurrent use: types may be registered while the
// scheduler is resolving others.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty [Registry].
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// NewBuiltinRegistry returns a [Registry] with the built-in device families
// already registered.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		// the registry is empty, so a duplicate means the builtin table is broken
		panic(err)
	}
	return r
}

// Register adds ctor under deviceType. It fails with [ErrDuplicateType] if
// the type is already registered; use [Registry.Override] to replace one.
func (r *Registry) Register(deviceType string, ctor Constructor) error {
	if deviceType == "" {
		return fmt.Errorf("register: device type must not be empty")
	}
	if ctor == nil {
		return fmt.Errorf("register %q: constructor must not be nil", deviceType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ctors[deviceType]; exists {
		return fmt.Errorf("register %q: %w", deviceType, ErrDuplicateType)
	}
	r.ctors[deviceType] = ctor
	return nil
}

// Override registers ctor under deviceType, replacing any existing
// constructor. Devices already scheduled keep their current driver until
// they are rebuilt.
func (r *Registry) Override(deviceType string, ctor Constructor) {
	if deviceType == "" || ctor == nil {
		return
	}
	r.mu.Lock()
	r.ctors[deviceType] = ctor
	r.mu.Unlock()
}

// Resolve returns the constructor for deviceType, or an error wrapping
// [ErrUnknownDeviceType].
func (r *Registry) Resolve(deviceType string) (Constructor, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[deviceType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", deviceType, ErrUnknownDeviceType)
	}
	return ctor, nil
}

// New resolves deviceType and constructs a driver for spec.
func (r *Registry) New(deviceType string, spec Spec) (Driver, error) {
	ctor, err := r.Resolve(deviceType)
	if err != nil {
		return nil, err
	}
	return ctor(spec)
}

// Types returns the registered device types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.ctors))
	for t := range r.ctors {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
