package engine

import (
	"fmt"
	"sync"
)

// Resources is a typed key-value registry populated once during environment
// startup and readable from any mounted unit. Connectors use it to obtain
// shared handles such as clients and pools.
type Resources struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewResources creates an empty registry.
func NewResources() *Resources {
	return &Resources{vals: make(map[string]any)}
}

// ResourceKey names a typed slot in the registry.
type ResourceKey[T any] struct {
	name string
}

// NewResourceKey creates a typed key. Names must be unique per registry.
func NewResourceKey[T any](name string) ResourceKey[T] {
	return ResourceKey[T]{name: name}
}

// Provide stores a value under a typed key.
func Provide[T any](r *Resources, key ResourceKey[T], v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vals[key.name] = v
}

// From fetches the value stored under a typed key.
func From[T any](r *Resources, key ResourceKey[T]) (T, error) {
	r.mu.RLock()
	v, ok := r.vals[key.name]
	r.mu.RUnlock()
	var zero T
	if !ok {
		return zero, NewPermanentError(
			fmt.Sprintf("resource %q not provided", key.name), nil).
			WithCode(ErrCodeNotFound)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, NewPermanentError(
			fmt.Sprintf("resource %q has unexpected type %T", key.name, v), nil).
			WithCode(ErrCodeInternal)
	}
	return typed, nil
}
