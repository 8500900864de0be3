package encoding

import (
	"fmt"
	"sync"
)

// Serializer is the write half of Serializable; replicated components only
// need to produce bytes on the authoritative side.
type Serializer interface {
	Serialize() ([]byte, error)
}

// Serializable provides a clean, simple interface for serializing and deserializing values.
type Serializable interface {
	Serializer
	Deserialize([]byte) error
}

// Registry maps a stable type identifier to a constructor so a receiver can
// turn an opaque typed payload back into a value.
type Registry[K comparable] struct {
	mu        sync.RWMutex
	factories map[K]func() Serializable
}

func NewRegistry[K comparable]() *Registry[K] {
	return &Registry[K]{factories: make(map[K]func() Serializable)}
}

// Register binds id to factory. Registering the same id twice is an error.
func (r *Registry[K]) Register(id K, factory func() Serializable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		return fmt.Errorf("type %v already registered", id)
	}
	r.factories[id] = factory
	return nil
}

// Decode builds a fresh value for id and fills it from data.
func (r *Registry[K]) Decode(id K, data []byte) (Serializable, error) {
	r.mu.RLock()
	factory, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("type %v not registered", id)
	}
	v := factory()
	if err := v.Deserialize(data); err != nil {
		return nil, fmt.Errorf("decode type %v: %w", id, err)
	}
	return v, nil
}

func (r *Registry[K]) Has(id K) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}
