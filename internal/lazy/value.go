// Package lazy holds process-wide resources that are expensive to construct
// (regression models, recognizer models) and read-only once built.
package lazy

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Value constructs a T on first use. Concurrent first callers share a single
// construction. A failed construction is not cached: the error is returned to
// every caller of that attempt and the next Get tries again.
type Value[T any] struct {
	build func() (T, error)

	mu    sync.RWMutex
	ready bool
	value T
	group singleflight.Group
}

// New returns a Value that calls build at most once successfully.
func New[T any](build func() (T, error)) *Value[T] {
	return &Value[T]{build: build}
}

// Get returns the constructed value, building it if needed.
func (v *Value[T]) Get() (T, error) {
	v.mu.RLock()
	if v.ready {
		value := v.value
		v.mu.RUnlock()
		return value, nil
	}
	v.mu.RUnlock()

	out, err, _ := v.group.Do("build", func() (any, error) {
		v.mu.RLock()
		if v.ready {
			value := v.value
			v.mu.RUnlock()
			return value, nil
		}
		v.mu.RUnlock()

		value, err := v.build()
		if err != nil {
			return nil, err
		}
		v.mu.Lock()
		v.value = value
		v.ready = true
		v.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out.(T), nil
}

// Loaded reports whether construction has succeeded.
func (v *Value[T]) Loaded() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ready
}

// Peek returns the value only if it has already been built.
func (v *Value[T]) Peek() (T, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.value, v.ready
}
