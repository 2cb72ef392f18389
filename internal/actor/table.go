// Package actor provides the keyed actor table and the supervisor that
// owns long-lived runtime goroutines with a restart-intensity policy.
package actor

import "sync"

// Table tracks at most one actor per key. Creation through GetOrStart is
// atomic: concurrent callers for the same key observe the same actor.
type Table[K comparable, A any] struct {
	mu     sync.Mutex
	actors map[K]A
}

// NewTable creates an empty table.
func NewTable[K comparable, A any]() *Table[K, A] {
	return &Table[K, A]{actors: make(map[K]A)}
}

// GetOrStart returns the existing actor for the key, or invokes start to
// create one. The second return reports whether a new actor was started.
// start runs under the table lock, so it must not re-enter the table.
func (t *Table[K, A]) GetOrStart(key K, start func() (A, error)) (A, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.actors[key]; ok {
		return a, false, nil
	}
	a, err := start()
	if err != nil {
		var zero A
		return zero, false, err
	}
	t.actors[key] = a
	return a, true, nil
}

// Get returns the actor for the key if one is running.
func (t *Table[K, A]) Get(key K) (A, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.actors[key]
	return a, ok
}

// Remove drops the actor for the key. The caller owns shutdown.
func (t *Table[K, A]) Remove(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.actors, key)
}

// Range calls fn for every actor. fn must not re-enter the table.
func (t *Table[K, A]) Range(fn func(key K, actor A)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, a := range t.actors {
		fn(k, a)
	}
}

// Len reports the number of live actors.
func (t *Table[K, A]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.actors)
}
