// Package sparse provides an integer-keyed table with existence-checked
// mutation. It backs the transaction ledger and the dispatch ordering map.
package sparse

import (
	"errors"
	"fmt"
)

var (
	// ErrExists is returned by Put when the key is already live.
	ErrExists = errors.New("sparse: key already registered")
	// ErrNotFound is returned by Remove when the key is not live.
	ErrNotFound = errors.New("sparse: key not registered")
)

// KeyError identifies the key an operation failed on.
type KeyError struct {
	Key int
	Err error
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%v: %d", e.Err, e.Key)
}

func (e *KeyError) Unwrap() error { return e.Err }

// Table maps small integers to values. It is not safe for concurrent use;
// owners serialize access with their own mutex.
type Table[T any] struct {
	items map[int]T
}

// New returns an empty table sized for hint entries.
func New[T any](hint int) *Table[T] {
	if hint < 0 {
		hint = 0
	}
	return &Table[T]{items: make(map[int]T, hint)}
}

// Put registers v under key. A live key is never overwritten.
func (t *Table[T]) Put(key int, v T) error {
	if _, ok := t.items[key]; ok {
		return &KeyError{Key: key, Err: ErrExists}
	}
	t.items[key] = v
	return nil
}

// Get returns the value under key.
func (t *Table[T]) Get(key int) (T, bool) {
	v, ok := t.items[key]
	return v, ok
}

// Contains reports whether key is live.
func (t *Table[T]) Contains(key int) bool {
	_, ok := t.items[key]
	return ok
}

// Remove deletes key and returns the value it held.
func (t *Table[T]) Remove(key int) (T, error) {
	v, ok := t.items[key]
	if !ok {
		var zero T
		return zero, &KeyError{Key: key, Err: ErrNotFound}
	}
	delete(t.items, key)
	return v, nil
}

// Len returns the number of live keys.
func (t *Table[T]) Len() int {
	return len(t.items)
}

// Range calls fn for every live entry until fn returns false. fn must not
// mutate the table.
func (t *Table[T]) Range(fn func(key int, v T) bool) {
	for k, v := range t.items {
		if !fn(k, v) {
			return
		}
	}
}

// Keys returns a snapshot of the live keys in no particular order.
func (t *Table[T]) Keys() []int {
	keys := make([]int, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	return keys
}
