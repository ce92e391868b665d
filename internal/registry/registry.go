/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package registry is a generic, concurrency-safe keyed map, adapted from
// the teacher's atomic.MapAny / context.Config[T] pair: the same
// sync.Map-backed generic store and Walk-style iteration, collapsed from
// two cooperating packages (one wrapping context.Context, one wrapping
// sync.Map) into the single typed Map the relay uses for its runtime
// registries: live sessions keyed by connection id, consecutive failure
// counts keyed by source address, and the listener's in-flight
// connections keyed by connection id.
package registry

import "sync"

// Map is a typed, concurrency-safe key/value store.
type Map[K comparable, V any] struct {
	m sync.Map
}

// New returns an empty Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{}
}

// Load returns the value stored for key, if any.
func (r *Map[K, V]) Load(key K) (value V, ok bool) {
	v, ok := r.m.Load(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

// Store sets the value for key, overwriting any previous value.
func (r *Map[K, V]) Store(key K, value V) {
	r.m.Store(key, value)
}

// LoadOrStore returns the existing value for key if present, otherwise
// stores and returns value.
func (r *Map[K, V]) LoadOrStore(key K, value V) (actual V, loaded bool) {
	a, loaded := r.m.LoadOrStore(key, value)
	return a.(V), loaded
}

// Delete removes key from the map.
func (r *Map[K, V]) Delete(key K) {
	r.m.Delete(key)
}

// Len returns the number of entries currently stored. It is O(n) and
// intended for the INFO/STAT admin dump, not a hot path.
func (r *Map[K, V]) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Walk calls fn for every key/value pair currently stored. fn returning
// false stops the iteration early, mirroring sync.Map.Range.
func (r *Map[K, V]) Walk(fn func(key K, value V) bool) {
	r.m.Range(func(k, v any) bool {
		return fn(k.(K), v.(V))
	})
}
