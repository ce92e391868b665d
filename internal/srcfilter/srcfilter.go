/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
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

// Package srcfilter tracks consecutive command-phase failures per source
// address and drops subsequent connections from an address that has
// reached the allowed count within a rolling window. It is backed by the
// same internal/registry.Map used for the stats registry, keyed here by
// source address instead of connection id.
package srcfilter

import (
	"sync"
	"time"

	"github.com/udsrelay/tunnel/internal/registry"
)

// DefaultAllowedFails and DefaultWindow match the relay's documented
// defaults: 5 consecutive command-phase failures within 60 seconds.
const (
	DefaultAllowedFails = 5
	DefaultWindow       = 60 * time.Second
)

type entry struct {
	mu      sync.Mutex
	count   int
	firstAt time.Time
}

// Filter decides whether a source address should be dropped at accept time
// because it has recently accumulated too many command-phase failures.
type Filter struct {
	allowed int
	window  time.Duration
	m       *registry.Map[string, *entry]
}

// New returns a Filter allowing up to allowed consecutive failures within
// window before an address is blocked.
func New(allowed int, window time.Duration) *Filter {
	return &Filter{allowed: allowed, window: window, m: registry.New[string, *entry]()}
}

// Blocked reports whether addr currently has too many recent failures.
// An expired window resets the count as a side effect, the same way the
// reference design "forgets" an address once its window lapses.
func (f *Filter) Blocked(addr string) bool {
	e, ok := f.m.Load(addr)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if clock().Sub(e.firstAt) > f.window {
		e.count = 0
		return false
	}

	return e.count >= f.allowed
}

// RecordFailure increments addr's failure count, starting a new window if
// none is open or the previous one has expired.
func (f *Filter) RecordFailure(addr string) {
	e, _ := f.m.LoadOrStore(addr, &entry{})

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.count == 0 || clock().Sub(e.firstAt) > f.window {
		e.firstAt = clock()
		e.count = 0
	}
	e.count++
}

// RecordSuccess clears addr's failure history, matching the intent that a
// successful session should not count toward a later run of failures.
func (f *Filter) RecordSuccess(addr string) {
	f.m.Delete(addr)
}

// clock is overridable in tests that need deterministic windows.
var clock = time.Now
