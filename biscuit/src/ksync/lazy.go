package ksync

import "sync/atomic"

// LazyLock runs an initializer exactly once, the first time Get is called,
// and caches the result.
//
// Concurrent-initialization policy (open question): if a second hart
// observes `started` already set but `finished` not yet set, it panics
// rather than parking, matching the source this was distilled from. A
// parking design is strictly better but needs a wait-queue the kernel
// doesn't otherwise have; since the kernel is single-hart in practice this
// race cannot actually occur today; the panic exists so that a future
// multi-hart port fails loudly instead of corrupting the value.
type LazyLock[T any] struct {
	started  atomic.Bool
	finished atomic.Bool
	init     func() T
	value    T
}

// NewLazyLock constructs a LazyLock with the given initializer.
func NewLazyLock[T any](init func() T) *LazyLock[T] {
	return &LazyLock[T]{init: init}
}

// Get returns the lazily-initialized value, running the initializer on the
// first call.
func (l *LazyLock[T]) Get() *T {
	if l.finished.Load() {
		return &l.value
	}
	if l.started.CompareAndSwap(false, true) {
		l.value = l.init()
		l.finished.Store(true)
		return &l.value
	}
	for !l.finished.Load() {
		if l.started.Load() {
			panic("LazyLock: concurrent initialization attempt")
		}
	}
	return &l.value
}

// OnceLock holds a value that may be set at most once.
type OnceLock[T any] struct {
	locked      atomic.Bool
	initialized atomic.Bool
	value       T
}

// Set stores v if the lock has not already been claimed by a concurrent
// Set. It returns false if another Set won the race.
func (o *OnceLock[T]) Set(v T) bool {
	if !o.locked.CompareAndSwap(false, true) {
		return false
	}
	o.value = v
	o.initialized.Store(true)
	return true
}

// Get returns the stored value and true, or the zero value and false if
// Set has not completed.
func (o *OnceLock[T]) Get() (T, bool) {
	if !o.initialized.Load() {
		var zero T
		return zero, false
	}
	return o.value, true
}
