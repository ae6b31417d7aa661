// Package ksync provides the kernel's single-hart synchronization and
// lazy-initialization primitives: a spinlock, LazyLock, OnceLock, and a
// generic atomic cell.
package ksync

import (
	"sync/atomic"
)

// Yield is called by Lock on every failed acquisition attempt. The process
// scheduler overwrites this at init time with its own sched_yield; it
// defaults to a no-op so this package has no import-cycle dependency on
// proc.
var Yield func() = func() {}

// SpinLock is a lock which "spins" when contended, yielding to the
// scheduler between attempts rather than blocking in any OS sense — there
// is no OS here, only the kernel's own cooperative scheduler.
type SpinLock[T any] struct {
	flag  atomic.Bool
	value T
}

// NewSpinLock constructs a SpinLock wrapping the given value.
func NewSpinLock[T any](value T) *SpinLock[T] {
	return &SpinLock[T]{value: value}
}

// SpinLockGuard is an RAII-style guard returned by Lock and TryLock.
type SpinLockGuard[T any] struct {
	l *SpinLock[T]
}

// Lock locks the mutex, yielding to the scheduler in a loop until it
// succeeds.
func (l *SpinLock[T]) Lock() *SpinLockGuard[T] {
	for {
		if g := l.TryLock(); g != nil {
			return g
		}
		Yield()
	}
}

// TryLock attempts to lock the mutex without blocking.
func (l *SpinLock[T]) TryLock() *SpinLockGuard[T] {
	if l.flag.CompareAndSwap(false, true) {
		return &SpinLockGuard[T]{l: l}
	}
	return nil
}

// Get returns a pointer to the protected value. Valid only while the guard
// is held.
func (g *SpinLockGuard[T]) Get() *T {
	return &g.l.value
}

// Unlock releases the lock. Guards are not safe for concurrent reuse after
// Unlock; call it exactly once.
func (g *SpinLockGuard[T]) Unlock() {
	g.l.flag.Store(false)
}
