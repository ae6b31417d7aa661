package ksync

import "sync/atomic"

// Atomic is a generic atomic cell for any value type, not just the machine
// widths sync/atomic covers directly. The source this is grounded on
// (util/src/sync/atomic.rs) reinterprets same-sized/aligned values as the
// matching hardware atomic width via a bytemuck cast; Go has no sound
// analog of that trick without unsafe/reflect fighting the type system, so
// this wraps atomic.Pointer[T] instead — every value lives in its own heap
// cell and the cell pointer is what actually gets swapped atomically. This
// is the idiomatic Go shape for "an atomic box around an arbitrary type".
type Atomic[T any] struct {
	p atomic.Pointer[T]
}

// NewAtomic constructs an Atomic holding v.
func NewAtomic[T any](v T) *Atomic[T] {
	a := &Atomic[T]{}
	a.p.Store(&v)
	return a
}

// Load returns the current value.
func (a *Atomic[T]) Load() T {
	return *a.p.Load()
}

// Store sets the value unconditionally.
func (a *Atomic[T]) Store(v T) {
	a.p.Store(&v)
}

// Swap sets the value and returns the previous one.
func (a *Atomic[T]) Swap(v T) T {
	old := a.p.Swap(&v)
	return *old
}

// CompareAndSwap sets the value to new if the current value equals old
// under comparator eq, reporting whether it did so. T need not be
// comparable with ==, hence the explicit eq.
func (a *Atomic[T]) CompareAndSwap(old, new_ T, eq func(a, b T) bool) bool {
	for {
		cur := a.p.Load()
		if !eq(*cur, old) {
			return false
		}
		if a.p.CompareAndSwap(cur, &new_) {
			return true
		}
	}
}

// Update atomically replaces the value with f(current), retrying until no
// other writer interleaved. It is the generic building block update_weak /
// update are specialized from in the source this is grounded on.
func (a *Atomic[T]) Update(f func(T) T) T {
	for {
		cur := a.p.Load()
		next := f(*cur)
		if a.p.CompareAndSwap(cur, &next) {
			return next
		}
	}
}
