// Package alloc implements the size-classed small-object allocator that
// sits on top of mem's page allocator: component B of the kernel core.
package alloc

import (
	"unsafe"

	"defs"
	"ksync"
	"limits"
	"mem"
	"util"
)

// classForSize returns the size-class index and the rounded-up size for a
// request, or ok=false if the request must go direct to the page
// allocator (size > MaxSizeClass).
func classForSize(effective uint) (idx int, rounded uint, ok bool) {
	if effective > limits.MaxSizeClass {
		return 0, 0, false
	}
	rounded = util.Max(util.NextPow2(effective), uint(limits.MinSizeClass))
	for i, sz := range limits.SizeClasses {
		if sz >= rounded {
			return i, sz, true
		}
	}
	return 0, 0, false
}

type freeListNode struct {
	next unsafe.Pointer
}

// fixedSizeClass is a single size class's state: a free list of
// previously-deallocated blocks, plus a bump cursor (freshHead) into the
// class's current backing page.
type fixedSizeClass struct {
	classSize uint
	freeList  unsafe.Pointer
	freshHead uintptr
}

// Allocator is the kernel's global sized allocator, backed by a mem.Phys
// page allocator.
type Allocator struct {
	phys    *mem.Phys
	classes [limits.NumSizeClasses]*ksync.SpinLock[fixedSizeClass]
}

// New constructs a size-classed allocator backed by phys.
func New(phys *mem.Phys) *Allocator {
	a := &Allocator{phys: phys}
	for i, sz := range limits.SizeClasses {
		a.classes[i] = ksync.NewSpinLock(fixedSizeClass{classSize: sz})
	}
	return a
}

// danglingSentinel's address is the non-null sentinel returned for
// zero-size allocations, which carry no backing memory.
var danglingSentinel byte

// Allocate satisfies a (size, align) request per 4.B: zero-size returns a
// dangling non-null pointer, oversized requests go direct to the page
// allocator, and everything else is served by (and returned to) its size
// class's free list / bump cursor.
func (a *Allocator) Allocate(size, align uint) (unsafe.Pointer, defs.Err_t) {
	if size == 0 {
		return unsafe.Pointer(&danglingSentinel), defs.ErrNone
	}
	effective := util.Max(size, align)
	if effective > limits.MaxSizeClass {
		pages := (int(effective) + mem.PGSIZE - 1) / mem.PGSIZE
		pa, err := a.phys.AllocPages(pages)
		if err != defs.ErrNone {
			return nil, err
		}
		b := mem.Bytes(pa, pages*mem.PGSIZE)
		return unsafe.Pointer(&b[0]), defs.ErrNone
	}

	idx, _, ok := classForSize(effective)
	if !ok {
		panic("alloc: classForSize disagreed with bound check")
	}
	g := a.classes[idx].Lock()
	defer g.Unlock()
	class := g.Get()

	if class.freeList != nil {
		node := (*freeListNode)(class.freeList)
		ret := class.freeList
		class.freeList = node.next
		return ret, defs.ErrNone
	}

	if class.freshHead%uintptr(mem.PGSIZE) == 0 {
		pa, err := a.phys.AllocPages(1)
		if err != defs.ErrNone {
			return nil, err
		}
		b := mem.Bytes(pa, mem.PGSIZE)
		class.freshHead = uintptr(unsafe.Pointer(&b[0]))
	}
	ret := unsafe.Pointer(class.freshHead)
	class.freshHead += uintptr(class.classSize)
	return ret, defs.ErrNone
}

// Deallocate returns a block to its size class's free list. Size-0 frees
// (ptr == the dangling sentinel) are no-ops. Oversized (page-backed)
// allocations are not tracked here and must be freed via mem.Phys
// directly by the caller that knows their page count.
func (a *Allocator) Deallocate(ptr unsafe.Pointer, size, align uint) {
	if ptr == unsafe.Pointer(&danglingSentinel) {
		return
	}
	effective := util.Max(size, align)
	if effective > limits.MaxSizeClass {
		return
	}
	idx, _, ok := classForSize(effective)
	if !ok {
		return
	}
	g := a.classes[idx].Lock()
	defer g.Unlock()
	class := g.Get()
	node := (*freeListNode)(ptr)
	node.next = class.freeList
	class.freeList = ptr
}
