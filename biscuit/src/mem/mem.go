// Package mem implements the physical-page allocator: a bump-allocated
// region backed by the freed-page list built on top of it. This is
// component A of the kernel core.
package mem

import (
	"sync/atomic"
	"unsafe"

	"defs"
	"klog"
	"ksync"
)

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// PGMASK masks the page number out of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// Sv32 PTE flag bits (component E uses these; defined here alongside the
// physical address type they decorate).
const (
	PTE_V Pa_t = 1 << 0 // Valid
	PTE_R Pa_t = 1 << 1 // Readable
	PTE_W Pa_t = 1 << 2 // Writable
	PTE_X Pa_t = 1 << 3 // Executable
	PTE_U Pa_t = 1 << 4 // UserAccessible
)

// PteFlagsMask covers every flag bit defined above.
const PteFlagsMask Pa_t = PTE_V | PTE_R | PTE_W | PTE_X | PTE_U

// ADDR_SHIFT is where the PPN begins within a page-table entry.
const ADDR_SHIFT = 10

// Pa_t represents a physical address.
type Pa_t uintptr

// IsPageAligned reports whether the address has no set bits below PGSHIFT.
func (p Pa_t) IsPageAligned() bool {
	return p&PGOFFSET == 0
}

// Bytepg_t is a byte-addressed page.
type Bytepg_t [PGSIZE]uint8

// ram is the kernel's simulated physical RAM arena. Real hardware backs
// this with actual DRAM and the boot stub (out of scope per spec) hands
// the kernel __free_ram/__free_ram_end; here the arena stands in for that
// address range so the allocator's bump-cursor and freelist logic is
// exercised the same way it would be against real memory.
var (
	ram     []byte
	ramBase Pa_t
)

// Init installs the simulated RAM arena covering [base, base+len). Tests
// and the boot sequence both call this before any allocation.
func Init(base Pa_t, length int) {
	ram = make([]byte, length)
	ramBase = base
}

// Bytes returns a slice over n bytes of physical memory starting at pa. It
// panics if the range falls outside the arena, mirroring the invariant
// that every physical address the kernel touches must be backed by real
// (simulated) RAM.
func Bytes(pa Pa_t, n int) []byte {
	off := int(pa - ramBase)
	if off < 0 || off+n > len(ram) {
		panic("mem: physical address out of range")
	}
	return ram[off : off+n]
}

// PaOf recovers the physical address backing a pointer obtained from
// Bytes (or from anything built on top of it, such as the size-classed
// allocator's raw blocks). It panics if p does not point into the arena.
func PaOf(p unsafe.Pointer) Pa_t {
	base := uintptr(unsafe.Pointer(&ram[0]))
	addr := uintptr(p)
	if addr < base || addr-base >= uintptr(len(ram)) {
		panic("mem: PaOf on pointer outside the arena")
	}
	return ramBase + Pa_t(addr-base)
}

// Page returns the PGSIZE-byte page containing pa as a *Bytepg_t.
func Page(pa Pa_t) *Bytepg_t {
	b := Bytes(pa.Rounddown(), PGSIZE)
	return (*Bytepg_t)(unsafe.Pointer(&b[0]))
}

// Rounddown aligns the address down to the start of its page.
func (p Pa_t) Rounddown() Pa_t {
	return p &^ PGOFFSET
}

// freePageListNode lives in place at the start of a freed frame, per the
// spec's data model: the node occupies the first bytes of its first page.
type freePageListNode struct {
	numPages uint32
	next     Pa_t // 0 means "no next"; physical address 0 is never a freed page
}

// Phys is the global physical-page allocator. The kernel boots with a
// single instance; tests construct their own to stay isolated.
type Phys struct {
	base    Pa_t
	end     Pa_t
	cursor  atomic.Uintptr // next byte to bump-allocate from
	freed   *ksync.SpinLock[Pa_t]
}

// Global is the kernel-wide physical allocator, set up by boot.
var Global *Phys

// Base returns the allocator's lower bound.
func (p *Phys) Base() Pa_t { return p.base }

// End returns the allocator's upper bound (exclusive).
func (p *Phys) End() Pa_t { return p.end }

// NewPhys constructs an allocator over [base, end).
func NewPhys(base, end Pa_t) *Phys {
	p := &Phys{base: base, end: end, freed: ksync.NewSpinLock[Pa_t](0)}
	p.cursor.Store(uintptr(base))
	klog.Infof("mem: phys allocator over [%#x, %#x)", base, end)
	return p
}

// AllocPages implements 4.A's algorithm: first try an exact-size match in
// the freed list (open question #3 — actually unlink and return, rather
// than leaving it as a todo), then fall back to the bump cursor.
func (p *Phys) AllocPages(n int) (Pa_t, defs.Err_t) {
	if pa, ok := p.popFreedExact(uint32(n)); ok {
		return pa, defs.ErrNone
	}
	want := uintptr(n) * uintptr(PGSIZE)
	for {
		cur := p.cursor.Load()
		next := cur + want
		if Pa_t(next) > p.end {
			return 0, defs.ErrOutOfMemory
		}
		if p.cursor.CompareAndSwap(cur, next) {
			return Pa_t(cur), defs.ErrNone
		}
	}
}

// AllocPagesZeroed allocates n pages and zeroes them before returning.
func (p *Phys) AllocPagesZeroed(n int) (Pa_t, defs.Err_t) {
	pa, err := p.AllocPages(n)
	if err != defs.ErrNone {
		return 0, err
	}
	b := Bytes(pa, n*PGSIZE)
	for i := range b {
		b[i] = 0
	}
	return pa, defs.ErrNone
}

// FreePages returns n pages starting at ptr to the freed list. ptr must be
// page-aligned; violating that is a kernel bug, so it panics rather than
// returning an error.
func (p *Phys) FreePages(ptr Pa_t, n int) {
	if !ptr.IsPageAligned() {
		panic("mem: FreePages of unaligned pointer")
	}
	node := freePageListNode{numPages: uint32(n)}
	g := p.freed.Lock()
	head := *g.Get()
	node.next = head
	b := Bytes(ptr, int(unsafe.Sizeof(node)))
	*(*freePageListNode)(unsafe.Pointer(&b[0])) = node
	*g.Get() = ptr
	g.Unlock()
}

// popFreedExact searches the freed list for a node with exactly n pages,
// unlinking and returning it on a match. This resolves the open question
// left as a todo in the source this is grounded on.
func (p *Phys) popFreedExact(n uint32) (Pa_t, bool) {
	g := p.freed.Lock()
	defer g.Unlock()

	var prev Pa_t // 0 == "no previous node"
	cur := *g.Get()
	for cur != 0 {
		nodeBytes := Bytes(cur, int(unsafe.Sizeof(freePageListNode{})))
		node := (*freePageListNode)(unsafe.Pointer(&nodeBytes[0]))
		if node.numPages == n {
			if prev == 0 {
				*g.Get() = node.next
			} else {
				prevBytes := Bytes(prev, int(unsafe.Sizeof(freePageListNode{})))
				prevNode := (*freePageListNode)(unsafe.Pointer(&prevBytes[0]))
				prevNode.next = node.next
			}
			return cur, true
		}
		prev = cur
		cur = node.next
	}
	return 0, false
}
