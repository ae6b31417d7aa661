// Package vm implements Sv32 page-table management and the user/kernel
// memory-safety wrappers built on top of it: component E of the kernel
// core.
package vm

import (
	"defs"
	"limits"
	"mem"
)

// PAGE_SIZE mirrors mem.PGSIZE for readability in this package's own
// vocabulary (vaddr/paddr arithmetic reads more naturally against a
// page-table-local name).
const PAGE_SIZE = mem.PGSIZE

// PTE is a single Sv32 page-table entry.
type PTE uint32

// fromAddrFlags builds a PTE pointing at paddr (which must be
// page-aligned) carrying the given flag bits.
func fromAddrFlags(paddr mem.Pa_t, flags mem.Pa_t) PTE {
	return PTE((uint32(paddr) >> mem.PGSHIFT << mem.ADDR_SHIFT) | uint32(flags))
}

// PhysicalAddr extracts the physical address this entry points at.
func (e PTE) PhysicalAddr() mem.Pa_t {
	return mem.Pa_t(uint32(e)>>mem.ADDR_SHIFT) << mem.PGSHIFT
}

// Flags extracts the flag bits.
func (e PTE) Flags() mem.Pa_t {
	return mem.Pa_t(e) & mem.PteFlagsMask
}

// Valid reports whether the Valid bit is set.
func (e PTE) Valid() bool {
	return e.Flags()&mem.PTE_V != 0
}

// IsLeaf reports whether this is a leaf entry (valid and at least one of
// R/W/X set) as opposed to a non-leaf pointer to the next level.
func (e PTE) IsLeaf() bool {
	return e.Valid() && e.Flags()&(mem.PTE_R|mem.PTE_W|mem.PTE_X) != 0
}

const entriesPerTable = 1024

// PageTable is a page-aligned, two-level Sv32 page table: 1,024 entries,
// indexed first by VPN1 (bits 22-31 of the vaddr) and then, for a
// non-leaf entry, by VPN0 (bits 12-21).
type PageTable struct {
	Entries [entriesPerTable]PTE
}

func vpn1(vaddr uint32) uint32 { return vaddr >> 22 & 0x3ff }
func vpn0(vaddr uint32) uint32 { return vaddr >> 12 & 0x3ff }
func pageOffset(vaddr uint32) uint32 { return vaddr & 0xfff }

// tableAt loads the PageTable living at the given physical address.
func tableAt(pa mem.Pa_t) *PageTable {
	return (*PageTable)(pointerTo(pa))
}

// PageTableAt loads the PageTable living at the given physical address.
// Exported for proc, which allocates a fresh table for each new process.
func PageTableAt(pa mem.Pa_t) *PageTable {
	return tableAt(pa)
}

// MapPage maps vaddr to paddr in table with the given flags, allocating
// an intermediate (VPN1-level) table via phys if needed. Both addresses
// must be page-aligned (assertion, per spec); the leaf entry must
// currently be Invalid (double-mapping is a kernel bug, assertion).
func MapPage(phys *mem.Phys, table *PageTable, vaddr, paddr mem.Pa_t, flags mem.Pa_t) defs.Err_t {
	if !vaddr.IsPageAligned() || !paddr.IsPageAligned() {
		panic("vm: MapPage with unaligned address")
	}
	v := uint32(vaddr)
	slot1 := &table.Entries[vpn1(v)]
	var next *PageTable
	if !slot1.Valid() {
		pa, err := phys.AllocPagesZeroed(1)
		if err != defs.ErrNone {
			return err
		}
		*slot1 = fromAddrFlags(pa, mem.PTE_V)
		next = tableAt(pa)
	} else {
		if slot1.IsLeaf() {
			panic("vm: MapPage: VPN1 slot is unexpectedly a leaf (large page)")
		}
		next = tableAt(slot1.PhysicalAddr())
	}

	leaf := &next.Entries[vpn0(v)]
	if leaf.Valid() {
		panic("vm: MapPage: double-map of a virtual page")
	}
	*leaf = fromAddrFlags(paddr, flags|mem.PTE_V)
	return defs.ErrNone
}

// KernelRegion describes the identity-mapped kernel range the boot
// sequence hands to MapKernelMemory.
type KernelRegion struct {
	Base mem.Pa_t
	End  mem.Pa_t
}

// MapKernelMemory identity-maps [region.Base, region.End) with R+W+X, plus
// the virtio block and entropy MMIO pages with R+W, into table.
func MapKernelMemory(phys *mem.Phys, table *PageTable, region KernelRegion) defs.Err_t {
	for pa := region.Base; pa < region.End; pa += mem.Pa_t(PAGE_SIZE) {
		if err := MapPage(phys, table, pa, pa, mem.PTE_R|mem.PTE_W|mem.PTE_X); err != defs.ErrNone {
			return err
		}
	}
	mmio := []mem.Pa_t{limits.BlockDeviceAddress, limits.RandomDeviceAddress}
	for _, pa := range mmio {
		if err := MapPage(phys, table, pa, pa, mem.PTE_R|mem.PTE_W); err != defs.ErrNone {
			return err
		}
	}
	return defs.ErrNone
}

// AllocAndMapSlice allocates ceil(len(data)/PAGE_SIZE) pages, maps them at
// successive addresses starting at vaddr with flags, and copies data into
// them a page at a time.
func AllocAndMapSlice(phys *mem.Phys, table *PageTable, vaddr mem.Pa_t, data []byte, flags mem.Pa_t) defs.Err_t {
	n := (len(data) + PAGE_SIZE - 1) / PAGE_SIZE
	for i := 0; i < n; i++ {
		pa, err := phys.AllocPagesZeroed(1)
		if err != defs.ErrNone {
			return err
		}
		if err := MapPage(phys, table, vaddr+mem.Pa_t(i*PAGE_SIZE), pa, flags); err != defs.ErrNone {
			return err
		}
		chunk := data[i*PAGE_SIZE:]
		if len(chunk) > PAGE_SIZE {
			chunk = chunk[:PAGE_SIZE]
		}
		copy(mem.Bytes(pa, PAGE_SIZE), chunk)
	}
	return defs.ErrNone
}

// entryForVaddr walks table for vaddr and returns the leaf entry, or false
// if there is no mapping. It also reports the large-page case distinctly.
func entryForVaddr(table *PageTable, vaddr uint32) (entry PTE, largePage bool, ok bool) {
	e1 := table.Entries[vpn1(vaddr)]
	if !e1.Valid() {
		return 0, false, false
	}
	if e1.IsLeaf() {
		// A valid VPN1 entry carrying R/W/X bits is a megapage (4 MiB
		// superpage leaf), not a pointer to a second-level table. Sv32
		// permits this; the kernel's own mappings never create one
		// (MapPage always descends to a 4 KiB leaf). Report it rather
		// than mis-walking into garbage as a second-level table.
		return e1, true, true
	}
	next := tableAt(e1.PhysicalAddr())
	e0 := next.Entries[vpn0(vaddr)]
	if !e0.Valid() {
		return 0, false, false
	}
	return e0, false, true
}

// PaddrForVaddr resolves vaddr to a physical address using the active
// table, or identity maps it if no table is active (pre-paging boot
// code).
func PaddrForVaddr(active *PageTable, vaddr mem.Pa_t) (mem.Pa_t, defs.Err_t) {
	if active == nil {
		return vaddr, defs.ErrNone
	}
	e, large, ok := entryForVaddr(active, uint32(vaddr))
	if !ok {
		return 0, defs.ErrInvalidPointer
	}
	off := mem.Pa_t(pageOffset(uint32(vaddr)))
	if large {
		// Megapage: the low 22 bits are all offset.
		off = vaddr & 0x3fffff
	}
	return e.PhysicalAddr() + off, defs.ErrNone
}

// CheckRangeHasFlags walks every page in [vaddr, vaddr+length) and
// requires every entry to carry all of flags.
func CheckRangeHasFlags(active *PageTable, vaddr mem.Pa_t, length int, flags mem.Pa_t) bool {
	if active == nil {
		return false
	}
	start := uint32(vaddr) &^ uint32(mem.PGOFFSET)
	end := uint32(vaddr) + uint32(length)
	for v := start; v < end; v += uint32(PAGE_SIZE) {
		e, _, ok := entryForVaddr(active, v)
		if !ok {
			return false
		}
		if e.Flags()&flags != flags {
			return false
		}
	}
	return true
}
