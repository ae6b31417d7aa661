// Package csr wraps the handful of RISC-V control/status registers the
// kernel touches directly: SATP (active page table) and SSTATUS.SUM (the
// bit that lets supervisor code dereference user-accessible pages).
//
// On real hardware these are single instructions (csrr/csrw); here they
// are modeled as package state so the rest of the kernel can be written
// and tested against the same interface a freestanding build would use.
package csr

import "mem"

const satpModeBit = 1 << 31
const sstatusSUM = 1 << 18

var satp uint32
var sstatus uint32

// SetPageTable writes SATP to activate the given page table. The address
// must be page-aligned; that's an invariant the page-table package
// upholds before calling this.
func SetPageTable(pa mem.Pa_t) {
	if !pa.IsPageAligned() {
		panic("csr: SetPageTable with unaligned address")
	}
	satp = uint32(pa/mem.Pa_t(mem.PGSIZE)) | satpModeBit
}

// CurrentPageTable returns the physical address of the active page table,
// or (0, false) if paging is not enabled.
func CurrentPageTable() (mem.Pa_t, bool) {
	if satp&satpModeBit == 0 {
		return 0, false
	}
	return mem.Pa_t(satp&^satpModeBit) * mem.Pa_t(mem.PGSIZE), true
}

// SfenceVMA models the sfence.vma instruction: it flushes any cached
// address translations. Single-hart, no real TLB to simulate, so this is
// a marker call kept so the kernel's ordering matches the source's
// (sfence, write SATP, sfence).
func SfenceVMA() {}

// AllowUserModeMemory is a scoped token: while held, SSTATUS.SUM is set
// and the kernel is permitted to dereference user-accessible pages
// (through a UserMemRef/UserMemMut, never directly). Releasing it clears
// the bit. This is the mechanism spec 4.E calls "scoped user-memory
// access" and it must be held for the duration of any such access.
type AllowUserModeMemory struct{}

// Allow sets SSTATUS.SUM and returns a token. The caller must call
// Release when done; in Go there is no Drop, so every call site holds the
// token across its access and releases it explicitly (mirroring a defer).
func Allow() *AllowUserModeMemory {
	sstatus |= sstatusSUM
	return &AllowUserModeMemory{}
}

// Release clears SSTATUS.SUM.
func (a *AllowUserModeMemory) Release() {
	sstatus &^= sstatusSUM
}
