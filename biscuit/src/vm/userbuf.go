package vm

import (
	"csr"
	"defs"
	"mem"
	"util"
)

// requiredReadFlags / requiredWriteFlags are the flag sets
// CheckRangeHasFlags must observe on every page of a user range before the
// kernel is allowed to touch it.
const (
	requiredReadFlags  = mem.PTE_V | mem.PTE_U | mem.PTE_R
	requiredWriteFlags = mem.PTE_V | mem.PTE_U | mem.PTE_R | mem.PTE_W
)

// UserMemRef is a validated, read-only view into a user process's address
// space. It can only be constructed while an AllowUserModeMemory token is
// held, and only over a range that CheckRangeHasFlags proves is mapped
// Valid+UserAccessible+Readable — this is the *only* legal way kernel code
// dereferences a user pointer.
type UserMemRef struct {
	bytes []byte
}

// UserMemMut is the writable counterpart of UserMemRef; it additionally
// requires the Writable bit on every page. Unlike UserMemRef it keeps the
// validated (table, vaddr, length) rather than a copied slice, since
// writes must land back in the physical pages the range maps to.
type UserMemMut struct {
	table  *PageTable
	vaddr  mem.Pa_t
	length int
}

// ForRegion constructs a UserMemRef over [vaddr, vaddr+length) in table,
// or ErrInvalidPointer if the range fails validation. token proves an
// AllowUserModeMemory scope is active; it isn't otherwise used, since this
// package simulates physical memory with ordinary Go slices rather than
// raw pointers that need SSTATUS.SUM to dereference, but requiring it
// keeps every call site honest about the invariant a freestanding build
// depends on.
func ForRegion(_ *csr.AllowUserModeMemory, table *PageTable, vaddr mem.Pa_t, length int) (*UserMemRef, defs.Err_t) {
	if !CheckRangeHasFlags(table, vaddr, length, requiredReadFlags) {
		return nil, defs.ErrInvalidPointer
	}
	b, err := gatherBytes(table, vaddr, length)
	if err != defs.ErrNone {
		return nil, err
	}
	return &UserMemRef{bytes: b}, defs.ErrNone
}

// ForRegionMut is ForRegion's writable counterpart. Unlike UserMemRef it
// keeps no copy: it re-walks the page table on every access so writes
// land in the actual physical pages backing the user range.
func ForRegionMut(_ *csr.AllowUserModeMemory, table *PageTable, vaddr mem.Pa_t, length int) (*UserMemMut, defs.Err_t) {
	if !CheckRangeHasFlags(table, vaddr, length, requiredWriteFlags) {
		return nil, defs.ErrInvalidPointer
	}
	return &UserMemMut{table: table, vaddr: vaddr, length: length}, defs.ErrNone
}

// gatherBytes resolves each page in the range to its backing physical
// bytes and copies them into one contiguous slice for read-only use. A
// copy is fine here since UserMemRef never writes back; UserMemMut uses
// CopyIn instead, which walks the table at write time.
func gatherBytes(table *PageTable, vaddr mem.Pa_t, length int) ([]byte, defs.Err_t) {
	out := make([]byte, 0, length)
	remaining := length
	v := vaddr
	for remaining > 0 {
		pa, err := PaddrForVaddr(table, v)
		if err != defs.ErrNone {
			return nil, err
		}
		off := int(v) % PAGE_SIZE
		n := util.Min(remaining, PAGE_SIZE-off)
		out = append(out, mem.Bytes(pa, n)...)
		v += mem.Pa_t(n)
		remaining -= n
	}
	return out, defs.ErrNone
}

// Bytes returns the read-only view's backing bytes.
func (r *UserMemRef) Bytes() []byte { return r.bytes }

// Len reports the validated range's length in bytes.
func (m *UserMemMut) Len() int { return m.length }

// CopyIn copies src into the validated user range, truncating to
// min(len(src), m.length), and returns the number of bytes copied. It
// walks the page table itself so each chunk is written straight into the
// physical page backing that part of the range, rather than into a
// detached buffer that would silently discard the write.
func (m *UserMemMut) CopyIn(src []byte) int {
	n := len(src)
	if n > m.length {
		n = m.length
	}
	written := 0
	v := m.vaddr
	for written < n {
		pa, err := PaddrForVaddr(m.table, v)
		if err != defs.ErrNone {
			return written
		}
		off := int(v) % PAGE_SIZE
		chunk := util.Min(n-written, PAGE_SIZE-off)
		copy(mem.Bytes(pa, chunk), src[written:written+chunk])
		v += mem.Pa_t(chunk)
		written += chunk
	}
	return written
}
