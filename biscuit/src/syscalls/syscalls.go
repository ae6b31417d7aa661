// Package syscalls implements the supervisor-call dispatcher: component H
// of the kernel core. It decodes a trap frame's syscall number and
// arguments, validates any user-memory pointers involved, invokes the
// kernel service, and encodes the result back into the frame.
package syscalls

import (
	"unsafe"

	"alloc"
	"csr"
	"defs"
	"ext2"
	"klog"
	"limits"
	"mem"
	"proc"
	"res"
	"ustr"
	"virtio"
	"vm"
)

// Syscall numbers (wire-exact; these cross the trap boundary in a0).
const (
	NumGetPid     = 3
	NumSchedYield = 4
	NumExit       = 5
	NumGetRandom  = 6
	NumOpen       = 7
	NumClose      = 8
	NumRead       = 9
	NumWrite      = 10
	NumMmap       = 11
	NumMunmap     = 12
)

// Frame is the subset of the trap frame the dispatcher reads and writes:
// a0 = syscall number in, a1..a3 = arguments in, a1 = primary result out,
// a2 = ErrorKind out.
type Frame struct {
	A0 uint32
	A1 uint32
	A2 uint32
	A3 uint32
}

// Devices bundles the kernel services Dispatch calls into: the page and
// sized allocators, the ext2 filesystem (over the virtio block device),
// and the virtio entropy device behind GetRandom.
type Devices struct {
	Phys    *mem.Phys
	Alloc   *alloc.Allocator
	FS      *ext2.FS
	Entropy *virtio.EntropyDevice
}

// stage borrows a buffer of n bytes from the sized allocator (component B)
// to hold data in flight between a user pointer and a device or
// filesystem call, and returns a func to release it.
func stage(d *Devices, n int) ([]byte, func()) {
	ptr, err := d.Alloc.Allocate(uint(n), 1)
	if err != defs.ErrNone {
		return nil, func() {}
	}
	b := unsafe.Slice((*byte)(ptr), n)
	if n > limits.MaxSizeClass {
		// Oversized blocks come straight from the page allocator and are
		// not tracked by Deallocate, so they go back to it directly.
		pages := (n + mem.PGSIZE - 1) / mem.PGSIZE
		return b, func() { d.Phys.FreePages(mem.PaOf(ptr), pages) }
	}
	return b, func() { d.Alloc.Deallocate(ptr, uint(n), 1) }
}

// Dispatch decodes frame.A0 and services the call against the current
// process, mutating frame in place with the result. Unknown syscall
// numbers are a kernel bug (a trap that shouldn't have been routed here),
// so they panic rather than returning an error code.
func Dispatch(d *Devices, frame *Frame) {
	switch frame.A0 {
	case NumGetPid:
		setOk(frame, proc.CurrentPid())
	case NumSchedYield:
		proc.SchedYield()
		setOk(frame, 0)
	case NumExit:
		proc.Exit(int32(frame.A1))
	case NumGetRandom:
		getRandom(d, frame)
	case NumOpen:
		open(d, frame)
	case NumClose:
		closeDescriptor(frame)
	case NumRead:
		readDescriptor(d, frame)
	case NumWrite:
		writeDescriptor(frame)
	case NumMmap:
		mmap(d, frame)
	case NumMunmap:
		// Unmapping individual pages was never implemented in the
		// source this is grounded on; Munmap always succeeds as a
		// no-op, matching its documented limitation rather than
		// silently leaking the guard-gap invariant by half-implementing it.
		setOk(frame, 0)
	default:
		panic("syscalls: unknown syscall number")
	}
}

func setOk(frame *Frame, value uint32) {
	frame.A1 = value
	frame.A2 = 0
}

func setErr(frame *Frame, err defs.Err_t) {
	frame.A1 = 0xffffffff
	frame.A2 = err.Encode()
}

// currentTable returns the active process's page table, or nil if no
// process is scheduled. vm.CheckRangeHasFlags treats a nil table as having
// no mappings, so every user-pointer check fails; vm.PaddrForVaddr treats
// it as the identity mapping.
func currentTable() *vm.PageTable {
	s := proc.Current()
	if s == nil {
		return nil
	}
	return s.PageTable
}

func getRandom(d *Devices, frame *Frame) {
	table := currentTable()
	token := csr.Allow()
	defer token.Release()

	length := int(frame.A2)
	if length > mem.PGSIZE {
		length = mem.PGSIZE
	}
	dst, err := vm.ForRegionMut(token, table, mem.Pa_t(frame.A1), length)
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	// The entropy device only ever touches physical memory, so the
	// random bytes are staged in a kernel-owned page and then copied
	// into the user's validated range, rather than handing the device
	// a user physical address directly. Staging uses a single page, so
	// a request is clamped to PGSIZE bytes; callers wanting more call
	// GetRandom repeatedly.
	stagePa, err := d.Phys.AllocPages(1)
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	defer d.Phys.FreePages(stagePa, 1)

	if err := d.Entropy.ReadRandom(stagePa, length); err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	dst.CopyIn(mem.Bytes(stagePa, length))
	setOk(frame, 0)
}

func open(d *Devices, frame *Frame) {
	table := currentTable()
	token := csr.Allow()
	defer token.Release()

	src, err := vm.ForRegion(token, table, mem.Pa_t(frame.A1), int(frame.A2))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	path, err := ustr.FromUserBytes(src.Bytes())
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	if !path.IsAbsolute() {
		setErr(frame, defs.ErrInvalidFormat)
		return
	}
	components, err := path.Components()
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	inodeNum, err := d.FS.LookupPath(components)
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	idx, err := proc.OpenFile(d.FS, inodeNum, res.FileFlags(frame.A3))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	klog.Debugf("open %q -> descriptor %d", path.String(), idx)
	setOk(frame, uint32(idx))
}

func closeDescriptor(frame *Frame) {
	if err := proc.CloseDescriptor(int(frame.A1)); err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	setOk(frame, 0)
}

func readDescriptor(d *Devices, frame *Frame) {
	descriptor, err := proc.Descriptor(int(frame.A1))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	table := currentTable()
	token := csr.Allow()
	defer token.Release()

	dst, err := vm.ForRegionMut(token, table, mem.Pa_t(frame.A2), int(frame.A3))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	staging, release := stage(d, dst.Len())
	defer release()
	n, err := descriptor.Read(staging)
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	dst.CopyIn(staging[:n])
	setOk(frame, uint32(n))
}

func writeDescriptor(frame *Frame) {
	descriptor, err := proc.Descriptor(int(frame.A1))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	table := currentTable()
	token := csr.Allow()
	defer token.Release()

	src, err := vm.ForRegion(token, table, mem.Pa_t(frame.A2), int(frame.A3))
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}

	n, err := descriptor.Write(src.Bytes())
	if err != defs.ErrNone {
		setErr(frame, err)
		return
	}
	setOk(frame, uint32(n))
}

// mmap implements 4.H's algorithm: round up to whole pages, allocate and
// zero them from the page allocator, map them R+W+X+U starting at the
// process's mmap_head, then advance mmap_head by one extra page as a
// guard gap so an over-read traps instead of silently reading the next
// allocation.
func mmap(d *Devices, frame *Frame) {
	s := proc.Current()
	if s == nil {
		panic("syscalls: mmap with no scheduled process")
	}

	size := int(frame.A1)
	pages := (size + vm.PAGE_SIZE - 1) / vm.PAGE_SIZE
	if pages == 0 {
		pages = 1
	}

	base := s.MmapHead
	const mmapFlags = mem.PTE_R | mem.PTE_W | mem.PTE_X | mem.PTE_U
	for i := 0; i < pages; i++ {
		pa, err := d.Phys.AllocPagesZeroed(1)
		if err != defs.ErrNone {
			setErr(frame, err)
			return
		}
		vaddr := base + mem.Pa_t(i*vm.PAGE_SIZE)
		if err := vm.MapPage(d.Phys, s.PageTable, vaddr, pa, mmapFlags); err != defs.ErrNone {
			setErr(frame, err)
			return
		}
	}
	s.MmapHead = base + mem.Pa_t((pages+1)*vm.PAGE_SIZE)
	setOk(frame, uint32(base))
}
