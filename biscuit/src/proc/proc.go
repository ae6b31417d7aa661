// Package proc implements the fixed-slot process table, cooperative
// scheduler, and context switch: component F of the kernel core.
//
// There is no instruction-execution substrate in this module — no RV32
// interpreter, no real trap entry — so "context switch" here means what
// it means to the rest of the kernel: swap the active page table and
// update which slot the syscall dispatcher currently serves. The
// source's naked-assembly callee-saved-register save/restore has no
// register state to save at this level of abstraction (that state lives
// in whatever test harness or future trap handler calls into this
// package), so SwitchContext does the page-table half of the source's
// routine and nothing more; this is a recorded redesign, not an
// oversight.
package proc

import (
	"sync/atomic"

	"csr"
	"defs"
	"ext2"
	"klog"
	"ksync"
	"limits"
	"mem"
	"res"
	"vm"
)

// State is a process slot's lifecycle state.
type State int

const (
	Unused State = iota
	Runnable
	Idle
	Exited
)

func (s State) String() string {
	switch s {
	case Unused:
		return "unused"
	case Runnable:
		return "runnable"
	case Idle:
		return "idle"
	case Exited:
		return "exited"
	default:
		return "invalid"
	}
}

// Slot is one fixed process-table entry. Per spec 4.F this lives in a
// fixed [MaxProcs]Slot array; slots are never reclaimed once Exited
// (OPEN QUESTION the source documents and leaves unresolved — this
// package keeps that restriction rather than inventing a reclaim
// policy).
type Slot struct {
	Pid         uint32
	State       State
	PageTable   *vm.PageTable
	PageTablePa mem.Pa_t
	Descriptors [limits.NumResourceDescriptors]*res.Descriptor
	MmapHead    mem.Pa_t
}

var (
	slots      [limits.MaxProcs]Slot
	slotsLock  = ksync.NewSpinLock[struct{}](struct{}{})
	currentIdx atomic.Uint32
	pidCounter atomic.Uint32
)

func init() {
	currentIdx.Store(limits.MaxProcs) // sentinel: no process scheduled yet
	pidCounter.Store(1)
	ksync.Yield = SchedYield
}

// userPageFlags is the flag set the process's image is mapped with:
// valid, readable, writable, executable, user-accessible.
const userPageFlags = mem.PTE_V | mem.PTE_R | mem.PTE_W | mem.PTE_X | mem.PTE_U

// CreateProcess implements 4.F's create_process: find an Unused slot
// (panicking if none exist, matching the source's documented
// limitation), build a fresh page table mapping kernel memory and the
// image, allocate the resource-descriptor table with slots 0/1
// pre-bound to console-in/console-out, and mark the slot Runnable.
func CreateProcess(phys *mem.Phys, image []byte) (uint32, defs.Err_t) {
	g := slotsLock.Lock()
	idx := -1
	for i := range slots {
		if slots[i].State == Unused {
			idx = i
			break
		}
	}
	g.Unlock()
	if idx == -1 {
		panic("proc: out of process slots")
	}

	tablePa, err := phys.AllocPagesZeroed(1)
	if err != defs.ErrNone {
		return 0, err
	}
	table := vm.PageTableAt(tablePa)
	region := vm.KernelRegion{Base: phys.Base(), End: phys.End()}
	if err := vm.MapKernelMemory(phys, table, region); err != defs.ErrNone {
		return 0, err
	}
	if err := vm.AllocAndMapSlice(phys, table, limits.UserBase, image, userPageFlags); err != defs.ErrNone {
		return 0, err
	}

	s := &slots[idx]
	s.PageTable = table
	s.PageTablePa = tablePa
	s.Descriptors = [limits.NumResourceDescriptors]*res.Descriptor{}
	s.Descriptors[0] = res.NewDescriptor(res.NewConsoleIn())
	s.Descriptors[1] = res.NewDescriptor(res.NewConsoleOut())
	s.MmapHead = limits.MmapBase
	s.Pid = pidCounter.Add(1) - 1
	s.State = Runnable
	// The very first process created has nothing to be scheduled in by
	// way of a preceding SchedYield, so it becomes current directly.
	currentIdx.CompareAndSwap(limits.MaxProcs, uint32(idx))
	klog.Infof("created process pid=%d slot=%d image=%dB", s.Pid, idx, len(image))
	return s.Pid, defs.ErrNone
}

// SetIdle marks the slot at idx as the idle process: only chosen when
// nothing else is Runnable.
func SetIdle(idx int) {
	slots[idx].State = Idle
}

// Current returns the currently scheduled slot, or nil if none has been
// scheduled yet.
func Current() *Slot {
	idx := currentIdx.Load()
	if idx >= limits.MaxProcs {
		return nil
	}
	return &slots[idx]
}

// CurrentPid returns the pid of the currently scheduled process.
func CurrentPid() uint32 {
	if c := Current(); c != nil {
		return c.Pid
	}
	return 0
}

// nextToRun implements the scheduler policy from 4.F: prefer any
// Runnable slot other than cur; if none, keep cur if it's still
// Runnable; else fall back to an Idle slot; else panic (the source's
// own OPEN QUESTION — there is truly nothing left to run).
func nextToRun(cur int) int {
	for i := range slots {
		if i != cur && slots[i].State == Runnable {
			return i
		}
	}
	if cur < limits.MaxProcs && slots[cur].State == Runnable {
		return cur
	}
	for i := range slots {
		if slots[i].State == Idle {
			return i
		}
	}
	panic("proc: scheduler has nothing runnable")
}

// SchedYield implements sched_yield: pick the next slot to run and, if
// it differs from the current one, switch to it.
func SchedYield() {
	cur := int(currentIdx.Load())
	next := nextToRun(cur)
	if next != cur {
		SwitchContext(cur, next)
	}
}

// SwitchContext performs the page-table half of 4.F's switch_context:
// sfence.vma, write SATP for the new process, sfence.vma again, then
// record the new current slot. See the package doc for why no register
// save/restore happens here.
func SwitchContext(oldIdx, newIdx int) {
	csr.SfenceVMA()
	csr.SetPageTable(slots[newIdx].PageTablePa)
	csr.SfenceVMA()
	currentIdx.Store(uint32(newIdx))
}

// Exit implements 4.F's exit: mark the slot Exited, close every open
// descriptor, and yield. Slot memory is left in place so the scheduler
// can still observe Exited — slots are never reclaimed.
func Exit(status int32) {
	s := Current()
	if s == nil {
		return
	}
	for i := range s.Descriptors {
		if s.Descriptors[i] != nil {
			s.Descriptors[i].Close()
			s.Descriptors[i] = nil
		}
	}
	s.State = Exited
	klog.Infof("process pid=%d exited status=%d", s.Pid, status)
	SchedYield()
}

// AllocDescriptorSlot finds the lowest-indexed free resource-descriptor
// slot in the current process's table, installs d there, and returns
// its index, or ErrLimitReached if the table is full.
func AllocDescriptorSlot(d *res.Descriptor) (int, defs.Err_t) {
	s := Current()
	if s == nil {
		return 0, defs.ErrUnsupported
	}
	for i := range s.Descriptors {
		if s.Descriptors[i] == nil {
			s.Descriptors[i] = d
			return i, defs.ErrNone
		}
	}
	limits.Lhits++
	return 0, defs.ErrLimitReached
}

// Descriptor looks up a resource descriptor by index in the current
// process's table.
func Descriptor(idx int) (*res.Descriptor, defs.Err_t) {
	s := Current()
	if s == nil || idx < 0 || idx >= limits.NumResourceDescriptors || s.Descriptors[idx] == nil {
		return nil, defs.ErrNotFound
	}
	return s.Descriptors[idx], defs.ErrNone
}

// CloseDescriptor closes and clears the descriptor at idx.
func CloseDescriptor(idx int) defs.Err_t {
	s := Current()
	if s == nil || idx < 0 || idx >= limits.NumResourceDescriptors || s.Descriptors[idx] == nil {
		return defs.ErrNotFound
	}
	s.Descriptors[idx].Close()
	s.Descriptors[idx] = nil
	return defs.ErrNone
}

// OpenFile allocates a fresh descriptor slot backed by a file opened
// from fs at inodeNum with flags.
func OpenFile(fs *ext2.FS, inodeNum uint32, flags res.FileFlags) (int, defs.Err_t) {
	desc, err := res.NewFile(fs, inodeNum, flags)
	if err != defs.ErrNone {
		return 0, err
	}
	return AllocDescriptorSlot(res.NewDescriptor(desc))
}
