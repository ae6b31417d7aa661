// Command kernel is the boot entry point: it wires every component built
// in this module into a running kernel instance and, in the absence of a
// real RV32 interpreter to hand control to, drives a short round-robin
// demonstration identical in spirit to the source's kernel_main (two
// processes take turns, yielding back and forth, until the demo ends).
//
// A real deployment links the compiled core against a boot stub that sets
// up the initial stack and jumps to Boot; that stub is out of scope here
// (spec Non-goal: no assembly trap entry or instruction execution), so
// main reads its disk image and process images from the filesystem
// instead of from a linker-provided memory layout.
package main

import (
	"fmt"
	"os"

	"alloc"
	"defs"
	"ext2"
	"klog"
	"mem"
	"proc"
	"sbi"
	"syscalls"
	"virtio"
)

// Kernel bundles every subsystem Boot brings up, so callers (main, or a
// test harness simulating traps) have one handle to the running system.
type Kernel struct {
	Phys    *mem.Phys
	Alloc   *alloc.Allocator
	Block   *virtio.BlockDevice
	Entropy *virtio.EntropyDevice
	FS      *ext2.FS
	Devices *syscalls.Devices
}

// Boot brings up physical memory, the sized allocator, both virtio
// devices, and the ext2 filesystem, in that order — each later stage
// depends on the one before it (the filesystem needs a working block
// device, the block device needs physical pages to build its queue in).
func Boot(ramBase mem.Pa_t, ramLen int, diskImage []byte) (*Kernel, defs.Err_t) {
	mem.Init(ramBase, ramLen)
	phys := mem.NewPhys(ramBase, ramBase+mem.Pa_t(ramLen))
	mem.Global = phys
	a := alloc.New(phys)

	disk := virtio.NewRAMDisk(diskImage)
	block, err := virtio.InitBlockDevice(phys, disk)
	if err != defs.ErrNone {
		return nil, err
	}
	entropy, err := virtio.InitEntropyDevice(phys)
	if err != defs.ErrNone {
		return nil, err
	}

	fs, err := ext2.Open(block)
	if err != defs.ErrNone {
		return nil, err
	}

	devices := &syscalls.Devices{Phys: phys, Alloc: a, FS: fs, Entropy: entropy}
	klog.Infof("boot: ram=[%#x,%#x) disk=%dB", ramBase, ramBase+mem.Pa_t(ramLen), len(diskImage))
	return &Kernel{Phys: phys, Alloc: a, Block: block, Entropy: entropy, FS: fs, Devices: devices}, defs.ErrNone
}

// Spawn creates a new process running image, per component F.
func (k *Kernel) Spawn(image []byte) (uint32, defs.Err_t) {
	return proc.CreateProcess(k.Phys, image)
}

// HandleSyscall dispatches one trapped syscall against this kernel's
// devices. A real trap entry would call this from kernel_trap_entry with
// the frame it just saved; this module has no such entry (see the package
// doc), so it is exposed here for whatever drives traps in its place.
func (k *Kernel) HandleSyscall(frame *syscalls.Frame) {
	syscalls.Dispatch(k.Devices, frame)
}

const (
	defaultRAMBase = mem.Pa_t(0x8000_0000)
	defaultRAMLen  = 16 * 1024 * 1024
	demoTicks      = 8
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: kernel <disk image> [process image]...\n")
		os.Exit(1)
	}

	diskImage, rerr := os.ReadFile(os.Args[1])
	if rerr != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", rerr)
		os.Exit(1)
	}

	if console, cerr := sbi.NewHostConsole(); cerr == nil {
		sbi.Default = console
		defer console.Restore()
	}
	// A non-TTY stdin (piped input, CI) falls back to sbi's no-op default
	// console rather than failing boot outright.

	k, err := Boot(defaultRAMBase, defaultRAMLen, diskImage)
	if err != defs.ErrNone {
		fmt.Fprintf(os.Stderr, "kernel: boot failed: %v\n", err)
		os.Exit(1)
	}

	images := os.Args[2:]
	if len(images) == 0 {
		// Nothing to schedule; mirror the source's proc_a/proc_b demo with
		// two placeholder images so the scheduler still has something
		// runnable to hand off between.
		images = nil
		for i := 0; i < 2; i++ {
			if _, err := k.Spawn([]byte{0}); err != defs.ErrNone {
				fmt.Fprintf(os.Stderr, "kernel: spawn: %v\n", err)
				os.Exit(1)
			}
		}
	} else {
		for _, path := range images {
			image, rerr := os.ReadFile(path)
			if rerr != nil {
				fmt.Fprintf(os.Stderr, "kernel: %v\n", rerr)
				os.Exit(1)
			}
			if _, err := k.Spawn(image); err != defs.ErrNone {
				fmt.Fprintf(os.Stderr, "kernel: spawn %s: %v\n", path, err)
				os.Exit(1)
			}
		}
	}

	for i := 0; i < demoTicks; i++ {
		klog.Infof("tick %d: pid=%d", i, proc.CurrentPid())
		proc.SchedYield()
	}
}
