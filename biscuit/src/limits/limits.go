// Package limits centralizes the fixed-size limits that the rest of the
// kernel is built around: process slots, resource-descriptor table size,
// virtio queue depth, and the sized allocator's size classes.
package limits

// MaxProcs is the number of fixed process slots in the process table.
const MaxProcs = 8

// NumResourceDescriptors is the number of resource-descriptor slots per
// process.
const NumResourceDescriptors = 1024

// QueueSize is the number of descriptors in a virtio split queue.
const QueueSize = 16

// KernelStackSize is the size, in bytes, of a process's kernel stack.
const KernelStackSize = 4096

// UserBase is the fixed virtual address at which a process's flat image is
// mapped.
const UserBase = 0x0100_0000

// MmapBase is the first virtual address handed out by Mmap.
const MmapBase = 0x0200_0000

// BlockDeviceAddress is the physical MMIO base of the virtio block device.
const BlockDeviceAddress = 0x1000_1000

// RandomDeviceAddress is the physical MMIO base of the virtio entropy
// device.
const RandomDeviceAddress = 0x1000_2000

// MinSizeClass and MaxSizeClass bound the sized allocator's size classes.
const (
	MinSizeClass = 16
	MaxSizeClass = 2048
)

// SizeClasses lists every class size, smallest first.
var SizeClasses = [...]uint{16, 32, 64, 128, 256, 512, 1024, 2048}

// NumSizeClasses is len(SizeClasses).
const NumSizeClasses = 8

// EntropyMaxIters bounds the busy-poll loop used to satisfy a GetRandom
// request from a virtio entropy device that returns short reads.
const EntropyMaxIters = 128

// Lhits counts how many times a resource limit refused a request. It is
// read by diagnostics; writes are not required to be atomic since the
// kernel is single-hart.
var Lhits int
