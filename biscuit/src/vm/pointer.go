package vm

import (
	"unsafe"

	"mem"
)

// pointerTo returns an unsafe.Pointer into the simulated RAM arena at pa.
// Page tables live in physical memory like everything else the kernel
// allocates, so walking one is just interpreting bytes from mem.Bytes.
func pointerTo(pa mem.Pa_t) unsafe.Pointer {
	b := mem.Bytes(pa, PAGE_SIZE)
	return unsafe.Pointer(&b[0])
}
