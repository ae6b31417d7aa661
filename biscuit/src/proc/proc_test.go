package proc

import (
	"encoding/binary"
	"testing"

	"defs"
	"ext2"
	"limits"
	"mem"
)

// resetProcState clears the package-level process table between tests;
// CreateProcess/SchedYield/Exit all operate on shared globals that would
// otherwise leak state across test functions.
func resetProcState(t *testing.T) {
	t.Helper()
	g := slotsLock.Lock()
	for i := range slots {
		slots[i] = Slot{}
	}
	g.Unlock()
	currentIdx.Store(limits.MaxProcs)
	pidCounter.Store(1)
	limits.Lhits = 0
}

func newArena(t *testing.T, pages int) *mem.Phys {
	t.Helper()
	mem.Init(0x8000_0000, pages*mem.PGSIZE)
	return mem.NewPhys(0x8000_0000, 0x8000_0000+mem.Pa_t(pages*mem.PGSIZE))
}

func TestCreateProcessAssignsSequentialPids(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)

	pid1, err := CreateProcess(phys, []byte{0})
	if err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	if pid1 != 1 {
		t.Fatalf("first process pid = %d, want 1", pid1)
	}
	if got := CurrentPid(); got != pid1 {
		t.Fatalf("CurrentPid() = %d, want %d (first process becomes current)", got, pid1)
	}

	pid2, err := CreateProcess(phys, []byte{0})
	if err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	if pid2 != 2 {
		t.Fatalf("second process pid = %d, want 2", pid2)
	}
}

func TestCreateProcessPreBindsConsoleDescriptors(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	if _, err := CreateProcess(phys, []byte{0}); err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	if _, err := Descriptor(0); err != defs.ErrNone {
		t.Fatalf("Descriptor(0): %v", err)
	}
	if _, err := Descriptor(1); err != defs.ErrNone {
		t.Fatalf("Descriptor(1): %v", err)
	}
	if _, err := Descriptor(2); err != defs.ErrNotFound {
		t.Fatalf("Descriptor(2) before any open: got %v, want ErrNotFound", err)
	}
}

func TestSchedYieldRoundRobinsBetweenRunnableSlots(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	pid1, _ := CreateProcess(phys, []byte{0})
	pid2, _ := CreateProcess(phys, []byte{0})
	if CurrentPid() != pid1 {
		t.Fatalf("CurrentPid() = %d before yield, want %d", CurrentPid(), pid1)
	}
	SchedYield()
	if CurrentPid() != pid2 {
		t.Fatalf("CurrentPid() after one SchedYield = %d, want %d", CurrentPid(), pid2)
	}
	SchedYield()
	if CurrentPid() != pid1 {
		t.Fatalf("CurrentPid() after two SchedYields = %d, want %d", CurrentPid(), pid1)
	}
}

func TestExitClosesDescriptorsAndYields(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	pid1, _ := CreateProcess(phys, []byte{0})
	pid2, _ := CreateProcess(phys, []byte{0})
	_ = pid1

	exiting := Current()
	Exit(0)
	if exiting.State != Exited {
		t.Fatalf("exited slot state = %v, want Exited", exiting.State)
	}
	for i, d := range exiting.Descriptors {
		if d != nil {
			t.Fatalf("descriptor %d still set after Exit", i)
		}
	}
	if CurrentPid() != pid2 {
		t.Fatalf("CurrentPid() after Exit = %d, want %d (the surviving process)", CurrentPid(), pid2)
	}
}

func TestAllocDescriptorSlotFindsLowestFreeIndex(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	if _, err := CreateProcess(phys, []byte{0}); err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	idx, err := AllocDescriptorSlot(nil)
	if err != defs.ErrNone {
		t.Fatalf("AllocDescriptorSlot: %v", err)
	}
	if idx != 2 {
		t.Fatalf("AllocDescriptorSlot index = %d, want 2 (after the pre-bound console slots)", idx)
	}
}

func TestCloseDescriptorClearsSlot(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	if _, err := CreateProcess(phys, []byte{0}); err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	if err := CloseDescriptor(0); err != defs.ErrNone {
		t.Fatalf("CloseDescriptor(0): %v", err)
	}
	if _, err := Descriptor(0); err != defs.ErrNotFound {
		t.Fatalf("Descriptor(0) after close: got %v, want ErrNotFound", err)
	}
	if err := CloseDescriptor(0); err != defs.ErrNotFound {
		t.Fatalf("CloseDescriptor on an already-closed slot: got %v, want ErrNotFound", err)
	}
}

// newFileFS builds a one-file ext2 image for OpenFile tests, the same
// fixture shape used by the ext2 and res packages' own tests.
func newFileFS(t *testing.T, contents string) *ext2.FS {
	t.Helper()
	var data [32 * 512]byte

	var sbRaw [1024]byte
	binary.LittleEndian.PutUint32(sbRaw[0:4], 8)
	binary.LittleEndian.PutUint32(sbRaw[4:8], 32)
	binary.LittleEndian.PutUint32(sbRaw[32:36], 32)
	binary.LittleEndian.PutUint32(sbRaw[40:44], 8)
	binary.LittleEndian.PutUint32(sbRaw[76:80], 1)
	binary.LittleEndian.PutUint16(sbRaw[88:90], 128)
	copy(data[2*512:4*512], sbRaw[:])

	var bgd [512]byte
	binary.LittleEndian.PutUint32(bgd[8:12], 5)
	copy(data[4*512:5*512], bgd[:])

	var inodeSector [512]byte
	binary.LittleEndian.PutUint16(inodeSector[128:130], uint16(ext2.TypeDirectory)<<12)
	binary.LittleEndian.PutUint32(inodeSector[132:136], 1024)
	binary.LittleEndian.PutUint32(inodeSector[168:172], 6)
	binary.LittleEndian.PutUint16(inodeSector[256:258], uint16(ext2.TypeRegularFile)<<12)
	binary.LittleEndian.PutUint32(inodeSector[260:264], uint32(len(contents)))
	binary.LittleEndian.PutUint32(inodeSector[296:300], 7)
	copy(data[10*512:11*512], inodeSector[:])

	var dirBlock [1024]byte
	name := "hello.txt"
	binary.LittleEndian.PutUint32(dirBlock[0:4], 3)
	binary.LittleEndian.PutUint16(dirBlock[4:6], 1024)
	dirBlock[6] = byte(len(name))
	copy(dirBlock[8:8+len(name)], name)
	copy(data[12*512:14*512], dirBlock[:])

	var fileBlock [1024]byte
	copy(fileBlock[:], contents)
	copy(data[14*512:16*512], fileBlock[:])

	fs, err := ext2.Open(&fakeDisk{data: data})
	if err != defs.ErrNone {
		t.Fatalf("ext2.Open: %v", err)
	}
	return fs
}

type fakeDisk struct {
	data [32 * 512]byte
}

func (d *fakeDisk) ReadSector(buf []byte, sector uint64) defs.Err_t {
	copy(buf, d.data[sector*512:sector*512+uint64(len(buf))])
	return defs.ErrNone
}

func (d *fakeDisk) WriteSector(buf []byte, sector uint64) defs.Err_t {
	copy(d.data[sector*512:sector*512+uint64(len(buf))], buf)
	return defs.ErrNone
}

func TestOpenFileAllocatesDescriptorSlot(t *testing.T) {
	resetProcState(t)
	phys := newArena(t, 128)
	if _, err := CreateProcess(phys, []byte{0}); err != defs.ErrNone {
		t.Fatalf("CreateProcess: %v", err)
	}
	fs := newFileFS(t, "hello world")
	idx, err := OpenFile(fs, 3, 1 /* res.FileReadOnly */)
	if err != defs.ErrNone {
		t.Fatalf("OpenFile: %v", err)
	}
	if idx != 2 {
		t.Fatalf("OpenFile slot = %d, want 2", idx)
	}
	desc, err := Descriptor(idx)
	if err != defs.ErrNone {
		t.Fatalf("Descriptor(%d): %v", idx, err)
	}
	buf := make([]byte, 5)
	n, err := desc.Read(buf)
	if err != defs.ErrNone {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = (%d, %q), want (5, \"hello\")", n, buf)
	}
}
