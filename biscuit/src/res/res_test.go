package res

import (
	"encoding/binary"
	"testing"

	"defs"
	"ext2"
	"sbi"
)

// memDisk is a minimal in-memory ext2.BlockDevice backing a single file
// "hello world" at inode 3, built the same way ext2's own tests build a
// fixture image — duplicated here since the layout helpers are
// unexported in that package.
type memDisk struct {
	data [32 * 512]byte
}

func (d *memDisk) ReadSector(buf []byte, sector uint64) defs.Err_t {
	copy(buf, d.data[sector*512:sector*512+uint64(len(buf))])
	return defs.ErrNone
}

func (d *memDisk) WriteSector(buf []byte, sector uint64) defs.Err_t {
	copy(d.data[sector*512:sector*512+uint64(len(buf))], buf)
	return defs.ErrNone
}

func newFS(t *testing.T, contents string) *ext2.FS {
	t.Helper()
	d := &memDisk{}

	var sbRaw [1024]byte
	binary.LittleEndian.PutUint32(sbRaw[0:4], 8)     // InodeCount
	binary.LittleEndian.PutUint32(sbRaw[4:8], 32)    // BlockCount
	binary.LittleEndian.PutUint32(sbRaw[32:36], 32)  // BlocksPerGroup
	binary.LittleEndian.PutUint32(sbRaw[40:44], 8)   // InodesPerGroup
	binary.LittleEndian.PutUint32(sbRaw[76:80], 1)   // MajorVersion
	binary.LittleEndian.PutUint16(sbRaw[88:90], 128) // InodeSize
	copy(d.data[2*512:4*512], sbRaw[:])

	var bgd [512]byte
	binary.LittleEndian.PutUint32(bgd[8:12], 5) // inode table at block 5
	copy(d.data[4*512:5*512], bgd[:])

	var inodeSector [512]byte
	// Root dir inode (#2): size 1024, block 6.
	binary.LittleEndian.PutUint16(inodeSector[128:130], uint16(ext2.TypeDirectory)<<12)
	binary.LittleEndian.PutUint32(inodeSector[132:136], 1024)
	binary.LittleEndian.PutUint32(inodeSector[168:172], 6)
	// File inode (#3): size len(contents), block 7.
	binary.LittleEndian.PutUint16(inodeSector[256:258], uint16(ext2.TypeRegularFile)<<12)
	binary.LittleEndian.PutUint32(inodeSector[260:264], uint32(len(contents)))
	binary.LittleEndian.PutUint32(inodeSector[296:300], 7)
	copy(d.data[10*512:11*512], inodeSector[:])

	var dirBlock [1024]byte
	name := "hello.txt"
	binary.LittleEndian.PutUint32(dirBlock[0:4], 3)
	binary.LittleEndian.PutUint16(dirBlock[4:6], 1024)
	dirBlock[6] = byte(len(name))
	copy(dirBlock[8:8+len(name)], name)
	copy(d.data[12*512:14*512], dirBlock[:])

	var fileBlock [1024]byte
	copy(fileBlock[:], contents)
	copy(d.data[14*512:16*512], fileBlock[:])

	fs, err := ext2.Open(d)
	if err != defs.ErrNone {
		t.Fatalf("ext2.Open: %v", err)
	}
	return fs
}

func TestFileDescriptionReadOnly(t *testing.T) {
	fs := newFS(t, "hello world")
	desc, err := NewFile(fs, 3, FileReadOnly)
	if err != defs.ErrNone {
		t.Fatalf("NewFile: %v", err)
	}
	buf := make([]byte, 5)
	n, err := desc.Read(buf)
	if err != defs.ErrNone {
		t.Fatalf("Read: %v", err)
	}
	if n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = (%d, %q), want (5, \"hello\")", n, buf)
	}
	if _, err := desc.Write([]byte("x")); err != defs.ErrUnsupported {
		t.Fatalf("Write on a read-only file: got %v, want ErrUnsupported", err)
	}
}

func TestFileDescriptionReadAdvancesOffset(t *testing.T) {
	fs := newFS(t, "hello world")
	desc, err := NewFile(fs, 3, FileReadOnly)
	if err != defs.ErrNone {
		t.Fatalf("NewFile: %v", err)
	}
	first := make([]byte, 5)
	desc.Read(first)
	second := make([]byte, 6)
	n, err := desc.Read(second)
	if err != defs.ErrNone {
		t.Fatalf("Read: %v", err)
	}
	if n != 6 || string(second) != " world" {
		t.Fatalf("second Read = (%d, %q), want (6, \" world\")", n, second)
	}
}

func TestFileDescriptionAppendSeeksToEnd(t *testing.T) {
	fs := newFS(t, "hello world")
	desc, err := NewFile(fs, 3, FileWriteOnly|FileAppend)
	if err != defs.ErrNone {
		t.Fatalf("NewFile: %v", err)
	}
	if _, err := desc.Write([]byte("x")); err != defs.ErrUnsupported {
		t.Fatalf("Write at EOF without room to extend: got %v, want ErrUnsupported", err)
	}
}

func TestDescriptorCloseRunsCloseExactlyOnce(t *testing.T) {
	closed := 0
	d := NewDescriptor(&countingDescription{closed: &closed})
	clone := d.Clone()
	d.Close()
	if closed != 0 {
		t.Fatal("Close ran the description's Close before the last handle dropped")
	}
	clone.Close()
	if closed != 1 {
		t.Fatalf("description Close ran %d times, want exactly 1", closed)
	}
}

type countingDescription struct {
	closed *int
}

func (countingDescription) Read([]byte) (int, defs.Err_t)  { return 0, defs.ErrNone }
func (countingDescription) Write([]byte) (int, defs.Err_t) { return 0, defs.ErrNone }
func (c *countingDescription) Close()                       { *c.closed++ }

type fakeConsole struct {
	pending []rune
	written []rune
}

func (f *fakeConsole) PutChar(c rune) error {
	f.written = append(f.written, c)
	return nil
}

func (f *fakeConsole) GetChar() (rune, bool) {
	if len(f.pending) == 0 {
		return 0, false
	}
	c := f.pending[0]
	f.pending = f.pending[1:]
	return c, true
}

func TestConsoleInReadBlocksThenDecodes(t *testing.T) {
	saved := sbi.Default
	defer func() { sbi.Default = saved }()
	sbi.Default = &fakeConsole{pending: []rune{'A'}}

	in := NewConsoleIn()
	buf := make([]byte, 4)
	n, err := in.Read(buf)
	if err != defs.ErrNone {
		t.Fatalf("Read: %v", err)
	}
	if n != 1 || buf[0] != 'A' {
		t.Fatalf("Read = (%d, %v), want (1, 'A')", n, buf[:n])
	}
}

func TestConsoleInWriteUnsupported(t *testing.T) {
	in := NewConsoleIn()
	if _, err := in.Write([]byte("x")); err != defs.ErrUnsupported {
		t.Fatalf("console-in Write: got %v, want ErrUnsupported", err)
	}
}

func TestConsoleOutWritesEachRune(t *testing.T) {
	saved := sbi.Default
	defer func() { sbi.Default = saved }()
	fake := &fakeConsole{}
	sbi.Default = fake

	out := NewConsoleOut()
	n, err := out.Write([]byte("hi"))
	if err != defs.ErrNone {
		t.Fatalf("Write: %v", err)
	}
	if n != 2 {
		t.Fatalf("Write returned %d, want 2", n)
	}
	if string(fake.written) != "hi" {
		t.Fatalf("console received %q, want \"hi\"", string(fake.written))
	}
}

func TestConsoleOutRejectsInvalidUTF8(t *testing.T) {
	out := NewConsoleOut()
	if _, err := out.Write([]byte{0xff, 0xfe}); err != defs.ErrInvalidFormat {
		t.Fatalf("Write of invalid UTF-8: got %v, want ErrInvalidFormat", err)
	}
}

func TestConsoleOutReadUnsupported(t *testing.T) {
	out := NewConsoleOut()
	if _, err := out.Read(make([]byte, 1)); err != defs.ErrUnsupported {
		t.Fatalf("console-out Read: got %v, want ErrUnsupported", err)
	}
}
