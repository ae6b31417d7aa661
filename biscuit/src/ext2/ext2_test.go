package ext2

import (
	"encoding/binary"
	"testing"

	"defs"
	"ustr"
)

// memDisk is a fake BlockDevice backed by a flat byte slice, sized in
// whole sectors, for exercising Open/LookupPath/Read/WriteFileFromOffset
// without a real virtio backend.
type memDisk struct {
	data []byte
}

func newMemDisk(sectors int) *memDisk {
	return &memDisk{data: make([]byte, sectors*sectorSize)}
}

func (d *memDisk) ReadSector(buf []byte, sector uint64) defs.Err_t {
	off := sector * sectorSize
	if off+uint64(len(buf)) > uint64(len(d.data)) {
		return defs.ErrIo
	}
	copy(buf, d.data[off:off+uint64(len(buf))])
	return defs.ErrNone
}

func (d *memDisk) WriteSector(buf []byte, sector uint64) defs.Err_t {
	off := sector * sectorSize
	if off+uint64(len(buf)) > uint64(len(d.data)) {
		return defs.ErrIo
	}
	copy(d.data[off:off+uint64(len(buf))], buf)
	return defs.ErrNone
}

// buildImage lays out a minimal one-block-group ext2 image: a 1,024-byte
// block size, an inode table at block 5, a root directory at block 6
// holding one entry ("hello.txt" -> inode 3), and that file's single
// data block at block 7 holding fileContents.
func buildImage(t *testing.T, fileContents string) *memDisk {
	t.Helper()
	d := newMemDisk(32)

	var sb superblockFields
	sb.InodeCount = 8
	sb.BlockCount = 32
	sb.BlockSizeRaw = 0 // 1024 << 0 == 1024-byte blocks
	sb.BlocksPerGroup = 32
	sb.InodesPerGroup = 8
	sb.MajorVersion = 1
	sb.InodeSize = 128

	var raw [1024]byte
	binary.LittleEndian.PutUint32(raw[0:4], sb.InodeCount)
	binary.LittleEndian.PutUint32(raw[4:8], sb.BlockCount)
	binary.LittleEndian.PutUint32(raw[24:28], sb.BlockSizeRaw)
	binary.LittleEndian.PutUint32(raw[32:36], sb.BlocksPerGroup)
	binary.LittleEndian.PutUint32(raw[40:44], sb.InodesPerGroup)
	binary.LittleEndian.PutUint32(raw[76:80], sb.MajorVersion)
	binary.LittleEndian.PutUint16(raw[88:90], sb.InodeSize)
	must(t, d.WriteSector(raw[0:512], 2))
	must(t, d.WriteSector(raw[512:1024], 3))

	// Block group descriptor table starts at sector 2+blockSize/sectorSize = 4.
	const inodeTableBlock = 5
	var bgd [512]byte
	binary.LittleEndian.PutUint32(bgd[8:12], inodeTableBlock)
	must(t, d.WriteSector(bgd[:], 4))

	// Root inode (#2) and file inode (#3) both land in sector 10 of the
	// inode table block, at byte offsets 128 and 256 respectively — see
	// the (fs *FS) inode address arithmetic this mirrors.
	var inodeSector [512]byte
	writeInode(inodeSector[128:256], uint16(TypeDirectory)<<12, 1024, [12]uint32{6})
	writeInode(inodeSector[256:384], uint16(TypeRegularFile)<<12, uint32(len(fileContents)), [12]uint32{7})
	must(t, d.WriteSector(inodeSector[:], 10))
	must(t, d.WriteSector(make([]byte, 512), 11))

	// Root directory block (block 6, sectors 12-13): one entry, sized to
	// fill the rest of the 1,024-byte block the way a real entry chain
	// terminates at block end.
	var dirBlock [1024]byte
	name := "hello.txt"
	binary.LittleEndian.PutUint32(dirBlock[0:4], 3)
	binary.LittleEndian.PutUint16(dirBlock[4:6], 1024)
	dirBlock[6] = byte(len(name))
	copy(dirBlock[8:8+len(name)], name)
	must(t, d.WriteSector(dirBlock[0:512], 12))
	must(t, d.WriteSector(dirBlock[512:1024], 13))

	// File data block (block 7, sectors 14-15).
	var fileBlock [1024]byte
	copy(fileBlock[:], fileContents)
	must(t, d.WriteSector(fileBlock[0:512], 14))
	must(t, d.WriteSector(fileBlock[512:1024], 15))

	return d
}

func writeInode(raw []byte, typeAndPerm uint16, size uint32, direct [12]uint32) {
	binary.LittleEndian.PutUint16(raw[0:2], typeAndPerm)
	binary.LittleEndian.PutUint32(raw[4:8], size)
	for i, b := range direct {
		binary.LittleEndian.PutUint32(raw[40+4*i:44+4*i], b)
	}
}

func must(t *testing.T, err defs.Err_t) {
	t.Helper()
	if err != defs.ErrNone {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestOpenValidatesSuperblock(t *testing.T) {
	d := buildImage(t, "hello world")
	if _, err := Open(d); err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
}

func TestOpenRejectsUnsupportedMajorVersion(t *testing.T) {
	d := buildImage(t, "x")
	var sector [512]byte
	must(t, d.ReadSector(sector[:], 2))
	binary.LittleEndian.PutUint32(sector[76:80], 0) // MajorVersion now unsupported
	must(t, d.WriteSector(sector[:], 2))
	if _, err := Open(d); err == defs.ErrNone {
		t.Fatal("Open should reject a superblock with an unsupported major version")
	}
}

func TestLookupPathFindsFile(t *testing.T) {
	d := buildImage(t, "hello world")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	components, err := ustr.Ustr("/hello.txt").Components()
	if err != defs.ErrNone {
		t.Fatalf("Components: %v", err)
	}
	inodeNum, err := fs.LookupPath(components)
	if err != defs.ErrNone {
		t.Fatalf("LookupPath: %v", err)
	}
	if inodeNum != 3 {
		t.Fatalf("LookupPath(/hello.txt) = inode %d, want 3", inodeNum)
	}
}

func TestLookupPathMissingIsNotFound(t *testing.T) {
	d := buildImage(t, "hello world")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	components, _ := ustr.Ustr("/missing.txt").Components()
	if _, err := fs.LookupPath(components); err != defs.ErrNotFound {
		t.Fatalf("LookupPath(/missing.txt): got %v, want ErrNotFound", err)
	}
}

func TestReadFileFromOffset(t *testing.T) {
	d := buildImage(t, "hello world")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 5)
	n, err := fs.ReadFileFromOffset(3, 6, buf)
	if err != defs.ErrNone {
		t.Fatalf("ReadFileFromOffset: %v", err)
	}
	if n != 5 || string(buf) != "world" {
		t.Fatalf("ReadFileFromOffset(off=6, len=5) = (%d, %q), want (5, \"world\")", n, buf)
	}
}

func TestReadFileFromOffsetClampsToSize(t *testing.T) {
	d := buildImage(t, "hi")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	buf := make([]byte, 10)
	n, err := fs.ReadFileFromOffset(3, 0, buf)
	if err != defs.ErrNone {
		t.Fatalf("ReadFileFromOffset: %v", err)
	}
	if n != 2 {
		t.Fatalf("ReadFileFromOffset clamped length = %d, want 2", n)
	}
}

func TestWriteFileFromOffsetRoundTrips(t *testing.T) {
	d := buildImage(t, "hello world")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	n, err := fs.WriteFileFromOffset(3, 6, []byte("WORLD"))
	if err != defs.ErrNone {
		t.Fatalf("WriteFileFromOffset: %v", err)
	}
	if n != 5 {
		t.Fatalf("WriteFileFromOffset wrote %d bytes, want 5", n)
	}
	buf := make([]byte, 11)
	if _, err := fs.ReadFileFromOffset(3, 0, buf); err != defs.ErrNone {
		t.Fatalf("ReadFileFromOffset: %v", err)
	}
	if string(buf) != "hello WORLD" {
		t.Fatalf("file contents after write = %q, want \"hello WORLD\"", buf)
	}
}

func TestWriteFileFromOffsetPastSizeFails(t *testing.T) {
	d := buildImage(t, "hi")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	if _, err := fs.WriteFileFromOffset(3, 2, []byte("x")); err != defs.ErrUnsupported {
		t.Fatalf("WriteFileFromOffset past EOF: got %v, want ErrUnsupported", err)
	}
}

func TestFileSize(t *testing.T) {
	d := buildImage(t, "hello world")
	fs, err := Open(d)
	if err != defs.ErrNone {
		t.Fatalf("Open: %v", err)
	}
	size, err := fs.FileSize(3)
	if err != defs.ErrNone {
		t.Fatalf("FileSize: %v", err)
	}
	if size != 11 {
		t.Fatalf("FileSize = %d, want 11", size)
	}
}
