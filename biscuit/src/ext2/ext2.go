// Package ext2 implements read/write access to an ext2 filesystem image
// over a sector-addressed block device: component J of the kernel core.
// It supports only the subset of the on-disk format the kernel needs —
// direct block pointers, single-block directories, no indirect blocks.
package ext2

import (
	"encoding/binary"

	"defs"
	"ustr"
)

// BlockDevice is the sector-addressed storage this package reads and
// writes through. virtio.BlockDevice implements it; tests use an in-memory
// fake.
type BlockDevice interface {
	ReadSector(buf []byte, sector uint64) defs.Err_t
	WriteSector(buf []byte, sector uint64) defs.Err_t
}

const sectorSize = 512

// superblockFields mirrors the on-disk superblock layout (1,024 bytes,
// little-endian), keeping only the fields the core consults.
type superblockFields struct {
	InodeCount           uint32
	BlockCount           uint32
	_                    [4]uint32 // super_user_blocks, free_blocks, free_inodes, superblock_block_number
	BlockSizeRaw         uint32
	_                    uint32 // fragment_size_raw
	BlocksPerGroup       uint32
	_                    uint32 // fragments_per_group
	InodesPerGroup       uint32
	_                    [2]uint32 // last_mount_time, last_written_time
	_                    [3]uint16 // mounts_since_consistency_check, mounts_allowed_before_check, ext2_signature
	_                    [2]uint16 // file_system_state, error_handling_behavior
	_                    uint16    // minor_version
	_                    [2]uint32 // last_consistency_check_time, consistency_check_interval
	_                    uint32    // operating_system_creator_id
	MajorVersion         uint32
	_                    [2]uint16 // user_id_reserved_blocks, group_id_reserved_blocks
	_                    uint32    // first_non_reserved_inode
	InodeSize            uint16
	_                    uint16 // superblock_block_group_number
	OptionalFeatures     uint32
	RequiredFeatures     uint32
	ReadOnlyFeatures     uint32
}

const (
	requiredDirectoryEntryType = 1 << 1
	readOnlySparseGroupDescs   = 1 << 0
	readOnlyFileSize64Bit      = 1 << 1
	readOnlySupported          = readOnlySparseGroupDescs | readOnlyFileSize64Bit
)

type superblock struct {
	fields superblockFields
}

func (sb *superblock) checkValidity() defs.Err_t {
	if sb.fields.InodesPerGroup == 0 || sb.fields.BlocksPerGroup == 0 {
		return defs.ErrIo
	}
	if divCeil(sb.fields.InodeCount, sb.fields.InodesPerGroup) != divCeil(sb.fields.BlockCount, sb.fields.BlocksPerGroup) {
		return defs.ErrIo
	}
	if sb.fields.MajorVersion != 1 {
		return defs.ErrUnsupported
	}
	if sb.fields.InodeSize < 128 {
		return defs.ErrUnsupported
	}
	if sb.fields.RequiredFeatures&^requiredDirectoryEntryType != 0 {
		return defs.ErrUnsupported
	}
	if sb.fields.ReadOnlyFeatures&^readOnlySupported != 0 {
		return defs.ErrUnsupported
	}
	return defs.ErrNone
}

func divCeil(a, b uint32) uint32 { return (a + b - 1) / b }

func (sb *superblock) numBlockGroups() uint32 { return divCeil(sb.fields.BlockCount, sb.fields.BlocksPerGroup) }
func (sb *superblock) blockSize() uint32      { return 1024 << sb.fields.BlockSizeRaw }
func (sb *superblock) sectorsPerBlock() uint32 { return sb.blockSize() / sectorSize }
func (sb *superblock) inodesPerBlock() uint32 {
	return sb.blockSize() / uint32(sb.fields.InodeSize)
}

const blockGroupDescriptorSize = 32

type blockGroupDescriptor struct {
	InodeTableAddr uint32
}

const inodeRecordSize = 128

// inode holds the fixed-size leading portion of an on-disk inode record
// that the core consults; trailing OS-specific bytes are ignored.
type inode struct {
	TypeAndPermissions     uint16
	UserID                 uint16
	SizeLower              uint32
	_                      [4]uint32 // atime, ctime, mtime, dtime
	GroupID                uint16
	HardLinkCount          uint16
	DiskSectorsUsed        uint32
	Flags                  uint32
	_                      [4]byte // os-specific 1
	DirectBlockPointers    [12]uint32
	SinglyIndirectBlock    uint32
	DoublyIndirectBlock    uint32
	TriplyIndirectBlock    uint32
	GenerationNumber       uint32
	ExtendedAttributes     uint32
	SizeUpperOrDirACL      uint32
}

func (i *inode) fileSize() uint64 {
	return uint64(i.SizeLower) | uint64(i.SizeUpperOrDirACL)<<32
}

// InodeType identifies the kind of file an inode describes.
type InodeType uint8

const (
	TypeFifo           InodeType = 1
	TypeCharacterDevice InodeType = 2
	TypeDirectory      InodeType = 4
	TypeBlockDevice    InodeType = 6
	TypeRegularFile    InodeType = 8
	TypeSymbolicLink   InodeType = 10
	TypeUnixSocket     InodeType = 12
)

func (i *inode) inodeType() InodeType {
	return InodeType((i.TypeAndPermissions >> 12) & 0xf)
}

type directoryEntryHeader struct {
	InodeNum   uint32
	EntrySize  uint16
	NameLen    uint8
	EntryType  uint8
}

const directoryEntryHeaderSize = 8

// FS is an open ext2 filesystem. The superblock is cached at Open time
// since the core consults it on nearly every operation.
type FS struct {
	dev BlockDevice
	sb  superblock
}

// Open reads and validates the superblock at LBA 2 and returns a ready
// FS, or an error if the image is not one this package can serve.
func Open(dev BlockDevice) (*FS, defs.Err_t) {
	fs := &FS{dev: dev}
	var raw [1024]byte
	for i := 0; i < 2; i++ {
		if err := dev.ReadSector(raw[i*sectorSize:(i+1)*sectorSize], uint64(2+i)); err != defs.ErrNone {
			return nil, err
		}
	}
	if err := decodeSuperblock(raw[:], &fs.sb.fields); err != defs.ErrNone {
		return nil, err
	}
	if err := fs.sb.checkValidity(); err != defs.ErrNone {
		return nil, err
	}
	return fs, defs.ErrNone
}

func decodeSuperblock(raw []byte, out *superblockFields) defs.Err_t {
	if len(raw) < 1024 {
		return defs.ErrIo
	}
	out.InodeCount = binary.LittleEndian.Uint32(raw[0:4])
	out.BlockCount = binary.LittleEndian.Uint32(raw[4:8])
	out.BlockSizeRaw = binary.LittleEndian.Uint32(raw[24:28])
	out.BlocksPerGroup = binary.LittleEndian.Uint32(raw[32:36])
	out.InodesPerGroup = binary.LittleEndian.Uint32(raw[40:44])
	out.MajorVersion = binary.LittleEndian.Uint32(raw[76:80])
	out.InodeSize = binary.LittleEndian.Uint16(raw[88:90])
	out.OptionalFeatures = binary.LittleEndian.Uint32(raw[92:96])
	out.RequiredFeatures = binary.LittleEndian.Uint32(raw[96:100])
	out.ReadOnlyFeatures = binary.LittleEndian.Uint32(raw[100:104])
	return defs.ErrNone
}

func (fs *FS) blockGroupDescriptor(group uint32) (blockGroupDescriptor, defs.Err_t) {
	if group >= fs.sb.numBlockGroups() {
		return blockGroupDescriptor{}, defs.ErrIo
	}
	descsPerSector := uint32(sectorSize / blockGroupDescriptorSize)
	tableStartSector := uint64(2) + uint64(fs.sb.blockSize())/sectorSize
	var buf [sectorSize]byte
	sector := tableStartSector + uint64(group/descsPerSector)
	if err := fs.dev.ReadSector(buf[:], sector); err != defs.ErrNone {
		return blockGroupDescriptor{}, err
	}
	off := (group % descsPerSector) * blockGroupDescriptorSize
	return blockGroupDescriptor{
		InodeTableAddr: binary.LittleEndian.Uint32(buf[off+8 : off+12]),
	}, defs.ErrNone
}

func (fs *FS) inode(inodeNum uint32) (inode, defs.Err_t) {
	group := (inodeNum - 1) / fs.sb.fields.InodesPerGroup
	bgd, err := fs.blockGroupDescriptor(group)
	if err != defs.ErrNone {
		return inode{}, err
	}
	local := (inodeNum - 1) % fs.sb.fields.InodesPerGroup
	inodeBlock := bgd.InodeTableAddr + local/fs.sb.inodesPerBlock()
	inodesPerSector := sectorSize / uint32(fs.sb.fields.InodeSize)
	inodeSector := uint64(inodeBlock) * uint64(2<<fs.sb.fields.BlockSizeRaw)
	inodeSector += uint64((local % fs.sb.inodesPerBlock()) / inodesPerSector)

	var buf [sectorSize]byte
	if err := fs.dev.ReadSector(buf[:], inodeSector); err != defs.ErrNone {
		return inode{}, err
	}
	idxInSector := (local % inodesPerSector) * uint32(fs.sb.fields.InodeSize)
	var in inode
	decodeInode(buf[idxInSector:], &in)
	return in, defs.ErrNone
}

func decodeInode(raw []byte, out *inode) {
	out.TypeAndPermissions = binary.LittleEndian.Uint16(raw[0:2])
	out.SizeLower = binary.LittleEndian.Uint32(raw[4:8])
	out.HardLinkCount = binary.LittleEndian.Uint16(raw[26:28])
	out.Flags = binary.LittleEndian.Uint32(raw[32:36])
	for i := 0; i < 12; i++ {
		out.DirectBlockPointers[i] = binary.LittleEndian.Uint32(raw[40+4*i : 44+4*i])
	}
	out.SinglyIndirectBlock = binary.LittleEndian.Uint32(raw[88:92])
	out.DoublyIndirectBlock = binary.LittleEndian.Uint32(raw[92:96])
	out.TriplyIndirectBlock = binary.LittleEndian.Uint32(raw[96:100])
	out.SizeUpperOrDirACL = binary.LittleEndian.Uint32(raw[108:112])
}

// readInodeSector reads the single 512-byte sector containing
// sectorNum's data for inode, rejecting anything beyond the direct
// block pointers.
func (fs *FS) readInodeSector(in *inode, sectorNum uint32, buf []byte) defs.Err_t {
	spb := fs.sb.sectorsPerBlock()
	blockIdx := sectorNum / spb
	if blockIdx >= uint32(len(in.DirectBlockPointers)) {
		return defs.ErrUnsupported
	}
	blockNum := in.DirectBlockPointers[blockIdx]
	sector := uint64(blockNum)*uint64(spb) + uint64(sectorNum%spb)
	return fs.dev.ReadSector(buf, sector)
}

func (fs *FS) writeInodeSector(in *inode, sectorNum uint32, buf []byte) defs.Err_t {
	spb := fs.sb.sectorsPerBlock()
	blockIdx := sectorNum / spb
	if blockIdx >= uint32(len(in.DirectBlockPointers)) {
		return defs.ErrUnsupported
	}
	blockNum := in.DirectBlockPointers[blockIdx]
	sector := uint64(blockNum)*uint64(spb) + uint64(sectorNum%spb)
	return fs.dev.WriteSector(buf, sector)
}

// ReadFileFromOffset reads into buf starting at off within inodeNum's
// file, clamped to the file's size, returning the number of bytes read.
func (fs *FS) ReadFileFromOffset(inodeNum uint32, off uint64, buf []byte) (int, defs.Err_t) {
	in, err := fs.inode(inodeNum)
	if err != defs.ErrNone {
		return 0, err
	}
	size := in.fileSize()
	if off >= size {
		return 0, defs.ErrNone
	}
	if uint64(len(buf)) > size-off {
		buf = buf[:size-off]
	}
	var sector [sectorSize]byte
	sectorNum := uint32(off / sectorSize)
	sectorOff := int(off % sectorSize)
	written := 0
	for len(buf) > 0 {
		if err := fs.readInodeSector(&in, sectorNum, sector[:]); err != defs.ErrNone {
			return written, err
		}
		n := len(buf)
		if n > sectorSize-sectorOff {
			n = sectorSize - sectorOff
		}
		copy(buf[:n], sector[sectorOff:sectorOff+n])
		buf = buf[n:]
		written += n
		sectorNum++
		sectorOff = 0
	}
	return written, defs.ErrNone
}

// WriteFileFromOffset writes buf into inodeNum's file starting at off.
// It does not extend the file: a write starting at or past the current
// size returns ErrUnsupported, and a write running past it is truncated at
// the current size and returns the shorter count, matching the source this
// package is grounded on.
func (fs *FS) WriteFileFromOffset(inodeNum uint32, off uint64, buf []byte) (int, defs.Err_t) {
	in, err := fs.inode(inodeNum)
	if err != defs.ErrNone {
		return 0, err
	}
	size := in.fileSize()
	if off >= size {
		return 0, defs.ErrUnsupported
	}
	if uint64(len(buf)) > size-off {
		buf = buf[:size-off]
	}
	var sector [sectorSize]byte
	sectorNum := uint32(off / sectorSize)
	sectorOff := int(off % sectorSize)
	written := 0
	for len(buf) > 0 {
		if err := fs.readInodeSector(&in, sectorNum, sector[:]); err != defs.ErrNone {
			return written, err
		}
		n := len(buf)
		if n > sectorSize-sectorOff {
			n = sectorSize - sectorOff
		}
		copy(sector[sectorOff:sectorOff+n], buf[:n])
		if err := fs.writeInodeSector(&in, sectorNum, sector[:]); err != defs.ErrNone {
			return written, err
		}
		buf = buf[n:]
		written += n
		sectorNum++
		sectorOff = 0
	}
	return written, defs.ErrNone
}

// readBlock reads one full filesystem block.
func (fs *FS) readBlock(blockNum uint32) ([]byte, defs.Err_t) {
	buf := make([]byte, fs.sb.blockSize())
	spb := fs.sb.sectorsPerBlock()
	for i := uint32(0); i < spb; i++ {
		sector := uint64(blockNum)*uint64(spb) + uint64(i)
		if err := fs.dev.ReadSector(buf[i*sectorSize:(i+1)*sectorSize], sector); err != defs.ErrNone {
			return nil, err
		}
	}
	return buf, defs.ErrNone
}

// DirEntry is one decoded directory entry.
type DirEntry struct {
	InodeNum uint32
	Name     ustr.Ustr
}

// readDir returns every entry in dirInodeNum's single-block directory.
// Multi-block directories are not supported (OPEN QUESTION in the
// source this is grounded on; this package follows the same
// restriction rather than inventing extension semantics).
func (fs *FS) readDir(dirInodeNum uint32) ([]DirEntry, defs.Err_t) {
	in, err := fs.inode(dirInodeNum)
	if err != defs.ErrNone {
		return nil, err
	}
	if in.SizeLower != 1024 {
		return nil, defs.ErrUnsupported
	}
	block, err := fs.readBlock(in.DirectBlockPointers[0])
	if err != defs.ErrNone {
		return nil, err
	}
	var entries []DirEntry
	idx := 0
	for idx < len(block) {
		if idx+directoryEntryHeaderSize > len(block) {
			break
		}
		var hdr directoryEntryHeader
		hdr.InodeNum = binary.LittleEndian.Uint32(block[idx : idx+4])
		hdr.EntrySize = binary.LittleEndian.Uint16(block[idx+4 : idx+6])
		hdr.NameLen = block[idx+6]
		if hdr.EntrySize == 0 {
			break
		}
		if hdr.InodeNum != 0 {
			nameStart := idx + directoryEntryHeaderSize
			name := append(ustr.Ustr(nil), block[nameStart:nameStart+int(hdr.NameLen)]...)
			entries = append(entries, DirEntry{InodeNum: hdr.InodeNum, Name: name})
		}
		idx += int(hdr.EntrySize)
	}
	return entries, defs.ErrNone
}

// LookupPath resolves a slash-separated path (as already split into
// components by ustr.Components) starting at the root inode (2),
// returning NotFound if any component is absent.
func (fs *FS) LookupPath(components []ustr.Ustr) (uint32, defs.Err_t) {
	inodeNum := uint32(2)
	for _, part := range components {
		entries, err := fs.readDir(inodeNum)
		if err != defs.ErrNone {
			return 0, err
		}
		found := false
		for _, e := range entries {
			if e.Name.Eq(part) {
				inodeNum = e.InodeNum
				found = true
				break
			}
		}
		if !found {
			return 0, defs.ErrNotFound
		}
	}
	return inodeNum, defs.ErrNone
}

// FileSize returns the file size recorded in inodeNum's inode.
func (fs *FS) FileSize(inodeNum uint32) (uint64, defs.Err_t) {
	in, err := fs.inode(inodeNum)
	if err != defs.ErrNone {
		return 0, err
	}
	return in.fileSize(), defs.ErrNone
}
