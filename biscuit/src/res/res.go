// Package res implements per-process resource descriptors: component G
// of the kernel core. A descriptor is a tagged variant (file, console-in,
// console-out) behind a common Description interface, reference-counted
// through krc so a descriptor can be shared the way the source's
// KrcBox<KSpinLock<_>> is, even though nothing in this syscall surface
// currently clones one.
package res

import (
	"unicode/utf8"

	"defs"
	"ext2"
	"krc"
	"ksync"
	"sbi"
)

// Description is the operations every resource descriptor variant
// implements. Unlike the source's function-pointer vtable plus untagged
// union, each variant here is its own Go type satisfying this interface
// — an ordinary tagged sum instead of hand-rolled dynamic dispatch.
type Description interface {
	Read(buf []byte) (int, defs.Err_t)
	Write(buf []byte) (int, defs.Err_t)
	Close()
}

// Descriptor is the reference-counted, lockable handle a process table
// slot holds. Table holds these behind krc so the refcount and
// destructor-on-last-drop machinery from component D gets exercised by
// the resource layer it was built for.
type Descriptor struct {
	box *krc.Box[*ksync.SpinLock[Description]]
}

// NewDescriptor wraps description in a fresh, uniquely-owned Descriptor.
func NewDescriptor(description Description) *Descriptor {
	lock := ksync.NewSpinLock[Description](description)
	return &Descriptor{box: krc.New(lock, func(l **ksync.SpinLock[Description]) {
		g := (*l).Lock()
		(*g.Get()).Close()
		g.Unlock()
	})}
}

// Clone returns a new handle to the same underlying description,
// saturating-incrementing the refcount.
func (d *Descriptor) Clone() *Descriptor {
	return &Descriptor{box: d.box.Clone()}
}

// Read delegates to the held description under its spinlock.
func (d *Descriptor) Read(buf []byte) (int, defs.Err_t) {
	g := (*d.box.Value()).Lock()
	defer g.Unlock()
	return (*g.Get()).Read(buf)
}

// Write delegates to the held description under its spinlock.
func (d *Descriptor) Write(buf []byte) (int, defs.Err_t) {
	g := (*d.box.Value()).Lock()
	defer g.Unlock()
	return (*g.Get()).Write(buf)
}

// Close drops this handle; the description is closed exactly once, when
// the last handle is dropped.
func (d *Descriptor) Close() {
	d.box.Drop()
}

// --- File descriptions -----------------------------------------------

// FileFlags mirrors the wire FileOpenFlags bit layout: bit 0 ReadOnly,
// bit 1 WriteOnly, bit 2 Append.
type FileFlags uint32

const (
	FileReadOnly  FileFlags = 1 << 0
	FileWriteOnly FileFlags = 1 << 1
	FileAppend    FileFlags = 1 << 2
	FileReadWrite           = FileReadOnly | FileWriteOnly
)

func (f FileFlags) readable() bool { return f&FileReadOnly != 0 }
func (f FileFlags) writable() bool { return f&FileWriteOnly != 0 }

type fileDescription struct {
	fs       *ext2.FS
	flags    FileFlags
	inodeNum uint32
	offset   uint64
}

// NewFile builds a file-backed Description over fs for inodeNum, opened
// with flags. Append seeks to end-of-file; the source left this as a
// todo!() (OPEN QUESTION), resolved here by querying the inode's size.
func NewFile(fs *ext2.FS, inodeNum uint32, flags FileFlags) (Description, defs.Err_t) {
	d := &fileDescription{fs: fs, flags: flags, inodeNum: inodeNum}
	if flags&FileAppend != 0 {
		size, err := fs.FileSize(inodeNum)
		if err != defs.ErrNone {
			return nil, err
		}
		d.offset = size
	}
	return d, defs.ErrNone
}

func (d *fileDescription) Read(buf []byte) (int, defs.Err_t) {
	if !d.flags.readable() {
		return 0, defs.ErrUnsupported
	}
	n, err := d.fs.ReadFileFromOffset(d.inodeNum, d.offset, buf)
	if err != defs.ErrNone {
		return 0, err
	}
	d.offset += uint64(n)
	return n, defs.ErrNone
}

func (d *fileDescription) Write(buf []byte) (int, defs.Err_t) {
	if !d.flags.writable() {
		return 0, defs.ErrUnsupported
	}
	n, err := d.fs.WriteFileFromOffset(d.inodeNum, d.offset, buf)
	if err != defs.ErrNone {
		return 0, err
	}
	d.offset += uint64(n)
	return n, defs.ErrNone
}

func (d *fileDescription) Close() {
	d.flags = 0
	d.offset = 0
	d.inodeNum = 0
}

// --- Console descriptions ----------------------------------------------

type consoleInDescription struct{}

// NewConsoleIn builds the console-in Description: blocking reads that
// poll the firmware console.
func NewConsoleIn() Description { return consoleInDescription{} }

// Read blocks, polling sbi.Getchar, until a character arrives, then
// encodes it as UTF-8 into buf.
func (consoleInDescription) Read(buf []byte) (int, defs.Err_t) {
	var c rune
	for {
		if got, ok := sbi.Getchar(); ok {
			c = got
			break
		}
	}
	n := utf8.EncodeRune(buf, c)
	return n, defs.ErrNone
}

// Write is not permitted on console-in. The source panics here; this
// package returns Unsupported instead, per the redesigned policy that
// only genuine invariant violations should panic.
func (consoleInDescription) Write([]byte) (int, defs.Err_t) {
	return 0, defs.ErrUnsupported
}

func (consoleInDescription) Close() {}

type consoleOutDescription struct{}

// NewConsoleOut builds the console-out Description.
func NewConsoleOut() Description { return consoleOutDescription{} }

// Read is not permitted on console-out; returns Unsupported rather than
// panicking, matching the policy applied to console-in's Write.
func (consoleOutDescription) Read([]byte) (int, defs.Err_t) {
	return 0, defs.ErrUnsupported
}

// Write interprets buf as UTF-8 and writes each rune via sbi.Putchar.
// Non-UTF-8 input returns InvalidFormat rather than panicking.
func (consoleOutDescription) Write(buf []byte) (int, defs.Err_t) {
	if !utf8.Valid(buf) {
		return 0, defs.ErrInvalidFormat
	}
	n := 0
	for _, c := range string(buf) {
		if err := sbi.Putchar(c); err != nil {
			return n, defs.ErrIo
		}
		n += utf8.RuneLen(c)
	}
	return n, defs.ErrNone
}

func (consoleOutDescription) Close() {}
