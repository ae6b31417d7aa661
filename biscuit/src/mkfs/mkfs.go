// Command mkfs populates an existing ext2 disk image with host files.
//
// Unlike the teacher's ufs-based image builder, this tool never creates
// inodes or directory entries: the ext2 reader/writer this kernel ships
// (package ext2) only supports writing into files that already exist on
// disk, so the image's layout — including every destination file's
// preallocated size — must come from a real mkfs.ext2 run first. This
// tool's job is narrower and matches that limitation exactly: walk a
// skeleton directory on the host and copy each file's bytes into the
// same path inside the image.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"defs"
	"ext2"
	"ustr"
)

// fileBlockDevice adapts an *os.File into ext2.BlockDevice by seeking to
// sector * 512 on every access; it is not buffered, matching a real block
// device's one-sector-at-a-time contract.
type fileBlockDevice struct {
	f *os.File
}

const sectorSize = 512

func (d *fileBlockDevice) ReadSector(buf []byte, sector uint64) defs.Err_t {
	if _, err := d.f.ReadAt(buf, int64(sector)*sectorSize); err != nil {
		return defs.ErrIo
	}
	return defs.ErrNone
}

func (d *fileBlockDevice) WriteSector(buf []byte, sector uint64) defs.Err_t {
	if _, err := d.f.WriteAt(buf, int64(sector)*sectorSize); err != nil {
		return defs.ErrIo
	}
	return defs.ErrNone
}

// copyInto writes the full contents of src into fs at dst, starting from
// offset 0, failing loudly if the destination is smaller than the source
// (it cannot be extended).
func copyInto(fs *ext2.FS, src string, dst string) error {
	components, err := ustr.Ustr(dst).Components()
	if err != defs.ErrNone {
		return fmt.Errorf("%s: %v", dst, err)
	}
	inodeNum, err := fs.LookupPath(components)
	if err != defs.ErrNone {
		return fmt.Errorf("%s: not present in image (run mkfs.ext2 first): %v", dst, err)
	}

	data, rerr := os.ReadFile(src)
	if rerr != nil {
		return rerr
	}

	size, err := fs.FileSize(inodeNum)
	if err != defs.ErrNone {
		return fmt.Errorf("%s: %v", dst, err)
	}
	if uint64(len(data)) > size {
		return fmt.Errorf("%s: %d bytes does not fit preallocated %d-byte inode", dst, len(data), size)
	}

	n, werr := fs.WriteFileFromOffset(inodeNum, 0, data)
	if werr != defs.ErrNone {
		return fmt.Errorf("%s: %v", dst, werr)
	}
	if n != len(data) {
		return fmt.Errorf("%s: short write (%d of %d bytes)", dst, n, len(data))
	}
	return nil
}

func addFiles(fs *ext2.FS, skelDir string) error {
	return filepath.WalkDir(skelDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel := strings.TrimPrefix(path, skelDir)
		if rel == "" || d.IsDir() {
			return nil
		}
		rel = "/" + strings.TrimPrefix(rel, "/")
		if cerr := copyInto(fs, path, rel); cerr != nil {
			fmt.Fprintf(os.Stderr, "mkfs: %v\n", cerr)
		}
		return nil
	})
}

func main() {
	if len(os.Args) != 3 {
		fmt.Fprintf(os.Stderr, "usage: mkfs <disk image> <skeleton dir>\n")
		os.Exit(1)
	}
	imagePath, skelDir := os.Args[1], os.Args[2]

	f, err := os.OpenFile(imagePath, os.O_RDWR, 0)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	dev := &fileBlockDevice{f: f}
	fs, ferr := ext2.Open(dev)
	if ferr != defs.ErrNone {
		fmt.Fprintf(os.Stderr, "mkfs: not a valid ext2 image: %v\n", ferr)
		os.Exit(1)
	}

	if err := addFiles(fs, skelDir); err != nil {
		fmt.Fprintf(os.Stderr, "mkfs: %v\n", err)
		os.Exit(1)
	}
}
