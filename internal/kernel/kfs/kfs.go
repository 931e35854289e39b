// Package kfs implements the flat on-disk filesystem: a boot block of
// dentries, one inode block per file, and raw datablocks, all 4 KiB.
// Read-mount only: files never grow and nothing is ever created.
package kfs

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/sched"
)

// On-disk layout constants.
const (
	BlockSize   = 4096
	NameLen     = 32
	DentrySize  = 64
	DentryBase  = 64 // offset of the dentry array within the boot block
	MaxDentries = (BlockSize - DentryBase) / DentrySize

	// An inode is a byte length plus datablock indices filling one block.
	InodeDatablocks = (BlockSize - 4) / 4
)

// MaxFiles is the size of the in-kernel open file table.
const MaxFiles = 32

type dentry struct {
	name  string
	inode uint32
}

type bootBlock struct {
	numDentries   uint32
	numInodes     uint32
	numDatablocks uint32
	dentries      []dentry
}

type file struct {
	kio.RefCount
	fs    *FS
	inUse bool
	inode uint32
	size  uint32
	pos   uint64
}

// FS is a mounted filesystem over a block IO interface.
type FS struct {
	backing kio.Intf
	boot    bootBlock
	files   [MaxFiles]file

	// lock serializes seek+transfer pairs on the backing device, which
	// keeps concurrent file operations from interleaving positions.
	lock sched.Lock
}

// Mount reads and validates the boot block.
func Mount(backing kio.Intf) (*FS, error) {
	if backing == nil {
		return nil, kio.ErrInvalid
	}

	fs := &FS{backing: backing}
	fs.lock.Init("kfs")

	if err := kio.Seek(backing, 0); err != nil {
		return nil, fmt.Errorf("kfs: seek boot block: %w", err)
	}

	var blk [BlockSize]byte
	if n, err := kio.ReadFull(backing, blk[:]); err != nil || n != BlockSize {
		return nil, fmt.Errorf("kfs: short boot block read (%d bytes): %w", n, err)
	}

	fs.boot.numDentries = binary.LittleEndian.Uint32(blk[0:4])
	fs.boot.numInodes = binary.LittleEndian.Uint32(blk[4:8])
	fs.boot.numDatablocks = binary.LittleEndian.Uint32(blk[8:12])

	if fs.boot.numDentries > MaxDentries ||
		fs.boot.numInodes == 0 ||
		fs.boot.numDatablocks == 0 {
		return nil, fmt.Errorf("kfs: bad boot block: dentries=%d inodes=%d datablocks=%d",
			fs.boot.numDentries, fs.boot.numInodes, fs.boot.numDatablocks)
	}

	for i := uint32(0); i < fs.boot.numDentries; i++ {
		off := DentryBase + int(i)*DentrySize
		name := blk[off : off+NameLen]
		end := 0
		for end < NameLen && name[end] != 0 {
			end++
		}
		fs.boot.dentries = append(fs.boot.dentries, dentry{
			name:  string(name[:end]),
			inode: binary.LittleEndian.Uint32(blk[off+NameLen : off+NameLen+4]),
		})
	}

	return fs, nil
}

// readInode fetches the inode block for an inode index.
func (fs *FS) readInode(inode uint32, blk *[BlockSize]byte) error {
	fs.lock.Acquire()
	defer fs.lock.Release()

	if err := kio.Seek(fs.backing, uint64(1+inode)*BlockSize); err != nil {
		return err
	}
	if n, err := kio.ReadFull(fs.backing, blk[:]); err != nil || n != BlockSize {
		return fmt.Errorf("kfs: short inode read: %w", err)
	}
	return nil
}

// Open finds a file by name and returns an IO interface positioned at 0.
func (fs *FS) Open(name string) (kio.Intf, error) {
	var d *dentry
	for i := range fs.boot.dentries {
		if fs.boot.dentries[i].name == name {
			d = &fs.boot.dentries[i]
			break
		}
	}
	if d == nil {
		return nil, fmt.Errorf("kfs: no file %q", name)
	}

	var f *file
	for i := range fs.files {
		if !fs.files[i].inUse {
			f = &fs.files[i]
			break
		}
	}
	if f == nil {
		return nil, fmt.Errorf("kfs: file table full")
	}

	var blk [BlockSize]byte
	if err := fs.readInode(d.inode, &blk); err != nil {
		return nil, err
	}

	f.fs = fs
	f.inode = d.inode
	f.size = binary.LittleEndian.Uint32(blk[0:4])
	f.pos = 0
	f.inUse = true
	f.InitRef()

	return f, nil
}

// Names returns the filenames in the boot block, in dentry order.
func (fs *FS) Names() []string {
	names := make([]string, len(fs.boot.dentries))
	for i, d := range fs.boot.dentries {
		names[i] = d.name
	}
	return names
}

// datablockOffset resolves a file-relative block index to the byte offset
// of the backing datablock.
func (fs *FS) datablockOffset(inodeBlk *[BlockSize]byte, idx uint64) (uint64, error) {
	if idx >= InodeDatablocks {
		return 0, kio.ErrBadPosition
	}
	dbno := binary.LittleEndian.Uint32(inodeBlk[4+idx*4:])
	if dbno >= fs.boot.numDatablocks {
		return 0, fmt.Errorf("kfs: inode names datablock %d of %d", dbno, fs.boot.numDatablocks)
	}
	return uint64(1+fs.boot.numInodes+dbno) * BlockSize, nil
}

// Close implements kio.Intf.
func (f *file) Close() {
	if f.Release() {
		f.inUse = false
	}
}

// Read implements kio.Intf, bounded by the file length.
func (f *file) Read(p []byte) (int, error) {
	if !f.inUse {
		return 0, kio.ErrInvalid
	}
	if f.pos >= uint64(f.size) {
		return 0, nil
	}
	if rem := uint64(f.size) - f.pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	var inodeBlk [BlockSize]byte
	if err := f.fs.readInode(f.inode, &inodeBlk); err != nil {
		return 0, err
	}

	read := 0
	for read < len(p) {
		off, err := f.fs.datablockOffset(&inodeBlk, f.pos/BlockSize)
		if err != nil {
			return read, err
		}
		blockOff := f.pos % BlockSize
		n := min(int(BlockSize-blockOff), len(p)-read)

		f.fs.lock.Acquire()
		err = kio.Seek(f.fs.backing, off+blockOff)
		if err == nil {
			var cnt int
			cnt, err = kio.ReadFull(f.fs.backing, p[read:read+n])
			if err == nil && cnt != n {
				err = kio.ErrIO
			}
		}
		f.fs.lock.Release()
		if err != nil {
			return read, err
		}

		read += n
		f.pos += uint64(n)
	}

	return read, nil
}

// Write implements kio.Intf. Writes are clamped to the existing file
// length: the file never grows and positioning past the end transfers
// nothing.
func (f *file) Write(p []byte) (int, error) {
	if !f.inUse {
		return 0, kio.ErrInvalid
	}
	if f.pos >= uint64(f.size) {
		return 0, nil
	}
	if rem := uint64(f.size) - f.pos; uint64(len(p)) > rem {
		p = p[:rem]
	}

	var inodeBlk [BlockSize]byte
	if err := f.fs.readInode(f.inode, &inodeBlk); err != nil {
		return 0, err
	}

	written := 0
	for written < len(p) {
		off, err := f.fs.datablockOffset(&inodeBlk, f.pos/BlockSize)
		if err != nil {
			return written, err
		}
		blockOff := f.pos % BlockSize
		n := min(int(BlockSize-blockOff), len(p)-written)

		f.fs.lock.Acquire()
		err = kio.Seek(f.fs.backing, off+blockOff)
		if err == nil {
			var cnt int
			cnt, err = kio.WriteFull(f.fs.backing, p[written:written+n])
			if err == nil && cnt != n {
				err = kio.ErrIO
			}
		}
		f.fs.lock.Release()
		if err != nil {
			return written, err
		}

		written += n
		f.pos += uint64(n)
	}

	return written, nil
}

// Ctl implements kio.Intf.
func (f *file) Ctl(cmd int, arg *uint64) error {
	if arg == nil {
		return kio.ErrInvalid
	}

	switch cmd {
	case kio.IoctlGetLen:
		*arg = uint64(f.size)
		return nil
	case kio.IoctlGetPos:
		*arg = f.pos
		return nil
	case kio.IoctlSetPos:
		if *arg > uint64(f.size) {
			return kio.ErrBadPosition
		}
		f.pos = *arg
		return nil
	case kio.IoctlGetBlkSz:
		*arg = BlockSize
		return nil
	}

	return kio.ErrUnsupported
}

var _ kio.Intf = (*file)(nil)
