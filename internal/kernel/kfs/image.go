package kfs

import (
	"encoding/binary"
	"fmt"
)

// FileEntry is one file to place in an image.
type FileEntry struct {
	Name string
	Data []byte
}

// BuildImage lays out a filesystem image: the boot block, one inode block
// per file, then the datablocks. The result is a multiple of BlockSize.
func BuildImage(entries []FileEntry) ([]byte, error) {
	if len(entries) > MaxDentries {
		return nil, fmt.Errorf("kfs: %d files exceeds %d dentries", len(entries), MaxDentries)
	}

	numInodes := uint32(len(entries))
	if numInodes == 0 {
		return nil, fmt.Errorf("kfs: image needs at least one file")
	}

	var numDatablocks uint32
	for _, e := range entries {
		blocks := uint32((len(e.Data) + BlockSize - 1) / BlockSize)
		if blocks > InodeDatablocks {
			return nil, fmt.Errorf("kfs: %q exceeds the maximum file size", e.Name)
		}
		numDatablocks += blocks
	}
	if numDatablocks == 0 {
		numDatablocks = 1 // the layout requires at least one datablock
	}

	img := make([]byte, uint64(1+numInodes+numDatablocks)*BlockSize)

	binary.LittleEndian.PutUint32(img[0:4], uint32(len(entries)))
	binary.LittleEndian.PutUint32(img[4:8], numInodes)
	binary.LittleEndian.PutUint32(img[8:12], numDatablocks)

	nextDatablock := uint32(0)

	for i, e := range entries {
		if len(e.Name) == 0 || len(e.Name) >= NameLen {
			return nil, fmt.Errorf("kfs: bad filename %q", e.Name)
		}

		// Dentry
		doff := DentryBase + i*DentrySize
		copy(img[doff:doff+NameLen], e.Name)
		binary.LittleEndian.PutUint32(img[doff+NameLen:], uint32(i))

		// Inode
		ioff := uint64(1+uint32(i)) * BlockSize
		binary.LittleEndian.PutUint32(img[ioff:], uint32(len(e.Data)))

		// Datablocks
		data := e.Data
		for b := 0; len(data) > 0; b++ {
			binary.LittleEndian.PutUint32(img[ioff+4+uint64(b)*4:], nextDatablock)

			boff := uint64(1+numInodes+nextDatablock) * BlockSize
			n := copy(img[boff:boff+BlockSize], data)
			data = data[n:]
			nextDatablock++
		}
	}

	return img, nil
}
