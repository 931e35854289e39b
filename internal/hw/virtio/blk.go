package virtio

import (
	"encoding/binary"
	"fmt"
	"os"
)

// SectorSize is the virtio block transfer unit.
const SectorSize = 512

// virtio-blk request types
const (
	blkTIn  = 0
	blkTOut = 1
)

// virtio-blk status byte values
const (
	blkSOK     = 0
	blkSIOErr  = 1
	blkSUnsupp = 2
)

// Block device feature bits (bit numbers within the device feature set)
const (
	FeatBlkSize  = uint64(1) << 6
	FeatTopology = uint64(1) << 10
)

// Block is a virtio block device backend over an in-memory image.
type Block struct {
	contents []byte

	// WriteBack, when set, flushes every write to this file.
	writeBack *os.File
}

// NewBlock creates a block backend over an image held in memory.
func NewBlock(contents []byte) *Block {
	return &Block{contents: contents}
}

// OpenBlockFile creates a block backend backed by an image file. Reads are
// served from memory; writes update both the memory copy and the file.
func OpenBlockFile(path string) (*Block, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read disk image: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk image for writing: %w", err)
	}
	return &Block{contents: contents, writeBack: f}, nil
}

// Close releases the backing file, if any.
func (b *Block) Close() error {
	if b.writeBack != nil {
		return b.writeBack.Close()
	}
	return nil
}

// Contents returns the device image.
func (b *Block) Contents() []byte {
	return b.contents
}

// DeviceID implements Backend.
func (b *Block) DeviceID() uint32 { return 2 }

// DeviceFeatures implements Backend.
func (b *Block) DeviceFeatures() uint64 {
	return FeatVersion1 | FeatIndirectDesc | FeatRingReset | FeatBlkSize | FeatTopology
}

// ReadConfig implements Backend. Layout follows struct virtio_blk_config:
// capacity (sectors) at 0, blk_size at 20.
func (b *Block) ReadConfig(offset uint64, size int) uint64 {
	var cfg [24]byte
	binary.LittleEndian.PutUint64(cfg[0:8], uint64(len(b.contents))/SectorSize)
	binary.LittleEndian.PutUint32(cfg[20:24], SectorSize)

	if offset >= uint64(len(cfg)) {
		return 0
	}
	switch size {
	case 1:
		return uint64(cfg[offset])
	case 2:
		return uint64(binary.LittleEndian.Uint16(cfg[offset:]))
	case 4:
		return uint64(binary.LittleEndian.Uint32(cfg[offset:]))
	case 8:
		return binary.LittleEndian.Uint64(cfg[offset:])
	}
	return 0
}

// Request implements Backend. The readable part starts with the 16-byte
// request header (type, reserved, sector); OUT requests carry the payload
// after it. The last writable byte is the status.
func (b *Block) Request(read []byte, writeLen int) ([]byte, error) {
	if len(read) < 16 || writeLen < 1 {
		return nil, fmt.Errorf("virtio-blk: malformed request: read=%d write=%d", len(read), writeLen)
	}

	typ := binary.LittleEndian.Uint32(read[0:4])
	sector := binary.LittleEndian.Uint64(read[8:16])
	off := sector * SectorSize

	switch typ {
	case blkTIn:
		dataLen := writeLen - 1
		resp := make([]byte, writeLen)
		if off+uint64(dataLen) > uint64(len(b.contents)) {
			resp[writeLen-1] = blkSIOErr
			return resp, nil
		}
		copy(resp[:dataLen], b.contents[off:])
		resp[writeLen-1] = blkSOK
		return resp, nil

	case blkTOut:
		data := read[16:]
		if off+uint64(len(data)) > uint64(len(b.contents)) {
			return []byte{blkSIOErr}, nil
		}
		copy(b.contents[off:], data)
		if b.writeBack != nil {
			if _, err := b.writeBack.WriteAt(data, int64(off)); err != nil {
				return []byte{blkSIOErr}, nil
			}
		}
		return []byte{blkSOK}, nil

	default:
		resp := make([]byte, writeLen)
		resp[writeLen-1] = blkSUnsupp
		return resp, nil
	}
}

var _ Backend = (*Block)(nil)
