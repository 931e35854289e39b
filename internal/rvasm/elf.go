package rvasm

import "encoding/binary"

// Segment is one loadable piece of a program image.
type Segment struct {
	Vaddr uint64
	Data  []byte
	// Memsz extends the segment past its data with zero fill (BSS); zero
	// means len(Data).
	Memsz uint64
	// Flags uses the ELF PF_* bits: 1=X 2=W 4=R.
	Flags uint32
}

// ELF constants for the header.
const (
	elfMachineRISCV = 243
	elfTypeExec     = 2
	ptLoad          = 1

	ehdrSize = 64
	phdrSize = 56
)

// Words converts instruction words to little-endian bytes.
func Words(insns ...uint32) []byte {
	out := make([]byte, 4*len(insns))
	for i, insn := range insns {
		binary.LittleEndian.PutUint32(out[i*4:], insn)
	}
	return out
}

// Program flattens instruction slices into one stream of bytes.
func Program(chunks ...[]uint32) []byte {
	var insns []uint32
	for _, c := range chunks {
		insns = append(insns, c...)
	}
	return Words(insns...)
}

// BuildELF assembles a minimal ELF64 RISC-V executable from segments.
func BuildELF(entry uint64, segs ...Segment) []byte {
	headerLen := uint64(ehdrSize + phdrSize*len(segs))

	// Place segment payloads back to back after the headers.
	offsets := make([]uint64, len(segs))
	off := headerLen
	for i, s := range segs {
		offsets[i] = off
		off += uint64(len(s.Data))
	}

	img := make([]byte, off)

	// ELF header
	copy(img[0:4], []byte{0x7f, 'E', 'L', 'F'})
	img[4] = 2 // ELFCLASS64
	img[5] = 1 // ELFDATA2LSB
	img[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(img[16:], elfTypeExec)
	binary.LittleEndian.PutUint16(img[18:], elfMachineRISCV)
	binary.LittleEndian.PutUint32(img[20:], 1) // version
	binary.LittleEndian.PutUint64(img[24:], entry)
	binary.LittleEndian.PutUint64(img[32:], ehdrSize) // phoff
	binary.LittleEndian.PutUint16(img[52:], ehdrSize)
	binary.LittleEndian.PutUint16(img[54:], phdrSize)
	binary.LittleEndian.PutUint16(img[56:], uint16(len(segs)))

	for i, s := range segs {
		memsz := s.Memsz
		if memsz == 0 {
			memsz = uint64(len(s.Data))
		}
		flags := s.Flags
		if flags == 0 {
			flags = 0x7 // RWX
		}

		p := ehdrSize + i*phdrSize
		binary.LittleEndian.PutUint32(img[p:], ptLoad)
		binary.LittleEndian.PutUint32(img[p+4:], flags)
		binary.LittleEndian.PutUint64(img[p+8:], offsets[i])
		binary.LittleEndian.PutUint64(img[p+16:], s.Vaddr) // vaddr
		binary.LittleEndian.PutUint64(img[p+24:], s.Vaddr) // paddr
		binary.LittleEndian.PutUint64(img[p+32:], uint64(len(s.Data)))
		binary.LittleEndian.PutUint64(img[p+40:], memsz)
		binary.LittleEndian.PutUint64(img[p+48:], 0x1000) // align

		copy(img[offsets[i]:], s.Data)
	}

	return img
}
