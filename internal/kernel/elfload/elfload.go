// Package elfload loads RV64 executables into the current user address
// space through the kernel's IO interface.
package elfload

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
)

// ErrBadImage reports a file that is not a loadable RV64 executable.
var ErrBadImage = errors.New("elfload: not a loadable RV64 executable")

// readerAt adapts an IO interface to io.ReaderAt for the ELF parser.
type readerAt struct {
	io kio.Intf
}

func (r readerAt) ReadAt(p []byte, off int64) (int, error) {
	if err := kio.Seek(r.io, uint64(off)); err != nil {
		return 0, err
	}
	n, err := kio.ReadFull(r.io, p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// segFlags converts ELF segment permissions to PTE bits.
func segFlags(f elf.ProgFlag) uint64 {
	flags := uint64(riscv.PteU)
	if f&elf.PF_R != 0 {
		flags |= riscv.PteR
	}
	if f&elf.PF_W != 0 {
		flags |= riscv.PteW
	}
	if f&elf.PF_X != 0 {
		flags |= riscv.PteX
	}
	return flags
}

// parse opens the image and runs every check that does not touch the
// address space: header fields, segment bounds, entry point.
func parse(ioIntf kio.Intf) (*elf.File, error) {
	f, err := elf.NewFile(readerAt{ioIntf})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}

	if f.Class != elf.ELFCLASS64 || f.Data != elf.ELFDATA2LSB {
		f.Close()
		return nil, fmt.Errorf("%w: not ELF64 little-endian", ErrBadImage)
	}
	if f.Machine != elf.EM_RISCV {
		f.Close()
		return nil, fmt.Errorf("%w: machine %v", ErrBadImage, f.Machine)
	}
	if f.Type != elf.ET_EXEC {
		f.Close()
		return nil, fmt.Errorf("%w: type %v", ErrBadImage, f.Type)
	}

	loadable := 0
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		loadable++
		end := prog.Vaddr + prog.Memsz
		if prog.Filesz > prog.Memsz ||
			prog.Vaddr < mem.UserStart || end > mem.UserEnd || end < prog.Vaddr {
			f.Close()
			return nil, fmt.Errorf("%w: bad segment [0x%x,0x%x)", ErrBadImage, prog.Vaddr, end)
		}
	}
	if loadable == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: no loadable segments", ErrBadImage)
	}

	if f.Entry < mem.UserStart || f.Entry >= mem.UserEnd {
		f.Close()
		return nil, fmt.Errorf("%w: entry 0x%x outside user range", ErrBadImage, f.Entry)
	}

	return f, nil
}

// Verify checks the image without loading anything.
func Verify(ioIntf kio.Intf) error {
	f, err := parse(ioIntf)
	if err != nil {
		return err
	}
	return f.Close()
}

// Load verifies the ELF image behind ioIntf and maps every PT_LOAD segment
// into the current address space, zero-filling the BSS tail. Returns the
// entry point.
func Load(ioIntf kio.Intf) (uint64, error) {
	f, err := parse(ioIntf)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	type segRange struct {
		start, size uint64
		flags       uint64
	}
	var ranges []segRange

	var zeros [riscv.PageSize]byte

	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}

		vaddr := prog.Vaddr
		end := vaddr + prog.Memsz

		// Map the segment's pages writable for loading; fresh pages are
		// zeroed so the BSS tail needs no extra pass.
		start := vaddr &^ uint64(riscv.PageSize-1)
		for page := start; page < end; page += riscv.PageSize {
			if !mem.Mapped(page) {
				mem.AllocAndMapPage(page, riscv.PteR|riscv.PteW|riscv.PteU)
				if err := mem.CopyToUser(page, zeros[:]); err != nil {
					return 0, fmt.Errorf("elfload: zero page 0x%x: %w", page, err)
				}
			}
		}

		if prog.Filesz > 0 {
			data := make([]byte, prog.Filesz)
			if _, err := io.ReadFull(prog.Open(), data); err != nil {
				return 0, fmt.Errorf("elfload: read segment at 0x%x: %w", vaddr, err)
			}
			if err := mem.CopyToUser(vaddr, data); err != nil {
				return 0, fmt.Errorf("elfload: copy segment to 0x%x: %w", vaddr, err)
			}
		}

		ranges = append(ranges, segRange{
			start: start,
			size:  end - start,
			flags: segFlags(prog.Flags),
		})
	}

	// Apply final permissions only after every segment is copied in, since
	// segments may share pages.
	for _, r := range ranges {
		mem.SetRangeFlags(r.start, r.size, r.flags)
	}

	return f.Entry, nil
}
