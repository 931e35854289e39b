package mem

import (
	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
)

// Translate resolves a virtual address in the active space to a physical
// address, checking permissions for the given access kind. With user set,
// the mapping must carry the U bit; kernel accesses may touch user pages
// (the kernel runs with SUM enabled). Successful translations are cached in
// a small TLB that every page-table mutation flushes.
func Translate(vaddr uint64, access int, user bool) (uintptr, error) {
	fault := func() (uintptr, error) {
		return 0, &FaultError{Access: access, Vaddr: vaddr}
	}

	if !wellformed(vaddr) {
		return fault()
	}

	vpn := vaddr >> riscv.PageShift
	entry := &tlb[vpn&uint64(len(tlb)-1)]
	if entry.valid && entry.vpn == vpn {
		if !permOK(entry.flags, access, user) {
			return fault()
		}
		return uintptr(entry.physPage + vaddr&(entry.pageSize-1)), nil
	}

	table := activeRoot()
	var pte uint64
	pageSize := uint64(riscv.PageSize)

	for level := riscv.PteLevels - 1; level >= 0; level-- {
		var idx uint64
		switch level {
		case 2:
			idx = vpn2(vaddr)
		case 1:
			idx = vpn1(vaddr)
		default:
			idx = vpn0(vaddr)
		}

		pte = readPTE(table, idx)
		if pte&riscv.PteV == 0 {
			return fault()
		}

		if isLeaf(pte) {
			if level > 0 {
				pageSize = uint64(1) << (riscv.PageShift + level*riscv.VpnBits)
				// A superpage leaf must be aligned to its size.
				if uint64(ptePhys(pte))&(pageSize-1) != 0 {
					return fault()
				}
			}

			if !permOK(pteFlags(pte), access, user) {
				return fault()
			}

			physPage := uint64(ptePhys(pte)) &^ (pageSize - 1)
			paddr := physPage + vaddr&(pageSize-1)

			// Cache at 4 KiB granularity so the vpn key stays exact.
			entry.valid = true
			entry.vpn = vpn
			entry.physPage = paddr &^ uint64(riscv.PageSize-1)
			entry.flags = pteFlags(pte)
			entry.pageSize = riscv.PageSize

			return uintptr(paddr), nil
		}

		if level == 0 {
			return fault()
		}
		table = ptePhys(pte)
	}

	return fault()
}

// permOK checks a leaf's permission bits against an access.
func permOK(flags uint64, access int, user bool) bool {
	if user && flags&riscv.PteU == 0 {
		return false
	}

	switch access {
	case AccessRead:
		return flags&riscv.PteR != 0
	case AccessWrite:
		return flags&riscv.PteW != 0
	case AccessExec:
		return flags&riscv.PteX != 0
	}
	return false
}

// ValidateRange reports whether every page of [vaddr, vaddr+n) is mapped
// with the given access for user code.
func ValidateRange(vaddr uint64, n uint64, access int) bool {
	if n == 0 {
		return true
	}
	end := vaddr + n
	if end < vaddr {
		return false
	}
	for p := vaddr &^ uint64(riscv.PageSize-1); p < end; p += riscv.PageSize {
		if _, err := Translate(p, access, true); err != nil {
			return false
		}
	}
	return true
}

// CopyFromUser copies len(buf) bytes from user virtual memory, failing if
// any page is not user readable.
func CopyFromUser(buf []byte, vaddr uint64) error {
	off := 0
	for off < len(buf) {
		paddr, err := Translate(vaddr+uint64(off), AccessRead, true)
		if err != nil {
			return err
		}
		n := riscv.PageSize - int(paddr%riscv.PageSize)
		n = min(n, len(buf)-off)
		copy(buf[off:off+n], ram.Data[paddr-hw.RAMBase:])
		off += n
	}
	return nil
}

// CopyToUser copies data into user virtual memory, failing if any page is
// not user writable.
func CopyToUser(vaddr uint64, data []byte) error {
	off := 0
	for off < len(data) {
		paddr, err := Translate(vaddr+uint64(off), AccessWrite, true)
		if err != nil {
			return err
		}
		n := riscv.PageSize - int(paddr%riscv.PageSize)
		n = min(n, len(data)-off)
		copy(ram.Data[paddr-hw.RAMBase:], data[off:off+n])
		off += n
	}
	return nil
}

// ReadUserString reads a NUL-terminated string from user memory, up to max
// bytes.
func ReadUserString(vaddr uint64, max int) (string, error) {
	var out []byte
	for len(out) < max {
		paddr, err := Translate(vaddr+uint64(len(out)), AccessRead, true)
		if err != nil {
			return "", err
		}
		b := ram.Data[paddr-hw.RAMBase]
		if b == 0 {
			return string(out), nil
		}
		out = append(out, b)
	}
	return string(out), nil
}
