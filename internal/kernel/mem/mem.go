// Package mem is the kernel's memory manager: the physical page allocator
// and the Sv39 page-table engine. Page tables are real Sv39 tables encoded
// little-endian in machine RAM; the kernel and the user-mode interpreter
// both translate through them.
package mem

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
)

// User virtual address range. The stack grows down from UserEnd; the first
// touch of any unmapped user page is satisfied lazily by HandlePageFault.
const (
	UserStart    = 0xC000_0000
	UserEnd      = 0xD000_0000
	UserStackVMA = UserEnd
)

// kernReserve is the RAM carved off for the kernel image region: the main
// page tables and the boot heap. Pages below it are never on the free list.
const kernReserve = 2 * riscv.MegaSize

// Access kinds for Translate.
const (
	AccessRead  = 0
	AccessWrite = 1
	AccessExec  = 2
)

// FaultError reports a failed translation.
type FaultError struct {
	Access int
	Vaddr  uint64
}

func (e *FaultError) Error() string {
	kinds := [...]string{"load", "store", "fetch"}
	return fmt.Sprintf("page fault: %s at 0x%x", kinds[e.Access], e.Vaddr)
}

type tlbEntry struct {
	valid    bool
	vpn      uint64
	physPage uint64
	flags    uint64
	pageSize uint64
}

var (
	ram     *hw.MemoryRegion
	ramEnd  uintptr
	freeTop uintptr // lowest address the allocator manages

	freeHead  uintptr // head of the intrusive free list; 0 when empty
	freeCount int

	mainMtag   uint64
	activeMtag uint64

	tlb [512]tlbEntry

	initialized bool
)

// Initialized reports whether Init has run.
func Initialized() bool { return initialized }

// pageBytes returns the RAM backing a physical page.
func pageBytes(p uintptr) []byte {
	return ram.Data[p-hw.RAMBase : p-hw.RAMBase+riscv.PageSize]
}

// PhysSlice exposes n bytes of RAM at physical address p. Drivers use this
// for structures the device reads directly (virtqueue rings, bounce
// buffers).
func PhysSlice(p uintptr, n int) []byte {
	if p < hw.RAMBase || p+uintptr(n) > ramEnd {
		panic(fmt.Sprintf("mem: physical range [0x%x,+%d) outside RAM", p, n))
	}
	return ram.Data[p-hw.RAMBase : p-hw.RAMBase+uintptr(n)]
}

func vpn2(vma uint64) uint64 { return (vma >> (9 + 9 + 12)) & 0x1ff }
func vpn1(vma uint64) uint64 { return (vma >> (9 + 12)) & 0x1ff }
func vpn0(vma uint64) uint64 { return (vma >> 12) & 0x1ff }

// wellformed reports whether address bits 63:38 are all equal.
func wellformed(vma uint64) bool {
	bits := int64(vma) >> 38
	return bits == 0 || bits == -1
}

func inUserRange(vma uint64) bool {
	return UserStart <= vma && vma < UserEnd
}

// pte accessors: a table is a physical page of 512 little-endian words.

func readPTE(table uintptr, idx uint64) uint64 {
	return binary.LittleEndian.Uint64(pageBytes(table)[idx*8:])
}

func writePTE(table uintptr, idx uint64, pte uint64) {
	binary.LittleEndian.PutUint64(pageBytes(table)[idx*8:], pte)
}

func leafPTE(phys uintptr, flags uint64) uint64 {
	return (uint64(phys)>>riscv.PageShift)<<10 | flags | riscv.PteA | riscv.PteD | riscv.PteV
}

func ptabPTE(table uintptr, flags uint64) uint64 {
	return (uint64(table)>>riscv.PageShift)<<10 | flags | riscv.PteV
}

func ptePhys(pte uint64) uintptr {
	return uintptr((pte >> 10 & riscv.SatpPpnMask) << riscv.PageShift)
}

func pteFlags(pte uint64) uint64 { return pte & 0xff }

func isLeaf(pte uint64) bool {
	return pte&(riscv.PteR|riscv.PteX) != 0
}

func mtagRoot(mtag uint64) uintptr {
	return uintptr((mtag & riscv.SatpPpnMask) << riscv.PageShift)
}

func makeMtag(root uintptr, asid uint16) uint64 {
	return riscv.SatpModeSv39<<riscv.SatpModeSh |
		uint64(asid)<<riscv.SatpAsidSh |
		uint64(root)>>riscv.PageShift
}

// sfenceVMA flushes the TLB. Every page-table mutation ends here.
func sfenceVMA() {
	for i := range tlb {
		tlb[i].valid = false
	}
}

// Init builds the main address space and the free page list. The main space
// identity-maps the MMIO gigaranges read-write, the kernel reserve as 4 KiB
// pages, and the rest of RAM as megapages, all global.
func Init(r *hw.MemoryRegion) {
	ram = r
	ramEnd = hw.RAMBase + uintptr(ram.Size())
	if ram.Size() > riscv.GigaSize {
		panic("mem: RAM larger than one gigarange")
	}

	freeHead = 0
	freeCount = 0
	sfenceVMA()

	// The main tables live at the bottom of the kernel reserve.
	reserve := uintptr(hw.RAMBase)
	allocReserved := func() uintptr {
		p := reserve
		reserve += riscv.PageSize
		clear(pageBytes(p))
		return p
	}

	root := allocReserved()

	// Identity map of the two MMIO gigaranges below RAM.
	for pma := uintptr(0); pma < hw.RAMBase; pma += riscv.GigaSize {
		writePTE(root, vpn2(uint64(pma)), leafPTE(pma, riscv.PteR|riscv.PteW|riscv.PteG))
	}

	// The RAM gigarange gets a level-1 table; its first megapage (the
	// kernel reserve) is mapped as individual pages, the rest as
	// megapages.
	pt1 := allocReserved()
	writePTE(root, vpn2(hw.RAMBase), ptabPTE(pt1, riscv.PteG))

	pt0 := allocReserved()
	writePTE(pt1, vpn1(hw.RAMBase), ptabPTE(pt0, riscv.PteG))

	for p := uintptr(hw.RAMBase); p < hw.RAMBase+riscv.MegaSize; p += riscv.PageSize {
		writePTE(pt0, vpn0(uint64(p)), leafPTE(p, riscv.PteR|riscv.PteW|riscv.PteG))
	}

	for p := uintptr(hw.RAMBase) + riscv.MegaSize; p < ramEnd; p += riscv.MegaSize {
		writePTE(pt1, vpn1(uint64(p)), leafPTE(p, riscv.PteR|riscv.PteW|riscv.PteG))
	}

	mainMtag = makeMtag(root, 0)
	activeMtag = mainMtag
	sfenceVMA()

	// Everything above the kernel reserve goes on the free list.
	freeTop = hw.RAMBase + kernReserve
	for p := freeTop; p < ramEnd; p += riscv.PageSize {
		FreePage(p)
	}

	initialized = true
}

// AllocPage takes a physical page off the free list. Does not zero it.
// Panics when no pages remain; the allocator has no fallback.
func AllocPage() uintptr {
	if freeHead == 0 {
		panic("mem: out of physical pages")
	}
	p := freeHead
	freeHead = uintptr(binary.LittleEndian.Uint64(pageBytes(p)))
	freeCount--
	return p
}

// allocZeroed takes a page and clears it.
func allocZeroed() uintptr {
	p := AllocPage()
	clear(pageBytes(p))
	return p
}

// FreePage returns a page to the allocator. The page must lie in the
// allocator-managed region and be page aligned.
func FreePage(p uintptr) {
	if p%riscv.PageSize != 0 || p < freeTop || ramEnd <= p {
		panic(fmt.Sprintf("mem: freeing bad page 0x%x", p))
	}
	binary.LittleEndian.PutUint64(pageBytes(p), uint64(freeHead))
	freeHead = p
	freeCount++
}

// FreePageCount returns the number of pages on the free list.
func FreePageCount() int { return freeCount }

// MainMtag returns the tag of the main (boot) address space.
func MainMtag() uint64 { return mainMtag }

// ActiveSpace returns the tag of the currently installed address space.
func ActiveSpace() uint64 { return activeMtag }

// SpaceSwitch installs an address space and flushes the TLB.
func SpaceSwitch(mtag uint64) {
	activeMtag = mtag
	sfenceVMA()
}

func activeRoot() uintptr {
	return mtagRoot(activeMtag)
}

// SpaceCreate allocates a new address space sharing the main space's
// top-level entries (MMIO and RAM identity mappings), installs it, and
// returns its tag.
func SpaceCreate(asid uint16) uint64 {
	root := allocZeroed()
	copy(pageBytes(root), pageBytes(mtagRoot(mainMtag)))

	mtag := makeMtag(root, asid)
	SpaceSwitch(mtag)
	return mtag
}

// SpaceReclaim tears down the active space if it is not the main space:
// every user-mapped frame and every user page table is freed, the root is
// freed, and the main space is reinstalled.
func SpaceReclaim() {
	old := activeMtag
	if old == mainMtag {
		return
	}

	UnmapAndFreeUser()
	FreePage(mtagRoot(old))

	activeMtag = mainMtag
	sfenceVMA()
}

// walk descends to the level-0 slot for vma, creating missing intermediate
// tables when create is set. Returns the table page and slot index, or ok
// false when the path is absent and create is unset.
func walk(root uintptr, vma uint64, create bool) (table uintptr, idx uint64, ok bool) {
	if root == 0 || !wellformed(vma) {
		return 0, 0, false
	}

	table = root
	for level := riscv.PteLevels - 1; level > 0; level-- {
		var i uint64
		if level == 2 {
			i = vpn2(vma)
		} else {
			i = vpn1(vma)
		}

		pte := readPTE(table, i)
		if pte&riscv.PteV == 0 {
			if !create {
				return 0, 0, false
			}
			next := allocZeroed()
			writePTE(table, i, ptabPTE(next, 0))
			table = next
			continue
		}
		if isLeaf(pte) {
			// A superpage blocks descent to level 0.
			return 0, 0, false
		}
		table = ptePhys(pte)
	}

	return table, vpn0(vma), true
}

// Mapped reports whether vma has a valid level-0 leaf in the active space.
func Mapped(vma uint64) bool {
	table, idx, ok := walk(activeRoot(), vma&^uint64(riscv.PageSize-1), false)
	if !ok {
		return false
	}
	return readPTE(table, idx)&riscv.PteV != 0
}

// AllocAndMapPage allocates a physical page and maps it at vma in the
// active space with the given R/W/X/U/G flags (A, D, and V are added). The
// slot must be unmapped. Panics on a malformed or unaligned vma and on
// double mapping.
func AllocAndMapPage(vma uint64, flags uint64) {
	if !wellformed(vma) || vma%riscv.PageSize != 0 {
		panic(fmt.Sprintf("mem: mapping bad vma 0x%x", vma))
	}

	table, idx, ok := walk(activeRoot(), vma, true)
	if !ok {
		panic(fmt.Sprintf("mem: walk failed for vma 0x%x", vma))
	}
	if readPTE(table, idx)&riscv.PteV != 0 {
		panic(fmt.Sprintf("mem: vma 0x%x already mapped", vma))
	}

	frame := AllocPage()
	writePTE(table, idx, leafPTE(frame, flags))
	sfenceVMA()
}

// AllocAndMapRange maps every page of [vma, vma+size), rounding size up to
// a page multiple.
func AllocAndMapRange(vma uint64, size uint64, flags uint64) {
	if !wellformed(vma) || vma%riscv.PageSize != 0 {
		panic(fmt.Sprintf("mem: mapping bad vma 0x%x", vma))
	}
	size = (size + riscv.PageSize - 1) &^ uint64(riscv.PageSize-1)

	for off := uint64(0); off < size; off += riscv.PageSize {
		AllocAndMapPage(vma+off, flags)
	}
}

// SetRangeFlags rewrites the permission bits of the existing leaves in
// [vma, vma+size). Pages without a mapping are skipped; no mappings are
// created.
func SetRangeFlags(vma uint64, size uint64, flags uint64) {
	if vma%riscv.PageSize != 0 {
		panic(fmt.Sprintf("mem: unaligned vma 0x%x", vma))
	}
	size = (size + riscv.PageSize - 1) &^ uint64(riscv.PageSize-1)

	const permMask = riscv.PteR | riscv.PteW | riscv.PteX | riscv.PteU | riscv.PteG

	for off := uint64(0); off < size; off += riscv.PageSize {
		table, idx, ok := walk(activeRoot(), vma+off, false)
		if !ok {
			continue
		}
		pte := readPTE(table, idx)
		if pte&riscv.PteV == 0 {
			continue
		}
		pte = (pte &^ uint64(permMask)) | flags | riscv.PteV | riscv.PteA | riscv.PteD
		writePTE(table, idx, pte)
	}

	sfenceVMA()
}

// UnmapAndFreeUser walks the user range of the active space and frees every
// U-mapped frame and every user-range page table, leaving the current root
// installed. Used before exec and by SpaceReclaim.
func UnmapAndFreeUser() {
	if !initialized {
		panic("mem: not initialized")
	}

	root := activeRoot()

	for vma := uint64(UserStart); vma < UserEnd; vma += riscv.GigaSize {
		l2 := readPTE(root, vpn2(vma))
		if l2&riscv.PteV == 0 {
			continue
		}
		pt1 := ptePhys(l2)

		for i := uint64(0); i < riscv.PteCount; i++ {
			l1 := readPTE(pt1, i)
			if l1&riscv.PteV == 0 {
				continue
			}
			pt0 := ptePhys(l1)

			for j := uint64(0); j < riscv.PteCount; j++ {
				l0 := readPTE(pt0, j)
				if l0&riscv.PteV == 0 {
					continue
				}
				if l0&riscv.PteU != 0 {
					FreePage(ptePhys(l0))
				}
				writePTE(pt0, j, 0)
			}

			FreePage(pt0)
			writePTE(pt1, i, 0)
		}

		FreePage(pt1)
		writePTE(root, vpn2(vma), 0)
	}

	sfenceVMA()
}

// HandlePageFault lazily materializes the page containing vaddr: a fresh
// zeroed frame mapped R|W|U. A fault outside the user range, or on an
// already-mapped page, is a kernel bug.
func HandlePageFault(vaddr uint64) {
	if !wellformed(vaddr) || !inUserRange(vaddr) {
		panic(fmt.Sprintf("mem: page fault outside user range at 0x%x", vaddr))
	}

	vma := vaddr &^ uint64(riscv.PageSize-1)

	table, idx, ok := walk(activeRoot(), vma, true)
	if !ok {
		panic(fmt.Sprintf("mem: walk failed for fault at 0x%x", vaddr))
	}
	if readPTE(table, idx)&riscv.PteV != 0 {
		panic(fmt.Sprintf("mem: double fault at 0x%x", vaddr))
	}

	frame := allocZeroed()
	writePTE(table, idx, leafPTE(frame, riscv.PteR|riscv.PteW|riscv.PteU))
	sfenceVMA()
}

// SpaceClone deep-copies the active space's user mappings into a new space:
// every user-mapped frame is duplicated with its permission bits preserved,
// while the kernel gigapage entries are shared. Returns the new space's
// tag without installing it. This is the fork primitive.
func SpaceClone(asid uint16) uint64 {
	parentRoot := activeRoot()

	childRoot := allocZeroed()
	for i := uint64(0); i < 3; i++ {
		writePTE(childRoot, i, readPTE(parentRoot, i))
	}

	for vma := uint64(UserStart); vma < UserEnd; vma += riscv.GigaSize {
		l2 := readPTE(parentRoot, vpn2(vma))
		if l2&riscv.PteV == 0 {
			continue
		}
		parentPT1 := ptePhys(l2)

		childPT1 := allocZeroed()
		writePTE(childRoot, vpn2(vma), ptabPTE(childPT1, pteFlags(l2)&^uint64(riscv.PteV)))

		for i := uint64(0); i < riscv.PteCount; i++ {
			l1 := readPTE(parentPT1, i)
			if l1&riscv.PteV == 0 {
				continue
			}
			parentPT0 := ptePhys(l1)

			childPT0 := allocZeroed()
			writePTE(childPT1, i, ptabPTE(childPT0, pteFlags(l1)&^uint64(riscv.PteV)))

			for j := uint64(0); j < riscv.PteCount; j++ {
				l0 := readPTE(parentPT0, j)
				if l0&riscv.PteV == 0 || l0&riscv.PteU == 0 {
					continue
				}

				frame := AllocPage()
				copy(pageBytes(frame), pageBytes(ptePhys(l0)))
				writePTE(childPT0, j, uint64(frame>>riscv.PageShift)<<10|pteFlags(l0))
			}
		}
	}

	sfenceVMA()
	return makeMtag(childRoot, asid)
}
