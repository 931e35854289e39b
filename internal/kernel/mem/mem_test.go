package mem_test

import (
	"bytes"
	"testing"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
)

func bootMem(t *testing.T) *hw.Machine {
	t.Helper()
	m := hw.NewMachine(hw.Options{MemoryMB: 16})
	mem.Init(m.RAM())
	return m
}

func expectPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Fatalf("%s: expected panic", name)
		}
	}()
	fn()
}

func TestKernelIdentityMapping(t *testing.T) {
	bootMem(t)

	// RAM through the megapage leaves.
	paddr, err := mem.Translate(hw.RAMBase+0x300000, mem.AccessRead, false)
	if err != nil {
		t.Fatalf("translate RAM: %v", err)
	}
	if paddr != hw.RAMBase+0x300000 {
		t.Errorf("identity map broken: got 0x%x", paddr)
	}

	// MMIO through the gigapage leaves.
	paddr, err = mem.Translate(hw.PLICBase, mem.AccessWrite, false)
	if err != nil {
		t.Fatalf("translate MMIO: %v", err)
	}
	if paddr != hw.PLICBase {
		t.Errorf("MMIO identity map broken: got 0x%x", paddr)
	}

	// Kernel pages are not user accessible.
	if _, err := mem.Translate(hw.RAMBase+0x300000, mem.AccessRead, true); err == nil {
		t.Error("user access to kernel page should fault")
	}

	// Nothing is executable in the identity map.
	if _, err := mem.Translate(hw.RAMBase+0x300000, mem.AccessExec, false); err == nil {
		t.Error("exec on RW page should fault")
	}
}

func TestAllocFreePage(t *testing.T) {
	bootMem(t)

	before := mem.FreePageCount()
	p1 := mem.AllocPage()
	p2 := mem.AllocPage()
	if p1 == p2 {
		t.Fatal("allocator returned the same page twice")
	}
	if mem.FreePageCount() != before-2 {
		t.Errorf("free count: expected %d, got %d", before-2, mem.FreePageCount())
	}

	mem.FreePage(p1)
	mem.FreePage(p2)
	if mem.FreePageCount() != before {
		t.Errorf("free count after free: expected %d, got %d", before, mem.FreePageCount())
	}

	expectPanic(t, "free unaligned", func() { mem.FreePage(p1 + 8) })
	expectPanic(t, "free out of range", func() { mem.FreePage(hw.RAMBase) })
}

// Mapping then reading through the mapping must observe the new frame.
func TestMapThenAccess(t *testing.T) {
	bootMem(t)
	mem.SpaceCreate(1)
	defer mem.SpaceReclaim()

	const vma = uint64(mem.UserStart + 0x4000)
	mem.AllocAndMapPage(vma, riscv.PteR|riscv.PteW|riscv.PteU)

	msg := []byte("through the mapping")
	if err := mem.CopyToUser(vma+100, msg); err != nil {
		t.Fatalf("CopyToUser: %v", err)
	}

	got := make([]byte, len(msg))
	if err := mem.CopyFromUser(got, vma+100); err != nil {
		t.Fatalf("CopyFromUser: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Errorf("expected %q, got %q", msg, got)
	}

	// The mapping carries user permission.
	if _, err := mem.Translate(vma, mem.AccessWrite, true); err != nil {
		t.Errorf("user write should be allowed: %v", err)
	}
	if _, err := mem.Translate(vma, mem.AccessExec, true); err == nil {
		t.Error("exec should fault on an RW mapping")
	}
}

func TestDoubleMapPanics(t *testing.T) {
	bootMem(t)
	mem.SpaceCreate(1)
	defer mem.SpaceReclaim()

	const vma = uint64(mem.UserStart)
	mem.AllocAndMapPage(vma, riscv.PteR|riscv.PteU)
	expectPanic(t, "double map", func() {
		mem.AllocAndMapPage(vma, riscv.PteR|riscv.PteU)
	})
}

func TestSetRangeFlags(t *testing.T) {
	bootMem(t)
	mem.SpaceCreate(1)
	defer mem.SpaceReclaim()

	const vma = uint64(mem.UserStart + 0x10000)
	mem.AllocAndMapRange(vma, 2*riscv.PageSize, riscv.PteR|riscv.PteW|riscv.PteU)

	mem.SetRangeFlags(vma, 2*riscv.PageSize, riscv.PteR|riscv.PteX|riscv.PteU)

	if _, err := mem.Translate(vma+riscv.PageSize, mem.AccessExec, true); err != nil {
		t.Errorf("exec should be allowed after flag change: %v", err)
	}
	if _, err := mem.Translate(vma, mem.AccessWrite, true); err == nil {
		t.Error("write should fault after W removed")
	}
}

func TestHandlePageFault(t *testing.T) {
	bootMem(t)
	mem.SpaceCreate(1)
	defer mem.SpaceReclaim()

	const vaddr = uint64(mem.UserEnd - 0x123) // somewhere in the stack page
	mem.HandlePageFault(vaddr)

	page := vaddr &^ uint64(riscv.PageSize-1)
	if !mem.Mapped(page) {
		t.Fatal("fault handler did not map the page")
	}

	// The fresh frame is zeroed and mapped R|W|U.
	buf := make([]byte, 64)
	if err := mem.CopyFromUser(buf, page); err != nil {
		t.Fatalf("read after fault: %v", err)
	}
	for _, b := range buf {
		if b != 0 {
			t.Fatal("lazily mapped page not zeroed")
		}
	}
	if _, err := mem.Translate(page, mem.AccessWrite, true); err != nil {
		t.Errorf("faulted page should be writable: %v", err)
	}

	expectPanic(t, "double fault", func() { mem.HandlePageFault(vaddr) })
	expectPanic(t, "kernel address fault", func() { mem.HandlePageFault(hw.RAMBase + 0x1000) })
}

// Cloning must deep-copy user pages: mutations on either side stay private.
func TestSpaceCloneIsDeepCopy(t *testing.T) {
	bootMem(t)

	parentTag := mem.SpaceCreate(1)

	const vma = uint64(mem.UserStart + 0x2000)
	mem.AllocAndMapPage(vma, riscv.PteR|riscv.PteW|riscv.PteU)
	if err := mem.CopyToUser(vma, []byte("parent data")); err != nil {
		t.Fatal(err)
	}

	childTag := mem.SpaceClone(2)
	if childTag == parentTag {
		t.Fatal("clone returned the parent's tag")
	}

	// The child sees a copy of the parent's page.
	mem.SpaceSwitch(childTag)
	buf := make([]byte, 11)
	if err := mem.CopyFromUser(buf, vma); err != nil {
		t.Fatalf("child read: %v", err)
	}
	if string(buf) != "parent data" {
		t.Errorf("child copy: got %q", buf)
	}

	// Mutating the child leaves the parent untouched.
	if err := mem.CopyToUser(vma, []byte("child write")); err != nil {
		t.Fatal(err)
	}

	mem.SpaceSwitch(parentTag)
	if err := mem.CopyFromUser(buf, vma); err != nil {
		t.Fatalf("parent read: %v", err)
	}
	if string(buf) != "parent data" {
		t.Errorf("parent page changed by child write: got %q", buf)
	}

	// Tear both down.
	mem.SpaceSwitch(childTag)
	mem.SpaceReclaim()
	mem.SpaceSwitch(parentTag)
	mem.SpaceReclaim()
}

// Reclaiming a space must return every frame it consumed.
func TestSpaceReclaimReturnsFrames(t *testing.T) {
	bootMem(t)

	before := mem.FreePageCount()

	mem.SpaceCreate(1)
	mem.AllocAndMapRange(mem.UserStart, 8*riscv.PageSize, riscv.PteR|riscv.PteW|riscv.PteU)
	mem.HandlePageFault(mem.UserEnd - 8)

	if mem.FreePageCount() >= before {
		t.Fatal("space creation consumed no pages")
	}

	mem.SpaceReclaim()

	if mem.FreePageCount() != before {
		t.Errorf("leaked frames: %d before, %d after", before, mem.FreePageCount())
	}
	if mem.ActiveSpace() != mem.MainMtag() {
		t.Error("reclaim did not reinstall the main space")
	}
}

func TestUnmapAndFreeUserKeepsSpace(t *testing.T) {
	bootMem(t)

	tag := mem.SpaceCreate(1)
	mem.AllocAndMapPage(mem.UserStart, riscv.PteR|riscv.PteU)

	mem.UnmapAndFreeUser()

	if mem.ActiveSpace() != tag {
		t.Error("unmap should leave the current root installed")
	}
	if mem.Mapped(mem.UserStart) {
		t.Error("user page still mapped")
	}

	// The space is reusable: exec maps a fresh image into it.
	mem.AllocAndMapPage(mem.UserStart, riscv.PteR|riscv.PteU)
	mem.SpaceReclaim()
}

func TestReadUserString(t *testing.T) {
	bootMem(t)
	mem.SpaceCreate(1)
	defer mem.SpaceReclaim()

	const vma = uint64(mem.UserStart)
	mem.AllocAndMapPage(vma, riscv.PteR|riscv.PteW|riscv.PteU)
	mem.CopyToUser(vma, []byte("hello.txt\x00garbage"))

	s, err := mem.ReadUserString(vma, 64)
	if err != nil {
		t.Fatalf("ReadUserString: %v", err)
	}
	if s != "hello.txt" {
		t.Errorf("got %q", s)
	}

	if _, err := mem.ReadUserString(mem.UserStart+0x100000, 64); err == nil {
		t.Error("reading an unmapped string should fail")
	}
}
