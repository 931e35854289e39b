package proc_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/hw/virtio"
	"github.com/tinyrange/rvos/internal/kernel"
	"github.com/tinyrange/rvos/internal/kernel/kfs"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/proc"
	"github.com/tinyrange/rvos/internal/kernel/ucpu"
	"github.com/tinyrange/rvos/internal/rvasm"
)

// User image layout shared by the test programs.
const (
	codeVaddr = 0xC000_1000
	dataVaddr = 0xC000_2000
)

// asm accumulates instruction chunks.
type asm struct {
	code []uint32
}

func (a *asm) emit(insns ...uint32) { a.code = append(a.code, insns...) }

func (a *asm) li(rd uint32, val int64) { a.emit(rvasm.Li(rd, val)...) }

func (a *asm) syscall(num int64) {
	a.li(rvasm.A7, num)
	a.emit(rvasm.Ecall())
}

func (a *asm) exit() { a.syscall(proc.SysExit) }

func (a *asm) msgout(ptr int64) {
	a.li(rvasm.A0, ptr)
	a.syscall(proc.SysMsgOut)
}

// build wraps the program into an ELF with a data segment.
func (a *asm) build(data []byte) []byte {
	segs := []rvasm.Segment{
		{Vaddr: codeVaddr, Data: rvasm.Words(a.code...), Flags: 0x5},
	}
	if len(data) > 0 {
		segs = append(segs, rvasm.Segment{Vaddr: dataVaddr, Data: data, Flags: 0x6})
	}
	return rvasm.BuildELF(codeVaddr, segs...)
}

// bootWithPrograms builds a filesystem of user programs and boots.
func bootWithPrograms(t *testing.T, entries []kfs.FileEntry) (*hw.Machine, *bytes.Buffer) {
	t.Helper()

	img, err := kfs.BuildImage(entries)
	if err != nil {
		t.Fatalf("BuildImage: %v", err)
	}

	var out bytes.Buffer
	m := hw.NewMachine(hw.Options{MemoryMB: 32, ConsoleOutput: &out})
	block := virtio.NewBlock(img)
	mmio := virtio.NewMMIO(m.RAM(), block)
	_, irqno := m.AddVirtIO(mmio)
	mmio.OnInterrupt = m.IRQLine(irqno)

	ucpu.InsnBudget = 1_000_000
	t.Cleanup(func() { ucpu.InsnBudget = 0 })

	if err := kernel.Boot(m); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if err := kernel.MountRoot(); err != nil {
		t.Fatalf("mount: %v", err)
	}
	return m, &out
}

func TestExecHello(t *testing.T) {
	var p asm
	p.msgout(dataVaddr)
	p.exit()

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "hello", Data: p.build([]byte("greetings from user mode\x00"))},
	})

	if err := kernel.RunProgram("hello"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}

	if !strings.Contains(out.String(), "says: greetings from user mode") {
		t.Errorf("console output: %q", out.String())
	}
}

// Scenario: the entry point immediately pushes to the untouched stack; a
// single store fault maps a fresh frame and execution proceeds.
func TestLazyStackFault(t *testing.T) {
	var p asm
	p.emit(
		rvasm.Addi(rvasm.SP, rvasm.SP, -16),
		rvasm.Sd(rvasm.SP, rvasm.RA, 8), // store into the unmapped stack page
		rvasm.Ld(rvasm.A0, rvasm.SP, 8),
	)
	p.msgout(dataVaddr)
	p.exit()

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "pusher", Data: p.build([]byte("stack is alive\x00"))},
	})

	if err := kernel.RunProgram("pusher"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	if !strings.Contains(out.String(), "stack is alive") {
		t.Errorf("console output: %q", out.String())
	}
}

// Process exit returns every frame the process consumed: image pages,
// lazily faulted pages, page tables, and the thread stack.
func TestExitReclaimsEverything(t *testing.T) {
	var p asm
	p.emit(
		rvasm.Addi(rvasm.SP, rvasm.SP, -64),
		rvasm.Sd(rvasm.SP, rvasm.Zero, 0),
	)
	p.exit()

	bootWithPrograms(t, []kfs.FileEntry{
		{Name: "prog", Data: p.build(nil)},
	})

	before := mem.FreePageCount()
	if err := kernel.RunProgram("prog"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	after := mem.FreePageCount()

	if before != after {
		t.Errorf("frames leaked across process lifetime: %d before, %d after", before, after)
	}
}

// Scenario: fork returns the child's tid in the parent and zero in the
// child; wait(tid) blocks until that child exits and returns its tid.
func TestForkReturnValues(t *testing.T) {
	const (
		childMsg  = int64(dataVaddr)
		parentMsg = int64(dataVaddr + 16)
	)

	var p asm
	p.syscall(proc.SysFork)
	// if a0 != 0 -> parent path
	forkBranch := len(p.code)
	p.emit(0) // patched below: bne a0, zero, +parent

	// child: announce and exit
	p.msgout(childMsg)
	p.exit()

	parentStart := len(p.code)
	// parent: s0 = child tid; wait(s0); verify wait returned s0
	p.emit(rvasm.Addi(rvasm.S0, rvasm.A0, 0))
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S0, 0))
	p.syscall(proc.SysWait)
	waitBranch := len(p.code)
	p.emit(0) // patched below: bne a0, s0, +skip

	p.msgout(parentMsg)
	skip := len(p.code)
	p.exit()

	p.code[forkBranch] = rvasm.Bne(rvasm.A0, rvasm.Zero, int32(parentStart-forkBranch)*4)
	p.code[waitBranch] = rvasm.Bne(rvasm.A0, rvasm.S0, int32(skip-waitBranch)*4)

	data := append([]byte("from child\x00\x00\x00\x00\x00\x00"), []byte("from parent\x00")...)

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "forker", Data: p.build(data)},
	})

	if err := kernel.RunProgram("forker"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}

	console := out.String()
	if !strings.Contains(console, "from child") {
		t.Errorf("child output missing: %q", console)
	}
	if !strings.Contains(console, "from parent") {
		t.Errorf("parent output missing (wait mismatch?): %q", console)
	}
}

// Forked processes have private copies of their data pages.
func TestForkCopiesMemory(t *testing.T) {
	// Both sides increment a counter in the data segment and print their
	// own message; if memory were shared the second increment would be
	// visible in the other process.
	var p asm
	p.syscall(proc.SysFork)
	branch := len(p.code)
	p.emit(0) // bne a0, zero -> parent

	// child: counter += 1; expect 1
	p.li(rvasm.T0, int64(dataVaddr))
	p.emit(
		rvasm.Lw(rvasm.T1, rvasm.T0, 0),
		rvasm.Addi(rvasm.T1, rvasm.T1, 1),
		rvasm.Sw(rvasm.T0, rvasm.T1, 0),
	)
	childCheck := len(p.code)
	p.emit(0) // bne t1, t2 -> exit without message
	p.msgout(int64(dataVaddr + 8))
	childExit := len(p.code)
	p.exit()

	parentStart := len(p.code)
	// parent: wait for the child, then do the same increment; still 1.
	p.emit(rvasm.Addi(rvasm.S0, rvasm.A0, 0))
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S0, 0))
	p.syscall(proc.SysWait)
	p.li(rvasm.T0, int64(dataVaddr))
	p.emit(
		rvasm.Lw(rvasm.T1, rvasm.T0, 0),
		rvasm.Addi(rvasm.T1, rvasm.T1, 1),
		rvasm.Sw(rvasm.T0, rvasm.T1, 0),
	)
	parentCheck := len(p.code)
	p.emit(0) // bne t1, t2 -> exit
	p.msgout(int64(dataVaddr + 24))
	parentExit := len(p.code)
	p.exit()

	// t2 = 1 for both checks; patch the compare registers in.
	one := rvasm.Addi(rvasm.T2, rvasm.Zero, 1)

	// Insert the constant load before each check by rebuilding: simpler to
	// patch the placeholder branches against t2 loaded at program start.
	prologue := []uint32{one}
	p.code = append(prologue, p.code...)
	branch++
	childCheck++
	childExit++
	parentStart++
	parentCheck++
	parentExit++

	p.code[branch] = rvasm.Bne(rvasm.A0, rvasm.Zero, int32(parentStart-branch)*4)
	p.code[childCheck] = rvasm.Bne(rvasm.T1, rvasm.T2, int32(childExit-childCheck)*4)
	p.code[parentCheck] = rvasm.Bne(rvasm.T1, rvasm.T2, int32(parentExit-parentCheck)*4)

	data := make([]byte, 64)
	copy(data[8:], "child ok\x00")
	copy(data[24:], "parent ok\x00")

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "cloner", Data: p.build(data)},
	})

	if err := kernel.RunProgram("cloner"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}

	console := out.String()
	if !strings.Contains(console, "child ok") {
		t.Errorf("child saw a shared counter: %q", console)
	}
	if !strings.Contains(console, "parent ok") {
		t.Errorf("parent saw the child's increment: %q", console)
	}
}

// File IO through the syscall surface: open, read into a lazily faulted
// stack buffer, print.
func TestFileSyscalls(t *testing.T) {
	var p asm
	// fd = FSOPEN(-1, "data.txt")
	p.li(rvasm.A0, -1)
	p.li(rvasm.A1, int64(dataVaddr))
	p.syscall(proc.SysFSOpen)
	p.emit(rvasm.Addi(rvasm.S0, rvasm.A0, 0))

	// READ(fd, sp-256, 15)
	p.emit(rvasm.Addi(rvasm.S1, rvasm.SP, -256))
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S0, 0))
	p.emit(rvasm.Addi(rvasm.A1, rvasm.S1, 0))
	p.li(rvasm.A2, 15)
	p.syscall(proc.SysRead)

	// CLOSE(fd)
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S0, 0))
	p.syscall(proc.SysClose)

	// MSGOUT(buffer)
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S1, 0))
	p.syscall(proc.SysMsgOut)
	p.exit()

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "reader", Data: p.build([]byte("data.txt\x00"))},
		{Name: "data.txt", Data: []byte("file contents!\x00")},
	})

	if err := kernel.RunProgram("reader"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	if !strings.Contains(out.String(), "says: file contents!") {
		t.Errorf("console output: %q", out.String())
	}
}

// An ioctl argument travels both directions through user memory.
func TestIoctlSyscall(t *testing.T) {
	var p asm
	// fd = FSOPEN(-1, "f")
	p.li(rvasm.A0, -1)
	p.li(rvasm.A1, int64(dataVaddr))
	p.syscall(proc.SysFSOpen)
	p.emit(rvasm.Addi(rvasm.S0, rvasm.A0, 0))

	// IOCTL(fd, GETLEN, sp-64)
	p.emit(rvasm.Addi(rvasm.S1, rvasm.SP, -64))
	p.emit(rvasm.Addi(rvasm.A0, rvasm.S0, 0))
	p.li(rvasm.A1, 1) // IoctlGetLen
	p.emit(rvasm.Addi(rvasm.A2, rvasm.S1, 0))
	p.syscall(proc.SysIoctl)

	// Print "len ok" only if the reported length is 5.
	p.emit(rvasm.Ld(rvasm.T1, rvasm.S1, 0))
	p.emit(rvasm.Addi(rvasm.T2, rvasm.Zero, 5))
	check := len(p.code)
	p.emit(0)
	p.msgout(int64(dataVaddr + 2))
	skip := len(p.code)
	p.exit()

	p.code[check] = rvasm.Bne(rvasm.T1, rvasm.T2, int32(skip-check)*4)

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "ioctler", Data: p.build([]byte("f\x00len ok\x00"))},
		{Name: "f", Data: []byte("12345")},
	})

	if err := kernel.RunProgram("ioctler"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	if !strings.Contains(out.String(), "len ok") {
		t.Errorf("console output: %q", out.String())
	}
}

// Bad file descriptors and unknown syscalls fail with -1; the process can
// carry on and report.
func TestSyscallFailures(t *testing.T) {
	var p asm
	// READ(7, buf, 1) with fd 7 unused -> -1
	p.li(rvasm.A0, 7)
	p.li(rvasm.A1, int64(dataVaddr))
	p.li(rvasm.A2, 1)
	p.syscall(proc.SysRead)
	c1 := len(p.code)
	p.emit(0) // bge a0, zero -> skip (expected negative)

	// Unknown syscall number -> -1
	p.syscall(99)
	c2 := len(p.code)
	p.emit(0)

	p.msgout(int64(dataVaddr))
	skip := len(p.code)
	p.exit()

	p.code[c1] = rvasm.Bge(rvasm.A0, rvasm.Zero, int32(skip-c1)*4)
	p.code[c2] = rvasm.Bge(rvasm.A0, rvasm.Zero, int32(skip-c2)*4)

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "failer", Data: p.build([]byte("errors handled\x00"))},
	})

	if err := kernel.RunProgram("failer"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	if !strings.Contains(out.String(), "errors handled") {
		t.Errorf("console output: %q", out.String())
	}
}

// Exec of a file that is not an executable fails without killing the
// process tree.
func TestExecBadImage(t *testing.T) {
	bootWithPrograms(t, []kfs.FileEntry{
		{Name: "garbage", Data: []byte("this is not an ELF image")},
	})

	if err := kernel.RunProgram("garbage"); err == nil {
		t.Fatal("expected RunProgram of a non-ELF to fail")
	}
}

// Usleep suspends on the timer tick and resumes.
func TestUsleepSyscall(t *testing.T) {
	var p asm
	p.li(rvasm.A0, 150_000) // 150 ms
	p.syscall(proc.SysUsleep)
	p.msgout(int64(dataVaddr))
	p.exit()

	_, out := bootWithPrograms(t, []kfs.FileEntry{
		{Name: "sleeper", Data: p.build([]byte("well rested\x00"))},
	})

	if err := kernel.RunProgram("sleeper"); err != nil {
		t.Fatalf("RunProgram: %v", err)
	}
	if !strings.Contains(out.String(), "well rested") {
		t.Errorf("console output: %q", out.String())
	}
}
