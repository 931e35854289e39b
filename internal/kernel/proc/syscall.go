package proc

import (
	"github.com/tinyrange/rvos/internal/kernel/console"
	"github.com/tinyrange/rvos/internal/kernel/dev"
	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
	"github.com/tinyrange/rvos/internal/kernel/sched"
	"github.com/tinyrange/rvos/internal/kernel/timer"
)

// Syscall numbers. Arguments in a0..a2, number in a7, result in a0;
// failures return ^0 (-1).
const (
	SysExit    = 0
	SysMsgOut  = 1
	SysDevOpen = 2
	SysFSOpen  = 3
	SysClose   = 4
	SysRead    = 5
	SysWrite   = 6
	SysIoctl   = 7
	SysExec    = 8
	SysFork    = 9
	SysWait    = 10
	SysUsleep  = 11
)

// maxNameLen bounds user-supplied device and file names.
const maxNameLen = 64

// syscallFail is the in-register failure value.
const syscallFail = ^uint64(0)

// syscallHandler decodes and dispatches one environment call. The program
// counter is advanced past the ecall before dispatch so the thread resumes
// at the next instruction, and so fork's child inherits the advanced pc.
func syscallHandler(tf *riscv.TrapFrame) {
	tf.Sepc += 4

	num := tf.X[riscv.RegA7]
	a0 := tf.X[riscv.RegA0]
	a1 := tf.X[riscv.RegA1]
	a2 := tf.X[riscv.RegA2]

	var ret uint64

	switch num {
	case SysExit:
		Exit()
		panic("proc: Exit returned")

	case SysMsgOut:
		ret = sysMsgOut(a0)

	case SysDevOpen:
		ret = sysDevOpen(int(int64(a0)), a1, int(int64(a2)))

	case SysFSOpen:
		ret = sysFSOpen(int(int64(a0)), a1)

	case SysClose:
		ret = sysClose(int(int64(a0)))

	case SysRead:
		ret = sysRead(int(int64(a0)), a1, a2)

	case SysWrite:
		ret = sysWrite(int(int64(a0)), a1, a2)

	case SysIoctl:
		ret = sysIoctl(int(int64(a0)), int(int64(a1)), a2)

	case SysExec:
		ret = sysExec(int(int64(a0)))

	case SysFork:
		ret = sysFork(tf)

	case SysWait:
		ret = sysWait(int(int64(a0)))

	case SysUsleep:
		timer.Sleep(a0)
		ret = 0

	default:
		ret = syscallFail
	}

	tf.X[riscv.RegA0] = ret
}

func sysMsgOut(msgPtr uint64) uint64 {
	msg, err := mem.ReadUserString(msgPtr, 256)
	if err != nil {
		return syscallFail
	}

	tid := sched.CurrentID()
	console.Printf("Thread <%s:%d> says: %s\n", sched.Name(tid), tid, msg)
	return 0
}

func sysDevOpen(fd int, namePtr uint64, instno int) uint64 {
	name, err := mem.ReadUserString(namePtr, maxNameLen)
	if err != nil {
		return syscallFail
	}

	io, err := dev.Open(name, instno)
	if err != nil {
		return syscallFail
	}

	slot, err := Current().IOAttach(fd, io)
	if err != nil {
		io.Close()
		return syscallFail
	}
	return uint64(slot)
}

func sysFSOpen(fd int, namePtr uint64) uint64 {
	if fsys == nil {
		return syscallFail
	}

	name, err := mem.ReadUserString(namePtr, maxNameLen)
	if err != nil {
		return syscallFail
	}

	io, err := fsys.Open(name)
	if err != nil {
		return syscallFail
	}

	slot, err := Current().IOAttach(fd, io)
	if err != nil {
		io.Close()
		return syscallFail
	}
	return uint64(slot)
}

func sysClose(fd int) uint64 {
	p := Current()
	io := p.IO(fd)
	if io == nil {
		return syscallFail
	}
	io.Close()
	p.iotab[fd] = nil
	return 0
}

// touchUserBuffer faults in any still-unmapped user pages of a buffer so a
// lazily allocated stack or heap region can be used for IO directly.
func touchUserBuffer(vaddr, n uint64) bool {
	if n == 0 {
		return true
	}
	end := vaddr + n
	if end < vaddr || vaddr < mem.UserStart || end > mem.UserEnd {
		return false
	}
	for page := vaddr &^ uint64(riscv.PageSize-1); page < end; page += riscv.PageSize {
		if !mem.Mapped(page) {
			mem.HandlePageFault(page)
		}
	}
	return true
}

func sysRead(fd int, bufPtr, bufSz uint64) uint64 {
	io := Current().IO(fd)
	if io == nil || bufSz == 0 {
		return syscallFail
	}
	if !touchUserBuffer(bufPtr, bufSz) {
		return syscallFail
	}

	buf := make([]byte, bufSz)
	n, err := kio.ReadFull(io, buf)
	if err != nil {
		return syscallFail
	}
	if err := mem.CopyToUser(bufPtr, buf[:n]); err != nil {
		return syscallFail
	}
	return uint64(n)
}

func sysWrite(fd int, bufPtr, n uint64) uint64 {
	io := Current().IO(fd)
	if io == nil {
		return syscallFail
	}
	if !touchUserBuffer(bufPtr, n) {
		return syscallFail
	}

	buf := make([]byte, n)
	if err := mem.CopyFromUser(buf, bufPtr); err != nil {
		return syscallFail
	}

	cnt, err := kio.WriteFull(io, buf)
	if err != nil {
		return syscallFail
	}
	return uint64(cnt)
}

func sysIoctl(fd int, cmd int, argPtr uint64) uint64 {
	io := Current().IO(fd)
	if io == nil {
		return syscallFail
	}

	// The argument is a pointer to a 64-bit value: read it for setters,
	// write it back for getters.
	var arg uint64
	if argPtr != 0 && !touchUserBuffer(argPtr, 8) {
		return syscallFail
	}
	if argPtr != 0 {
		var buf [8]byte
		if err := mem.CopyFromUser(buf[:], argPtr); err != nil {
			return syscallFail
		}
		arg = uint64(buf[0]) | uint64(buf[1])<<8 | uint64(buf[2])<<16 | uint64(buf[3])<<24 |
			uint64(buf[4])<<32 | uint64(buf[5])<<40 | uint64(buf[6])<<48 | uint64(buf[7])<<56
	}

	if err := io.Ctl(cmd, &arg); err != nil {
		return syscallFail
	}

	if argPtr != 0 {
		var buf [8]byte
		for i := range buf {
			buf[i] = byte(arg >> (8 * i))
		}
		if err := mem.CopyToUser(argPtr, buf[:]); err != nil {
			return syscallFail
		}
	}
	return 0
}

func sysExec(fd int) uint64 {
	p := Current()
	io := p.IO(fd)
	if io == nil {
		return syscallFail
	}

	if err := p.Exec(io); err != nil {
		return syscallFail
	}
	panic("proc: Exec returned without error")
}

func sysFork(tf *riscv.TrapFrame) uint64 {
	ctid, err := Fork(tf)
	if err != nil {
		return syscallFail
	}
	return uint64(ctid)
}

func sysWait(tid int) uint64 {
	res, err := Wait(tid)
	if err != nil {
		return syscallFail
	}
	return uint64(res)
}
