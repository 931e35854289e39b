// Package proc implements the process model: the process table, the
// IO-descriptor table, exec, fork, wait, exit, and the user trap loop that
// turns interpreter traps into syscalls and page faults.
package proc

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/kernel/console"
	"github.com/tinyrange/rvos/internal/kernel/elfload"
	"github.com/tinyrange/rvos/internal/kernel/kfs"
	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
	"github.com/tinyrange/rvos/internal/kernel/sched"
	"github.com/tinyrange/rvos/internal/kernel/ucpu"
)

// NPROC is the maximum number of processes.
const NPROC = 16

// IOMax is the size of a process's IO-descriptor table.
const IOMax = 16

// MainPID is the boot process.
const MainPID = 0

// Process is one user process: a thread, an address space, and an
// IO-descriptor table.
type Process struct {
	ID   int
	TID  int
	Mtag uint64

	iotab [IOMax]kio.Intf
}

var (
	proctab [NPROC]*Process

	// fsys is the mounted filesystem FSOPEN resolves names against.
	fsys *kfs.FS

	initialized bool
)

// Init binds the boot process to the calling thread and the main address
// space. The boot process is always pid 0.
func Init() {
	for i := range proctab {
		proctab[i] = nil
	}

	main := &Process{
		ID:   MainPID,
		TID:  sched.CurrentID(),
		Mtag: mem.MainMtag(),
	}
	proctab[MainPID] = main
	sched.SetProcess(main.TID, MainPID)

	initialized = true
}

// SetFS installs the filesystem used by FSOPEN.
func SetFS(fs *kfs.FS) { fsys = fs }

// Current returns the process of the running thread.
func Current() *Process {
	pid := sched.Process(sched.CurrentID())
	if pid < 0 || NPROC <= pid || proctab[pid] == nil {
		panic("proc: running thread has no process")
	}
	return proctab[pid]
}

// allocPID claims the lowest free process slot.
func allocPID(p *Process) (int, error) {
	for pid := 0; pid < NPROC; pid++ {
		if proctab[pid] == nil {
			p.ID = pid
			proctab[pid] = p
			return pid, nil
		}
	}
	return -1, fmt.Errorf("proc: process table full")
}

// Adopt creates a fresh process for the calling thread: a new pid and a
// new address space sharing the kernel mappings. Used to launch the first
// user program on a spawned kernel thread.
func Adopt() (*Process, error) {
	p := &Process{TID: sched.CurrentID()}
	if _, err := allocPID(p); err != nil {
		return nil, err
	}

	p.Mtag = mem.SpaceCreate(0)
	sched.SetProcess(p.TID, p.ID)
	sched.SetSpace(p.TID, p.Mtag)
	return p, nil
}

// IOAttach stores an IO interface at a descriptor slot; fd < 0 assigns the
// lowest free slot. Returns the slot used.
func (p *Process) IOAttach(fd int, io kio.Intf) (int, error) {
	if fd >= IOMax {
		return -1, fmt.Errorf("proc: fd %d out of range", fd)
	}
	if fd >= 0 {
		if p.iotab[fd] != nil {
			return -1, fmt.Errorf("proc: fd %d in use", fd)
		}
		p.iotab[fd] = io
		return fd, nil
	}

	for i := 0; i < IOMax; i++ {
		if p.iotab[i] == nil {
			p.iotab[i] = io
			return i, nil
		}
	}
	return -1, fmt.Errorf("proc: descriptor table full")
}

// IO returns the interface at a descriptor slot.
func (p *Process) IO(fd int) kio.Intf {
	if fd < 0 || IOMax <= fd {
		return nil
	}
	return p.iotab[fd]
}

// Exec replaces the current user image with the executable behind exeio
// and enters user mode at its entry point. Only an invalid image makes
// Exec return; once the image is verified it never comes back.
func (p *Process) Exec(exeio kio.Intf) error {
	// Validate before tearing down the old image so a malformed ELF
	// leaves the caller runnable.
	if err := elfload.Verify(exeio); err != nil {
		return err
	}

	mem.UnmapAndFreeUser()

	entry, err := elfload.Load(exeio)
	if err != nil {
		// Verification passed, so the image went unreadable mid-load.
		panic(fmt.Sprintf("proc: exec load failed after verify: %v", err))
	}

	var tf riscv.TrapFrame
	tf.Sepc = entry
	tf.X[riscv.RegSP] = mem.UserStackVMA

	// The first user instruction faults its code page back in only if
	// needed; the stack materializes on first touch.
	runUser(&tf)
	panic("proc: user trap loop returned")
}

// Exit reclaims the process: address space, IO descriptors, table slot,
// then the thread itself.
func Exit() {
	p := Current()

	mem.SpaceReclaim()

	for i, io := range p.iotab {
		if io != nil {
			io.Close()
			p.iotab[i] = nil
		}
	}

	if p.ID != MainPID {
		proctab[p.ID] = nil
	}

	sched.Exit()
}

// Fork duplicates the current process: descriptors are shared with bumped
// refcounts, the address space is deep-copied, and the child thread
// resumes from a copy of the parent's trap frame with a0 = 0. Returns the
// child's thread id, which is also what the parent's syscall returns.
func Fork(tf *riscv.TrapFrame) (int, error) {
	parent := Current()

	child := &Process{}
	if _, err := allocPID(child); err != nil {
		return -1, err
	}

	for i, io := range parent.iotab {
		if io != nil {
			io.AddRef()
			child.iotab[i] = io
		}
	}

	childTF := *tf
	childTF.X[riscv.RegA0] = 0

	ctid := sched.CreateStopped("fork", func(any) {
		runUser(&childTF)
	}, nil)

	child.TID = ctid
	sched.SetProcess(ctid, child.ID)

	child.Mtag = mem.SpaceClone(0)
	sched.SetSpace(ctid, child.Mtag)

	// Finish into the child: the parent queues behind it and resumes
	// here with the child's tid as its return value.
	sched.FinishInto(ctid)

	return ctid, nil
}

// Wait blocks until the named child thread exits; tid 0 waits for any
// child.
func Wait(tid int) (int, error) {
	if tid == sched.MainTID {
		return sched.JoinAny()
	}
	return sched.Join(tid)
}

// runUser is the kernel half of a user thread: run the interpreter, handle
// the trap, resume. Page faults inside the user range are lazy
// allocations; anything unexpected is fatal.
func runUser(tf *riscv.TrapFrame) {
	for {
		trap := ucpu.Run(tf)

		switch trap.Cause {
		case riscv.CauseEcallFromU:
			syscallHandler(tf)

		case riscv.CauseInsnPageFault, riscv.CauseLoadPageFault, riscv.CauseStorePageFault:
			mem.HandlePageFault(trap.Tval)

		default:
			console.Printf("%s at %#x (tval=%#x)\n",
				riscv.CauseName(trap.Cause), tf.Sepc, trap.Tval)
			panic(fmt.Sprintf("proc: unhandled trap %d at %#x", trap.Cause, tf.Sepc))
		}
	}
}
