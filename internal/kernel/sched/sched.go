// Package sched implements the cooperative thread scheduler: the thread
// table, the ready-to-run list, condition variables, and the sleep lock.
//
// Kernel threads are goroutines, but only one ever runs at a time: a thread
// that suspends hands a baton to the thread it resumes and parks itself.
// Interrupts are delivered only at irq gate transitions, so all scheduler
// state is mutated under irq.Disable exactly as on real hardware.
package sched

import (
	"fmt"
	"runtime"

	"github.com/tinyrange/rvos/internal/kernel/irq"
)

// NTHR is the maximum number of threads.
const NTHR = 16

// Thread identifiers for the two permanent threads.
const (
	MainTID = 0
	IdleTID = NTHR - 1
)

// State is a thread's scheduling state.
type State int

const (
	Uninitialized State = iota
	Stopped
	Waiting
	Running
	Ready
	Exited
)

var stateNames = [...]string{
	Uninitialized: "UNINITIALIZED",
	Stopped:       "STOPPED",
	Waiting:       "WAITING",
	Running:       "RUNNING",
	Ready:         "READY",
	Exited:        "EXITED",
}

// String returns the state name.
func (s State) String() string {
	if 0 <= int(s) && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "UNDEFINED"
}

// Thread is one kernel thread.
type Thread struct {
	id     int
	name   string
	state  State
	parent *Thread

	// listNext links the thread into the ready list or a condition's wait
	// list. A thread is on at most one list at a time.
	listNext *Thread
	waitCond *Condition

	// childExit is broadcast by exiting children.
	childExit Condition

	// resume carries the single run baton. Buffered so the switching-out
	// thread can hand off before parking.
	resume chan struct{}

	entry func(any)
	arg   any

	// space is the satp value of the thread's process address space;
	// zero for pure kernel threads.
	space uint64

	// procID is the owning process id, or -1.
	procID int

	// stackPage is the physical page backing the thread's kernel stack
	// anchor; reclaimed after the thread exits.
	stackPage uintptr
}

// ID returns the thread id.
func (t *Thread) ID() int { return t.id }

// Name returns the thread name.
func (t *Thread) Name() string { return t.name }

// Hooks are the memory-manager entry points the scheduler needs. They are
// injected at Init so the scheduler does not depend on the memory manager's
// initialization order (and can be tested without it).
type Hooks struct {
	AllocStack  func() uintptr
	FreeStack   func(p uintptr)
	SwitchSpace func(mtag uint64)
}

var (
	hooks     Hooks
	thrtab    [NTHR]*Thread
	readyList threadList
	current   *Thread

	// lastFrom is the thread that most recently handed off the baton; the
	// resumed thread inspects it to reclaim an exited predecessor's stack.
	lastFrom *Thread

	// haltFn runs when the main thread exits.
	haltFn func()

	initialized bool
)

// Init sets up the main and idle threads. The calling goroutine becomes the
// main thread, RUNNING. The idle thread is a permanent ready-list resident
// with no parent, so it is never counted among main's children.
func Init(h Hooks) {
	hooks = h

	for i := range thrtab {
		thrtab[i] = nil
	}
	readyList = threadList{}
	lastFrom = nil

	main := &Thread{
		id:     MainTID,
		name:   "main",
		state:  Running,
		resume: make(chan struct{}, 1),
		procID: -1,
	}
	main.childExit.Init("main.child_exit")
	thrtab[MainTID] = main
	current = main

	idle := &Thread{
		id:     IdleTID,
		name:   "idle",
		state:  Ready,
		resume: make(chan struct{}, 1),
		procID: -1,
	}
	idle.childExit.Init("idle.child_exit")
	thrtab[IdleTID] = idle
	readyList.insert(idle)
	go idleBody(idle)

	initialized = true
}

// SetHaltFn installs the handler invoked when the main thread exits.
func SetHaltFn(fn func()) { haltFn = fn }

// CurrentID returns the id of the running thread.
func CurrentID() int { return current.id }

// CurrentName returns the name of the running thread.
func CurrentName() string { return current.name }

// Name returns the name of a thread.
func Name(tid int) string {
	mustThread(tid)
	return thrtab[tid].name
}

// SetProcess binds a thread to a process id.
func SetProcess(tid int, pid int) {
	mustThread(tid)
	thrtab[tid].procID = pid
}

// Process returns the process id a thread is bound to, or -1.
func Process(tid int) int {
	mustThread(tid)
	return thrtab[tid].procID
}

// SetSpace records the address space the scheduler installs when the thread
// runs.
func SetSpace(tid int, mtag uint64) {
	mustThread(tid)
	thrtab[tid].space = mtag
}

func mustThread(tid int) {
	if tid < 0 || NTHR <= tid || thrtab[tid] == nil {
		panic(fmt.Sprintf("sched: no thread %d", tid))
	}
}

// setState changes a thread's scheduling state.
func setState(t *Thread, s State) {
	t.state = s
}

// allocTID finds a free thread slot.
func allocTID() int {
	tid := 0
	for tid++; tid < NTHR; tid++ {
		if thrtab[tid] == nil {
			return tid
		}
	}
	panic("sched: too many threads")
}

// newThread builds a thread structure and starts its parked goroutine.
func newThread(name string, entry func(any), arg any) *Thread {
	tid := allocTID()

	t := &Thread{
		id:     tid,
		name:   name,
		parent: current,
		resume: make(chan struct{}, 1),
		entry:  entry,
		arg:    arg,
		procID: current.procID,
		space:  current.space,
	}
	t.childExit.Init(name + ".child_exit")

	if hooks.AllocStack != nil {
		t.stackPage = hooks.AllocStack()
	}

	thrtab[tid] = t

	go func() {
		<-t.resume
		finishSwitch()
		t.entry(t.arg)
		Exit()
	}()

	return t
}

// Spawn creates a thread running start(arg) and makes it ready to run.
// Returns the new thread's id.
func Spawn(name string, start func(any), arg any) int {
	t := newThread(name, start, arg)
	setState(t, Ready)

	s := irq.Disable()
	readyList.insert(t)
	irq.Restore(s)

	return t.id
}

// CreateStopped creates a thread that is neither ready nor running; the
// caller transfers control into it with FinishInto once it is fully set up.
// This is the fork primitive.
func CreateStopped(name string, start func(any), arg any) int {
	t := newThread(name, start, arg)
	setState(t, Stopped)
	return t.id
}

// Yield moves the running thread to the back of the ready list and resumes
// the next ready thread.
func Yield() {
	if current.state != Running {
		panic("sched: Yield from non-running thread")
	}
	suspendSelf()
}

// Exit terminates the running thread. It broadcasts the parent's child-exit
// condition and never returns. The main thread halts the kernel instead.
func Exit() {
	if current.id == MainTID {
		if haltFn != nil {
			haltFn()
		}
		panic("sched: main thread exited")
	}

	setState(current, Exited)

	if current.parent == nil {
		panic("sched: exiting thread has no parent")
	}
	current.parent.childExit.Broadcast()

	suspendSelf()
	panic("sched: exited thread resumed")
}

// Join waits for the given child to exit and recycles it. It fails if tid
// does not name a living child of the calling thread.
func Join(tid int) (int, error) {
	if tid <= 0 || NTHR <= tid {
		return -1, fmt.Errorf("sched: bad thread id %d", tid)
	}

	child := thrtab[tid]
	if child == nil || child.parent != current {
		return -1, fmt.Errorf("sched: thread %d is not a child of %s", tid, current.name)
	}

	for child.state != Exited {
		current.childExit.Wait()
	}

	recycle(tid)
	return tid, nil
}

// JoinAny waits for any child to exit, recycles it, and returns its id.
// A childless caller is a kernel bug.
func JoinAny() (int, error) {
	childcnt := 0
	for tid := 1; tid < NTHR; tid++ {
		if thrtab[tid] != nil && thrtab[tid].parent == current {
			if thrtab[tid].state == Exited {
				return Join(tid)
			}
			childcnt++
		}
	}

	if childcnt == 0 {
		panic("sched: JoinAny called by childless thread")
	}

	current.childExit.Wait()

	for tid := 1; tid < NTHR; tid++ {
		if thrtab[tid] != nil &&
			thrtab[tid].parent == current &&
			thrtab[tid].state == Exited {
			recycle(tid)
			return tid, nil
		}
	}

	panic("sched: spurious child_exit signal")
}

// HasChildren reports whether the running thread has living children.
func HasChildren() bool {
	for tid := 1; tid < NTHR; tid++ {
		if thrtab[tid] != nil && thrtab[tid].parent == current {
			return true
		}
	}
	return false
}

// recycle frees a thread's slot and reparents its children to the caller's
// parent chain.
func recycle(tid int) {
	thr := thrtab[tid]
	if thr == nil || thr.state != Exited {
		panic("sched: recycling a live thread")
	}

	for ctid := 1; ctid < NTHR; ctid++ {
		if thrtab[ctid] != nil && thrtab[ctid].parent == thr {
			thrtab[ctid].parent = thr.parent
		}
	}

	thrtab[tid] = nil
}

// FinishInto transfers control directly into a stopped thread (the fork
// continuation): the caller goes to the back of the ready list and the
// target runs immediately. Returns when the caller is next scheduled.
func FinishInto(tid int) {
	mustThread(tid)
	next := thrtab[tid]
	if next.state != Stopped {
		panic("sched: FinishInto target not stopped")
	}

	s := irq.Disable()
	setState(current, Ready)
	readyList.insert(current)
	switchTo(next, s)
}

// suspendSelf resumes the next thread on the ready list. If the current
// thread is still RUNNING it is marked READY and queued at the tail; a
// WAITING or EXITED thread is simply displaced. Returns when the current
// thread is next scheduled.
func suspendSelf() {
	s := irq.Disable()

	next := readyList.remove()
	if next == nil {
		// The idle thread is always runnable; it only suspends when the
		// ready list is non-empty.
		panic("sched: ready list empty")
	}
	if next.state != Ready {
		panic(fmt.Sprintf("sched: resuming %s thread %q", next.state, next.name))
	}

	if current.state == Running {
		setState(current, Ready)
		readyList.insert(current)
	}

	switchTo(next, s)
}

// switchTo performs the register-context swap: hand the baton to next and
// park. Must be called with the gate closed; the gate is reopened across
// the swap, as the suspending context no longer touches scheduler state.
func switchTo(next *Thread, saved bool) {
	prev := current
	setState(next, Running)
	current = next
	lastFrom = prev

	if next.space != 0 && hooks.SwitchSpace != nil {
		hooks.SwitchSpace(next.space)
	}

	irq.Enable()

	exiting := prev.state == Exited
	next.resume <- struct{}{}

	if exiting {
		// The resuming side reclaims our stack; this goroutine is done.
		runtime.Goexit()
	}

	<-prev.resume

	finishSwitch()
	irq.Restore(saved)
}

// finishSwitch runs on the resuming side of a context swap and releases the
// kernel stack of an exited predecessor.
func finishSwitch() {
	prev := lastFrom
	lastFrom = nil
	if prev != nil && prev.state == Exited && prev.stackPage != 0 {
		if hooks.FreeStack != nil {
			hooks.FreeStack(prev.stackPage)
		}
		prev.stackPage = 0
	}
}

// idleBody soaks up idle time: yield while others are runnable, otherwise
// halt the hart until the next interrupt. Interrupts are disabled across the
// empty-check and the halt to close the race against an ISR readying a
// thread.
func idleBody(t *Thread) {
	<-t.resume
	finishSwitch()

	for {
		for !readyList.empty() {
			Yield()
		}

		s := irq.Disable()
		if readyList.empty() {
			irq.Wait()
		}
		irq.Restore(s)
	}
}
