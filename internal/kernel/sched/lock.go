package sched

import "github.com/tinyrange/rvos/internal/kernel/irq"

// NoOwner is the Lock holder value when the lock is free.
const NoOwner = -1

// Lock is a sleep lock: contenders suspend on a condition instead of
// spinning. Not recursive.
type Lock struct {
	cond Condition
	tid  int
}

// Init names the lock and marks it free.
func (lk *Lock) Init(name string) {
	lk.cond.Init(name)
	lk.tid = NoOwner
}

// Acquire blocks until the lock is free and takes it.
func (lk *Lock) Acquire() {
	s := irq.Disable()
	for lk.tid != NoOwner {
		lk.cond.Wait()
	}
	lk.tid = CurrentID()
	irq.Restore(s)
}

// Release frees the lock and wakes all contenders. The caller must hold it.
func (lk *Lock) Release() {
	if lk.tid != CurrentID() {
		panic("sched: releasing a lock held by another thread")
	}

	lk.tid = NoOwner
	lk.cond.Broadcast()
}

// Holder returns the holding thread id, or NoOwner.
func (lk *Lock) Holder() int { return lk.tid }
