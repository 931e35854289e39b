package sched

import "github.com/tinyrange/rvos/internal/kernel/irq"

// Condition is a FIFO wait list with broadcast wakeup. Waiters suspend until
// some thread (or ISR) broadcasts, which moves every waiter to the ready
// list in arrival order.
type Condition struct {
	name     string
	waitList threadList
}

// Init names the condition and clears its wait list.
func (c *Condition) Init(name string) {
	c.name = name
	c.waitList.clear()
}

// Name returns the condition's name.
func (c *Condition) Name() string { return c.name }

// Wait suspends the running thread on the condition. On return the thread is
// running again after some broadcast woke it.
func (c *Condition) Wait() {
	if current.state != Running {
		panic("sched: Wait from non-running thread")
	}

	setState(current, Waiting)
	current.waitCond = c
	current.listNext = nil

	s := irq.Disable()
	c.waitList.insert(current)
	irq.Restore(s)

	suspendSelf()
}

// Broadcast marks every waiter ready and splices the whole wait list onto
// the tail of the ready list in one pointer concatenation, preserving FIFO
// order. Safe to call from an ISR.
func (c *Condition) Broadcast() {
	if c.waitList.empty() {
		return
	}

	s := irq.Disable()

	for t := c.waitList.head; t != nil; t = t.listNext {
		if t.state != Waiting || t.waitCond != c {
			panic("sched: corrupt condition wait list")
		}
		setState(t, Ready)
		t.waitCond = nil
	}

	readyList.append(&c.waitList)

	irq.Restore(s)
}
