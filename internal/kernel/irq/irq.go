// Package irq is the kernel's interrupt plumbing: the interrupt enable gate,
// the ISR table, and PLIC claim/complete dispatch. Interrupts are delivered
// at exactly two kinds of points: when the gate transitions to enabled, and
// when the idle thread waits inside Wait. Between those points the running
// thread cannot be preempted, which is what makes the kernel cooperative.
package irq

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
)

// NIRQ is the number of external interrupt sources the kernel dispatches.
const NIRQ = 32

type isrEntry struct {
	isr  func(irqno int)
	prio uint32
}

var (
	machine *hw.Machine
	enabled bool

	// dispatching guards against re-entry when an ISR toggles the gate.
	dispatching bool

	isrtab [NIRQ]isrEntry

	// timerHandler runs when mtime passes mtimecmp. Registered by the
	// timer package to avoid an import cycle.
	timerHandler func()

	initialized bool
)

// Init prepares the PLIC: all sources disabled (priority 0), all sources
// enabled for the single context, threshold 0. The gate starts disabled.
func Init(m *hw.Machine) {
	machine = m
	enabled = false
	dispatching = false
	timerHandler = nil
	isrtab = [NIRQ]isrEntry{}

	bus := m.Bus
	for i := uint64(1); i < hw.PLICMaxSources; i++ {
		bus.Write32(hw.PLICBase+4*i, 0)
	}
	for w := uint64(0); w < hw.PLICMaxSources/32; w++ {
		bus.Write32(hw.PLICBase+hw.PLICEnableBase+4*w, 0xffffffff)
	}
	bus.Write32(hw.PLICBase+hw.PLICThresholdBase, 0)

	initialized = true
}

// Initialized reports whether Init has run.
func Initialized() bool { return initialized }

// Disable closes the interrupt gate and returns the previous state for
// Restore.
func Disable() bool {
	prev := enabled
	enabled = false
	return prev
}

// Restore returns the gate to a state saved by Disable. Reopening the gate
// delivers any interrupts that became pending in between.
func Restore(prev bool) {
	if prev && !enabled {
		enabled = true
		deliver()
	} else if !prev {
		enabled = false
	}
}

// Enable opens the gate unconditionally.
func Enable() {
	if !enabled {
		enabled = true
		deliver()
	}
}

// Enabled reports the gate state.
func Enabled() bool { return enabled }

// RegisterISR installs a handler for an external interrupt source.
func RegisterISR(irqno int, prio uint32, isr func(irqno int)) {
	if irqno < 0 || NIRQ <= irqno {
		panic(fmt.Sprintf("irq: irqno %d out of bounds", irqno))
	}
	if prio == 0 {
		prio = 1
	}
	isrtab[irqno].isr = isr
	isrtab[irqno].prio = prio
}

// EnableIRQ unmasks a source by setting its priority.
func EnableIRQ(irqno int) {
	if isrtab[irqno].isr == nil {
		panic("irq: EnableIRQ with no ISR registered")
	}
	machine.Bus.Write32(hw.PLICBase+4*uint64(irqno), isrtab[irqno].prio)
}

// DisableIRQ masks a source.
func DisableIRQ(irqno int) {
	if irqno > 0 {
		machine.Bus.Write32(hw.PLICBase+4*uint64(irqno), 0)
	}
}

// SetTimerHandler installs the timer tick handler.
func SetTimerHandler(fn func()) {
	timerHandler = fn
}

// timerPending reads mtime and mtimecmp through the bus and compares.
func timerPending() bool {
	bus := machine.Bus
	mtime, _ := bus.Read64(hw.CLINTBase + hw.CLINTMtime)
	mtimecmp, _ := bus.Read64(hw.CLINTBase + hw.CLINTMtimecmp)
	return mtime >= mtimecmp
}

// deliver takes every pending interrupt: the timer first, then external
// sources via PLIC claim/complete.
func deliver() {
	if dispatching {
		return
	}
	dispatching = true
	defer func() { dispatching = false }()

	if timerHandler != nil {
		for timerPending() {
			timerHandler()
		}
	}

	for {
		irqno, _ := machine.Bus.Read32(hw.PLICBase + hw.PLICClaimOffset)
		if irqno == 0 {
			break
		}
		if irqno >= NIRQ || isrtab[irqno].isr == nil {
			panic(fmt.Sprintf("irq: unhandled irq %d", irqno))
		}
		isrtab[irqno].isr(int(irqno))
		machine.Bus.Write32(hw.PLICBase+hw.PLICClaimOffset, irqno)
	}
}

// Wait halts the hart until an interrupt is pending, then delivers it. Must
// be called with the gate closed; the check-then-halt race is closed because
// nothing can be delivered while we are checking. On a virtual-time machine
// the halt advances mtime to the next timer event.
func Wait() {
	if enabled {
		panic("irq: Wait with interrupts enabled")
	}

	for !machine.InterruptPending() {
		if machine.CLINT.AdvanceToMtimecmp() {
			continue
		}
		if delay, ok := machine.CLINT.NextEventDelay(); ok {
			machine.WaitWake(delay)
		} else {
			machine.WaitWake(0)
		}
	}

	enabled = true
	deliver()
	enabled = false
}
