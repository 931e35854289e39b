package hw

import (
	"io"
	"time"
)

// Options configures a Machine.
type Options struct {
	MemoryMB int
	// RealTime derives mtime from the host clock instead of virtual time.
	RealTime bool
	// ConsoleOutput receives UART0 transmit bytes.
	ConsoleOutput io.Writer
	// AuxOutput receives UART1 transmit bytes (may be nil).
	AuxOutput io.Writer
}

// Machine assembles the virt platform: RAM, CLINT, PLIC, and two NS16550a
// UARTs on a bus. VirtIO devices are attached by the caller with AddVirtIO.
type Machine struct {
	Bus   *Bus
	CLINT *CLINT
	PLIC  *PLIC
	UART0 *UART
	UART1 *UART

	// wake is signalled whenever a device raises an interrupt line from
	// outside the kernel's own execution, so a real-time WFI can unblock.
	wake chan struct{}
}

// NewMachine creates a new virt machine.
func NewMachine(opts Options) *Machine {
	if opts.MemoryMB <= 0 {
		opts.MemoryMB = 128
	}

	m := &Machine{
		CLINT: NewCLINT(opts.RealTime),
		PLIC:  NewPLIC(),
		UART0: NewUART(opts.ConsoleOutput),
		UART1: NewUART(opts.AuxOutput),
		wake:  make(chan struct{}, 1),
	}

	m.UART0.OnInterrupt = m.lineFunc(UART0IRQ)
	m.UART1.OnInterrupt = m.lineFunc(UART1IRQ)

	m.Bus = newBus(uint64(opts.MemoryMB)<<20, m.CLINT, m.PLIC, m.UART0, m.UART1)

	return m
}

// lineFunc returns an interrupt-line callback for a PLIC source.
func (m *Machine) lineFunc(source uint32) func(bool) {
	return func(high bool) {
		m.PLIC.SetLevel(source, high)
		if high {
			m.Wake()
		}
	}
}

// AddVirtIO maps a virtio-MMIO device into the next free slot and returns
// its base address and IRQ number.
func (m *Machine) AddVirtIO(dev Device) (base uint64, irq uint32) {
	slot := m.Bus.attachVirtIO(dev)

	base = VirtIOBase + uint64(slot)*VirtIOStride
	irq = VirtIO0IRQ + uint32(slot)
	return base, irq
}

// IRQLine returns a callback that drives the given PLIC source.
func (m *Machine) IRQLine(source uint32) func(bool) {
	return m.lineFunc(source)
}

// RAM returns the RAM region.
func (m *Machine) RAM() *MemoryRegion {
	return m.Bus.RAM()
}

// Wake unblocks a pending WaitWake.
func (m *Machine) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// WaitWake blocks until a device signals Wake or the timeout expires.
// A zero timeout waits indefinitely.
func (m *Machine) WaitWake(timeout time.Duration) {
	if timeout <= 0 {
		<-m.wake
		return
	}
	select {
	case <-m.wake:
	case <-time.After(timeout):
	}
}

// InterruptPending reports whether the machine has any interrupt the kernel
// should take: an expired timer or an enabled external source.
func (m *Machine) InterruptPending() bool {
	return m.CLINT.TimerPending() || m.PLIC.HasPending()
}
