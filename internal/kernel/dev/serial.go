package dev

import (
	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/irq"
	"github.com/tinyrange/rvos/internal/kernel/kio"
	"github.com/tinyrange/rvos/internal/kernel/sched"
)

// rbufSize is the receive ring capacity.
const rbufSize = 64

// ringBuf is a byte ring shared between the receive ISR and readers.
// Mutations happen with the interrupt gate closed.
type ringBuf struct {
	data       [rbufSize]byte
	head, tail int // head: next read, tail: next write
	count      int
}

func (r *ringBuf) empty() bool { return r.count == 0 }
func (r *ringBuf) full() bool  { return r.count == rbufSize }

func (r *ringBuf) put(b byte) {
	if r.full() {
		return // drop on overrun
	}
	r.data[r.tail] = b
	r.tail = (r.tail + 1) % rbufSize
	r.count++
}

func (r *ringBuf) get() byte {
	b := r.data[r.head]
	r.head = (r.head + 1) % rbufSize
	r.count--
	return b
}

// serial is the NS16550a guest driver: interrupt-driven receive into a ring
// buffer, polled transmit. Registered as device "ser".
type serial struct {
	kio.RefCount

	bus   *hw.Bus
	base  uint64
	irqno int

	opened bool

	rxbuf  ringBuf
	rxcond sched.Condition
}

// AttachSerial initializes the UART at base, registers its ISR, and
// registers the driver as the next "ser" instance.
func AttachSerial(bus *hw.Bus, base uint64, irqno int) int {
	s := &serial{bus: bus, base: base, irqno: irqno}
	s.rxcond.Init("serial.rxavail")

	irq.RegisterISR(irqno, 1, s.isr)

	return Register("ser", func() (kio.Intf, error) {
		return s.open()
	})
}

func (s *serial) reg(off uint64) uint8 {
	v, _ := s.bus.Read8(s.base + off)
	return v
}

func (s *serial) setReg(off uint64, v uint8) {
	s.bus.Write8(s.base+off, v)
}

func (s *serial) open() (kio.Intf, error) {
	if s.opened {
		return nil, kio.ErrInvalid
	}
	s.opened = true
	s.InitRef()

	// Enable receive interrupts at the device and unmask the source.
	s.setReg(hw.UARTRegIER, hw.UARTIERRxAvail)
	irq.EnableIRQ(s.irqno)

	return s, nil
}

// Close implements kio.Intf.
func (s *serial) Close() {
	if s.Release() {
		irq.DisableIRQ(s.irqno)
		s.setReg(hw.UARTRegIER, 0)
		s.opened = false
	}
}

// Read implements kio.Intf: it blocks on the receive condition until the
// ISR has buffered at least one byte.
func (s *serial) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	gate := irq.Disable()
	for s.rxbuf.empty() {
		s.rxcond.Wait()
	}

	n := 0
	for n < len(p) && !s.rxbuf.empty() {
		p[n] = s.rxbuf.get()
		n++
	}
	irq.Restore(gate)

	return n, nil
}

// Write implements kio.Intf: polled transmit through THR.
func (s *serial) Write(p []byte) (int, error) {
	for _, b := range p {
		for s.reg(hw.UARTRegLSR)&hw.UARTLSRTHREmpty == 0 {
			sched.Yield()
		}
		s.setReg(hw.UARTRegTHR, b)
	}
	return len(p), nil
}

// Ctl implements kio.Intf. The UART is a character device; only the block
// size query is meaningful.
func (s *serial) Ctl(cmd int, arg *uint64) error {
	if cmd == kio.IoctlGetBlkSz {
		if arg == nil {
			return kio.ErrInvalid
		}
		*arg = 1
		return nil
	}
	return kio.ErrUnsupported
}

// isr drains the receive FIFO into the ring buffer and wakes readers.
func (s *serial) isr(int) {
	got := false
	for s.reg(hw.UARTRegLSR)&hw.UARTLSRDataReady != 0 {
		s.rxbuf.put(s.reg(hw.UARTRegRBR))
		got = true
	}
	if got {
		s.rxcond.Broadcast()
	}
}

var _ kio.Intf = (*serial)(nil)
