package hw

import (
	"bytes"
	"testing"
)

func TestMemoryRegionAccess(t *testing.T) {
	m := NewMemoryRegion(8192)

	if err := m.Write(16, 8, 0x1122334455667788); err != nil {
		t.Fatalf("write: %v", err)
	}

	val, err := m.Read(16, 8)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if val != 0x1122334455667788 {
		t.Errorf("read64: expected 0x1122334455667788, got 0x%x", val)
	}

	// Little-endian byte order
	lo, _ := m.Read(16, 1)
	if lo != 0x88 {
		t.Errorf("read8: expected 0x88, got 0x%x", lo)
	}

	if _, err := m.Read(8190, 4); err == nil {
		t.Error("expected out of bounds read to fail")
	}
	if err := m.Write(8192, 1, 0); err == nil {
		t.Error("expected out of bounds write to fail")
	}
}

func TestBusRouting(t *testing.T) {
	m := NewMachine(Options{MemoryMB: 1})

	// RAM fast path
	if err := m.Bus.Write32(RAMBase+0x100, 0xdeadbeef); err != nil {
		t.Fatalf("RAM write: %v", err)
	}
	val, err := m.Bus.Read32(RAMBase + 0x100)
	if err != nil {
		t.Fatalf("RAM read: %v", err)
	}
	if val != 0xdeadbeef {
		t.Errorf("expected 0xdeadbeef, got 0x%x", val)
	}

	// Unmapped address
	if _, err := m.Bus.Read32(0x4000_0000); err == nil {
		t.Error("expected unmapped read to fail")
	}
}

func TestUARTOutput(t *testing.T) {
	var out bytes.Buffer
	uart := NewUART(&out)

	for _, c := range []byte("Hi\n") {
		uart.Write(UARTRegTHR, 1, uint64(c))
	}

	if out.String() != "Hi\n" {
		t.Errorf("expected %q, got %q", "Hi\n", out.String())
	}

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRTHREmpty == 0 {
		t.Error("THR should always be empty")
	}
}

func TestUARTInputInterrupt(t *testing.T) {
	uart := NewUART(nil)

	var line bool
	uart.OnInterrupt = func(pending bool) { line = pending }

	// No interrupt until receive interrupts are enabled.
	uart.EnqueueInput([]byte("a"))
	if line {
		t.Fatal("interrupt raised with IER clear")
	}

	uart.Write(UARTRegIER, 1, UARTIERRxAvail)
	if !line {
		t.Fatal("interrupt not raised with data ready and IER set")
	}

	lsr, _ := uart.Read(UARTRegLSR, 1)
	if lsr&UARTLSRDataReady == 0 {
		t.Fatal("LSR data-ready not set")
	}

	b, _ := uart.Read(UARTRegRBR, 1)
	if b != 'a' {
		t.Errorf("expected 'a', got %c", rune(b))
	}
	if line {
		t.Error("interrupt still raised after buffer drained")
	}
}

func TestCLINTVirtualTime(t *testing.T) {
	c := NewCLINT(false)

	if c.TimerPending() {
		t.Fatal("timer pending while disarmed")
	}

	c.Write(CLINTMtimecmp, 8, 1000)
	if c.TimerPending() {
		t.Fatal("timer pending before mtime reaches mtimecmp")
	}

	if !c.AdvanceToMtimecmp() {
		t.Fatal("advance failed with armed timer")
	}
	if !c.TimerPending() {
		t.Fatal("timer not pending after advance")
	}

	mtime, _ := c.Read(CLINTMtime, 8)
	if mtime != 1000 {
		t.Errorf("mtime: expected 1000, got %d", mtime)
	}
}

func TestPLICClaimComplete(t *testing.T) {
	p := NewPLIC()

	// Enable and prioritize source 10.
	p.Write(PLICPriorityBase+4*10, 4, 1)
	p.Write(PLICEnableBase, 4, 0xffffffff)
	p.Write(PLICThresholdBase, 4, 0)

	if p.HasPending() {
		t.Fatal("pending with no lines raised")
	}

	p.SetLevel(10, true)
	if !p.HasPending() {
		t.Fatal("no pending after level raised")
	}

	claim, _ := p.Read(PLICClaimOffset, 4)
	if claim != 10 {
		t.Fatalf("claim: expected 10, got %d", claim)
	}

	// Claimed but not completed: no longer pending.
	if p.HasPending() {
		t.Error("claimed source still pending")
	}

	// Level still high at completion: pending again.
	p.Write(PLICClaimOffset, 4, 10)
	if !p.HasPending() {
		t.Error("level-triggered source not re-pending after complete")
	}

	p.SetLevel(10, false)
	p.Read(PLICClaimOffset, 4) // claims nothing: the lowered line is no longer pending
	p.Write(PLICClaimOffset, 4, 10)
	if p.HasPending() {
		t.Error("pending after line lowered")
	}
}

func TestPLICPriorityOrder(t *testing.T) {
	p := NewPLIC()
	p.Write(PLICEnableBase, 4, 0xffffffff)

	p.Write(PLICPriorityBase+4*3, 4, 1)
	p.Write(PLICPriorityBase+4*5, 4, 7)
	p.SetLevel(3, true)
	p.SetLevel(5, true)

	claim, _ := p.Read(PLICClaimOffset, 4)
	if claim != 5 {
		t.Errorf("expected highest-priority source 5, got %d", claim)
	}
}
