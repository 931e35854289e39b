package hw

import (
	"sync"
	"time"
)

// CLINT register offsets
const (
	CLINTMtimecmp = 0x4000 // Machine Timer Compare
	CLINTMtime    = 0xbff8 // Machine Time
)

// TimerFreq is the mtime frequency on the QEMU virt platform.
const TimerFreq = 10_000_000 // 10 MHz

// CLINT implements the timer half of the Core Local Interruptor. Time is
// virtual by default: mtime advances only through Advance/AdvanceToMtimecmp,
// which keeps kernel tests deterministic. In real-time mode mtime tracks the
// host clock at 10 MHz, the way an actual virt machine behaves.
type CLINT struct {
	mu sync.Mutex

	mtime    uint64
	mtimecmp uint64

	realTime  bool
	startTime time.Time
}

// NewCLINT creates a new CLINT with the timer disarmed.
func NewCLINT(realTime bool) *CLINT {
	return &CLINT{
		mtimecmp:  ^uint64(0), // max value, no interrupt initially
		realTime:  realTime,
		startTime: time.Now(),
	}
}

// Size implements Device
func (c *CLINT) Size() uint64 {
	return CLINTSize
}

func (c *CLINT) now() uint64 {
	if c.realTime {
		elapsed := time.Since(c.startTime).Nanoseconds()
		return uint64(elapsed) / 100 // 100 ns per tick at 10 MHz
	}
	return c.mtime
}

// Read implements Device
func (c *CLINT) Read(offset uint64, size int) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		return c.mtimecmp, nil
	case offset >= CLINTMtime && offset < CLINTMtime+8:
		return c.now(), nil
	}

	return 0, nil
}

// Write implements Device
func (c *CLINT) Write(offset uint64, size int, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case offset >= CLINTMtimecmp && offset < CLINTMtimecmp+8:
		c.mtimecmp = value
	case offset >= CLINTMtime && offset < CLINTMtime+8:
		if c.realTime {
			c.startTime = time.Now()
		}
		c.mtime = value
	}

	return nil
}

// TimerPending reports whether the timer interrupt condition holds.
func (c *CLINT) TimerPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now() >= c.mtimecmp
}

// AdvanceToMtimecmp jumps virtual time forward to the next timer event.
// Returns false if the timer is disarmed or already expired, or if the CLINT
// runs on the host clock.
func (c *CLINT) AdvanceToMtimecmp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.realTime || c.mtimecmp == ^uint64(0) || c.mtime >= c.mtimecmp {
		return false
	}
	c.mtime = c.mtimecmp
	return true
}

// NextEventDelay returns how long until mtime reaches mtimecmp on the host
// clock, for real-time WFI. The second result is false if the timer is
// disarmed or already expired.
func (c *CLINT) NextEventDelay() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mtimecmp == ^uint64(0) {
		return 0, false
	}
	now := c.now()
	if now >= c.mtimecmp {
		return 0, false
	}
	return time.Duration(c.mtimecmp-now) * 100 * time.Nanosecond, true
}

var _ Device = (*CLINT)(nil)
