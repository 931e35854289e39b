// Package timer owns the machine timer: it arms mtimecmp, counts ticks, and
// broadcasts the 10 Hz and 1 Hz tick conditions user sleeps ride on.
package timer

import (
	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/irq"
	"github.com/tinyrange/rvos/internal/kernel/sched"
)

// Freq is the mtime frequency (QEMU riscv_aclint).
const Freq = hw.TimerFreq

// tickInterval is one 10 Hz tick in mtime units.
const tickInterval = Freq / 10

var (
	bus *hw.Bus

	// Tick10Hz and Tick1Hz are broadcast by the timer interrupt handler.
	Tick10Hz sched.Condition
	Tick1Hz  sched.Condition

	// Tick counts since Start.
	Tick10HzCount uint64
	Tick1HzCount  uint64

	initialized bool
)

// Init prepares the tick conditions and disarms the timer.
func Init(b *hw.Bus) {
	if !irq.Initialized() {
		panic("timer: irq not initialized")
	}

	bus = b
	Tick10Hz.Init("tick_10Hz")
	Tick1Hz.Init("tick_1Hz")
	Tick10HzCount = 0
	Tick1HzCount = 0

	setMtime(0)
	setMtimecmp(^uint64(0))

	irq.SetTimerHandler(handleInterrupt)

	initialized = true
}

// Start arms the first 10 Hz tick.
func Start() {
	setMtime(0)
	setMtimecmp(tickInterval)
}

// Now returns the current mtime value.
func Now() uint64 {
	return getMtime()
}

// handleInterrupt is dispatched from the interrupt gate when mtime passes
// mtimecmp. It broadcasts the tick conditions and re-arms the comparator.
func handleInterrupt() {
	mtime := getMtime()
	cmp := getMtimecmp()

	if cmp == ^uint64(0) {
		setMtimecmp(tickInterval)
		return
	}

	if mtime >= cmp {
		Tick10HzCount++
		Tick10Hz.Broadcast()
		if Tick10HzCount%10 == 0 {
			Tick1HzCount++
			Tick1Hz.Broadcast()
		}
		setMtimecmp(cmp + tickInterval)
	}
}

// Sleep suspends the calling thread for at least us microseconds of machine
// time. Satisfied by the 10 Hz tick; not interruptible.
func Sleep(us uint64) {
	target := getMtime() + us*(Freq/1_000_000)
	for getMtime() < target {
		Tick10Hz.Wait()
	}
}

func getMtime() uint64 {
	val, _ := bus.Read64(hw.CLINTBase + hw.CLINTMtime)
	return val
}

func setMtime(val uint64) {
	bus.Write64(hw.CLINTBase+hw.CLINTMtime, val)
}

func getMtimecmp() uint64 {
	val, _ := bus.Read64(hw.CLINTBase + hw.CLINTMtimecmp)
	return val
}

func setMtimecmp(val uint64) {
	bus.Write64(hw.CLINTBase+hw.CLINTMtimecmp, val)
}
