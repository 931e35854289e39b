package timer_test

import (
	"testing"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel"
	"github.com/tinyrange/rvos/internal/kernel/sched"
	"github.com/tinyrange/rvos/internal/kernel/timer"
)

func boot(t *testing.T) *hw.Machine {
	t.Helper()
	m := hw.NewMachine(hw.Options{MemoryMB: 16})
	if err := kernel.Boot(m); err != nil {
		t.Fatalf("boot: %v", err)
	}
	return m
}

// Sleep rides the 10 Hz tick; on a virtual-time machine the idle thread's
// wfi fast-forwards mtime, so this is instant in host time.
func TestSleep(t *testing.T) {
	boot(t)

	start := timer.Now()
	timer.Sleep(250_000) // 250 ms
	elapsed := timer.Now() - start

	if elapsed < 250_000*(timer.Freq/1_000_000) {
		t.Errorf("slept only %d mtime ticks", elapsed)
	}
	if timer.Tick10HzCount < 2 {
		t.Errorf("tick count: %d", timer.Tick10HzCount)
	}
}

func TestTickBroadcastWakesAllWaiters(t *testing.T) {
	boot(t)

	woken := 0
	for range 3 {
		sched.Spawn("sleeper", func(any) {
			timer.Tick10Hz.Wait()
			woken++
		}, nil)
	}

	for range 3 {
		if _, err := sched.JoinAny(); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	if woken != 3 {
		t.Errorf("woken: %d", woken)
	}
}

func TestOneHzDerivedFromTenHz(t *testing.T) {
	boot(t)

	timer.Sleep(1_100_000) // just past one second

	if timer.Tick1HzCount < 1 {
		t.Errorf("1 Hz ticks: %d", timer.Tick1HzCount)
	}
	if timer.Tick10HzCount < 10 {
		t.Errorf("10 Hz ticks: %d", timer.Tick10HzCount)
	}
}
