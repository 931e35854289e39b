// Package kernel ties the subsystems together: boot-time initialization in
// dependency order, device probing, filesystem mount, and program launch.
package kernel

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/kernel/console"
	"github.com/tinyrange/rvos/internal/kernel/dev"
	"github.com/tinyrange/rvos/internal/kernel/irq"
	"github.com/tinyrange/rvos/internal/kernel/kfs"
	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/proc"
	"github.com/tinyrange/rvos/internal/kernel/sched"
	"github.com/tinyrange/rvos/internal/kernel/timer"
	"github.com/tinyrange/rvos/internal/kernel/vioblk"
)

const mmioMagic = 0x74726976

var rootFS *kfs.FS

// Boot initializes the kernel over a constructed machine, in order: memory,
// interrupts, scheduler, timer, devices, processes. On return the calling
// goroutine is the kernel's main thread with interrupts enabled.
func Boot(m *hw.Machine) error {
	console.Init(m.Bus, hw.UARTBase)
	rootFS = nil

	mem.Init(m.RAM())
	irq.Init(m)

	sched.Init(sched.Hooks{
		AllocStack:  mem.AllocPage,
		FreeStack:   mem.FreePage,
		SwitchSpace: mem.SpaceSwitch,
	})

	timer.Init(m.Bus)

	dev.Reset()
	dev.AttachSerial(m.Bus, hw.UARTBase, hw.UART0IRQ)
	dev.AttachSerial(m.Bus, hw.UARTBase+hw.UARTSize, hw.UART1IRQ)

	// Probe the virtio-MMIO slots for block devices.
	for slot := 0; slot < hw.VirtIOSlots; slot++ {
		base := hw.VirtIOBase + uint64(slot)*hw.VirtIOStride

		magic, err := m.Bus.Read32(base)
		if err != nil {
			break // no device mapped; end of populated slots
		}
		if magic != mmioMagic {
			continue
		}

		deviceID, _ := m.Bus.Read32(base + 0x008)
		if deviceID != 2 {
			continue
		}

		if _, err := vioblk.Attach(m.Bus, base, int(hw.VirtIO0IRQ)+slot); err != nil {
			return fmt.Errorf("kernel: attach virtio slot %d: %w", slot, err)
		}
	}

	proc.Init()

	timer.Start()
	irq.Enable()

	console.Printf("rvos: %d pages free\n", mem.FreePageCount())
	return nil
}

// MountRoot opens block device 0 and mounts the flat filesystem on it.
func MountRoot() error {
	blkio, err := dev.Open("blk", 0)
	if err != nil {
		return fmt.Errorf("kernel: open root block device: %w", err)
	}

	fs, err := kfs.Mount(blkio)
	if err != nil {
		blkio.Close()
		return fmt.Errorf("kernel: mount root: %w", err)
	}

	rootFS = fs
	proc.SetFS(fs)
	return nil
}

// RootFS returns the mounted root filesystem, or nil.
func RootFS() *kfs.FS { return rootFS }

// RunProgram launches a user program from the root filesystem as a new
// process on its own thread, then waits for every child of the main thread
// to finish. Must be called from the main thread.
func RunProgram(name string) error {
	if rootFS == nil {
		return fmt.Errorf("kernel: no root filesystem mounted")
	}

	var execErr error

	sched.Spawn(name, func(any) {
		p, err := proc.Adopt()
		if err != nil {
			execErr = err
			return
		}

		exeio, err := rootFS.Open(name)
		if err != nil {
			execErr = err
			proc.Exit()
		}

		if _, err := p.IOAttach(-1, exeio); err != nil {
			exeio.Close()
			execErr = err
			proc.Exit()
		}

		// Exec only returns for a bad image; the process's normal end is
		// its EXIT syscall.
		execErr = p.Exec(exeio)
		proc.Exit()
	}, nil)

	for sched.HasChildren() {
		if _, err := sched.JoinAny(); err != nil {
			return err
		}
	}

	return execErr
}
