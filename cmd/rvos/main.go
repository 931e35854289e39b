// Command rvos boots the kernel on a modeled QEMU virt machine and runs a
// user program from a flat filesystem image.
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"

	"github.com/tinyrange/rvos/internal/hw"
	"github.com/tinyrange/rvos/internal/hw/virtio"
	"github.com/tinyrange/rvos/internal/kernel"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rvos: %v\n", err)
		os.Exit(1)
	}
}

// stripWriter removes escape sequences before logging console output.
type stripWriter struct {
	w io.Writer
}

func (s *stripWriter) Write(p []byte) (int, error) {
	if _, err := s.w.Write([]byte(ansi.Strip(string(p)))); err != nil {
		return 0, err
	}
	return len(p), nil
}

func run() error {
	cfgPath := flag.String("config", "", "Machine config YAML")
	disk := flag.String("disk", "", "Filesystem image (overrides config)")
	initName := flag.String("init", "", "Init program name (overrides config)")
	memory := flag.Int("memory", 0, "Guest RAM in MB (overrides config)")
	interactive := flag.Bool("interactive", false, "Raw-mode console with stdin wired to UART0")
	realTime := flag.Bool("realtime", false, "Drive the machine timer from the host clock")
	consoleLog := flag.String("console-log", "", "Also write console output to this file")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(
		os.Stderr, &slog.HandlerOptions{Level: level},
	)))

	cfg := defaultConfig()
	if *cfgPath != "" {
		var err error
		if cfg, err = loadConfig(*cfgPath); err != nil {
			return err
		}
	}
	if *disk != "" {
		cfg.Disk = *disk
	}
	if *initName != "" {
		cfg.Init = *initName
	}
	if *memory > 0 {
		cfg.MemoryMB = *memory
	}
	if *interactive {
		cfg.Interactive = true
	}
	if *realTime {
		cfg.RealTime = true
	}

	var output io.Writer = os.Stdout
	if *consoleLog != "" {
		f, err := os.Create(*consoleLog)
		if err != nil {
			return fmt.Errorf("create console log: %w", err)
		}
		defer f.Close()
		output = io.MultiWriter(output, &stripWriter{w: f})
	}

	m := hw.NewMachine(hw.Options{
		MemoryMB:      cfg.MemoryMB,
		RealTime:      cfg.RealTime,
		ConsoleOutput: output,
	})

	// Attach the block device.
	var block *virtio.Block
	if cfg.Disk != "" {
		var err error
		if block, err = virtio.OpenBlockFile(cfg.Disk); err != nil {
			return err
		}
		defer block.Close()
		slog.Debug("attached disk image", "path", cfg.Disk)
	} else {
		img, err := demoImage()
		if err != nil {
			return err
		}
		block = virtio.NewBlock(img)
		slog.Info("no disk image given; using the built-in demo image")
	}

	mmio := virtio.NewMMIO(m.RAM(), block)
	_, irqno := m.AddVirtIO(mmio)
	mmio.OnInterrupt = m.IRQLine(irqno)

	if cfg.Interactive {
		restore, err := setupConsole(m)
		if err != nil {
			return fmt.Errorf("console setup: %w", err)
		}
		defer restore()
		fmt.Print(ansi.SetWindowTitle("rvos"))
	}

	if err := kernel.Boot(m); err != nil {
		return err
	}
	if err := kernel.MountRoot(); err != nil {
		return err
	}

	slog.Debug("running init", "program", cfg.Init)
	return kernel.RunProgram(cfg.Init)
}
