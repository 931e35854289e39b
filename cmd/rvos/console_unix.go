//go:build unix

package main

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/tinyrange/rvos/internal/hw"
)

// setupConsole puts the controlling terminal in raw mode and forwards
// stdin bytes to UART0. The returned function restores the terminal.
func setupConsole(m *hw.Machine) (func(), error) {
	fd := int(os.Stdin.Fd())

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}

	restore := func() {
		term.Restore(fd, oldState)
	}

	// Restore the terminal even when killed mid-run.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGINT, unix.SIGTERM)
	go func() {
		<-sig
		restore()
		os.Exit(1)
	}()

	go func() {
		var buf [256]byte
		for {
			n, err := os.Stdin.Read(buf[:])
			if err != nil {
				return
			}
			m.UART0.EnqueueInput(buf[:n])
		}
	}()

	return restore, nil
}
