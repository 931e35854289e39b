//go:build !unix

package main

import (
	"os"

	"github.com/tinyrange/rvos/internal/hw"
)

// setupConsole on non-unix hosts only forwards stdin; the terminal is left
// in its default mode.
func setupConsole(m *hw.Machine) (func(), error) {
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

	return func() {}, nil
}
