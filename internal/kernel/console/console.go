// Package console is the kernel's diagnostic output: formatted text pushed
// straight through the UART0 transmit register.
package console

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/hw"
)

var (
	bus  *hw.Bus
	base uint64
)

// Init points the console at a UART.
func Init(b *hw.Bus, uartBase uint64) {
	bus = b
	base = uartBase
}

// Putc transmits one byte, translating \n to \r\n.
func Putc(c byte) {
	if bus == nil {
		return
	}
	if c == '\n' {
		bus.Write8(base+hw.UARTRegTHR, '\r')
	}
	bus.Write8(base+hw.UARTRegTHR, c)
}

// Puts writes a string followed by a newline.
func Puts(s string) {
	for i := 0; i < len(s); i++ {
		Putc(s[i])
	}
	Putc('\n')
}

// Printf writes formatted text to the console.
func Printf(format string, args ...any) {
	s := fmt.Sprintf(format, args...)
	for i := 0; i < len(s); i++ {
		Putc(s[i])
	}
}
