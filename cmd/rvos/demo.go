package main

import (
	"github.com/tinyrange/rvos/internal/kernel/kfs"
	"github.com/tinyrange/rvos/internal/kernel/proc"
	"github.com/tinyrange/rvos/internal/rvasm"
)

// Demo image layout.
const (
	demoCodeVaddr = 0xC000_1000
	demoDataVaddr = 0xC000_2000
)

// demoInitELF assembles the built-in init program: announce, read the motd
// file into the stack (forcing a lazy stack fault), write it to the serial
// console, and exit.
func demoInitELF() []byte {
	msg := "init running\x00"
	motdName := "motd.txt\x00"
	serName := "ser\x00"

	data := append([]byte(msg), motdName...)
	data = append(data, serName...)
	motdNameAddr := demoDataVaddr + int64(len(msg))
	serNameAddr := motdNameAddr + int64(len(motdName))

	var code []uint32
	emit := func(chunks ...[]uint32) {
		for _, c := range chunks {
			code = append(code, c...)
		}
	}

	// MSGOUT(msg)
	emit(rvasm.Li(rvasm.A0, demoDataVaddr))
	emit(rvasm.Li(rvasm.A7, proc.SysMsgOut))
	emit([]uint32{rvasm.Ecall()})

	// fd1 = FSOPEN(-1, "motd.txt")
	emit(rvasm.Li(rvasm.A0, -1))
	emit(rvasm.Li(rvasm.A1, motdNameAddr))
	emit(rvasm.Li(rvasm.A7, proc.SysFSOpen))
	emit([]uint32{rvasm.Ecall()})
	emit([]uint32{rvasm.Addi(rvasm.S0, rvasm.A0, 0)})

	// n = READ(fd1, sp-256, 128); the store target is untouched stack, so
	// the first transfer rides a lazy page fault.
	emit([]uint32{rvasm.Addi(rvasm.S1, rvasm.SP, -256)})
	emit([]uint32{rvasm.Addi(rvasm.A0, rvasm.S0, 0)})
	emit([]uint32{rvasm.Addi(rvasm.A1, rvasm.S1, 0)})
	emit(rvasm.Li(rvasm.A2, 128))
	emit(rvasm.Li(rvasm.A7, proc.SysRead))
	emit([]uint32{rvasm.Ecall()})
	emit([]uint32{rvasm.Addi(rvasm.T0, rvasm.A0, 0)})

	// fd2 = DEVOPEN(-1, "ser", 0)
	emit(rvasm.Li(rvasm.A0, -1))
	emit(rvasm.Li(rvasm.A1, serNameAddr))
	emit(rvasm.Li(rvasm.A2, 0))
	emit(rvasm.Li(rvasm.A7, proc.SysDevOpen))
	emit([]uint32{rvasm.Ecall()})

	// WRITE(fd2, buf, n)
	emit([]uint32{rvasm.Addi(rvasm.A1, rvasm.S1, 0)})
	emit([]uint32{rvasm.Addi(rvasm.A2, rvasm.T0, 0)})
	emit(rvasm.Li(rvasm.A7, proc.SysWrite))
	emit([]uint32{rvasm.Ecall()})

	// EXIT
	emit(rvasm.Li(rvasm.A7, proc.SysExit))
	emit([]uint32{rvasm.Ecall()})

	return rvasm.BuildELF(demoCodeVaddr,
		rvasm.Segment{Vaddr: demoCodeVaddr, Data: rvasm.Words(code...), Flags: 0x5}, // R+X
		rvasm.Segment{Vaddr: demoDataVaddr, Data: data, Flags: 0x6},                 // R+W
	)
}

// demoImage builds the built-in filesystem image.
func demoImage() ([]byte, error) {
	return kfs.BuildImage([]kfs.FileEntry{
		{Name: "init", Data: demoInitELF()},
		{Name: "motd.txt", Data: []byte("Hello from the flat filesystem.\r\n")},
	})
}
