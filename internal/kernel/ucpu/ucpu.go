// Package ucpu executes user-mode RV64IM instructions against the current
// address space. Every fetch, load, and store translates through the Sv39
// tables with user privilege; any translation failure or environment call
// returns control to the kernel as a trap.
package ucpu

import (
	"fmt"

	"github.com/tinyrange/rvos/internal/kernel/mem"
	"github.com/tinyrange/rvos/internal/kernel/riscv"
)

// InsnBudget bounds the number of instructions one Run call may retire, as
// a guard against runaway user programs in a kernel with no preemption.
// Zero means unlimited.
var InsnBudget uint64

// opcode field decoders
func opcode(insn uint32) uint32 { return insn & 0x7f }
func rd(insn uint32) uint32     { return (insn >> 7) & 0x1f }
func funct3(insn uint32) uint32 { return (insn >> 12) & 0x7 }
func rs1(insn uint32) uint32    { return (insn >> 15) & 0x1f }
func rs2(insn uint32) uint32    { return (insn >> 20) & 0x1f }
func funct7(insn uint32) uint32 { return insn >> 25 }

// immediate decoders (sign extended)
func immI(insn uint32) int64 { return int64(int32(insn)) >> 20 }

func immS(insn uint32) int64 {
	return int64(int32(insn&0xfe000000))>>20 | int64((insn>>7)&0x1f)
}

func immB(insn uint32) int64 {
	imm := int64(int32(insn&0x80000000))>>19 |
		int64((insn>>25)&0x3f)<<5 |
		int64((insn>>8)&0xf)<<1 |
		int64((insn>>7)&0x1)<<11
	return imm
}

func immU(insn uint32) int64 { return int64(int32(insn & 0xfffff000)) }

func immJ(insn uint32) int64 {
	imm := int64(int32(insn&0x80000000))>>11 |
		int64((insn>>21)&0x3ff)<<1 |
		int64((insn>>20)&0x1)<<11 |
		int64((insn>>12)&0xff)<<12
	return imm
}

// cpu is the transient interpreter state for one Run call.
type cpu struct {
	x  *[32]uint64
	pc uint64
}

func (c *cpu) read(reg uint32) uint64 {
	if reg == 0 {
		return 0
	}
	return c.x[reg]
}

func (c *cpu) write(reg uint32, val uint64) {
	if reg != 0 {
		c.x[reg] = val
	}
}

// trapStop carries a trap out of the execution loop.
type trapStop struct {
	trap riscv.Trap
}

func stop(cause int, tval uint64) error {
	return &trapStop{trap: riscv.Trap{Cause: cause, Tval: tval}}
}

func (t *trapStop) Error() string {
	return fmt.Sprintf("trap: %s (tval=0x%x)", riscv.CauseName(t.trap.Cause), t.trap.Tval)
}

// readMem loads size bytes from a user virtual address, little-endian.
func readMem(vaddr uint64, size int) (uint64, error) {
	var val uint64
	if int(vaddr&(riscv.PageSize-1))+size <= riscv.PageSize {
		paddr, err := mem.Translate(vaddr, mem.AccessRead, true)
		if err != nil {
			return 0, stop(riscv.CauseLoadPageFault, vaddr)
		}
		buf := mem.PhysSlice(paddr, size)
		for i := size - 1; i >= 0; i-- {
			val = val<<8 | uint64(buf[i])
		}
		return val, nil
	}

	// The access straddles a page boundary; translate byte by byte so a
	// fault names the exact failing address.
	for i := size - 1; i >= 0; i-- {
		paddr, err := mem.Translate(vaddr+uint64(i), mem.AccessRead, true)
		if err != nil {
			return 0, stop(riscv.CauseLoadPageFault, vaddr+uint64(i))
		}
		val = val<<8 | uint64(mem.PhysSlice(paddr, 1)[0])
	}
	return val, nil
}

// writeMem stores size bytes to a user virtual address, little-endian.
func writeMem(vaddr uint64, size int, val uint64) error {
	if int(vaddr&(riscv.PageSize-1))+size <= riscv.PageSize {
		paddr, err := mem.Translate(vaddr, mem.AccessWrite, true)
		if err != nil {
			return stop(riscv.CauseStorePageFault, vaddr)
		}
		buf := mem.PhysSlice(paddr, size)
		for i := 0; i < size; i++ {
			buf[i] = byte(val >> (8 * i))
		}
		return nil
	}

	for i := 0; i < size; i++ {
		paddr, err := mem.Translate(vaddr+uint64(i), mem.AccessWrite, true)
		if err != nil {
			return stop(riscv.CauseStorePageFault, vaddr+uint64(i))
		}
		mem.PhysSlice(paddr, 1)[0] = byte(val >> (8 * i))
	}
	return nil
}

// Run interprets user instructions from the trap frame until a trap occurs.
// The frame is updated to the state at the trap: Sepc holds the pc of the
// trapping instruction for ecall and faults.
func Run(tf *riscv.TrapFrame) riscv.Trap {
	c := cpu{x: &tf.X, pc: tf.Sepc}
	var retired uint64

	for {
		if InsnBudget != 0 {
			retired++
			if retired > InsnBudget {
				panic("ucpu: instruction budget exceeded")
			}
		}

		trap, ok := c.step()
		if ok {
			tf.Sepc = c.pc
			tf.X[0] = 0
			return trap
		}
	}
}

// step executes one instruction. It returns a trap when control must
// return to the kernel.
func (c *cpu) step() (riscv.Trap, bool) {
	if c.pc%4 != 0 {
		return riscv.Trap{Cause: riscv.CauseInsnAddrMisaligned, Tval: c.pc}, true
	}

	paddr, err := mem.Translate(c.pc, mem.AccessExec, true)
	if err != nil {
		return riscv.Trap{Cause: riscv.CauseInsnPageFault, Tval: c.pc}, true
	}

	buf := mem.PhysSlice(paddr, 4)
	insn := uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24

	if err := c.execute(insn); err != nil {
		ts := err.(*trapStop)
		return ts.trap, true
	}

	return riscv.Trap{}, false
}

// execute runs one decoded instruction and advances pc.
func (c *cpu) execute(insn uint32) error {
	next := c.pc + 4

	switch opcode(insn) {
	case 0x37: // LUI
		c.write(rd(insn), uint64(immU(insn)))

	case 0x17: // AUIPC
		c.write(rd(insn), c.pc+uint64(immU(insn)))

	case 0x6f: // JAL
		c.write(rd(insn), next)
		next = c.pc + uint64(immJ(insn))

	case 0x67: // JALR
		if funct3(insn) != 0 {
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}
		target := (c.read(rs1(insn)) + uint64(immI(insn))) &^ 1
		c.write(rd(insn), next)
		next = target

	case 0x63: // branches
		a, b := c.read(rs1(insn)), c.read(rs2(insn))
		var taken bool
		switch funct3(insn) {
		case 0b000: // BEQ
			taken = a == b
		case 0b001: // BNE
			taken = a != b
		case 0b100: // BLT
			taken = int64(a) < int64(b)
		case 0b101: // BGE
			taken = int64(a) >= int64(b)
		case 0b110: // BLTU
			taken = a < b
		case 0b111: // BGEU
			taken = a >= b
		default:
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}
		if taken {
			next = c.pc + uint64(immB(insn))
		}

	case 0x03: // loads
		vaddr := c.read(rs1(insn)) + uint64(immI(insn))
		var val uint64
		var err error
		switch funct3(insn) {
		case 0b000: // LB
			val, err = readMem(vaddr, 1)
			val = uint64(int64(int8(val)))
		case 0b001: // LH
			val, err = readMem(vaddr, 2)
			val = uint64(int64(int16(val)))
		case 0b010: // LW
			val, err = readMem(vaddr, 4)
			val = uint64(int64(int32(val)))
		case 0b011: // LD
			val, err = readMem(vaddr, 8)
		case 0b100: // LBU
			val, err = readMem(vaddr, 1)
		case 0b101: // LHU
			val, err = readMem(vaddr, 2)
		case 0b110: // LWU
			val, err = readMem(vaddr, 4)
		default:
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}
		if err != nil {
			return err
		}
		c.write(rd(insn), val)

	case 0x23: // stores
		vaddr := c.read(rs1(insn)) + uint64(immS(insn))
		val := c.read(rs2(insn))
		var size int
		switch funct3(insn) {
		case 0b000:
			size = 1
		case 0b001:
			size = 2
		case 0b010:
			size = 4
		case 0b011:
			size = 8
		default:
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}
		if err := writeMem(vaddr, size, val); err != nil {
			return err
		}

	case 0x13: // OP-IMM
		a := c.read(rs1(insn))
		imm := uint64(immI(insn))
		var val uint64
		switch funct3(insn) {
		case 0b000: // ADDI
			val = a + imm
		case 0b010: // SLTI
			if int64(a) < int64(imm) {
				val = 1
			}
		case 0b011: // SLTIU
			if a < imm {
				val = 1
			}
		case 0b100: // XORI
			val = a ^ imm
		case 0b110: // ORI
			val = a | imm
		case 0b111: // ANDI
			val = a & imm
		case 0b001: // SLLI
			if funct7(insn)&0x7e != 0 {
				return stop(riscv.CauseIllegalInsn, uint64(insn))
			}
			val = a << (insn >> 20 & 0x3f)
		case 0b101: // SRLI/SRAI
			shamt := insn >> 20 & 0x3f
			if funct7(insn)&0x20 != 0 {
				val = uint64(int64(a) >> shamt)
			} else {
				val = a >> shamt
			}
		}
		c.write(rd(insn), val)

	case 0x1b: // OP-IMM-32
		a := c.read(rs1(insn))
		imm := uint64(immI(insn))
		var val32 int32
		switch funct3(insn) {
		case 0b000: // ADDIW
			val32 = int32(a + imm)
		case 0b001: // SLLIW
			val32 = int32(a) << (insn >> 20 & 0x1f)
		case 0b101: // SRLIW/SRAIW
			shamt := insn >> 20 & 0x1f
			if funct7(insn)&0x20 != 0 {
				val32 = int32(a) >> shamt
			} else {
				val32 = int32(uint32(a) >> shamt)
			}
		default:
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}
		c.write(rd(insn), uint64(int64(val32)))

	case 0x33: // OP
		a, b := c.read(rs1(insn)), c.read(rs2(insn))
		var val uint64
		if funct7(insn) == 1 {
			val = mulDiv(funct3(insn), a, b)
		} else {
			switch funct3(insn) {
			case 0b000: // ADD/SUB
				if funct7(insn)&0x20 != 0 {
					val = a - b
				} else {
					val = a + b
				}
			case 0b001: // SLL
				val = a << (b & 0x3f)
			case 0b010: // SLT
				if int64(a) < int64(b) {
					val = 1
				}
			case 0b011: // SLTU
				if a < b {
					val = 1
				}
			case 0b100: // XOR
				val = a ^ b
			case 0b101: // SRL/SRA
				if funct7(insn)&0x20 != 0 {
					val = uint64(int64(a) >> (b & 0x3f))
				} else {
					val = a >> (b & 0x3f)
				}
			case 0b110: // OR
				val = a | b
			case 0b111: // AND
				val = a & b
			}
		}
		c.write(rd(insn), val)

	case 0x3b: // OP-32
		a, b := c.read(rs1(insn)), c.read(rs2(insn))
		var val32 int32
		if funct7(insn) == 1 {
			val32 = mulDiv32(funct3(insn), uint32(a), uint32(b))
		} else {
			switch funct3(insn) {
			case 0b000: // ADDW/SUBW
				if funct7(insn)&0x20 != 0 {
					val32 = int32(a - b)
				} else {
					val32 = int32(a + b)
				}
			case 0b001: // SLLW
				val32 = int32(a) << (b & 0x1f)
			case 0b101: // SRLW/SRAW
				if funct7(insn)&0x20 != 0 {
					val32 = int32(a) >> (b & 0x1f)
				} else {
					val32 = int32(uint32(a) >> (b & 0x1f))
				}
			default:
				return stop(riscv.CauseIllegalInsn, uint64(insn))
			}
		}
		c.write(rd(insn), uint64(int64(val32)))

	case 0x0f: // FENCE
		// No device memory is user mapped; nothing to order.

	case 0x73: // SYSTEM
		switch insn {
		case 0x00000073: // ECALL
			return stop(riscv.CauseEcallFromU, 0)
		case 0x00100073: // EBREAK
			return stop(riscv.CauseBreakpoint, c.pc)
		default:
			return stop(riscv.CauseIllegalInsn, uint64(insn))
		}

	default:
		return stop(riscv.CauseIllegalInsn, uint64(insn))
	}

	c.pc = next
	return nil
}
