// Package rvasm emits RV64 instruction words and minimal ELF64 executables
// for the user programs the kernel runs: test programs and the built-in
// init image.
package rvasm

// Register numbers.
const (
	Zero = 0
	RA   = 1
	SP   = 2
	GP   = 3
	TP   = 4
	T0   = 5
	T1   = 6
	T2   = 7
	S0   = 8
	S1   = 9
	A0   = 10
	A1   = 11
	A2   = 12
	A3   = 13
	A4   = 14
	A5   = 15
	A6   = 16
	A7   = 17
)

func encodeR(f7, rs2, rs1, f3, rd, op uint32) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encodeI(imm int32, rs1, f3, rd, op uint32) uint32 {
	if imm < -2048 || imm > 2047 {
		panic("rvasm: immediate out of range for I-type")
	}
	return uint32(imm)&0xfff<<20 | rs1<<15 | f3<<12 | rd<<7 | op
}

func encodeS(imm int32, rs2, rs1, f3, op uint32) uint32 {
	if imm < -2048 || imm > 2047 {
		panic("rvasm: immediate out of range for S-type")
	}
	uimm := uint32(imm) & 0xfff
	return (uimm>>5)<<25 | rs2<<20 | rs1<<15 | f3<<12 | (uimm&0x1f)<<7 | op
}

func encodeB(imm int32, rs2, rs1, f3, op uint32) uint32 {
	if imm < -4096 || imm > 4095 || imm%2 != 0 {
		panic("rvasm: bad B-type offset")
	}
	uimm := uint32(imm)
	return (uimm>>12&1)<<31 | (uimm>>5&0x3f)<<25 | rs2<<20 | rs1<<15 |
		f3<<12 | (uimm>>1&0xf)<<8 | (uimm>>11&1)<<7 | op
}

func encodeU(imm int32, rd, op uint32) uint32 {
	return uint32(imm)&0xfffff<<12 | rd<<7 | op
}

func encodeJ(imm int32, rd, op uint32) uint32 {
	if imm < -(1<<20) || imm >= 1<<20 || imm%2 != 0 {
		panic("rvasm: bad J-type offset")
	}
	uimm := uint32(imm)
	return (uimm>>20&1)<<31 | (uimm>>1&0x3ff)<<21 | (uimm>>11&1)<<20 |
		(uimm>>12&0xff)<<12 | rd<<7 | op
}

// Integer register-immediate

func Addi(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 0, rd, 0x13) }
func Addiw(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 0, rd, 0x1b) }
func Andi(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 7, rd, 0x13) }
func Ori(rd, rs1 uint32, imm int32) uint32   { return encodeI(imm, rs1, 6, rd, 0x13) }
func Xori(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 4, rd, 0x13) }

func Slli(rd, rs1, shamt uint32) uint32 { return encodeI(int32(shamt), rs1, 1, rd, 0x13) }
func Srli(rd, rs1, shamt uint32) uint32 { return encodeI(int32(shamt), rs1, 5, rd, 0x13) }

// Upper immediates and jumps

func Lui(rd uint32, imm int32) uint32   { return encodeU(imm, rd, 0x37) }
func Auipc(rd uint32, imm int32) uint32 { return encodeU(imm, rd, 0x17) }

func Jal(rd uint32, off int32) uint32        { return encodeJ(off, rd, 0x6f) }
func Jalr(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 0, rd, 0x67) }

// Branches (pc-relative byte offsets)

func Beq(rs1, rs2 uint32, off int32) uint32  { return encodeB(off, rs2, rs1, 0, 0x63) }
func Bne(rs1, rs2 uint32, off int32) uint32  { return encodeB(off, rs2, rs1, 1, 0x63) }
func Blt(rs1, rs2 uint32, off int32) uint32  { return encodeB(off, rs2, rs1, 4, 0x63) }
func Bge(rs1, rs2 uint32, off int32) uint32  { return encodeB(off, rs2, rs1, 5, 0x63) }
func Bltu(rs1, rs2 uint32, off int32) uint32 { return encodeB(off, rs2, rs1, 6, 0x63) }
func Bgeu(rs1, rs2 uint32, off int32) uint32 { return encodeB(off, rs2, rs1, 7, 0x63) }

// Loads and stores

func Lb(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 0, rd, 0x03) }
func Lh(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 1, rd, 0x03) }
func Lw(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 2, rd, 0x03) }
func Ld(rd, rs1 uint32, imm int32) uint32  { return encodeI(imm, rs1, 3, rd, 0x03) }
func Lbu(rd, rs1 uint32, imm int32) uint32 { return encodeI(imm, rs1, 4, rd, 0x03) }

func Sb(rs1, rs2 uint32, imm int32) uint32 { return encodeS(imm, rs2, rs1, 0, 0x23) }
func Sh(rs1, rs2 uint32, imm int32) uint32 { return encodeS(imm, rs2, rs1, 1, 0x23) }
func Sw(rs1, rs2 uint32, imm int32) uint32 { return encodeS(imm, rs2, rs1, 2, 0x23) }
func Sd(rs1, rs2 uint32, imm int32) uint32 { return encodeS(imm, rs2, rs1, 3, 0x23) }

// Register-register

func Add(rd, rs1, rs2 uint32) uint32 { return encodeR(0, rs2, rs1, 0, rd, 0x33) }
func Sub(rd, rs1, rs2 uint32) uint32 { return encodeR(0x20, rs2, rs1, 0, rd, 0x33) }
func And(rd, rs1, rs2 uint32) uint32 { return encodeR(0, rs2, rs1, 7, rd, 0x33) }
func Or(rd, rs1, rs2 uint32) uint32  { return encodeR(0, rs2, rs1, 6, rd, 0x33) }
func Xor(rd, rs1, rs2 uint32) uint32 { return encodeR(0, rs2, rs1, 4, rd, 0x33) }
func Mul(rd, rs1, rs2 uint32) uint32 { return encodeR(1, rs2, rs1, 0, rd, 0x33) }
func Div(rd, rs1, rs2 uint32) uint32 { return encodeR(1, rs2, rs1, 4, rd, 0x33) }
func Rem(rd, rs1, rs2 uint32) uint32 { return encodeR(1, rs2, rs1, 6, rd, 0x33) }

// System

func Ecall() uint32  { return 0x00000073 }
func Ebreak() uint32 { return 0x00100073 }
func Nop() uint32    { return Addi(Zero, Zero, 0) }

// Li emits an immediate load, using ADDI when the value fits and LUI+ADDI
// for wider 32-bit values.
func Li(rd uint32, value int64) []uint32 {
	if value >= -2048 && value <= 2047 {
		return []uint32{Addi(rd, Zero, int32(value))}
	}
	if value < -(1<<31) || value >= 1<<32 {
		panic("rvasm: Li only supports 32-bit immediates")
	}

	hi := (value + (1 << 11)) >> 12
	lo := value - hi<<12
	out := []uint32{Lui(rd, int32(hi)), Addi(rd, rd, int32(lo))}

	// LUI sign-extends on RV64; zero-extend values with bit 31 set.
	if value > 0 && value&(1<<31) != 0 {
		out = append(out, Slli(rd, rd, 32), Srli(rd, rd, 32))
	}
	return out
}
