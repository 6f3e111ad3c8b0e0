// Package machine is the target architecture the compiler emits code for.
//
// The Emitter interface is the only thing the compiler sees; this package
// provides one implementation of it, a portable register machine whose
// code is stored in code buffers as bytes and run by CPU. Code addresses
// are absolute 64-bit codebuf.Addr values so every jump can be patched in
// place, and a TRAP stub has exactly the size of a JMP.
package machine

import "fmt"

// Reg is a machine register.
type Reg uint8

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7

	NumRegs = 8

	// Scratch is reserved for the compiler's own shuffles and is never
	// allocated to a value.
	Scratch = R7

	// Registers below CallerSaved are clobbered by CALL.
	CallerSaved = 4
)

func (r Reg) String() string { return fmt.Sprintf("r%d", uint8(r)) }

// Cond is a condition code tested by JCC and SETCC.
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLT
	CondGE
	CondLE
	CondGT
	CondO     // overflow flag set
	CondNO    // overflow flag clear
	CondZ     // zero flag set
	CondNZ    // zero flag clear
	CondExc   // exception pending
	CondNoExc // no exception pending
)

var condNames = [...]string{"eq", "ne", "lt", "ge", "le", "gt", "o", "no", "z", "nz", "exc", "noexc"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond(%d)", uint8(c))
}

// Negate returns the opposite condition. Conditions come in pairs that
// differ only in the low bit.
func (c Cond) Negate() Cond {
	return c ^ 1
}

// ALUOp selects a two-operand arithmetic instruction.
type ALUOp uint8

const (
	ALUAdd ALUOp = iota
	ALUSub
	ALUMul
	ALUAnd
	ALUOr
	ALUXor
	// Overflow-checked variants set the O flag.
	ALUAddO
	ALUSubO
	ALUMulO
)

var aluNames = [...]string{"add", "sub", "mul", "and", "or", "xor", "addo", "subo", "mulo"}

func (op ALUOp) String() string {
	if int(op) < len(aluNames) {
		return aluNames[op]
	}
	return fmt.Sprintf("alu(%d)", uint8(op))
}

// Field selects an object field readable by FIELD.
type Field uint8

const (
	FieldKind Field = iota // object kind
	FieldIval              // int/bool payload
	FieldLen               // tuple/list length
)

var fieldNames = [...]string{"kind", "ival", "len"}

func (f Field) String() string {
	if int(f) < len(fieldNames) {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", uint8(f))
}

// OperandKind tells where an operand lives.
type OperandKind uint8

const (
	InReg OperandKind = iota
	InSlot
	Immediate
)

// Operand is a source operand: a register, a frame slot or an immediate.
type Operand struct {
	Kind OperandKind
	Reg  Reg
	Slot int
	Imm  uint64
}

func R(r Reg) Operand { return Operand{Kind: InReg, Reg: r} }
func S(slot int) Operand { return Operand{Kind: InSlot, Slot: slot} }
func Imm(v uint64) Operand { return Operand{Kind: Immediate, Imm: v} }
func ImmInt(v int64) Operand { return Operand{Kind: Immediate, Imm: uint64(v)} }

func (o Operand) String() string {
	switch o.Kind {
	case InReg:
		return o.Reg.String()
	case InSlot:
		return fmt.Sprintf("[%d]", o.Slot)
	}
	return fmt.Sprintf("#%d", int64(o.Imm))
}

// Instruction opcodes.
const (
	opNop     byte = 0x00
	opMov     byte = 0x01 // rd, src
	opSts     byte = 0x02 // slot u16, rs
	opALU     byte = 0x03 // aluop, rd, src
	opNeg     byte = 0x04 // rd (overflow-checked)
	opCmp     byte = 0x05 // ra, src
	opTest    byte = 0x06 // src
	opSetCC   byte = 0x07 // rd, cc
	opJmp     byte = 0x08 // target u64
	opJcc     byte = 0x09 // cc, target u64
	opCall    byte = 0x0A // helper u16, n u8, n operands
	opField   byte = 0x0B // rd, field, src
	opItem    byte = 0x0C // rd, index u8, src
	opIncref  byte = 0x0D // src
	opDecref  byte = 0x0E // src
	opPromote byte = 0x0F // site u32, src
	opTrap    byte = 0x10 // site u32, 4 bytes padding
	opCatch   byte = 0x11 // rd
	opRet     byte = 0x12 // src
	opRaise   byte = 0x13
)

var opNames = map[byte]string{
	opNop: "nop", opMov: "mov", opSts: "sts", opALU: "alu", opNeg: "nego",
	opCmp: "cmp", opTest: "test", opSetCC: "setcc", opJmp: "jmp", opJcc: "jcc",
	opCall: "call", opField: "field", opItem: "item", opIncref: "incref",
	opDecref: "decref", opPromote: "promote", opTrap: "trap", opCatch: "catch",
	opRet: "ret", opRaise: "raise",
}

const (
	// JumpSize is the encoded size of JMP, and therefore of TRAP.
	JumpSize = 9
	// JccSize is the encoded size of a conditional jump.
	JccSize = 10
	// TrapSize equals JumpSize so a trap can be patched into a jump.
	TrapSize = JumpSize
)

const (
	operandReg  byte = 0x00
	operandSlot byte = 0x10
	operandImm  byte = 0x20
)

func operandSize(o Operand) int {
	switch o.Kind {
	case InReg:
		return 1
	case InSlot:
		return 3
	}
	return 9
}
