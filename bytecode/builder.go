package bytecode

import (
	"encoding/binary"
	"fmt"
)

// ---------------------------------------------------------------------------
// Builder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// Builder helps construct bytecode sequences.
type Builder struct {
	bytes []byte
}

// NewBuilder creates a new bytecode builder.
func NewBuilder() *Builder {
	return &Builder{bytes: make([]byte, 0, 64)}
}

// Bytes returns the constructed bytecode.
func (b *Builder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length.
func (b *Builder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *Builder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *Builder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *Builder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitArg appends op with its operand encoded according to the opcode
// metadata.
func (b *Builder) EmitArg(op Opcode, arg int) {
	switch op.OperandBytes() {
	case 0:
		b.Emit(op)
	case 1:
		if arg < 0 || arg > 0xFF {
			panic(fmt.Sprintf("bytecode: operand %d out of range for %s", arg, op))
		}
		b.EmitByte(op, byte(arg))
	default:
		if arg < 0 || arg > 0xFFFF {
			panic(fmt.Sprintf("bytecode: operand %d out of range for %s", arg, op))
		}
		b.EmitUint16(op, uint16(arg))
	}
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a jump target that may not be placed yet.
type Label struct {
	resolved bool
	position int   // target (if resolved)
	refs     []int // operand positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *Builder) NewLabel() *Label {
	return &Label{refs: make([]int, 0, 2)}
}

// Mark resolves a label to the current position.
func (b *Builder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	for _, ref := range label.refs {
		binary.LittleEndian.PutUint16(b.bytes[ref:], uint16(label.position))
	}
	label.refs = nil
}

// Resolved reports whether the label has been marked.
func (l *Label) Resolved() bool {
	return l.resolved
}

// EmitJump emits a jump-like instruction targeting label.
func (b *Builder) EmitJump(op Opcode, label *Label) {
	if !op.Info().Jump {
		panic(fmt.Sprintf("bytecode: %s is not a jump", op))
	}
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		b.bytes = append(b.bytes, byte(label.position), byte(label.position>>8))
		return
	}
	label.refs = append(label.refs, len(b.bytes))
	b.bytes = append(b.bytes, 0, 0)
}

// ---------------------------------------------------------------------------
// Reader
// ---------------------------------------------------------------------------

// Instruction is one decoded instruction.
type Instruction struct {
	Pos  int
	Op   Opcode
	Arg  int
	Next int
}

// Decode reads the instruction at pos.
func Decode(bc []byte, pos int) Instruction {
	if pos >= len(bc) {
		panic("bytecode underflow")
	}
	op := Opcode(bc[pos])
	ins := Instruction{Pos: pos, Op: op}
	switch op.OperandBytes() {
	case 0:
		ins.Next = pos + 1
	case 1:
		if pos+2 > len(bc) {
			panic("bytecode underflow")
		}
		ins.Arg = int(bc[pos+1])
		ins.Next = pos + 2
	default:
		if pos+3 > len(bc) {
			panic("bytecode underflow")
		}
		ins.Arg = int(binary.LittleEndian.Uint16(bc[pos+1:]))
		ins.Next = pos + 3
	}
	return ins
}

// Instructions decodes the whole of bc.
func Instructions(bc []byte) []Instruction {
	var out []Instruction
	for pos := 0; pos < len(bc); {
		ins := Decode(bc, pos)
		out = append(out, ins)
		pos = ins.Next
	}
	return out
}
