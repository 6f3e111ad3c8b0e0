package machine

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/chazu/psyco/codebuf"
)

// Inst is one decoded instruction.
type Inst struct {
	Op     byte
	Rd     Reg
	Cond   Cond
	ALU    ALUOp
	Field  Field
	Index  int
	Slot   int
	Helper HelperID
	Src    Operand
	Args   []Operand
	Target codebuf.Addr
	Site   uint32
	Size   int
}

func decodeOperand(mem []byte, off int) (Operand, int) {
	tag := mem[off]
	switch tag & 0xF0 {
	case operandReg:
		return R(Reg(tag & 0x0F)), 1
	case operandSlot:
		return S(int(binary.LittleEndian.Uint16(mem[off+1:]))), 3
	case operandImm:
		return Imm(binary.LittleEndian.Uint64(mem[off+1:])), 9
	}
	panic(fmt.Sprintf("machine: bad operand tag 0x%02x", tag))
}

// Decode decodes the instruction at mem[off].
func Decode(mem []byte, off int) Inst {
	in := Inst{Op: mem[off]}
	p := off + 1
	switch in.Op {
	case opNop, opRaise:
	case opMov:
		in.Rd = Reg(mem[p])
		var n int
		in.Src, n = decodeOperand(mem, p+1)
		p += 1 + n
	case opSts:
		in.Slot = int(binary.LittleEndian.Uint16(mem[p:]))
		in.Rd = Reg(mem[p+2])
		p += 3
	case opALU:
		in.ALU = ALUOp(mem[p])
		in.Rd = Reg(mem[p+1])
		var n int
		in.Src, n = decodeOperand(mem, p+2)
		p += 2 + n
	case opNeg, opCatch:
		in.Rd = Reg(mem[p])
		p++
	case opCmp:
		in.Rd = Reg(mem[p])
		var n int
		in.Src, n = decodeOperand(mem, p+1)
		p += 1 + n
	case opTest, opIncref, opDecref, opRet:
		var n int
		in.Src, n = decodeOperand(mem, p)
		p += n
	case opSetCC:
		in.Rd = Reg(mem[p])
		in.Cond = Cond(mem[p+1])
		p += 2
	case opJmp:
		in.Target = codebuf.Addr(binary.LittleEndian.Uint64(mem[p:]))
		p += 8
	case opJcc:
		in.Cond = Cond(mem[p])
		in.Target = codebuf.Addr(binary.LittleEndian.Uint64(mem[p+1:]))
		p += 9
	case opCall:
		in.Helper = HelperID(binary.LittleEndian.Uint16(mem[p:]))
		nargs := int(mem[p+2])
		p += 3
		in.Args = make([]Operand, nargs)
		for i := range in.Args {
			var n int
			in.Args[i], n = decodeOperand(mem, p)
			p += n
		}
	case opField:
		in.Rd = Reg(mem[p])
		in.Field = Field(mem[p+1])
		var n int
		in.Src, n = decodeOperand(mem, p+2)
		p += 2 + n
	case opItem:
		in.Rd = Reg(mem[p])
		in.Index = int(mem[p+1])
		var n int
		in.Src, n = decodeOperand(mem, p+2)
		p += 2 + n
	case opPromote:
		var n int
		in.Src, n = decodeOperand(mem, p)
		p += n
		in.Site = binary.LittleEndian.Uint32(mem[p:])
		p += 4
	case opTrap:
		in.Site = binary.LittleEndian.Uint32(mem[p:])
		p += 8
	default:
		panic(fmt.Sprintf("machine: bad opcode 0x%02x at offset %d", in.Op, off))
	}
	in.Size = p - off
	return in
}

// Format renders a decoded instruction.
func (in Inst) Format(helpers *HelperTable) string {
	name := opNames[in.Op]
	switch in.Op {
	case opMov:
		return fmt.Sprintf("%s %s, %s", name, in.Rd, in.Src)
	case opSts:
		return fmt.Sprintf("%s [%d], %s", name, in.Slot, in.Rd)
	case opALU:
		return fmt.Sprintf("%s %s, %s", in.ALU, in.Rd, in.Src)
	case opNeg, opCatch:
		return fmt.Sprintf("%s %s", name, in.Rd)
	case opCmp:
		return fmt.Sprintf("%s %s, %s", name, in.Rd, in.Src)
	case opTest, opIncref, opDecref, opRet:
		return fmt.Sprintf("%s %s", name, in.Src)
	case opSetCC:
		return fmt.Sprintf("set%s %s", in.Cond, in.Rd)
	case opJmp:
		return fmt.Sprintf("%s %s", name, in.Target)
	case opJcc:
		return fmt.Sprintf("j%s %s", in.Cond, in.Target)
	case opCall:
		args := make([]string, len(in.Args))
		for i, a := range in.Args {
			args[i] = a.String()
		}
		return fmt.Sprintf("%s %s(%s)", name, helpers.Name(in.Helper), strings.Join(args, ", "))
	case opField:
		return fmt.Sprintf("%s %s, %s.%s", name, in.Rd, in.Src, in.Field)
	case opItem:
		return fmt.Sprintf("%s %s, %s[%d]", name, in.Rd, in.Src, in.Index)
	case opPromote:
		return fmt.Sprintf("%s %s @%d", name, in.Src, in.Site)
	case opTrap:
		return fmt.Sprintf("%s @%d", name, in.Site)
	}
	return name
}

// Disassemble renders the straight-line code in [start, end), which must
// lie in one block.
func Disassemble(pool *codebuf.Pool, helpers *HelperTable, start, end codebuf.Addr) string {
	if start.Block() != end.Block() {
		panic("machine: disassembly range spans blocks")
	}
	mem, off := pool.Block(start)
	var sb strings.Builder
	for off < end.Offset() {
		in := Decode(mem, off)
		fmt.Fprintf(&sb, "%s  %s\n", codebuf.MakeAddr(start.Block(), off), in.Format(helpers))
		off += in.Size
	}
	return sb.String()
}

// Walk decodes instructions from start, following unconditional jumps
// (which is how buffer chains are linked) until fn returns false or a
// RET, RAISE, PROMOTE or an already visited address is reached.
func Walk(pool *codebuf.Pool, start codebuf.Addr, fn func(at codebuf.Addr, in Inst) bool) {
	seen := make(map[codebuf.Addr]bool)
	at := start
	for !seen[at] {
		seen[at] = true
		mem, off := pool.Block(at)
		in := Decode(mem, off)
		if !fn(at, in) {
			return
		}
		switch in.Op {
		case opRet, opRaise, opPromote:
			return
		case opJmp:
			at = in.Target
		default:
			at = at.Add(in.Size)
		}
	}
}

// Mnemonic returns the instruction name ("call", "jmp", ...).
func (in Inst) Mnemonic() string {
	return opNames[in.Op]
}
