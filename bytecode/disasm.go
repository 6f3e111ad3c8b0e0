package bytecode

import (
	"fmt"
	"strings"

	"github.com/chazu/psyco/object"
)

// DisassembleInstruction renders one instruction. When h is non-nil,
// constants are shown by value.
func (c *Code) DisassembleInstruction(h *object.Heap, ins Instruction) string {
	marker := "  "
	if c.IsMergePoint(ins.Pos) {
		marker = ">>"
	}
	info := ins.Op.Info()
	if info.OperandBytes == 0 {
		return fmt.Sprintf("%s %04d  %s", marker, ins.Pos, info.Name)
	}

	var note string
	switch ins.Op {
	case LOAD_CONST:
		if h != nil && ins.Arg < len(c.Consts) {
			note = h.Repr(c.Consts[ins.Arg])
		}
	case LOAD_FAST, STORE_FAST:
		if ins.Arg < len(c.LocalNames) {
			note = c.LocalNames[ins.Arg]
		}
	case LOAD_GLOBAL:
		if ins.Arg < len(c.Names) {
			note = c.Names[ins.Arg]
		}
	case COMPARE_OP:
		note = object.CompareOp(ins.Arg).String()
	}
	if note != "" {
		return fmt.Sprintf("%s %04d  %-20s %d (%s)", marker, ins.Pos, info.Name, ins.Arg, note)
	}
	return fmt.Sprintf("%s %04d  %-20s %d", marker, ins.Pos, info.Name, ins.Arg)
}

// Disassemble renders the whole function.
func (c *Code) Disassemble(h *object.Heap) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s(%s):\n", c.Name, strings.Join(c.LocalNames[:c.NumArgs], ", "))
	for _, ins := range Instructions(c.Bytecode) {
		sb.WriteString(c.DisassembleInstruction(h, ins))
		sb.WriteByte('\n')
	}
	return sb.String()
}
