package bytecode

import (
	"fmt"
	"sort"

	"github.com/chazu/psyco/object"
	"github.com/zeebo/xxh3"
)

// Code is a compiled guest function: bytecode plus its static metadata.
type Code struct {
	Name       string
	Bytecode   []byte
	Consts     []object.Ref // owned references
	Names      []string     // global names used by LOAD_GLOBAL
	LocalNames []string     // arguments first
	NumArgs    int
	Checksum   uint64

	targets map[int]bool
}

// NewCode builds a Code and computes its checksum.
func NewCode(name string, bc []byte, consts []object.Ref, names, locals []string, numArgs int) *Code {
	if numArgs > len(locals) {
		panic(fmt.Sprintf("bytecode: %s has %d args but %d locals", name, numArgs, len(locals)))
	}
	return &Code{
		Name:       name,
		Bytecode:   bc,
		Consts:     consts,
		Names:      names,
		LocalNames: locals,
		NumArgs:    numArgs,
		Checksum:   xxh3.Hash(bc),
	}
}

// NumLocals returns the number of local variable slots.
func (c *Code) NumLocals() int {
	return len(c.LocalNames)
}

// Decode returns the instruction at pos.
func (c *Code) Decode(pos int) Instruction {
	return Decode(c.Bytecode, pos)
}

// IsMergePoint reports whether pos is the target of any jump or handler.
func (c *Code) IsMergePoint(pos int) bool {
	if c.targets == nil {
		c.targets = JumpTargets(c.Bytecode)
	}
	return c.targets[pos]
}

// MergePoints returns the sorted merge-point positions.
func (c *Code) MergePoints() []int {
	if c.targets == nil {
		c.targets = JumpTargets(c.Bytecode)
	}
	out := make([]int, 0, len(c.targets))
	for pos := range c.targets {
		out = append(out, pos)
	}
	sort.Ints(out)
	return out
}

// Validate checks that every instruction decodes and every jump lands on
// an instruction boundary.
func (c *Code) Validate() error {
	starts := make(map[int]bool)
	var jumps []Instruction
	for pos := 0; pos < len(c.Bytecode); {
		op := Opcode(c.Bytecode[pos])
		if !op.Valid() {
			return fmt.Errorf("%s: invalid opcode 0x%02x at %d", c.Name, byte(op), pos)
		}
		if pos+op.Size() > len(c.Bytecode) {
			return fmt.Errorf("%s: truncated %s at %d", c.Name, op, pos)
		}
		ins := Decode(c.Bytecode, pos)
		starts[pos] = true
		if op.Info().Jump {
			jumps = append(jumps, ins)
		}
		switch op {
		case LOAD_CONST:
			if ins.Arg >= len(c.Consts) {
				return fmt.Errorf("%s: constant %d out of range at %d", c.Name, ins.Arg, pos)
			}
		case LOAD_FAST, STORE_FAST:
			if ins.Arg >= len(c.LocalNames) {
				return fmt.Errorf("%s: local %d out of range at %d", c.Name, ins.Arg, pos)
			}
		case LOAD_GLOBAL:
			if ins.Arg >= len(c.Names) {
				return fmt.Errorf("%s: name %d out of range at %d", c.Name, ins.Arg, pos)
			}
		case RAISE_VARARGS:
			if ins.Arg != 1 {
				return fmt.Errorf("%s: RAISE_VARARGS %d unsupported at %d", c.Name, ins.Arg, pos)
			}
		}
		pos = ins.Next
	}
	for _, j := range jumps {
		if !starts[j.Arg] {
			return fmt.Errorf("%s: %s at %d targets %d, not an instruction", c.Name, j.Op, j.Pos, j.Arg)
		}
	}
	return nil
}

// JumpTargets returns the set of positions that control can reach from
// somewhere other than the preceding instruction.
func JumpTargets(bc []byte) map[int]bool {
	targets := make(map[int]bool)
	for pos := 0; pos < len(bc); {
		ins := Decode(bc, pos)
		if ins.Op.Info().Jump {
			targets[ins.Arg] = true
		}
		pos = ins.Next
	}
	return targets
}
