package compiler

import (
	"fmt"
	"strings"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/machine"
)

// BlockKind is the kind of an entry on the abstract block stack.
type BlockKind uint8

const (
	BlockLoop BlockKind = iota + 1
	BlockExcept
	BlockFinally
)

func (k BlockKind) String() string {
	switch k {
	case BlockLoop:
		return "loop"
	case BlockExcept:
		return "except"
	case BlockFinally:
		return "finally"
	}
	return fmt.Sprintf("block(%d)", uint8(k))
}

// Block is one SETUP_* entry: where to go when it catches an unwind, and
// the value stack depth to unwind to.
type Block struct {
	Kind    BlockKind
	Handler int
	Level   int
}

// FrameState is the abstract state of a guest frame at one point of a code
// path: what the compiler knows about every local and stack entry, and
// which run-time value occupies each register and frame slot.
type FrameState struct {
	Code   *bytecode.Code
	Pos    int
	Locals []*Vinfo // nil entries are unbound
	Stack  []*Vinfo
	Blocks []Block

	regs  [machine.NumRegs]*Vinfo
	used  [machine.NumRegs]uint64 // last use, for spilling
	slots []*Vinfo
	clock uint64
}

// NewFrameState returns the state at a function's entry: the arguments are
// borrowed objects of unknown kind in slots 0..n-1.
func NewFrameState(code *bytecode.Code) *FrameState {
	st := &FrameState{
		Code:   code,
		Locals: make([]*Vinfo, code.NumLocals()),
	}
	for i := 0; i < code.NumArgs; i++ {
		v := MakeRunTime(slotSource(i).WithNoRef(true))
		st.Locals[i] = v
		st.setSlot(i, v)
	}
	return st
}

// ---------------------------------------------------------------------------
// Value stack and blocks
// ---------------------------------------------------------------------------

// Push transfers the caller's reference on v to the stack.
func (st *FrameState) Push(v *Vinfo) {
	st.Stack = append(st.Stack, v)
}

// Pop transfers the reference held by the top stack entry to the caller.
func (st *FrameState) Pop() *Vinfo {
	n := len(st.Stack)
	if n == 0 {
		panic(fmt.Sprintf("compiler: value stack underflow in %s at %d", st.Code.Name, st.Pos))
	}
	v := st.Stack[n-1]
	st.Stack = st.Stack[:n-1]
	return v
}

// PopN pops n values, returning them in push order.
func (st *FrameState) PopN(n int) []*Vinfo {
	if n > len(st.Stack) {
		panic(fmt.Sprintf("compiler: value stack underflow in %s at %d", st.Code.Name, st.Pos))
	}
	out := make([]*Vinfo, n)
	copy(out, st.Stack[len(st.Stack)-n:])
	st.Stack = st.Stack[:len(st.Stack)-n]
	return out
}

// Top returns the value n entries below the top without popping it.
func (st *FrameState) Top(n int) *Vinfo {
	if n >= len(st.Stack) {
		panic(fmt.Sprintf("compiler: value stack underflow in %s at %d", st.Code.Name, st.Pos))
	}
	return st.Stack[len(st.Stack)-1-n]
}

func (st *FrameState) PushBlock(kind BlockKind, handler int) {
	st.Blocks = append(st.Blocks, Block{Kind: kind, Handler: handler, Level: len(st.Stack)})
}

func (st *FrameState) PopBlock() Block {
	n := len(st.Blocks)
	if n == 0 {
		panic(fmt.Sprintf("compiler: block stack underflow in %s at %d", st.Code.Name, st.Pos))
	}
	b := st.Blocks[n-1]
	st.Blocks = st.Blocks[:n-1]
	return b
}

// ---------------------------------------------------------------------------
// Locations
// ---------------------------------------------------------------------------

// RegOwner returns the value held in r, or nil.
func (st *FrameState) RegOwner(r machine.Reg) *Vinfo { return st.regs[r] }

// SlotOwner returns the value held in slot i, or nil.
func (st *FrameState) SlotOwner(i int) *Vinfo {
	if i >= len(st.slots) {
		return nil
	}
	return st.slots[i]
}

// NumSlots is the number of slots in use or reserved.
func (st *FrameState) NumSlots() int { return len(st.slots) }

func (st *FrameState) setReg(r machine.Reg, v *Vinfo) {
	if r == machine.Scratch {
		panic("compiler: the scratch register cannot hold a value")
	}
	if v != nil && st.regs[r] != nil {
		panic(fmt.Sprintf("compiler: register %s already holds %s", r, st.regs[r]))
	}
	st.regs[r] = v
	st.touch(r)
}

func (st *FrameState) touch(r machine.Reg) {
	st.clock++
	st.used[r] = st.clock
}

func (st *FrameState) setSlot(i int, v *Vinfo) {
	for i >= len(st.slots) {
		st.slots = append(st.slots, nil)
	}
	if v != nil && st.slots[i] != nil {
		panic(fmt.Sprintf("compiler: slot %d already holds %s", i, st.slots[i]))
	}
	st.slots[i] = v
}

// freeSlot returns the lowest unused slot index.
func (st *FrameState) freeSlot() int {
	for i, v := range st.slots {
		if v == nil {
			return i
		}
	}
	return len(st.slots)
}

// releaseLocation forgets where v lives.
func (st *FrameState) releaseLocation(v *Vinfo) {
	if r, ok := v.Source.Reg(); ok && st.regs[r] == v {
		st.regs[r] = nil
	}
	if s, ok := v.Source.Slot(); ok && s < len(st.slots) && st.slots[s] == v {
		st.slots[s] = nil
	}
	for len(st.slots) > 0 && st.slots[len(st.slots)-1] == nil {
		st.slots = st.slots[:len(st.slots)-1]
	}
}

// ---------------------------------------------------------------------------
// Cloning
// ---------------------------------------------------------------------------

// Clone returns a deep copy of the state. Descriptors shared between
// holders stay shared in the copy.
func (st *FrameState) Clone() *FrameState {
	var copied []*Vinfo
	var cp func(v *Vinfo) *Vinfo
	cp = func(v *Vinfo) *Vinfo {
		if v == nil {
			return nil
		}
		if v.tmp != nil {
			return v.tmp
		}
		n := &Vinfo{Source: v.Source, refs: v.refs}
		if v.Known != nil {
			k := *v.Known
			n.Known = &k
		}
		v.tmp = n
		copied = append(copied, v)
		if v.Items != nil {
			n.Items = make([]*Vinfo, len(v.Items))
			for i, it := range v.Items {
				n.Items[i] = cp(it)
			}
		}
		return n
	}

	out := &FrameState{
		Code:   st.Code,
		Pos:    st.Pos,
		Locals: make([]*Vinfo, len(st.Locals)),
		Stack:  make([]*Vinfo, len(st.Stack)),
		Blocks: append([]Block(nil), st.Blocks...),
		used:   st.used,
		slots:  make([]*Vinfo, len(st.slots)),
		clock:  st.clock,
	}
	for i, v := range st.Locals {
		out.Locals[i] = cp(v)
	}
	for i, v := range st.Stack {
		out.Stack[i] = cp(v)
	}
	for i, v := range st.regs {
		out.regs[i] = cp(v)
	}
	for i, v := range st.slots {
		out.slots[i] = cp(v)
	}
	for _, v := range copied {
		v.tmp = nil
	}
	return out
}

// ---------------------------------------------------------------------------
// Shapes
// ---------------------------------------------------------------------------

// Values returns every distinct descriptor reachable from the locals and
// the stack, in canonical order: locals, then stack from the bottom, each
// followed depth first by its children.
func (st *FrameState) Values() []*Vinfo {
	seen := make(map[*Vinfo]bool)
	var out []*Vinfo
	var visit func(v *Vinfo)
	visit = func(v *Vinfo) {
		if v == nil || seen[v] {
			return
		}
		seen[v] = true
		out = append(out, v)
		for _, it := range v.Items {
			visit(it)
		}
	}
	for _, v := range st.Locals {
		visit(v)
	}
	for _, v := range st.Stack {
		visit(v)
	}
	return out
}

// ShapeKey renders everything compiled code may depend on: per value, its
// source kind, known value or type, no-ref and raw flags, location and
// virtual structure, plus aliasing between holders and the block stack.
// Two states with the same key can share compiled code.
func (st *FrameState) ShapeKey() string {
	ids := make(map[*Vinfo]int)
	var sb strings.Builder
	var write func(v *Vinfo)
	write = func(v *Vinfo) {
		if v == nil {
			sb.WriteString("-")
			return
		}
		if id, ok := ids[v]; ok {
			fmt.Fprintf(&sb, "@%d", id)
			return
		}
		ids[v] = len(ids)
		switch v.Source.Kind() {
		case CompileTime:
			k := v.Known
			if k.Raw {
				fmt.Fprintf(&sb, "c#%d", k.Int())
			} else {
				fmt.Fprintf(&sb, "c%d:%d", k.Kind, k.Word)
			}
			if k.Fixed {
				sb.WriteString("!")
			}
		case RunTime:
			fmt.Fprintf(&sb, "r%x", uint64(v.Source))
		case Virtual:
			fmt.Fprintf(&sb, "v%d(", v.Source.Builder())
			for i, it := range v.Items {
				if i > 0 {
					sb.WriteByte(',')
				}
				write(it)
			}
			sb.WriteByte(')')
		}
	}
	sb.WriteString("L")
	for _, v := range st.Locals {
		sb.WriteByte(' ')
		write(v)
	}
	sb.WriteString("|S")
	for _, v := range st.Stack {
		sb.WriteByte(' ')
		write(v)
	}
	sb.WriteString("|B")
	for _, b := range st.Blocks {
		fmt.Fprintf(&sb, " %d:%d:%d", b.Kind, b.Handler, b.Level)
	}
	return sb.String()
}

// String renders the state for debug logs.
func (st *FrameState) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s@%d locals=[", st.Code.Name, st.Pos)
	for i, v := range st.Locals {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteString("] stack=[")
	for i, v := range st.Stack {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(v.String())
	}
	sb.WriteString("]")
	return sb.String()
}
