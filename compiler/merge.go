package compiler

import (
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/machine"
)

// mergePos is a merge point: a position that can be reached by a jump.
type mergePos struct {
	code *bytecode.Code
	pos  int
}

// mergeKey identifies compiled code for one exact abstract state at a
// merge point.
type mergeKey struct {
	code  *bytecode.Code
	pos   int
	shape string
}

// merge is called on arrival at a merge point. It puts the state in its
// canonical form and either jumps to code already compiled for the same
// shape (returning true, which ends the path) or registers the current
// address as the entry for this shape.
//
// Shapes must match exactly. A state that differs from every registered
// one in any known value, type or virtual structure gets its own entry,
// even where a more general one would do.
func (c *Compiler) merge() bool {
	st := c.state()
	c.normalize()
	key := mergeKey{code: st.Code, pos: st.Pos, shape: st.ShapeKey()}
	if addr, ok := c.merges[key]; ok {
		c.emit().Jump(addr)
		c.stats.MergeHits++
		log.Debugf("%s at %d joins existing code at %s", st.Code.Name, st.Pos, addr)
		return true
	}
	c.commit("merge point registration")
	c.merges[key] = c.emit().Here()
	c.shapes[mergePos{code: st.Code, pos: st.Pos}]++
	c.stats.MergeEntries++
	return false
}

// normalize moves every run-time value to the frame slot given by its
// position in canonical order, empties the registers and demotes the
// compile-time values that are not fixed to run-time ones.
func (c *Compiler) normalize() {
	st := c.state()
	e := c.emit()

	var order []*Vinfo
	for _, v := range st.Values() {
		switch {
		case v.IsRunTime():
			order = append(order, v)
		case v.IsCompileTime() && !v.Known.Fixed:
			order = append(order, v)
		}
	}
	target := make(map[*Vinfo]int, len(order))
	for i, v := range order {
		target[v] = i
	}
	for r, v := range st.regs {
		if v != nil {
			if _, ok := target[v]; !ok {
				panic(fmt.Sprintf("compiler: %s holds unreachable %s at merge point", machine.Reg(r), v))
			}
		}
	}

	// Park values sitting in the wrong slot above every target slot so
	// no move overwrites a value that has not moved yet.
	temp := len(order)
	if n := st.NumSlots(); n > temp {
		temp = n
	}
	for s, v := range st.slots {
		if v == nil {
			continue
		}
		i, ok := target[v]
		if !ok {
			panic(fmt.Sprintf("compiler: slot %d holds unreachable %s at merge point", s, v))
		}
		if i == s {
			continue
		}
		e.Mov(machine.Scratch, machine.S(s))
		e.Store(temp, machine.Scratch)
		st.slots[s] = nil
		v.Source = v.Source.withLocation(slotSource(temp))
		temp++
	}

	for i, v := range order {
		switch v.Source.Kind() {
		case CompileTime:
			e.Mov(machine.Scratch, machine.Imm(v.Known.Word))
			e.Store(i, machine.Scratch)
			src := slotSource(i)
			if v.Known.Raw {
				src = src.WithRaw()
			} else {
				src = src.WithNoRef(true).WithType(v.Known.Kind)
			}
			v.Source = src
			v.Known = nil
		case RunTime:
			if r, ok := v.Source.Reg(); ok {
				e.Store(i, r)
			} else if s, _ := v.Source.Slot(); s != i {
				e.Mov(machine.Scratch, machine.S(s))
				e.Store(i, machine.Scratch)
			}
			v.Source = v.Source.withLocation(slotSource(i))
		}
	}

	st.regs = [machine.NumRegs]*Vinfo{}
	st.used = [machine.NumRegs]uint64{}
	st.clock = 0
	st.slots = order
}

// MergeEntries returns the number of distinct shapes compiled at pos.
func (c *Compiler) MergeEntries(code *bytecode.Code, pos int) int {
	return c.shapes[mergePos{code: code, pos: pos}]
}
