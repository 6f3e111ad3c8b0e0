package compiler

import (
	"fmt"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// Builder says how to build a virtual value if it is ever needed at run
// time.
type Builder uint8

const (
	// VInt is an int object whose value is its one raw child.
	VInt Builder = iota + 1
	// VBool is a bool whose raw child is exactly 0 or 1.
	VBool
	// VTuple is a tuple of its children.
	VTuple
	// VRange is the list range(start, stop) of its two raw children.
	VRange
	// VRangeIter iterates from its raw cur child up to its raw stop child.
	VRangeIter
)

var builderNames = [...]string{VInt: "int", VBool: "bool", VTuple: "tuple", VRange: "range", VRangeIter: "rangeiter"}

func (b Builder) String() string {
	if int(b) < len(builderNames) && builderNames[b] != "" {
		return builderNames[b]
	}
	return fmt.Sprintf("builder(%d)", uint8(b))
}

// Kind is the kind of the object the builder produces.
func (b Builder) Kind() object.Kind {
	switch b {
	case VInt:
		return object.KindInt
	case VBool:
		return object.KindBool
	case VTuple:
		return object.KindTuple
	case VRange:
		return object.KindList
	case VRangeIter:
		return object.KindRangeIter
	}
	return object.KindUnknown
}

// Arity is the number of children, or -1 when it varies.
func (b Builder) Arity() int {
	switch b {
	case VInt, VBool:
		return 1
	case VRange, VRangeIter:
		return 2
	}
	return -1
}

// Force makes v a run-time (or compile-time) value by emitting the code
// that builds it. Children are forced first. Forcing a value that is not
// virtual does nothing.
func (c *Compiler) Force(v *Vinfo) {
	if !v.IsVirtual() {
		return
	}
	b := v.Source.Builder()
	if c.counting() {
		c.stats.Forced[b.String()]++
	}
	switch b {
	case VInt:
		c.call(c.ids.newInt, false, v.Items...)
		c.become(v, c.newObject(machine.R0, object.KindInt, false))
	case VBool:
		raw := v.Items[0]
		if raw.IsCompileTime() {
			k := &Known{Word: uint64(c.heap.Bool(raw.Known.Word != 0)), Kind: object.KindBool, Fixed: raw.Known.Fixed}
			v.Source = Source(CompileTime)
			v.Known = k
			v.Items = nil
			c.decref(raw)
			return
		}
		// Bools are immortal, so the result holds no reference.
		c.call(c.ids.newBool, false, raw)
		c.become(v, c.newObject(machine.R0, object.KindBool, true))
	case VTuple:
		c.call(c.ids.newTuple, true, v.Items...)
		c.become(v, c.newObject(machine.R0, object.KindTuple, false))
	case VRange:
		c.call(c.ids.newRange, false, v.Items...)
		c.become(v, c.newObject(machine.R0, object.KindList, false))
	case VRangeIter:
		c.call(c.ids.newRangeIter, false, v.Items...)
		c.become(v, c.newObject(machine.R0, object.KindRangeIter, false))
	default:
		panic(fmt.Sprintf("compiler: cannot force %s", b))
	}
}

// become turns v into the run-time value r, taking over r's location, and
// releases v's children.
func (c *Compiler) become(v, r *Vinfo) {
	st := c.state()
	v.Source = r.Source
	v.Known = nil
	if reg, ok := r.Source.Reg(); ok {
		st.regs[reg] = v
	} else if slot, ok := r.Source.Slot(); ok {
		st.slots[slot] = v
	}
	old := v.Items
	v.Items = nil
	for _, it := range old {
		c.decref(it)
	}
}
