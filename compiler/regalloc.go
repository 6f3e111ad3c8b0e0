package compiler

import (
	"fmt"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// allocOrder prefers registers that survive helper calls.
var allocOrder = [...]machine.Reg{machine.R4, machine.R5, machine.R6, machine.R0, machine.R1, machine.R2, machine.R3}

// allocReg returns a free register, spilling the least recently used value
// when every register is taken. The register is not owned until the caller
// records a value in it; nothing may be allocated in between.
func (c *Compiler) allocReg() machine.Reg {
	st := c.state()
	for _, r := range allocOrder {
		if st.regs[r] == nil {
			return r
		}
	}
	victim := allocOrder[0]
	for _, r := range allocOrder[1:] {
		if st.used[r] < st.used[victim] {
			victim = r
		}
	}
	c.spill(victim)
	return victim
}

// spill moves the value in r to a free frame slot.
func (c *Compiler) spill(r machine.Reg) {
	st := c.state()
	v := st.regs[r]
	if v == nil {
		return
	}
	slot := st.freeSlot()
	if slot >= MaxSlots {
		panic(fmt.Sprintf("compiler: %s needs more than %d frame slots", st.Code.Name, MaxSlots))
	}
	c.emit().Store(slot, r)
	st.regs[r] = nil
	v.Source = v.Source.withLocation(slotSource(slot))
	st.setSlot(slot, v)
}

// spillCallerSaved empties the registers a helper call clobbers.
func (c *Compiler) spillCallerSaved() {
	for r := machine.Reg(0); r < machine.CallerSaved; r++ {
		c.spill(r)
	}
}

// newRaw claims r for a new raw integer.
func (c *Compiler) newRaw(r machine.Reg) *Vinfo {
	v := MakeRunTime(regSource(r).WithRaw())
	c.state().setReg(r, v)
	return v
}

// newObject claims r for a new object of the given kind. Unless noref is
// set the code owns a reference to it.
func (c *Compiler) newObject(r machine.Reg, kind object.Kind, noref bool) *Vinfo {
	v := MakeRunTime(regSource(r).WithNoRef(noref).WithType(kind))
	c.state().setReg(r, v)
	return v
}

// operand returns where the value of v can be read. Virtual values must be
// forced first.
func (c *Compiler) operand(v *Vinfo) machine.Operand {
	switch v.Source.Kind() {
	case CompileTime:
		return machine.Imm(v.Known.Word)
	case RunTime:
		if r, ok := v.Source.Reg(); ok {
			c.state().touch(r)
			return machine.R(r)
		}
		slot, _ := v.Source.Slot()
		return machine.S(slot)
	}
	panic(fmt.Sprintf("compiler: operand of unforced %s", v))
}

// ---------------------------------------------------------------------------
// Descriptor references
// ---------------------------------------------------------------------------

func (c *Compiler) incref(v *Vinfo) *Vinfo {
	v.refs++
	return v
}

// decref drops one holder of v. Dropping the last holder releases v's
// location, emits a DECREF when the code owns the object and releases the
// children of a virtual value.
func (c *Compiler) decref(v *Vinfo) {
	if v == nil {
		return
	}
	if v.refs <= 0 {
		panic(fmt.Sprintf("compiler: descriptor %s released too often", v))
	}
	v.refs--
	if v.refs > 0 {
		return
	}
	switch v.Source.Kind() {
	case RunTime:
		if v.Owned() {
			c.emit().Decref(c.operand(v))
		}
		c.state().releaseLocation(v)
	case Virtual:
		items := v.Items
		v.Items = nil
		for _, it := range items {
			c.decref(it)
		}
	}
}

// give hands one reference on v to code that keeps it (a container being
// built, the caller of a return). It forces v, then either transfers the
// reference the code already owns or takes a new one.
func (c *Compiler) give(v *Vinfo) {
	c.Force(v)
	if v.IsRaw() {
		panic(fmt.Sprintf("compiler: cannot give away raw %s", v))
	}
	if v.Owned() && v.refs == 1 {
		v.Source = v.Source.WithNoRef(true)
		return
	}
	c.emit().Incref(c.operand(v))
}

// call emits a helper call on args. Virtual arguments are forced first;
// with steal set the helper keeps a reference to each argument. The
// result is left in R0 and no value owns it yet.
func (c *Compiler) call(h machine.HelperID, steal bool, args ...*Vinfo) {
	for _, a := range args {
		c.Force(a)
	}
	if steal {
		for _, a := range args {
			c.give(a)
		}
	}
	c.spillCallerSaved()
	ops := make([]machine.Operand, len(args))
	for i, a := range args {
		ops[i] = c.operand(a)
	}
	c.emit().Call(h, ops...)
}

// rawInt returns a new holder of the machine integer inside an int or bool
// v, reading the object's payload when it is only known at run time.
func (c *Compiler) rawInt(v *Vinfo) *Vinfo {
	switch v.Source.Kind() {
	case Virtual:
		b := v.Source.Builder()
		if b != VInt && b != VBool {
			panic(fmt.Sprintf("compiler: rawInt of %s", v))
		}
		return c.incref(v.Items[0])
	case CompileTime:
		if v.Known.Raw {
			return c.incref(v)
		}
		raw := MakeRawConstant(c.heap.Int(v.Known.Ref()))
		raw.Known.Fixed = v.Known.Fixed
		return raw
	}
	if v.IsRaw() {
		return c.incref(v)
	}
	r := c.allocReg()
	c.emit().Field(r, machine.FieldIval, c.operand(v))
	return c.newRaw(r)
}

// releaseFrame drops every local and stack entry.
func (c *Compiler) releaseFrame() {
	st := c.state()
	for i, v := range st.Locals {
		st.Locals[i] = nil
		c.decref(v)
	}
	for len(st.Stack) > 0 {
		c.decref(st.Pop())
	}
}

// unwindStack pops the value stack down to level.
func (c *Compiler) unwindStack(level int) {
	st := c.state()
	for len(st.Stack) > level {
		c.decref(st.Pop())
	}
}
