package compiler

import (
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// whyMarker is the compile-time value a finally block finds on the stack
// when it was entered by return, break or continue rather than by an
// exception or by falling into it. It never exists at run time.
func whyMarker(reason, target int64) *Vinfo {
	v := MakeConstant(object.Null, object.KindWhy)
	v.Known.Word = uint64(reason | target<<8)
	v.Known.Fixed = true
	return v
}

func isWhyMarker(v *Vinfo) bool {
	return v.IsCompileTime() && !v.Known.Raw && v.Known.Kind == object.KindWhy
}

func whyOf(v *Vinfo) (reason, target int64) {
	w := int64(v.Known.Word)
	return w & 0xFF, w >> 8
}

// raise compiles the unwinding of a pending exception: values above each
// block are released until an except or finally block takes the
// exception, or the frame is left.
func (c *Compiler) raise() flow {
	st := c.state()
	for len(st.Blocks) > 0 {
		b := st.PopBlock()
		c.unwindStack(b.Level)
		if b.Kind == BlockLoop {
			continue
		}
		r := c.allocReg()
		c.emit().Catch(r)
		st.Push(c.newObject(r, object.KindException, false))
		st.Pos = b.Handler
		return flowContinue
	}
	c.releaseFrame()
	c.emit().Raise()
	return flowEnd
}

// returnValue returns v from the frame, running enclosing finally blocks
// first.
func (c *Compiler) returnValue(v *Vinfo) flow {
	st := c.state()
	for len(st.Blocks) > 0 {
		b := st.PopBlock()
		c.unwindStack(b.Level)
		if b.Kind == BlockFinally {
			st.Push(v)
			st.Push(whyMarker(object.WhyReturn, 0))
			st.Pos = b.Handler
			return flowContinue
		}
	}
	c.give(v)
	op := c.operand(v)
	c.releaseFrame()
	c.decref(v)
	c.emit().Ret(op)
	return flowEnd
}

func (c *Compiler) breakLoop() flow {
	st := c.state()
	for len(st.Blocks) > 0 {
		b := st.PopBlock()
		c.unwindStack(b.Level)
		switch b.Kind {
		case BlockLoop:
			st.Pos = b.Handler
			return flowContinue
		case BlockFinally:
			st.Push(whyMarker(object.WhyBreak, 0))
			st.Pos = b.Handler
			return flowContinue
		}
	}
	panic(fmt.Sprintf("compiler: 'break' outside loop in %s at %d", st.Code.Name, st.Pos))
}

// continueLoop jumps back to target. The loop block stays and keeps the
// values below it, such as the iterator of a for loop.
func (c *Compiler) continueLoop(target int) flow {
	st := c.state()
	for len(st.Blocks) > 0 {
		b := st.Blocks[len(st.Blocks)-1]
		if b.Kind == BlockLoop {
			st.Pos = target
			return flowContinue
		}
		st.PopBlock()
		c.unwindStack(b.Level)
		if b.Kind == BlockFinally {
			st.Push(whyMarker(object.WhyContinue, int64(target)))
			st.Pos = b.Handler
			return flowContinue
		}
	}
	panic(fmt.Sprintf("compiler: 'continue' outside loop in %s at %d", st.Code.Name, st.Pos))
}

// endFinally ends a finally or except block: it resumes whatever unwind
// entered the block, or does nothing when the block was fallen into.
func (c *Compiler) endFinally(ins bytecode.Instruction) flow {
	st := c.state()
	v := st.Pop()
	if isWhyMarker(v) {
		reason, target := whyOf(v)
		c.decref(v)
		switch reason {
		case object.WhyReturn:
			return c.returnValue(st.Pop())
		case object.WhyBreak:
			return c.breakLoop()
		case object.WhyContinue:
			return c.continueLoop(int(target))
		}
		panic(fmt.Sprintf("compiler: bad unwind reason %d", reason))
	}

	switch v.ObjectKind() {
	case object.KindNone:
		c.decref(v)
		st.Pos = ins.Next
		return flowContinue
	case object.KindException:
		c.call(c.ids.raise, false, v)
		c.decref(v)
		return c.raise()
	}

	c.call(c.ids.endFinally, false, v)
	raised := c.branch(machine.CondExc)
	c.decref(v)
	if raised {
		return c.raise()
	}
	st.Pos = ins.Next
	return flowContinue
}
