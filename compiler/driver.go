package compiler

import (
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

var binaryOps = map[bytecode.Opcode]object.BinaryOp{
	bytecode.BINARY_ADD:          object.OpAdd,
	bytecode.BINARY_SUBTRACT:     object.OpSub,
	bytecode.BINARY_MULTIPLY:     object.OpMul,
	bytecode.BINARY_FLOOR_DIVIDE: object.OpFloorDiv,
	bytecode.BINARY_MODULO:       object.OpMod,
	bytecode.BINARY_AND:          object.OpAnd,
	bytecode.BINARY_OR:           object.OpOr,
	bytecode.BINARY_XOR:          object.OpXor,
}

// compile compiles one instruction of the current path.
func (c *Compiler) compile(ins bytecode.Instruction) flow {
	st := c.state()
	ids := &c.ids

	switch ins.Op {
	case bytecode.NOP:

	case bytecode.POP_TOP:
		c.decref(st.Pop())

	case bytecode.ROT_TWO:
		a := st.Pop()
		b := st.Pop()
		st.Push(a)
		st.Push(b)

	case bytecode.ROT_THREE:
		top := st.Pop()
		second := st.Pop()
		third := st.Pop()
		st.Push(top)
		st.Push(third)
		st.Push(second)

	case bytecode.DUP_TOP:
		st.Push(c.incref(st.Top(0)))

	case bytecode.UNARY_NEGATIVE:
		return c.operation(ins, "neg", helperCall{id: ids.negative}, 1)

	case bytecode.UNARY_NOT:
		return c.not(ins)

	case bytecode.BINARY_ADD, bytecode.BINARY_SUBTRACT, bytecode.BINARY_MULTIPLY,
		bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_MODULO,
		bytecode.BINARY_AND, bytecode.BINARY_OR, bytecode.BINARY_XOR:
		op := binaryOps[ins.Op]
		return c.operation(ins, binaryOperation(op), helperCall{id: ids.binary[op]}, 2)

	case bytecode.BINARY_SUBSCR:
		return c.operation(ins, "subscr", helperCall{id: ids.subscr}, 2)

	case bytecode.STORE_SUBSCR:
		args := st.PopN(3) // value, sequence, index
		c.call(ids.storeSubscr, false, args[1], args[2], args[0])
		raised := c.branch(machine.CondExc)
		c.release(args)
		if raised {
			return c.raise()
		}

	case bytecode.COMPARE_OP:
		op := object.CompareOp(ins.Arg)
		// Comparisons return the immortal bools.
		h := helperCall{id: ids.compare[op], kind: object.KindBool, noref: true}
		return c.operation(ins, compareOperation(op), h, 2)

	case bytecode.LOAD_CONST:
		r := st.Code.Consts[ins.Arg]
		st.Push(MakeConstant(r, c.heap.Kind(r)))

	case bytecode.LOAD_FAST:
		v := st.Locals[ins.Arg]
		if v == nil {
			name := MakeRawConstant(c.message(st.Code.LocalNames[ins.Arg]))
			c.call(ids.unboundLocal, false, name)
			c.decref(name)
			return c.raise()
		}
		st.Push(c.incref(v))

	case bytecode.STORE_FAST:
		old := st.Locals[ins.Arg]
		st.Locals[ins.Arg] = st.Pop()
		c.decref(old)

	case bytecode.LOAD_GLOBAL:
		name := st.Code.Names[ins.Arg]
		r, ok := c.globals[name]
		if !ok {
			msg := MakeRawConstant(c.message(name))
			c.call(ids.undefinedGlobal, false, msg)
			c.decref(msg)
			return c.raise()
		}
		v := MakeConstant(r, c.heap.Kind(r))
		v.Known.Fixed = true
		st.Push(v)

	case bytecode.BUILD_TUPLE:
		st.Push(MakeVirtual(VTuple, st.PopN(ins.Arg)...))

	case bytecode.BUILD_LIST:
		items := st.PopN(ins.Arg)
		c.call(ids.newList, true, items...)
		v := c.newObject(machine.R0, object.KindList, false)
		c.release(items)
		st.Push(v)

	case bytecode.UNPACK_SEQUENCE:
		return c.unpack(ins)

	case bytecode.GET_ITER:
		return c.operation(ins, "iter", helperCall{id: ids.getIter}, 1)

	case bytecode.FOR_ITER:
		return c.forIter(ins)

	case bytecode.JUMP_ABSOLUTE:
		st.Pos = ins.Arg
		return flowContinue

	case bytecode.POP_JUMP_IF_FALSE:
		return c.condJump(ins, false)

	case bytecode.POP_JUMP_IF_TRUE:
		return c.condJump(ins, true)

	case bytecode.SETUP_LOOP:
		st.PushBlock(BlockLoop, ins.Arg)

	case bytecode.SETUP_EXCEPT:
		st.PushBlock(BlockExcept, ins.Arg)

	case bytecode.SETUP_FINALLY:
		st.PushBlock(BlockFinally, ins.Arg)

	case bytecode.POP_BLOCK:
		st.PopBlock()

	case bytecode.BREAK_LOOP:
		return c.breakLoop()

	case bytecode.CONTINUE_LOOP:
		return c.continueLoop(ins.Arg)

	case bytecode.END_FINALLY:
		return c.endFinally(ins)

	case bytecode.RAISE_VARARGS:
		v := st.Pop()
		c.call(ids.raise, false, v)
		c.decref(v)
		return c.raise()

	case bytecode.CALL_FUNCTION:
		return c.callFunction(ins)

	case bytecode.RETURN_VALUE:
		return c.returnValue(st.Pop())

	default:
		panic(fmt.Sprintf("compiler: %s at %d in %s is not supported", ins.Op, ins.Pos, st.Code.Name))
	}
	st.Pos = ins.Next
	return flowContinue
}

func (c *Compiler) release(vs []*Vinfo) {
	for _, v := range vs {
		c.decref(v)
	}
}

// operation pops n operands, compiles op on them and pushes the result.
func (c *Compiler) operation(ins bytecode.Instruction, op Operation, h helperCall, n int) flow {
	st := c.state()
	args := st.PopN(n)
	v, out := c.operate(op, h, args)
	return c.finish(ins, v, out, args)
}

// finish releases the operands of an operation and either pushes its
// result or starts unwinding.
func (c *Compiler) finish(ins bytecode.Instruction, v *Vinfo, out Outcome, args []*Vinfo) flow {
	st := c.state()
	switch out {
	case Suspended:
		return flowEnd
	case Raised:
		c.release(args)
		return c.raise()
	}
	c.release(args)
	st.Push(v)
	st.Pos = ins.Next
	return flowContinue
}

// generic calls a runtime helper on borrowed operands and wraps the new
// reference it returns. The arm where the helper raised is compiled
// lazily.
func (c *Compiler) generic(h machine.HelperID, kind object.Kind, noref bool, args ...*Vinfo) (*Vinfo, Outcome) {
	c.call(h, false, args...)
	if c.branch(machine.CondExc) {
		return nil, Raised
	}
	return c.newObject(machine.R0, kind, noref), Done
}

func (c *Compiler) callFunction(ins bytecode.Instruction) flow {
	st := c.state()
	args := st.PopN(ins.Arg)
	fn := st.Pop()
	all := append([]*Vinfo{fn}, args...)

	if fn.IsCompileTime() && fn.Known.Kind == object.KindBuiltin {
		op := Operation("call:" + c.heap.Builtin(fn.Known.Ref()).Name)
		if c.registry.Specializes(op) {
			if out := c.learnKinds(op, args); out != Done {
				return flowEnd
			}
			if v, out := c.specialize(op, args); out != Declined {
				return c.finish(ins, v, out, all)
			}
		}
	}
	if c.counting() {
		c.stats.Generic++
	}
	v, out := c.generic(c.ids.call, object.KindUnknown, false, all...)
	return c.finish(ins, v, out, all)
}

func (c *Compiler) unpack(ins bytecode.Instruction) flow {
	st := c.state()
	n := ins.Arg
	seq := st.Pop()
	if seq.IsVirtual() && seq.Source.Builder() == VTuple && len(seq.Items) == n {
		for i := n - 1; i >= 0; i-- {
			st.Push(c.incref(seq.Items[i]))
		}
		c.decref(seq)
		st.Pos = ins.Next
		return flowContinue
	}

	count := MakeRawConstant(int64(n))
	c.call(c.ids.unpack, false, seq, count)
	c.decref(count)
	if c.branch(machine.CondExc) {
		c.decref(seq)
		return c.raise()
	}
	for i := n - 1; i >= 0; i-- {
		r := c.allocReg()
		c.emit().Item(r, i, c.operand(seq))
		c.emit().Incref(machine.R(r))
		st.Push(c.newObject(r, object.KindUnknown, false))
	}
	c.decref(seq)
	st.Pos = ins.Next
	return flowContinue
}

func (c *Compiler) forIter(ins bytecode.Instruction) flow {
	st := c.state()
	it := st.Top(0)

	if it.IsVirtual() && it.Source.Builder() == VRangeIter {
		cur, stop := it.Items[0], it.Items[1]
		var exhausted bool
		if cur.IsCompileTime() && stop.IsCompileTime() {
			exhausted = cur.Known.Int() >= stop.Known.Int()
		} else {
			c.emit().Mov(machine.Scratch, c.operand(cur))
			c.emit().Cmp(machine.Scratch, c.operand(stop))
			exhausted = c.branch(machine.CondGE)
		}
		if exhausted {
			c.decref(st.Pop())
			st.Pos = ins.Arg
			return flowContinue
		}
		st.Push(MakeVirtual(VInt, c.incref(cur)))
		var next *Vinfo
		if cur.IsCompileTime() {
			next = MakeRawConstant(cur.Known.Int() + 1)
		} else {
			// cur < stop, so this cannot overflow.
			r := c.allocReg()
			c.emit().Mov(r, c.operand(cur))
			c.emit().ALU(machine.ALUAdd, r, machine.ImmInt(1))
			next = c.newRaw(r)
		}
		c.decref(it.setItem(0, next))
		st.Pos = ins.Next
		return flowContinue
	}

	c.call(c.ids.forIter, false, it)
	c.emit().Test(machine.R(machine.R0))
	if c.branch(machine.CondZ) {
		c.decref(st.Pop())
		st.Pos = ins.Arg
		return flowContinue
	}
	st.Push(c.newObject(machine.R0, object.KindUnknown, false))
	st.Pos = ins.Next
	return flowContinue
}

// ---------------------------------------------------------------------------
// Truth
// ---------------------------------------------------------------------------

// condition compiles the truth test of v. When the answer is known while
// compiling it is returned with known set; otherwise the emitted code
// leaves the zero flag set exactly when v is false.
func (c *Compiler) condition(v *Vinfo) (known, value bool, out Outcome) {
	switch v.Source.Kind() {
	case CompileTime:
		if v.Known.Raw {
			return true, v.Known.Word != 0, Done
		}
		return true, c.heap.Truth(v.Known.Ref()), Done
	case Virtual:
		switch v.Source.Builder() {
		case VInt, VBool:
			return c.condition(v.Items[0])
		case VTuple:
			return true, len(v.Items) > 0, Done
		case VRangeIter:
			return true, true, Done
		}
	}
	if v.IsRaw() {
		c.emit().Test(c.operand(v))
		return false, false, Done
	}
	args := []*Vinfo{v}
	if out := c.learnKinds("truth", args); out != Done {
		return false, false, out
	}
	switch v.ObjectKind() {
	case object.KindInt, object.KindBool:
		raw := c.rawInt(v)
		c.emit().Test(c.operand(raw))
		c.decref(raw)
		return false, false, Done
	case object.KindNone:
		return true, false, Done
	}
	if t, out := c.specialize("truth", args); out == Done {
		known, value, out = c.condition(t)
		c.decref(t)
		return known, value, out
	}
	c.call(c.ids.truth, false, v)
	c.emit().Test(machine.R(machine.R0))
	return false, false, Done
}

func (c *Compiler) condJump(ins bytecode.Instruction, ifTrue bool) flow {
	st := c.state()
	v := st.Pop()
	known, value, out := c.condition(v)
	if out == Suspended {
		return flowEnd
	}
	c.decref(v)
	if known {
		if value == ifTrue {
			st.Pos = ins.Arg
		} else {
			st.Pos = ins.Next
		}
		return flowContinue
	}
	cc := machine.CondZ
	if ifTrue {
		cc = machine.CondNZ
	}
	if c.branch(cc) {
		st.Pos = ins.Arg
	} else {
		st.Pos = ins.Next
	}
	return flowContinue
}

func (c *Compiler) not(ins bytecode.Instruction) flow {
	st := c.state()
	v := st.Pop()
	known, value, out := c.condition(v)
	if out == Suspended {
		return flowEnd
	}
	c.decref(v)
	if known {
		st.Push(MakeConstant(c.heap.Bool(!value), object.KindBool))
	} else {
		r := c.allocReg()
		c.emit().SetCC(r, machine.CondZ)
		st.Push(MakeVirtual(VBool, c.newRaw(r)))
	}
	st.Pos = ins.Next
	return flowContinue
}
