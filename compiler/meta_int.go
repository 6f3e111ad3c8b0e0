package compiler

import (
	"math"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// smallInts are the kinds whose payload is a machine integer. Bools take
// part in arithmetic as ints and the result is an int.
var smallInts = []object.Kind{object.KindInt, object.KindBool}

// RegisterDefaults installs the built-in meta-implementations.
func RegisterDefaults(r *Registry) {
	arith := map[object.BinaryOp]MetaFunc{
		object.OpAdd: metaIntArith(machine.ALUAddO, object.AddInt64, true),
		object.OpSub: metaIntArith(machine.ALUSubO, object.SubInt64, true),
		object.OpMul: metaIntArith(machine.ALUMulO, object.MulInt64, true),
		object.OpAnd: metaIntArith(machine.ALUAnd, func(a, b int64) (int64, bool) { return a & b, false }, false),
		object.OpOr:  metaIntArith(machine.ALUOr, func(a, b int64) (int64, bool) { return a | b, false }, false),
		object.OpXor: metaIntArith(machine.ALUXor, func(a, b int64) (int64, bool) { return a ^ b, false }, false),
	}
	for _, a := range smallInts {
		for _, b := range smallInts {
			for op, fn := range arith {
				r.Register(binaryOperation(op), fn, a, b)
			}
			for _, op := range []object.CompareOp{object.CmpLT, object.CmpLE, object.CmpEQ, object.CmpNE, object.CmpGT, object.CmpGE} {
				r.Register(compareOperation(op), metaIntCompare(op), a, b)
			}
		}
		r.Register("neg", metaIntNeg, a)
	}
	registerSequenceMetas(r)
}

// metaIntArith compiles a two-operand integer operation. Checked
// operations guard the overflow flag and leave overflowing results to the
// generic helper, which promotes them to longs.
func metaIntArith(alu machine.ALUOp, fold func(a, b int64) (int64, bool), checked bool) MetaFunc {
	return func(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
		a := c.rawInt(args[0])
		b := c.rawInt(args[1])
		defer c.decref(a)
		defer c.decref(b)

		if a.IsCompileTime() && b.IsCompileTime() {
			n, ovf := fold(a.Known.Int(), b.Known.Int())
			if ovf {
				return nil, Declined
			}
			return MakeVirtual(VInt, MakeRawConstant(n)), Done
		}
		r := c.allocReg()
		c.emit().Mov(r, c.operand(a))
		c.emit().ALU(alu, r, c.operand(b))
		if checked && c.branch(machine.CondO) {
			return nil, Declined
		}
		return MakeVirtual(VInt, c.newRaw(r)), Done
	}
}

var compareConds = map[object.CompareOp]machine.Cond{
	object.CmpLT: machine.CondLT,
	object.CmpLE: machine.CondLE,
	object.CmpEQ: machine.CondEQ,
	object.CmpNE: machine.CondNE,
	object.CmpGT: machine.CondGT,
	object.CmpGE: machine.CondGE,
}

// metaIntCompare compiles an integer comparison into a virtual bool.
func metaIntCompare(op object.CompareOp) MetaFunc {
	cc := compareConds[op]
	return func(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
		a := c.rawInt(args[0])
		b := c.rawInt(args[1])
		defer c.decref(a)
		defer c.decref(b)

		if a.IsCompileTime() && b.IsCompileTime() {
			x, y := a.Known.Int(), b.Known.Int()
			cmp := 0
			switch {
			case x < y:
				cmp = -1
			case x > y:
				cmp = 1
			}
			return MakeConstant(c.heap.Bool(object.CompareResult(op, cmp)), object.KindBool), Done
		}
		r := c.allocReg()
		c.emit().Mov(machine.Scratch, c.operand(a))
		c.emit().Cmp(machine.Scratch, c.operand(b))
		c.emit().SetCC(r, cc)
		return MakeVirtual(VBool, c.newRaw(r)), Done
	}
}

func metaIntNeg(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	a := c.rawInt(args[0])
	defer c.decref(a)

	if a.IsCompileTime() {
		if a.Known.Int() == math.MinInt64 {
			return nil, Declined
		}
		return MakeVirtual(VInt, MakeRawConstant(-a.Known.Int())), Done
	}
	r := c.allocReg()
	c.emit().Mov(r, c.operand(a))
	c.emit().Neg(r)
	if c.branch(machine.CondO) {
		return nil, Declined
	}
	return MakeVirtual(VInt, c.newRaw(r)), Done
}
