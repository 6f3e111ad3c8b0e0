package compiler

import (
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

func registerSequenceMetas(r *Registry) {
	for _, k := range smallInts {
		r.Register("subscr", metaTupleSubscr, object.KindTuple, k)
		r.Register("call:range", metaRange, k)
		for _, k2 := range smallInts {
			r.Register("call:range", metaRange, k, k2)
		}
	}
	for _, k := range []object.Kind{object.KindTuple, object.KindList} {
		r.Register("call:len", metaLen, k)
		r.Register("truth", metaSeqTruth, k)
	}
	r.Register("iter", metaRangeIter, object.KindList)
}

// metaTupleSubscr indexes a virtual tuple. The index must be known while
// compiling, so a run-time index is promoted.
func metaTupleSubscr(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	tuple := args[0]
	if !tuple.IsVirtual() {
		return nil, Declined
	}
	idx := c.rawInt(args[1])
	defer c.decref(idx)
	if idx.IsRunTime() && !c.promote(idx, sitePromoteValue) {
		return nil, Suspended
	}
	if !idx.IsCompileTime() {
		return nil, Declined
	}
	i, n := idx.Known.Int(), int64(len(tuple.Items))
	if i < 0 {
		i += n
	}
	if i < 0 || i >= n {
		// The generic helper raises the IndexError.
		return nil, Declined
	}
	return c.incref(tuple.Items[i]), Done
}

// metaLen is len() of a tuple or list.
func metaLen(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	seq := args[0]
	if seq.IsVirtual() {
		switch seq.Source.Builder() {
		case VTuple:
			return MakeVirtual(VInt, MakeRawConstant(int64(len(seq.Items)))), Done
		case VRange:
			start, stop := seq.Items[0], seq.Items[1]
			if start.IsCompileTime() && stop.IsCompileTime() {
				return MakeVirtual(VInt, MakeRawConstant(max(stop.Known.Int()-start.Known.Int(), 0))), Done
			}
		}
		c.Force(seq)
	}
	if seq.IsCompileTime() {
		return MakeVirtual(VInt, MakeRawConstant(int64(c.heap.Len(seq.Known.Ref())))), Done
	}
	r := c.allocReg()
	c.emit().Field(r, machine.FieldLen, c.operand(seq))
	return MakeVirtual(VInt, c.newRaw(r)), Done
}

// metaRange builds range(stop) or range(start, stop) lazily.
func metaRange(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	if len(args) == 1 {
		return MakeVirtual(VRange, MakeRawConstant(0), c.rawInt(args[0])), Done
	}
	return MakeVirtual(VRange, c.rawInt(args[0]), c.rawInt(args[1])), Done
}

// metaRangeIter iterates a range that was never built.
func metaRangeIter(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	rng := args[0]
	if !rng.IsVirtual() || rng.Source.Builder() != VRange {
		return nil, Declined
	}
	return MakeVirtual(VRangeIter, c.incref(rng.Items[0]), c.incref(rng.Items[1])), Done
}

// metaSeqTruth is the truth of a tuple or list: whether it is non-empty.
func metaSeqTruth(c *Compiler, args []*Vinfo) (*Vinfo, Outcome) {
	seq := args[0]
	if seq.IsVirtual() {
		c.Force(seq)
	}
	if seq.IsCompileTime() {
		return MakeConstant(c.heap.Bool(c.heap.Len(seq.Known.Ref()) > 0), object.KindBool), Done
	}
	r := c.allocReg()
	c.emit().Field(r, machine.FieldLen, c.operand(seq))
	c.emit().Test(machine.R(r))
	c.emit().SetCC(r, machine.CondNZ)
	return MakeVirtual(VBool, c.newRaw(r)), Done
}
