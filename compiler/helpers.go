package compiler

import (
	"errors"
	"fmt"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// helperIDs are the runtime helpers compiled code calls.
type helperIDs struct {
	newInt       machine.HelperID
	newBool      machine.HelperID
	newTuple     machine.HelperID
	newList      machine.HelperID
	newRange     machine.HelperID
	newRangeIter machine.HelperID

	binary  [object.OpXor + 1]machine.HelperID
	compare [object.CmpExcMatch + 1]machine.HelperID

	negative    machine.HelperID
	truth       machine.HelperID
	subscr      machine.HelperID
	storeSubscr machine.HelperID
	getIter     machine.HelperID
	forIter     machine.HelperID
	unpack      machine.HelperID
	call        machine.HelperID

	raise           machine.HelperID
	endFinally      machine.HelperID
	unboundLocal    machine.HelperID
	undefinedGlobal machine.HelperID
}

func ref(w uint64) object.Ref { return object.Ref(w) }

func refs(ws []uint64) []object.Ref {
	out := make([]object.Ref, len(ws))
	for i, w := range ws {
		out[i] = object.Ref(w)
	}
	return out
}

// result converts a helper's (Ref, error) into the machine's convention.
func result(r object.Ref, err error) (uint64, error) {
	if err != nil {
		return 0, err
	}
	return uint64(r), nil
}

func (c *Compiler) registerHelpers() {
	h := c.heap
	t := c.helpers
	ids := &c.ids

	ids.newInt = t.Register("newInt", true, func(a []uint64) (uint64, error) {
		return uint64(h.NewInt(int64(a[0]))), nil
	})
	ids.newBool = t.Register("newBool", true, func(a []uint64) (uint64, error) {
		return uint64(h.Bool(a[0] != 0)), nil
	})
	ids.newTuple = t.Register("newTuple", true, func(a []uint64) (uint64, error) {
		return uint64(h.NewTuple(refs(a))), nil
	})
	ids.newList = t.Register("newList", true, func(a []uint64) (uint64, error) {
		return uint64(h.NewList(refs(a))), nil
	})
	ids.newRange = t.Register("newRange", true, func(a []uint64) (uint64, error) {
		return uint64(h.NewRange(int64(a[0]), int64(a[1]))), nil
	})
	ids.newRangeIter = t.Register("newRangeIter", true, func(a []uint64) (uint64, error) {
		return uint64(h.NewRangeIter(int64(a[0]), int64(a[1]))), nil
	})

	for op := object.OpAdd; op <= object.OpXor; op++ {
		ids.binary[op] = t.Register("binary"+op.String(), false, func(a []uint64) (uint64, error) {
			return result(h.Binary(op, ref(a[0]), ref(a[1])))
		})
	}
	for op := object.CmpLT; op <= object.CmpExcMatch; op++ {
		ids.compare[op] = t.Register("compare"+op.String(), false, func(a []uint64) (uint64, error) {
			return result(h.Compare(op, ref(a[0]), ref(a[1])))
		})
	}

	ids.negative = t.Register("negative", false, func(a []uint64) (uint64, error) {
		return result(h.Negative(ref(a[0])))
	})
	ids.truth = t.Register("truth", true, func(a []uint64) (uint64, error) {
		if h.Truth(ref(a[0])) {
			return 1, nil
		}
		return 0, nil
	})
	ids.subscr = t.Register("subscr", false, func(a []uint64) (uint64, error) {
		return result(h.Subscr(ref(a[0]), ref(a[1])))
	})
	ids.storeSubscr = t.Register("storeSubscr", false, func(a []uint64) (uint64, error) {
		if err := h.StoreSubscr(ref(a[0]), ref(a[1]), ref(a[2])); err != nil {
			return 0, err
		}
		return 0, nil
	})
	ids.getIter = t.Register("getIter", false, func(a []uint64) (uint64, error) {
		return result(h.GetIter(ref(a[0])))
	})
	// forIter returns 0 when the iterator is exhausted.
	ids.forIter = t.Register("forIter", false, func(a []uint64) (uint64, error) {
		return uint64(h.Next(ref(a[0]))), nil
	})
	// unpack only checks the sequence; the code reads the items itself.
	ids.unpack = t.Register("unpack", false, func(a []uint64) (uint64, error) {
		items, err := h.Unpack(ref(a[0]), int(a[1]))
		if err != nil {
			return 0, err
		}
		for _, it := range items {
			h.Decref(it)
		}
		return 0, nil
	})
	ids.call = t.Register("call", false, func(a []uint64) (uint64, error) {
		return result(c.host.Call(ref(a[0]), refs(a[1:])))
	})

	ids.raise = t.Register("raise", false, func(a []uint64) (uint64, error) {
		return 0, h.Reraise(ref(a[0]))
	})
	ids.endFinally = t.Register("endFinally", false, func(a []uint64) (uint64, error) {
		v := ref(a[0])
		switch h.Kind(v) {
		case object.KindNone:
			return 0, nil
		case object.KindException:
			return 0, h.Reraise(v)
		}
		return 0, h.Raise(object.ExcRuntimeError, "'finally' pops bad exception")
	})
	ids.unboundLocal = t.Register("unboundLocal", false, func(a []uint64) (uint64, error) {
		return 0, h.RaiseUnbound(c.messages[a[0]])
	})
	ids.undefinedGlobal = t.Register("undefinedGlobal", false, func(a []uint64) (uint64, error) {
		return 0, h.RaiseUndefined(c.messages[a[0]])
	})
}

// message interns a name used in an error raised by compiled code.
func (c *Compiler) message(s string) int64 {
	for i, m := range c.messages {
		if m == s {
			return int64(i)
		}
	}
	c.messages = append(c.messages, s)
	return int64(len(c.messages) - 1)
}

// ---------------------------------------------------------------------------
// Object memory
// ---------------------------------------------------------------------------

// heapMemory lets compiled code operate on heap objects.
type heapMemory struct {
	h *object.Heap
}

func (m heapMemory) Field(w uint64, f machine.Field) uint64 {
	r := ref(w)
	switch f {
	case machine.FieldKind:
		return uint64(m.h.Kind(r))
	case machine.FieldIval:
		return uint64(m.h.Int(r))
	case machine.FieldLen:
		return uint64(m.h.Len(r))
	}
	panic(fmt.Sprintf("compiler: bad field %s", f))
}

func (m heapMemory) Item(w uint64, i int) uint64 { return uint64(m.h.Items(ref(w))[i]) }
func (m heapMemory) Incref(w uint64)             { m.h.Incref(ref(w)) }
func (m heapMemory) Decref(w uint64)             { m.h.Decref(ref(w)) }

// Catch takes over the exception object of a pending guest exception.
func (m heapMemory) Catch(err error) uint64 {
	var exc *object.Exception
	if !errors.As(err, &exc) {
		panic(fmt.Sprintf("compiler: non-guest error reached compiled code: %v", err))
	}
	r := exc.Ref
	exc.Ref = object.Null
	return uint64(r)
}
