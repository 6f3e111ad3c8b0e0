package compiler

import (
	"strings"
	"testing"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

func TestSourceTagPacking(t *testing.T) {
	s := regSource(machine.R5).WithNoRef(true).WithType(object.KindTuple)
	if s.Kind() != RunTime {
		t.Fatalf("Expected run-time, got %s", s.Kind())
	}
	if r, ok := s.Reg(); !ok || r != machine.R5 {
		t.Errorf("Expected r5, got %v %v", r, ok)
	}
	if _, ok := s.Slot(); ok {
		t.Error("register value should have no slot")
	}
	if !s.NoRef() || s.Raw() {
		t.Error("flags lost")
	}
	if s.Type() != object.KindTuple {
		t.Errorf("Expected tuple type, got %s", s.Type())
	}

	moved := s.withLocation(slotSource(1234))
	if slot, ok := moved.Slot(); !ok || slot != 1234 {
		t.Errorf("Expected slot 1234, got %d %v", slot, ok)
	}
	if _, ok := moved.Reg(); ok {
		t.Error("moved value should have left its register")
	}
	if !moved.NoRef() || moved.Type() != object.KindTuple {
		t.Error("moving should keep flags and type")
	}

	v := builderSource(VRangeIter)
	if v.Kind() != Virtual || v.Builder() != VRangeIter {
		t.Errorf("bad virtual tag %s", v)
	}
}

func TestMakeVirtualChecksArity(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for a VInt with two children")
		}
	}()
	MakeVirtual(VInt, MakeRawConstant(1), MakeRawConstant(2))
}

func TestVirtualCycleIsRejected(t *testing.T) {
	inner := MakeVirtual(VTuple, MakeRawConstant(1))
	outer := MakeVirtual(VTuple, inner)
	defer func() {
		if recover() == nil {
			t.Error("Expected a panic for a self-containing tuple")
		}
	}()
	inner.setItem(0, outer)
}

func TestVinfoString(t *testing.T) {
	v := MakeVirtual(VTuple, MakeRawConstant(3), MakeVirtual(VInt, MakeRawConstant(4)))
	if got := v.String(); got != "tuple(ct 3, int(ct 4))" {
		t.Errorf("unexpected rendering %q", got)
	}
	if v.ObjectKind() != object.KindTuple {
		t.Errorf("Expected tuple kind, got %s", v.ObjectKind())
	}
}

func testCode(numArgs int, locals ...string) *bytecode.Code {
	return bytecode.NewCode("t", []byte{byte(bytecode.RETURN_VALUE)}, nil, nil, locals, numArgs)
}

func TestCloneKeepsSharing(t *testing.T) {
	st := NewFrameState(testCode(1, "a", "b"))
	shared := MakeVirtual(VTuple, st.Locals[0])
	st.Locals[0].refs++
	st.Locals[1] = shared
	st.Push(shared)
	shared.refs++

	cp := st.Clone()
	if cp.Locals[1] != cp.Stack[0] {
		t.Error("a value held twice should stay shared in the clone")
	}
	if cp.Locals[1] == shared {
		t.Error("the clone should not reuse descriptors")
	}
	if cp.Locals[1].Items[0] != cp.Locals[0] {
		t.Error("children shared with locals should stay shared")
	}
	if cp.SlotOwner(0) != cp.Locals[0] {
		t.Error("slot owners should point into the clone")
	}
	if cp.ShapeKey() != st.ShapeKey() {
		t.Errorf("clone shape differs:\n%s\n%s", cp.ShapeKey(), st.ShapeKey())
	}
}

func TestShapeKeyDistinguishesAliasing(t *testing.T) {
	code := testCode(0, "a", "b")

	aliased := NewFrameState(code)
	v := MakeConstant(object.Ref(7), object.KindInt)
	aliased.Locals[0] = v
	aliased.Locals[1] = v
	v.refs++

	separate := NewFrameState(code)
	separate.Locals[0] = MakeConstant(object.Ref(7), object.KindInt)
	separate.Locals[1] = MakeConstant(object.Ref(7), object.KindInt)

	if aliased.ShapeKey() == separate.ShapeKey() {
		t.Error("aliasing between locals should be part of the shape")
	}
	if !strings.Contains(aliased.ShapeKey(), "@") {
		t.Errorf("Expected a back-reference in %q", aliased.ShapeKey())
	}
}

func TestStackUnderflowPanics(t *testing.T) {
	st := NewFrameState(testCode(0))
	defer func() {
		if recover() == nil {
			t.Error("Expected a panic on popping an empty stack")
		}
	}()
	st.Pop()
}
