package object

import (
	"errors"
	"math"
	"testing"
)

func TestHeapRefcountLifecycle(t *testing.T) {
	h := NewHeap()
	if h.Live() != 0 {
		t.Fatalf("fresh heap should have no live objects, got %d", h.Live())
	}

	a := h.NewInt(1)
	b := h.NewInt(2)
	tup := h.NewTuple([]Ref{a, b})
	if h.Live() != 3 {
		t.Errorf("Expected 3 live objects, got %d", h.Live())
	}

	h.Incref(tup)
	h.Decref(tup)
	if !h.Valid(a) {
		t.Error("items should survive while the tuple is alive")
	}

	h.Decref(tup)
	if h.Live() != 0 {
		t.Errorf("releasing the tuple should release its items, live=%d", h.Live())
	}
	if h.Valid(a) || h.Valid(b) {
		t.Error("items should be freed")
	}
}

func TestHeapUseAfterFreePanics(t *testing.T) {
	h := NewHeap()
	r := h.NewStr("x")
	h.Decref(r)

	defer func() {
		if recover() == nil {
			t.Error("reading a freed handle should panic")
		}
	}()
	h.Kind(r)
}

func TestHeapImmortals(t *testing.T) {
	h := NewHeap()
	for i := 0; i < 10; i++ {
		h.Decref(h.None())
		h.Decref(h.True())
	}
	if h.Kind(h.None()) != KindNone {
		t.Error("None must be immortal")
	}
	if h.Bool(true) != h.True() || h.Bool(false) != h.False() {
		t.Error("Bool should return the singletons")
	}
}

func TestBinaryIntOverflowPromotesToLong(t *testing.T) {
	h := NewHeap()
	a := h.NewInt(math.MaxInt64)
	b := h.NewInt(1)

	r, err := h.Binary(OpAdd, a, b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.Kind(r) != KindLong {
		t.Fatalf("Expected long, got %s", h.Kind(r))
	}
	if got := h.Repr(r); got != "9223372036854775808L" {
		t.Errorf("Expected 9223372036854775808L, got %s", got)
	}
}

func TestFloorDivisionSemantics(t *testing.T) {
	h := NewHeap()
	cases := []struct {
		a, b     int64
		div, mod string
	}{
		{7, 2, "3", "1"},
		{-7, 2, "-4", "1"},
		{7, -2, "-4", "-1"},
		{-7, -2, "3", "-1"},
	}
	for _, c := range cases {
		a, b := h.NewInt(c.a), h.NewInt(c.b)
		q, _ := h.Binary(OpFloorDiv, a, b)
		m, _ := h.Binary(OpMod, a, b)
		if h.Repr(q) != c.div || h.Repr(m) != c.mod {
			t.Errorf("%d //,%% %d = %s,%s; want %s,%s", c.a, c.b, h.Repr(q), h.Repr(m), c.div, c.mod)
		}

		la, lb := h.NewLong(h.Big(a)), h.NewLong(h.Big(b))
		lq, _ := h.Binary(OpFloorDiv, la, lb)
		lm, _ := h.Binary(OpMod, la, lb)
		if h.Repr(lq) != c.div+"L" || h.Repr(lm) != c.mod+"L" {
			t.Errorf("long %d //,%% %d = %s,%s", c.a, c.b, h.Repr(lq), h.Repr(lm))
		}
	}
}

func TestZeroDivisionRaises(t *testing.T) {
	h := NewHeap()
	_, err := h.Binary(OpMod, h.NewInt(1), h.NewInt(0))
	var exc *Exception
	if !errors.As(err, &exc) {
		t.Fatalf("Expected *Exception, got %v", err)
	}
	if exc.Type != ExcZeroDivisionError {
		t.Errorf("Expected ZeroDivisionError, got %s", exc.Type)
	}
	exc.Release(h)
}

func TestTypeErrorMessage(t *testing.T) {
	h := NewHeap()
	_, err := h.Binary(OpAdd, h.NewInt(1), h.NewStr("a"))
	if err == nil {
		t.Fatal("int + str should raise")
	}
	want := "TypeError: unsupported operand type(s) for +: 'int' and 'str'"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestCompareSequences(t *testing.T) {
	h := NewHeap()
	a := h.NewTuple([]Ref{h.NewInt(1), h.NewInt(2)})
	b := h.NewTuple([]Ref{h.NewInt(1), h.NewInt(3)})

	r, err := h.Compare(CmpLT, a, b)
	if err != nil || r != h.True() {
		t.Errorf("(1, 2) < (1, 3) should be True, got %s %v", h.Repr(r), err)
	}
	r, _ = h.Compare(CmpEQ, a, a)
	if r != h.True() {
		t.Error("tuple should equal itself")
	}
	if _, err := h.Compare(CmpLT, a, h.NewStr("x")); err == nil {
		t.Error("ordering tuple and str should raise")
	}
}

func TestExceptionMatch(t *testing.T) {
	h := NewHeap()
	exc := h.NewException(ExcValueError, "bad")
	r, _ := h.Compare(CmpExcMatch, exc, h.NewStr(ExcValueError))
	if r != h.True() {
		t.Error("ValueError should match ValueError")
	}
	r, _ = h.Compare(CmpExcMatch, exc, h.NewStr(ExcException))
	if r != h.True() {
		t.Error("Exception should match everything")
	}
	r, _ = h.Compare(CmpExcMatch, exc, h.NewStr(ExcTypeError))
	if r != h.False() {
		t.Error("ValueError should not match TypeError")
	}
}

func TestSubscrAndStore(t *testing.T) {
	h := NewHeap()
	lst := h.NewList([]Ref{h.NewInt(10), h.NewInt(20)})

	item, err := h.Subscr(lst, h.NewInt(-1))
	if err != nil || h.Int(item) != 20 {
		t.Fatalf("lst[-1] should be 20, got %s %v", h.Repr(item), err)
	}
	h.Decref(item)

	if err := h.StoreSubscr(lst, h.NewInt(0), h.NewStr("x")); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if got := h.Repr(lst); got != `["x", 20]` {
		t.Errorf("Expected [\"x\", 20], got %s", got)
	}

	if _, err := h.Subscr(lst, h.NewInt(5)); err == nil {
		t.Error("out of range index should raise")
	}
	tup := h.NewTuple(nil)
	if err := h.StoreSubscr(tup, h.NewInt(0), h.None()); err == nil {
		t.Error("tuple assignment should raise")
	}
}

func TestUnpack(t *testing.T) {
	h := NewHeap()
	tup := h.NewTuple([]Ref{h.NewInt(1), h.NewInt(2)})

	items, err := h.Unpack(tup, 2)
	if err != nil || len(items) != 2 {
		t.Fatalf("unpack failed: %v", err)
	}
	if h.RefCount(items[0]) != 2 {
		t.Errorf("unpacked items should carry a new reference, rc=%d", h.RefCount(items[0]))
	}

	_, err = h.Unpack(tup, 3)
	if err == nil || err.Error() != "ValueError: need more than 2 values to unpack" {
		t.Errorf("unexpected error %v", err)
	}
}

func TestIteration(t *testing.T) {
	h := NewHeap()
	lst := h.NewRange(0, 3)
	it, err := h.GetIter(lst)
	if err != nil {
		t.Fatal(err)
	}
	var got []int64
	for {
		r := h.Next(it)
		if r == Null {
			break
		}
		got = append(got, h.Int(r))
		h.Decref(r)
	}
	if len(got) != 3 || got[2] != 2 {
		t.Errorf("Expected [0 1 2], got %v", got)
	}

	ri := h.NewRangeIter(5, 7)
	a, b, c := h.Next(ri), h.Next(ri), h.Next(ri)
	if h.Int(a) != 5 || h.Int(b) != 6 || c != Null {
		t.Error("range iterator should yield 5, 6 then stop")
	}
}

func TestBuiltins(t *testing.T) {
	h := NewHeap()
	g := DefaultBuiltins(h)

	lenFn := h.Builtin(g["len"]).Fn
	r, err := lenFn(h, []Ref{h.NewStr("abc")})
	if err != nil || h.Int(r) != 3 {
		t.Errorf("len('abc') should be 3, got %s %v", h.Repr(r), err)
	}

	excFn := h.Builtin(g[ExcValueError]).Fn
	exc, _ := excFn(h, []Ref{h.NewStr("boom")})
	typ, msg := h.ExceptionInfo(exc)
	if typ != ExcValueError || msg != "boom" {
		t.Errorf("unexpected exception %s(%s)", typ, msg)
	}

	if _, err := lenFn(h, nil); err == nil {
		t.Error("len() without arguments should raise")
	}
}
