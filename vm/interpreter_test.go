package vm

import (
	"errors"
	"testing"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/object"
)

// directCaller runs builtins and interpreted functions without an engine.
type directCaller struct {
	interp *Interpreter
}

func (d *directCaller) Call(fn object.Ref, args []object.Ref) (object.Ref, error) {
	h := d.interp.heap
	switch h.Kind(fn) {
	case object.KindBuiltin:
		return h.Builtin(fn).Fn(h, args)
	case object.KindFunction:
		return d.interp.Execute(h.Code(fn).(*bytecode.Code), args)
	}
	return object.Null, h.Raise(object.ExcTypeError, "'%s' object is not callable", h.Kind(fn))
}

type interpEnv struct {
	t      *testing.T
	h      *object.Heap
	mod    *bytecode.Module
	interp *Interpreter
}

func newInterpEnv(t *testing.T, src string) *interpEnv {
	t.Helper()
	h := object.NewHeap()
	mod, err := bytecode.Assemble(h, src)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}
	globals := object.DefaultBuiltins(h)
	for name, fn := range mod.Functions {
		globals[name] = fn
	}
	caller := &directCaller{}
	caller.interp = NewInterpreter(h, globals, caller)
	return &interpEnv{t: t, h: h, mod: mod, interp: caller.interp}
}

func (e *interpEnv) run(fn string, args ...object.Ref) (object.Ref, error) {
	return e.interp.Execute(e.mod.Funcs[fn], args)
}

func (e *interpEnv) expectException(fn, typ, msg string, args ...object.Ref) {
	e.t.Helper()
	_, err := e.run(fn, args...)
	var exc *object.Exception
	if !errors.As(err, &exc) {
		e.t.Fatalf("%s: expected a guest exception, got %v", fn, err)
	}
	defer exc.Release(e.h)
	if exc.Type != typ || exc.Msg != msg {
		e.t.Errorf("%s raised %s, expected %s: %s", fn, exc, typ, msg)
	}
}

func TestInterpreterContinueAndBreakThroughFinally(t *testing.T) {
	e := newInterpEnv(t, programSource)
	live := e.h.Live()

	n := e.h.NewInt(10)
	res, err := e.run("count", n)
	e.h.Decref(n)
	if err != nil {
		t.Fatalf("count raised %v", err)
	}
	if got := e.h.Int(res); got != 7 {
		t.Errorf("Expected 7 finally runs, got %d", got)
	}
	e.h.Decref(res)

	if e.h.Live() != live {
		t.Errorf("reference leak: %d live objects before, %d after", live, e.h.Live())
	}
	if e.interp.Stats().Instructions == 0 {
		t.Error("Expected instructions to be counted")
	}
}

func TestInterpreterUnboundLocal(t *testing.T) {
	e := newInterpEnv(t, `
func f()
    locals x
    LOAD_FAST x
    RETURN_VALUE
end
`)
	e.expectException("f", object.ExcUnboundLocalError, "local variable 'x' referenced before assignment")
}

func TestInterpreterUndefinedGlobal(t *testing.T) {
	e := newInterpEnv(t, `
func f()
    LOAD_GLOBAL nope
    RETURN_VALUE
end
`)
	e.expectException("f", object.ExcNameError, "global name 'nope' is not defined")
}

func TestInterpreterHandlerReraisesOtherTypes(t *testing.T) {
	e := newInterpEnv(t, programSource)
	live := e.h.Live()

	a := e.h.NewInt(7)
	s := e.h.NewStr("x")
	_, err := e.run("safe", a, s)
	var exc *object.Exception
	if !errors.As(err, &exc) || exc.Type != object.ExcTypeError {
		t.Fatalf("Expected the TypeError to pass the handler, got %v", err)
	}
	exc.Release(e.h)
	e.h.Decref(a)
	e.h.Decref(s)

	if e.h.Live() != live {
		t.Errorf("reference leak: %d live objects before, %d after", live, e.h.Live())
	}
}

func TestInterpreterRaise(t *testing.T) {
	e := newInterpEnv(t, `
func raiseValue()
    LOAD_GLOBAL ValueError
    LOAD_CONST "bad"
    CALL_FUNCTION 1
    RAISE_VARARGS 1
end

func raiseInt()
    LOAD_CONST 3
    RAISE_VARARGS 1
end
`)
	e.expectException("raiseValue", object.ExcValueError, "bad")
	e.expectException("raiseInt", object.ExcTypeError, "exceptions must be exception instances, not int")
}

func TestInterpreterArgumentCount(t *testing.T) {
	e := newInterpEnv(t, programSource)
	if _, err := e.run("add"); err == nil {
		t.Error("Expected an error for a missing argument")
	}
}

func TestInterpreterRotations(t *testing.T) {
	e := newInterpEnv(t, `
func rot()
    LOAD_CONST 1
    LOAD_CONST 2
    LOAD_CONST 3
    ROT_THREE
    BUILD_TUPLE 3
    RETURN_VALUE
end

func rot2()
    LOAD_CONST 1
    LOAD_CONST 2
    ROT_TWO
    BUILD_LIST 2
    RETURN_VALUE
end
`)
	for fn, want := range map[string]string{"rot": "(3, 1, 2)", "rot2": "[2, 1]"} {
		res, err := e.run(fn)
		if err != nil {
			t.Fatalf("%s raised %v", fn, err)
		}
		if got := e.h.Repr(res); got != want {
			t.Errorf("%s = %s, expected %s", fn, got, want)
		}
		e.h.Decref(res)
	}
}
