package vm

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/object"
)

const programSource = `
func add(a, b)
    LOAD_FAST a
    LOAD_FAST b
    BINARY_ADD
    RETURN_VALUE
end

func collatz(n)
    locals steps
    LOAD_CONST 0
    STORE_FAST steps
    SETUP_LOOP out
loop:
    LOAD_FAST n
    LOAD_CONST 1
    COMPARE_OP ==
    POP_JUMP_IF_FALSE body
    BREAK_LOOP
body:
    LOAD_FAST steps
    LOAD_CONST 1
    BINARY_ADD
    STORE_FAST steps
    LOAD_FAST n
    LOAD_CONST 2
    BINARY_MODULO
    POP_JUMP_IF_TRUE odd
    LOAD_FAST n
    LOAD_CONST 2
    BINARY_FLOOR_DIVIDE
    STORE_FAST n
    CONTINUE_LOOP loop
odd:
    LOAD_FAST n
    LOAD_CONST 3
    BINARY_MULTIPLY
    LOAD_CONST 1
    BINARY_ADD
    STORE_FAST n
    JUMP_ABSOLUTE loop
out:
    LOAD_FAST steps
    RETURN_VALUE
end

func fib(n)
    LOAD_FAST n
    LOAD_CONST 2
    COMPARE_OP <
    POP_JUMP_IF_FALSE rec
    LOAD_FAST n
    RETURN_VALUE
rec:
    LOAD_GLOBAL fib
    LOAD_FAST n
    LOAD_CONST 1
    BINARY_SUBTRACT
    CALL_FUNCTION 1
    LOAD_GLOBAL fib
    LOAD_FAST n
    LOAD_CONST 2
    BINARY_SUBTRACT
    CALL_FUNCTION 1
    BINARY_ADD
    RETURN_VALUE
end

func swap(a, b)
    LOAD_FAST b
    LOAD_FAST a
    BUILD_TUPLE 2
    UNPACK_SEQUENCE 2
    STORE_FAST a
    STORE_FAST b
    LOAD_FAST a
    LOAD_FAST b
    LOAD_CONST 10
    BINARY_MULTIPLY
    BINARY_SUBTRACT
    RETURN_VALUE
end

func guarded(a, b)
    SETUP_FINALLY fin
    LOAD_FAST a
    LOAD_FAST b
    BINARY_FLOOR_DIVIDE
    RETURN_VALUE
fin:
    LOAD_CONST 10
    LOAD_FAST b
    LOAD_CONST 3
    BINARY_SUBTRACT
    BINARY_FLOOR_DIVIDE
    POP_TOP
    END_FINALLY
    LOAD_CONST None
    RETURN_VALUE
end

func safe(a, b)
    SETUP_EXCEPT handler
    LOAD_FAST a
    LOAD_FAST b
    BINARY_MODULO
    RETURN_VALUE
handler:
    DUP_TOP
    LOAD_CONST "ZeroDivisionError"
    COMPARE_OP exception-match
    POP_JUMP_IF_FALSE reraise
    POP_TOP
    LOAD_CONST -1
    RETURN_VALUE
reraise:
    END_FINALLY
end

func squares(n)
    locals out, i
    LOAD_GLOBAL range
    LOAD_FAST n
    CALL_FUNCTION 1
    STORE_FAST out
    SETUP_LOOP done
    LOAD_GLOBAL range
    LOAD_FAST n
    CALL_FUNCTION 1
    GET_ITER
loop:
    FOR_ITER exit
    STORE_FAST i
    LOAD_FAST i
    LOAD_FAST i
    BINARY_MULTIPLY
    LOAD_FAST out
    LOAD_FAST i
    STORE_SUBSCR
    JUMP_ABSOLUTE loop
exit:
    POP_BLOCK
done:
    LOAD_FAST out
    RETURN_VALUE
end

func count(n)
    locals i, hits
    LOAD_CONST 0
    STORE_FAST hits
    SETUP_LOOP out
    LOAD_GLOBAL range
    LOAD_FAST n
    CALL_FUNCTION 1
    GET_ITER
loop:
    FOR_ITER exit
    STORE_FAST i
    SETUP_FINALLY fin
    LOAD_FAST i
    LOAD_CONST 2
    BINARY_MODULO
    POP_JUMP_IF_FALSE even
    CONTINUE_LOOP loop
even:
    LOAD_FAST i
    LOAD_CONST 6
    COMPARE_OP ==
    POP_JUMP_IF_FALSE keep
    BREAK_LOOP
keep:
    POP_BLOCK
    LOAD_CONST None
fin:
    LOAD_FAST hits
    LOAD_CONST 1
    BINARY_ADD
    STORE_FAST hits
    END_FINALLY
    JUMP_ABSOLUTE loop
exit:
    POP_BLOCK
out:
    LOAD_FAST hits
    RETURN_VALUE
end

func forever(n)
    LOAD_GLOBAL forever
    LOAD_FAST n
    CALL_FUNCTION 1
    RETURN_VALUE
end

func notCallable()
    LOAD_CONST 3
    CALL_FUNCTION 0
    RETURN_VALUE
end
`

func newEngine(t *testing.T, mode Mode, src string) *Engine {
	t.Helper()
	opts := DefaultOptions()
	opts.Mode = mode
	opts.Pool = codebuf.Options{BlockSize: 4096, RetireMargin: 64, Allocator: codebuf.HeapAllocator{}}
	e := NewEngine(opts)
	e.Fatal = func(msg string) { panic(msg) }
	e.Pool().Fatal = func(msg string) { panic(msg) }
	if _, err := e.Load(src); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("close failed: %v", err)
		}
	})
	return e
}

// outcome runs name on new ints and renders the result or the exception,
// so runs in different modes can be compared as strings.
func outcome(t *testing.T, e *Engine, name string, args ...int64) string {
	t.Helper()
	h := e.Heap()
	refs := make([]object.Ref, len(args))
	for i, a := range args {
		refs[i] = h.NewInt(a)
	}
	defer func() {
		for _, r := range refs {
			h.Decref(r)
		}
	}()

	res, err := e.RunFunc(name, refs...)
	if err != nil {
		var exc *object.Exception
		if !errors.As(err, &exc) {
			t.Fatalf("%s%v failed: %v", name, args, err)
		}
		defer exc.Release(h)
		return exc.Error()
	}
	defer h.Decref(res)
	return h.Repr(res)
}

type transparencyCase struct {
	fn   string
	args []int64
	want string
}

var transparencyCases = []transparencyCase{
	{"add", []int64{1, 2}, "3"},
	{"add", []int64{math.MaxInt64, 1}, "9223372036854775808L"},
	{"add", []int64{-5, 5}, "0"},
	{"collatz", []int64{1}, "0"},
	{"collatz", []int64{6}, "8"},
	{"collatz", []int64{27}, "111"},
	{"fib", []int64{0}, "0"},
	{"fib", []int64{1}, "1"},
	{"fib", []int64{15}, "610"},
	{"swap", []int64{3, 4}, "-26"},
	{"swap", []int64{-1, 9}, "19"},
	{"guarded", []int64{7, 2}, "3"},
	{"guarded", []int64{7, 0}, "ZeroDivisionError: integer division or modulo by zero"},
	{"guarded", []int64{7, 3}, "ZeroDivisionError: integer division or modulo by zero"},
	{"guarded", []int64{8, 2}, "4"},
	{"safe", []int64{7, 3}, "1"},
	{"safe", []int64{7, 0}, "-1"},
	{"squares", []int64{0}, "[]"},
	{"squares", []int64{5}, "[0, 1, 4, 9, 16]"},
	{"count", []int64{10}, "7"},
	{"count", []int64{3}, "3"},
	{"notCallable", nil, "TypeError: 'int' object is not callable"},
}

func TestTransparency(t *testing.T) {
	for _, mode := range []Mode{ModeInterpret, ModeSpecialize, ModeAdaptive} {
		t.Run(mode.String(), func(t *testing.T) {
			e := newEngine(t, mode, programSource)
			live := e.Heap().Live()

			// Twice, so the second round runs code compiled by the first.
			for round := 0; round < 2; round++ {
				for _, tc := range transparencyCases {
					if got := outcome(t, e, tc.fn, tc.args...); got != tc.want {
						t.Errorf("round %d: %s%v = %s, expected %s", round, tc.fn, tc.args, got, tc.want)
					}
				}
			}

			if got := e.Heap().Live(); got != live {
				t.Errorf("reference leak: %d live objects before, %d after", live, got)
			}
		})
	}
}

func TestSpecializeModeCompilesEverything(t *testing.T) {
	e := newEngine(t, ModeSpecialize, programSource)
	outcome(t, e, "fib", 10)

	s := e.Stats()
	if s.Engine.Interpreted != 0 {
		t.Errorf("Expected no interpreted calls, got %d", s.Engine.Interpreted)
	}
	// fib(10) makes 177 calls.
	if s.Engine.Compiled != 177 {
		t.Errorf("Expected 177 compiled calls, got %d", s.Engine.Compiled)
	}
	if s.Compiler.Entries != 1 {
		t.Errorf("Expected fib's entry to be compiled once, got %d", s.Compiler.Entries)
	}
	if s.Engine.DeepestCall != 10 {
		t.Errorf("Expected a call depth of 10, got %d", s.Engine.DeepestCall)
	}
}

func TestAdaptiveModeCompilesHotFunctions(t *testing.T) {
	opts := DefaultOptions()
	opts.HotThreshold = 3
	opts.Pool = codebuf.Options{BlockSize: 4096, Allocator: codebuf.HeapAllocator{}}
	e := NewEngine(opts)
	defer e.Close()
	if _, err := e.Load(addSourceForAdaptive); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	for i := int64(0); i < 5; i++ {
		if got := outcome(t, e, "add", i, 1); got != fmt.Sprint(i+1) {
			t.Errorf("add(%d, 1) = %s", i, got)
		}
	}

	s := e.Stats()
	if s.Engine.Interpreted != 2 || s.Engine.Compiled != 3 {
		t.Errorf("Expected 2 interpreted and 3 compiled calls, got %d and %d", s.Engine.Interpreted, s.Engine.Compiled)
	}
	if s.Profiler.Hot != 1 {
		t.Errorf("Expected 1 hot function, got %d", s.Profiler.Hot)
	}
	top := e.Profiler().Top(1)
	if len(top) != 1 || top[0].Function != "add" || top[0].Count != 5 {
		t.Errorf("unexpected profile %+v", top)
	}
}

const addSourceForAdaptive = `
func add(a, b)
    LOAD_FAST a
    LOAD_FAST b
    BINARY_ADD
    RETURN_VALUE
end
`

func TestCallDepthLimitIsFatal(t *testing.T) {
	for _, mode := range []Mode{ModeInterpret, ModeSpecialize} {
		t.Run(mode.String(), func(t *testing.T) {
			e := newEngine(t, mode, programSource)
			defer func() {
				r := recover()
				if r == nil {
					t.Fatal("Expected unbounded recursion to be fatal")
				}
				if msg := fmt.Sprint(r); !strings.Contains(msg, "maximum call depth") {
					t.Errorf("unexpected fatal message %q", msg)
				}
			}()
			outcome(t, e, "forever", 1)
		})
	}
}

func TestArityMismatchRaisesTypeError(t *testing.T) {
	e := newEngine(t, ModeSpecialize, programSource)
	got := outcome(t, e, "fib", 1, 2)
	if got != "TypeError: fib() takes exactly 1 arguments (2 given)" {
		t.Errorf("unexpected outcome %q", got)
	}
}

func TestLoadAfterRunIsRejected(t *testing.T) {
	e := newEngine(t, ModeInterpret, programSource)
	outcome(t, e, "add", 1, 2)
	if _, err := e.Load(addSourceForAdaptive); !errors.Is(err, ErrGlobalsFrozen) {
		t.Errorf("Expected ErrGlobalsFrozen, got %v", err)
	}
}

func TestRunFuncUnknownName(t *testing.T) {
	e := newEngine(t, ModeInterpret, programSource)
	if _, err := e.RunFunc("nope"); err == nil {
		t.Error("Expected an error for an unknown function")
	}
}

func TestParseMode(t *testing.T) {
	for _, m := range []Mode{ModeInterpret, ModeSpecialize, ModeAdaptive} {
		got, err := ParseMode(m.String())
		if err != nil || got != m {
			t.Errorf("ParseMode(%q) = %v, %v", m.String(), got, err)
		}
	}
	if _, err := ParseMode("jit"); err == nil {
		t.Error("Expected an error for an unknown mode")
	}
}

func TestDisassembleCompilesEntry(t *testing.T) {
	e := newEngine(t, ModeInterpret, programSource)
	dis, err := e.Disassemble("add")
	if err != nil {
		t.Fatalf("disassemble failed: %v", err)
	}
	if dis == "" {
		t.Error("Expected a non-empty disassembly")
	}
	if _, err := e.Disassemble("range"); err == nil {
		t.Error("builtins have no compiled entry")
	}
}
