package main

import (
	"testing"

	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/vm"
)

const fibSource = `
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

func boom(n)
    LOAD_CONST 1
    LOAD_FAST n
    BINARY_FLOOR_DIVIDE
    RETURN_VALUE
end
`

func testOptions() vm.Options {
	opts := vm.DefaultOptions()
	opts.Pool = codebuf.Options{BlockSize: 4096, Allocator: codebuf.HeapAllocator{}}
	return opts
}

func TestParseArgs(t *testing.T) {
	got, err := parseArgs([]string{"1", "-20", "300"})
	if err != nil {
		t.Fatalf("parseArgs failed: %v", err)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != -20 || got[2] != 300 {
		t.Errorf("unexpected args %v", got)
	}
	if _, err := parseArgs([]string{"x"}); err == nil {
		t.Error("Expected an error for a non-integer argument")
	}
}

func TestCompareModesAgree(t *testing.T) {
	results, err := compareModes(testOptions(), fibSource, "fib", []int64{12})
	if err != nil {
		t.Fatalf("compareModes failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for _, r := range results {
		if r.result != "144" {
			t.Errorf("%s: got %s, expected 144", r.mode, r.result)
		}
	}
}

func TestRunReportsRaisedExceptions(t *testing.T) {
	e := vm.NewEngine(testOptions())
	defer e.Close()
	if _, err := e.Load(fibSource); err != nil {
		t.Fatal(err)
	}
	out, raised, err := run(e, "boom", []int64{0})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if !raised {
		t.Error("Expected the exception to be reported")
	}
	if out != "Traceback: ZeroDivisionError: integer division or modulo by zero" {
		t.Errorf("unexpected output %q", out)
	}

	if _, _, err := run(e, "missing", nil); err == nil {
		t.Error("Expected an error for an unknown function")
	}
}
