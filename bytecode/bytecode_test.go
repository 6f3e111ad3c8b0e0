package bytecode

import (
	"strings"
	"testing"

	"github.com/chazu/psyco/object"
)

func TestBuilderForwardAndBackwardLabels(t *testing.T) {
	b := NewBuilder()
	top := b.NewLabel()
	done := b.NewLabel()

	b.Mark(top)
	b.EmitByte(LOAD_FAST, 0)
	b.EmitJump(POP_JUMP_IF_FALSE, done)
	b.EmitJump(JUMP_ABSOLUTE, top)
	b.Mark(done)
	b.Emit(RETURN_VALUE)

	ins := Instructions(b.Bytes())
	if len(ins) != 4 {
		t.Fatalf("Expected 4 instructions, got %d", len(ins))
	}
	if ins[1].Arg != 8 {
		t.Errorf("forward jump should target 8, got %d", ins[1].Arg)
	}
	if ins[2].Arg != 0 {
		t.Errorf("backward jump should target 0, got %d", ins[2].Arg)
	}

	targets := JumpTargets(b.Bytes())
	if !targets[0] || !targets[8] || len(targets) != 2 {
		t.Errorf("unexpected jump targets %v", targets)
	}
}

func TestOperandEncodingIsLittleEndian(t *testing.T) {
	b := NewBuilder()
	b.EmitUint16(LOAD_CONST, 0x0102)
	bc := b.Bytes()
	if bc[1] != 0x02 || bc[2] != 0x01 {
		t.Errorf("Expected little-endian operand, got % x", bc)
	}
	if Decode(bc, 0).Arg != 0x0102 {
		t.Error("decode mismatch")
	}
}

const sumSource = `
# sum of 0..n-1
func sum(n)
    locals total, i
    LOAD_CONST 0
    STORE_FAST total
    LOAD_CONST 0
    STORE_FAST i
loop:
    LOAD_FAST i
    LOAD_FAST n
    COMPARE_OP <
    POP_JUMP_IF_FALSE done
    LOAD_FAST total
    LOAD_FAST i
    BINARY_ADD
    STORE_FAST total
    LOAD_FAST i
    LOAD_CONST 1
    BINARY_ADD
    STORE_FAST i
    JUMP_ABSOLUTE loop
done:
    LOAD_FAST total
    RETURN_VALUE
end

func main()
    LOAD_CONST @sum
    LOAD_CONST 10
    CALL_FUNCTION 1
    RETURN_VALUE
end
`

func TestAssemble(t *testing.T) {
	h := object.NewHeap()
	mod, err := Assemble(h, sumSource)
	if err != nil {
		t.Fatalf("assemble failed: %v", err)
	}

	sum := mod.Funcs["sum"]
	if sum.NumArgs != 1 || sum.NumLocals() != 3 {
		t.Errorf("Expected 1 arg and 3 locals, got %d/%d", sum.NumArgs, sum.NumLocals())
	}
	if len(sum.Consts) != 2 {
		t.Errorf("constants should be deduplicated, got %d", len(sum.Consts))
	}
	if got := sum.MergePoints(); len(got) != 2 {
		t.Errorf("Expected two merge points (loop, done), got %v", got)
	}

	main := mod.Funcs["main"]
	if main.Consts[0] != mod.Functions["sum"] {
		t.Error("@sum should resolve to the sum function object")
	}
	if h.Code(mod.Functions["sum"]).(*Code) != sum {
		t.Error("function object should carry its code")
	}

	dis := sum.Disassemble(h)
	if !strings.Contains(dis, ">> 0010  LOAD_FAST") {
		t.Errorf("loop head should be marked as a merge point:\n%s", dis)
	}

	mod.Release(h)
	if h.Live() != 0 {
		t.Errorf("release should free everything, live=%d", h.Live())
	}
}

func TestAssembleErrors(t *testing.T) {
	cases := map[string]string{
		"unknown opcode":  "func f()\n FROB\nend\n",
		"undefined label": "func f()\n JUMP_ABSOLUTE nowhere\nend\n",
		"unknown local":   "func f()\n LOAD_FAST x\nend\n",
		"unterminated":    "func f()\n RETURN_VALUE\n",
		"unknown func":    "func f()\n LOAD_CONST @g\n RETURN_VALUE\nend\n",
		"bad raise":       "func f()\n RAISE_VARARGS 2\nend\n",
	}
	for name, src := range cases {
		h := object.NewHeap()
		if _, err := Assemble(h, src); err == nil {
			t.Errorf("%s: expected an error", name)
		}
		if h.Live() != 0 {
			t.Errorf("%s: failed assembly leaked %d objects", name, h.Live())
		}
	}
}

func TestOpcodeInfo(t *testing.T) {
	if FOR_ITER.Size() != 3 || COMPARE_OP.Size() != 2 || POP_TOP.Size() != 1 {
		t.Error("unexpected instruction sizes")
	}
	if op, ok := Lookup("SETUP_FINALLY"); !ok || op != SETUP_FINALLY {
		t.Error("lookup by name failed")
	}
	if Opcode(0xFE).Valid() {
		t.Error("0xFE should not be a valid opcode")
	}
}
