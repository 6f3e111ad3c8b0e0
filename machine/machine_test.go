package machine

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/chazu/psyco/codebuf"
)

type fakeMemory struct {
	refs map[uint64]int
}

func (m *fakeMemory) Field(ref uint64, f Field) uint64 { return ref * 10 }
func (m *fakeMemory) Item(ref uint64, i int) uint64 { return ref + uint64(i) }
func (m *fakeMemory) Incref(ref uint64) { m.refs[ref]++ }
func (m *fakeMemory) Decref(ref uint64) { m.refs[ref]-- }
func (m *fakeMemory) Catch(err error) uint64 { return 99 }

type fakeTraps struct {
	pool     *codebuf.Pool
	respawns int
	target   codebuf.Addr
	promoted []uint64
}

func (t *fakeTraps) Promote(site uint32, word uint64) codebuf.Addr {
	t.promoted = append(t.promoted, word)
	return t.target
}

func (t *fakeTraps) Respawn(site uint32) codebuf.Addr {
	t.respawns++
	return t.target
}

func newTestPool() *codebuf.Pool {
	p := codebuf.NewPool(codebuf.Options{BlockSize: 4096, RetireMargin: 64, Allocator: codebuf.HeapAllocator{}})
	p.Fatal = func(msg string) { panic(msg) }
	return p
}

func TestLoopSum(t *testing.T) {
	pool := newTestPool()
	a := NewAssembler(pool)
	entry := a.Here()

	// r0 = 0; r1 = 0; while r1 < [0] { r0 += r1; r1++ }
	a.Mov(R4, ImmInt(0))
	a.Mov(R5, ImmInt(0))
	loop := a.Here()
	a.Cmp(R5, S(0))
	body := JccSize + 4 + 12 + JumpSize
	exit := a.Reserve(body).Add(body)
	a.JumpIf(CondGE, exit)
	a.ALU(ALUAdd, R4, R(R5))
	a.ALU(ALUAdd, R5, ImmInt(1))
	a.Jump(loop)
	if a.Here() != exit {
		t.Fatalf("exit address mismatch: %s vs %s", a.Here(), exit)
	}
	a.Ret(R(R4))
	a.Close()

	cpu := NewCPU(pool, NewHelperTable(), &fakeMemory{}, &fakeTraps{})
	res, err := cpu.Run(entry, []uint64{10})
	if err != nil {
		t.Fatal(err)
	}
	if res != 45 {
		t.Errorf("Expected 45, got %d", res)
	}
}

func TestOverflowFlag(t *testing.T) {
	cases := []struct {
		op   ALUOp
		a, b int64
		of   bool
	}{
		{ALUAddO, math.MaxInt64, 1, true},
		{ALUAddO, 1, 2, false},
		{ALUSubO, math.MinInt64, 1, true},
		{ALUSubO, -5, 3, false},
		{ALUMulO, 1 << 62, 2, true},
		{ALUMulO, -1, math.MinInt64, true},
		{ALUMulO, 3, -7, false},
	}
	for _, c := range cases {
		if _, of := alu(c.op, c.a, c.b); of != c.of {
			t.Errorf("%s %d, %d: overflow=%v, want %v", c.op, c.a, c.b, of, c.of)
		}
	}
}

func TestHelperErrorSetsPendingException(t *testing.T) {
	pool := newTestPool()
	helpers := NewHelperTable()
	boom := errors.New("boom")
	fail := helpers.Register("fail", false, func(args []uint64) (uint64, error) { return 0, boom })
	ok := helpers.Register("double", true, func(args []uint64) (uint64, error) { return args[0] * 2, nil })

	a := NewAssembler(pool)
	entry := a.Here()
	a.Mov(R1, ImmInt(7))
	a.Call(ok, R(R1))
	a.Store(1, R0)
	a.Call(fail)
	a.Raise()
	a.Close()

	cpu := NewCPU(pool, helpers, &fakeMemory{}, &fakeTraps{})
	_, err := cpu.Run(entry, nil)
	if err != boom {
		t.Errorf("Expected the helper error, got %v", err)
	}
	if cpu.Stats().HelperCalls != 2 {
		t.Errorf("Expected 2 helper calls, got %d", cpu.Stats().HelperCalls)
	}
}

func TestTrapIsPatchedToJump(t *testing.T) {
	pool := newTestPool()
	traps := &fakeTraps{pool: pool}

	tail := NewAssembler(pool)
	traps.target = tail.Here()
	tail.Ret(ImmInt(42))
	tail.Close()

	a := NewAssembler(pool)
	entry := a.Here()
	site := a.Trap(1)
	a.Close()

	cpu := NewCPU(pool, NewHelperTable(), &fakeMemory{}, traps)
	for i := 0; i < 3; i++ {
		res, err := cpu.Run(entry, nil)
		if err != nil || res != 42 {
			t.Fatalf("run %d: got %d %v", i, res, err)
		}
		if i == 0 {
			PatchJump(pool, site, traps.target)
		}
	}
	if traps.respawns != 1 {
		t.Errorf("patched trap should not be reached again, respawns=%d", traps.respawns)
	}
}

func TestCallerSavedRegistersArePoisoned(t *testing.T) {
	pool := newTestPool()
	helpers := NewHelperTable()
	nop := helpers.Register("nop", true, func(args []uint64) (uint64, error) { return 0, nil })

	a := NewAssembler(pool)
	entry := a.Here()
	a.Mov(R2, ImmInt(5))
	a.Mov(R5, ImmInt(6))
	a.Call(nop)
	a.ALU(ALUAdd, R5, R(R2))
	a.Ret(R(R5))
	a.Close()

	res, _ := NewCPU(pool, helpers, &fakeMemory{}, &fakeTraps{}).Run(entry, nil)
	if res == 11 {
		t.Error("R2 should not survive a helper call")
	}
}

func TestFingerprintIgnoresAddresses(t *testing.T) {
	pool := newTestPool()
	a := NewAssembler(pool)
	d := NewDiscard()
	for _, e := range []Emitter{a, d} {
		e.Fingerprint().Reset()
		e.Mov(R1, S(3))
		e.Field(R2, FieldIval, R(R1))
		e.JumpIf(CondO, e.Here())
		e.Trap(uint32(e.Fingerprint().Count()))
	}
	a.Close()
	if a.Fingerprint().Sum() != d.Fingerprint().Sum() {
		t.Error("assembler and discard fingerprints should agree")
	}
	if a.Fingerprint().Count() != 4 || d.Fingerprint().Count() != 4 {
		t.Error("instruction counts should agree")
	}

	d2 := NewDiscard()
	d2.Mov(R1, S(4))
	if d2.Fingerprint().Sum() == NewDiscard().Fingerprint().Sum() {
		t.Error("fingerprint should change with emitted code")
	}
}

func TestFingerprintCarriesAcrossEmitters(t *testing.T) {
	pool := newTestPool()
	whole := NewDiscard()
	whole.Mov(R1, S(3))
	whole.ALU(ALUAddO, R1, ImmInt(1))

	prefix := NewDiscard()
	prefix.Mov(R1, S(3))
	a := NewAssembler(pool)
	a.SetFingerprint(prefix.Fingerprint())
	a.ALU(ALUAddO, R1, ImmInt(1))
	a.Close()

	if a.Fingerprint().Sum() != whole.Fingerprint().Sum() {
		t.Error("a fingerprint handed to another emitter should continue where it left off")
	}
}

func TestDisassemble(t *testing.T) {
	pool := newTestPool()
	helpers := NewHelperTable()
	h := helpers.Register("newInt", true, nil)

	a := NewAssembler(pool)
	start := a.Here()
	a.Field(R1, FieldIval, S(0))
	a.ALU(ALUAddO, R1, ImmInt(1))
	a.Call(h, R(R1))
	a.Ret(R(R0))
	end := a.Close()

	text := Disassemble(pool, helpers, start, end)
	for _, want := range []string{"field r1, [0].ival", "addo r1, #1", "call newInt(r1)", "ret r0"} {
		if !strings.Contains(text, want) {
			t.Errorf("disassembly missing %q:\n%s", want, text)
		}
	}

	var calls int
	Walk(pool, start, func(at codebuf.Addr, in Inst) bool {
		if in.Mnemonic() == "call" {
			calls++
		}
		return true
	})
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}
