package machine

import (
	"fmt"
	"math"

	"github.com/chazu/psyco/codebuf"
)

// Memory is the object memory compiled code operates on. Words are object
// handles unless the compiler knows them to be raw integers.
type Memory interface {
	Field(ref uint64, f Field) uint64
	Item(ref uint64, index int) uint64 // borrowed
	Incref(ref uint64)
	Decref(ref uint64)
	// Catch converts the pending error into an owned exception object.
	Catch(err error) uint64
}

// Traps are the calls from running code back into the compiler.
type Traps interface {
	// Promote is reached from PROMOTE with the value being promoted and
	// returns where execution continues.
	Promote(site uint32, word uint64) codebuf.Addr
	// Respawn is reached from TRAP and returns where execution continues.
	Respawn(site uint32) codebuf.Addr
}

// Poison is written into caller-saved registers after every CALL.
const Poison = 0xDEADDEADDEADDEAD

// CPUStats counts executed work.
type CPUStats struct {
	Instructions uint64
	HelperCalls  uint64
	Promotions   uint64
	Traps        uint64
}

// CPU runs compiled code. Run is re-entrant: a helper may call back into
// guest code which runs on its own frame.
type CPU struct {
	pool    *codebuf.Pool
	helpers *HelperTable
	mem     Memory
	traps   Traps
	stats   CPUStats
}

func NewCPU(pool *codebuf.Pool, helpers *HelperTable, mem Memory, traps Traps) *CPU {
	return &CPU{pool: pool, helpers: helpers, mem: mem, traps: traps}
}

// Stats returns execution counters.
func (c *CPU) Stats() CPUStats {
	return c.stats
}

type frame struct {
	regs  [NumRegs]uint64
	slots []uint64
	cmp   int
	of    bool
	zf    bool
	exc   bool
	err   error
}

func (f *frame) slot(i int) uint64 {
	if i >= len(f.slots) {
		panic(fmt.Sprintf("machine: read of unset slot %d", i))
	}
	return f.slots[i]
}

func (f *frame) setSlot(i int, v uint64) {
	for i >= len(f.slots) {
		f.slots = append(f.slots, Poison)
	}
	f.slots[i] = v
}

func (f *frame) value(o Operand) uint64 {
	switch o.Kind {
	case InReg:
		return f.regs[o.Reg]
	case InSlot:
		return f.slot(o.Slot)
	}
	return o.Imm
}

func (f *frame) test(cc Cond) bool {
	switch cc {
	case CondEQ:
		return f.cmp == 0
	case CondNE:
		return f.cmp != 0
	case CondLT:
		return f.cmp < 0
	case CondGE:
		return f.cmp >= 0
	case CondLE:
		return f.cmp <= 0
	case CondGT:
		return f.cmp > 0
	case CondO:
		return f.of
	case CondNO:
		return !f.of
	case CondZ:
		return f.zf
	case CondNZ:
		return !f.zf
	case CondExc:
		return f.exc
	case CondNoExc:
		return !f.exc
	}
	panic(fmt.Sprintf("machine: bad condition %d", cc))
}

func alu(op ALUOp, a, b int64) (int64, bool) {
	switch op {
	case ALUAdd:
		return a + b, false
	case ALUSub:
		return a - b, false
	case ALUMul:
		return a * b, false
	case ALUAnd:
		return a & b, false
	case ALUOr:
		return a | b, false
	case ALUXor:
		return a ^ b, false
	case ALUAddO:
		c := a + b
		return c, (a >= 0) == (b >= 0) && (c >= 0) != (a >= 0)
	case ALUSubO:
		c := a - b
		return c, (a >= 0) != (b >= 0) && (c >= 0) != (a >= 0)
	case ALUMulO:
		if a == 0 || b == 0 {
			return 0, false
		}
		c := a * b
		if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return c, true
		}
		return c, c/b != a
	}
	panic(fmt.Sprintf("machine: bad alu op %d", op))
}

// Run executes code at entry with args in slots 0..len(args)-1. It
// returns the RET operand, or the pending error on RAISE.
func (c *CPU) Run(entry codebuf.Addr, args []uint64) (uint64, error) {
	f := &frame{slots: append(make([]uint64, 0, len(args)+8), args...)}
	pc := entry
	block := uint32(0)
	var mem []byte

	for {
		if pc.Block() != block {
			mem, _ = c.pool.Block(pc)
			block = pc.Block()
		}
		in := Decode(mem, pc.Offset())
		next := pc.Add(in.Size)
		c.stats.Instructions++

		switch in.Op {
		case opNop:
		case opMov:
			f.regs[in.Rd] = f.value(in.Src)
		case opSts:
			f.setSlot(in.Slot, f.regs[in.Rd])
		case opALU:
			v, of := alu(in.ALU, int64(f.regs[in.Rd]), int64(f.value(in.Src)))
			f.regs[in.Rd] = uint64(v)
			f.of = of
		case opNeg:
			v := int64(f.regs[in.Rd])
			f.of = v == math.MinInt64
			f.regs[in.Rd] = uint64(-v)
		case opCmp:
			a, b := int64(f.regs[in.Rd]), int64(f.value(in.Src))
			switch {
			case a < b:
				f.cmp = -1
			case a > b:
				f.cmp = 1
			default:
				f.cmp = 0
			}
		case opTest:
			f.zf = f.value(in.Src) == 0
		case opSetCC:
			if f.test(in.Cond) {
				f.regs[in.Rd] = 1
			} else {
				f.regs[in.Rd] = 0
			}
		case opJmp:
			next = in.Target
		case opJcc:
			if f.test(in.Cond) {
				next = in.Target
			}
		case opCall:
			argv := make([]uint64, len(in.Args))
			for i, a := range in.Args {
				argv[i] = f.value(a)
			}
			c.stats.HelperCalls++
			res, err := c.helpers.Get(in.Helper).Fn(argv)
			for r := 0; r < CallerSaved; r++ {
				f.regs[r] = Poison
			}
			if err != nil {
				if f.exc {
					panic(fmt.Sprintf("machine: %s raised with an exception already pending", c.helpers.Name(in.Helper)))
				}
				f.exc, f.err = true, err
				res = 0
			}
			f.regs[R0] = res
		case opField:
			f.regs[in.Rd] = c.mem.Field(f.value(in.Src), in.Field)
		case opItem:
			f.regs[in.Rd] = c.mem.Item(f.value(in.Src), in.Index)
		case opIncref:
			c.mem.Incref(f.value(in.Src))
		case opDecref:
			c.mem.Decref(f.value(in.Src))
		case opPromote:
			c.stats.Promotions++
			next = c.traps.Promote(in.Site, f.value(in.Src))
		case opTrap:
			c.stats.Traps++
			next = c.traps.Respawn(in.Site)
		case opCatch:
			if !f.exc {
				panic("machine: catch without a pending exception")
			}
			f.regs[in.Rd] = c.mem.Catch(f.err)
			f.exc, f.err = false, nil
		case opRet:
			if f.exc {
				panic("machine: return with a pending exception")
			}
			return f.value(in.Src), nil
		case opRaise:
			if !f.exc {
				panic("machine: raise without a pending exception")
			}
			return 0, f.err
		default:
			panic(fmt.Sprintf("machine: bad opcode 0x%02x at %s", in.Op, pc))
		}
		pc = next
	}
}
