package compiler

import (
	"fmt"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// SourceKind says how much the compiler knows about a value.
type SourceKind uint8

const (
	// CompileTime values are known while compiling; their Known word is
	// embedded directly in the emitted code.
	CompileTime SourceKind = iota + 1
	// RunTime values live in a register or a frame slot and are only
	// known when the code runs.
	RunTime
	// Virtual values have not been built; a builder and its children
	// describe how to build them if that is ever needed.
	Virtual
)

func (k SourceKind) String() string {
	switch k {
	case CompileTime:
		return "ct"
	case RunTime:
		return "rt"
	case Virtual:
		return "vt"
	}
	return fmt.Sprintf("source(%d)", uint8(k))
}

// Source is the compact tag of a value descriptor. The low two bits hold
// the kind; the rest is a kind-specific payload:
//
//	run-time: reg+1 (4 bits) | slot+1 (20 bits) | no-ref | raw | known kind (8 bits)
//	virtual:  builder (8 bits)
//
// A run-time value has exactly one location. No-ref values are borrowed:
// the code holds no reference of its own and never decrefs them. Raw values
// are machine integers rather than object handles.
type Source uint64

const (
	srcKindBits     = 2
	srcRegShift     = 2
	srcRegBits      = 4
	srcSlotShift    = srcRegShift + srcRegBits
	srcSlotBits     = 20
	srcNoRef        = Source(1) << (srcSlotShift + srcSlotBits)
	srcRaw          = srcNoRef << 1
	srcTypeShift    = srcSlotShift + srcSlotBits + 2
	srcBuilderShift = 2

	// MaxSlots bounds the frame slots a single code path can use.
	MaxSlots = 1<<srcSlotBits - 1
)

// Kind returns the source kind.
func (s Source) Kind() SourceKind { return SourceKind(s & (1<<srcKindBits - 1)) }

// regSource is the tag of a run-time object held in register r.
func regSource(r machine.Reg) Source {
	return Source(RunTime) | Source(r+1)<<srcRegShift
}

func slotSource(slot int) Source {
	if slot < 0 || slot >= MaxSlots {
		panic(fmt.Sprintf("compiler: slot %d out of range", slot))
	}
	return Source(RunTime) | Source(slot+1)<<srcSlotShift
}

func builderSource(b Builder) Source {
	return Source(Virtual) | Source(b)<<srcBuilderShift
}

// Reg returns the register of a run-time value, if it is in one.
func (s Source) Reg() (machine.Reg, bool) {
	if s.Kind() != RunTime {
		return 0, false
	}
	r := (s >> srcRegShift) & (1<<srcRegBits - 1)
	if r == 0 {
		return 0, false
	}
	return machine.Reg(r - 1), true
}

// Slot returns the frame slot of a run-time value, if it is in one.
func (s Source) Slot() (int, bool) {
	if s.Kind() != RunTime {
		return 0, false
	}
	v := (s >> srcSlotShift) & (1<<srcSlotBits - 1)
	if v == 0 {
		return 0, false
	}
	return int(v - 1), true
}

func (s Source) NoRef() bool { return s&srcNoRef != 0 }
func (s Source) Raw() bool { return s&srcRaw != 0 }

// Type returns the object kind the compiler knows a run-time value to
// have, or object.KindUnknown.
func (s Source) Type() object.Kind {
	if s.Kind() != RunTime {
		return object.KindUnknown
	}
	return object.Kind(s >> srcTypeShift)
}

// Builder returns the builder of a virtual value.
func (s Source) Builder() Builder {
	return Builder((s >> srcBuilderShift) & 0xFF)
}

// withLocation keeps the flags and known type of s and moves it to loc.
func (s Source) withLocation(loc Source) Source {
	keep := s &^ (1<<srcTypeShift - 1)
	keep |= s & (srcNoRef | srcRaw)
	return keep | loc
}

func (s Source) WithNoRef(b bool) Source {
	if b {
		return s | srcNoRef
	}
	return s &^ srcNoRef
}

func (s Source) WithRaw() Source { return s | srcRaw }

func (s Source) WithType(k object.Kind) Source {
	return s&(1<<srcTypeShift-1) | Source(k)<<srcTypeShift
}

func (s Source) String() string {
	switch s.Kind() {
	case RunTime:
		loc := "?"
		if r, ok := s.Reg(); ok {
			loc = r.String()
		} else if slot, ok := s.Slot(); ok {
			loc = fmt.Sprintf("[%d]", slot)
		}
		str := "rt " + loc
		if s.Raw() {
			str += " raw"
		} else if t := s.Type(); t != object.KindUnknown {
			str += " " + t.String()
		}
		if s.NoRef() {
			str += " noref"
		}
		return str
	case Virtual:
		return "vt " + s.Builder().String()
	case CompileTime:
		return "ct"
	}
	return "invalid"
}
