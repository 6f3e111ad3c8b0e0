package compiler

import (
	"fmt"
	"strings"

	"github.com/chazu/psyco/object"
)

// Known is the payload of a compile-time value.
type Known struct {
	Word uint64
	// Raw words are machine integers; otherwise Word is an object handle
	// of the given Kind.
	Raw  bool
	Kind object.Kind
	// Fixed values keep their compile-time status at merge points. Values
	// that are only known by accident (a constant stored in a loop
	// variable) are demoted to run-time there so loops do not get
	// specialized on every value they see.
	Fixed bool
}

// Int returns the raw word as a signed integer.
func (k *Known) Int() int64 { return int64(k.Word) }

// Ref returns the word as an object handle.
func (k *Known) Ref() object.Ref { return object.Ref(k.Word) }

// Vinfo describes one abstract value during compilation. Descriptors are
// reference counted by their holders (locals, stack entries, parents);
// releasing the last holder of a run-time value that owns an object
// reference emits a real DECREF.
type Vinfo struct {
	Source Source
	Known  *Known
	Items  []*Vinfo

	refs int
	tmp  *Vinfo // scratch for Clone
}

// Refs returns the number of holders of v.
func (v *Vinfo) Refs() int { return v.refs }

func (v *Vinfo) IsCompileTime() bool { return v.Source.Kind() == CompileTime }
func (v *Vinfo) IsRunTime() bool { return v.Source.Kind() == RunTime }
func (v *Vinfo) IsVirtual() bool { return v.Source.Kind() == Virtual }

// IsRaw reports whether v is a machine integer rather than an object.
func (v *Vinfo) IsRaw() bool {
	switch v.Source.Kind() {
	case CompileTime:
		return v.Known.Raw
	case RunTime:
		return v.Source.Raw()
	}
	return false
}

// Owned reports whether the code holds a reference to the run-time object
// in v that must eventually be dropped.
func (v *Vinfo) Owned() bool {
	return v.IsRunTime() && !v.Source.NoRef() && !v.Source.Raw()
}

// ObjectKind is what the compiler knows about the kind of object v stands
// for: the kind of a compile-time object, the known type of a run-time
// one, or the result kind of a virtual builder.
func (v *Vinfo) ObjectKind() object.Kind {
	switch v.Source.Kind() {
	case CompileTime:
		if v.Known.Raw {
			return object.KindUnknown
		}
		return v.Known.Kind
	case RunTime:
		return v.Source.Type()
	case Virtual:
		return v.Source.Builder().Kind()
	}
	return object.KindUnknown
}

func (v *Vinfo) String() string {
	var sb strings.Builder
	v.format(&sb, 0)
	return sb.String()
}

func (v *Vinfo) format(sb *strings.Builder, depth int) {
	if v == nil {
		sb.WriteString("-")
		return
	}
	if depth > 8 {
		sb.WriteString("...")
		return
	}
	switch v.Source.Kind() {
	case CompileTime:
		if v.Known.Raw {
			fmt.Fprintf(sb, "ct %d", v.Known.Int())
		} else {
			fmt.Fprintf(sb, "ct %s@%d", v.Known.Kind, v.Known.Word)
		}
		if v.Known.Fixed {
			sb.WriteString(" fixed")
		}
	case Virtual:
		sb.WriteString(v.Source.Builder().String())
		sb.WriteByte('(')
		for i, it := range v.Items {
			if i > 0 {
				sb.WriteString(", ")
			}
			it.format(sb, depth+1)
		}
		sb.WriteByte(')')
	default:
		sb.WriteString(v.Source.String())
	}
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

// MakeConstant returns a compile-time descriptor for an object handle. The
// object must outlive the compiled code (a code constant, a global or an
// immortal).
func MakeConstant(ref object.Ref, kind object.Kind) *Vinfo {
	return &Vinfo{Source: Source(CompileTime), Known: &Known{Word: uint64(ref), Kind: kind}, refs: 1}
}

// MakeRawConstant returns a compile-time machine integer.
func MakeRawConstant(n int64) *Vinfo {
	return &Vinfo{Source: Source(CompileTime), Known: &Known{Word: uint64(n), Raw: true}, refs: 1}
}

// MakeRunTime wraps a location. The caller asserts that the location holds
// a live value and records it as the location's owner.
func MakeRunTime(src Source) *Vinfo {
	if src.Kind() != RunTime {
		panic(fmt.Sprintf("compiler: MakeRunTime with %s", src))
	}
	_, inReg := src.Reg()
	_, inSlot := src.Slot()
	if inReg == inSlot {
		panic(fmt.Sprintf("compiler: run-time value needs exactly one location, got %s", src))
	}
	return &Vinfo{Source: src, refs: 1}
}

// MakeVirtual builds a virtual descriptor. It consumes one reference on
// each child.
func MakeVirtual(b Builder, children ...*Vinfo) *Vinfo {
	if n := b.Arity(); n >= 0 && n != len(children) {
		panic(fmt.Sprintf("compiler: %s takes %d children, got %d", b, n, len(children)))
	}
	v := &Vinfo{Source: builderSource(b), Items: children, refs: 1}
	checkAcyclic(v)
	return v
}

// checkAcyclic panics if v contains itself. Virtual composites are trees
// (with shared leaves); a cycle would make forcing loop forever.
func checkAcyclic(v *Vinfo) {
	const (
		onPath = 1
		done   = 2
	)
	marks := make(map[*Vinfo]uint8)
	var visit func(x *Vinfo)
	visit = func(x *Vinfo) {
		if x == nil || marks[x] == done {
			return
		}
		if marks[x] == onPath {
			panic("compiler: virtual value contains itself")
		}
		marks[x] = onPath
		for _, it := range x.Items {
			visit(it)
		}
		marks[x] = done
	}
	visit(v)
}

// setItem replaces child i of a virtual value, consuming the reference on
// it and returning the old child (whose reference passes to the caller).
func (v *Vinfo) setItem(i int, it *Vinfo) *Vinfo {
	old := v.Items[i]
	v.Items[i] = it
	checkAcyclic(v)
	return old
}
