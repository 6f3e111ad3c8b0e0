package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
)

// Outcome is how an operation was compiled.
type Outcome uint8

const (
	// Done means the operation was compiled and produced its result.
	Done Outcome = iota
	// Declined means the meta-implementation does not handle these
	// operands; the generic helper is called instead.
	Declined
	// Suspended means the path ended at a promotion.
	Suspended
	// Raised means the code being compiled is the arm where the operation
	// raised; the exception is pending.
	Raised
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case Declined:
		return "declined"
	case Suspended:
		return "suspended"
	case Raised:
		return "raised"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Operation names an abstract operation: "binary:+", "compare:<", "neg",
// "truth", "subscr", "iter", "call:len" and so on.
type Operation string

func binaryOperation(op object.BinaryOp) Operation {
	return Operation("binary:" + op.String())
}

func compareOperation(op object.CompareOp) Operation {
	return Operation("compare:" + op.String())
}

// MetaFunc compiles an operation on operands of known kinds. It borrows
// args and returns a new holder of the result when it reports Done.
type MetaFunc func(c *Compiler, args []*Vinfo) (*Vinfo, Outcome)

type metaKey struct {
	op    Operation
	kinds string
}

func kindsKey(kinds []object.Kind) string {
	b := make([]byte, len(kinds))
	for i, k := range kinds {
		b[i] = byte(k)
	}
	return string(b)
}

// Registry maps operations on operand kinds to meta-implementations. It is
// built before the compiler and only read afterwards.
type Registry struct {
	metas map[metaKey]MetaFunc
	ops   map[Operation]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		metas: make(map[metaKey]MetaFunc),
		ops:   make(map[Operation]bool),
	}
}

// Register installs fn for op applied to operands of exactly these kinds.
func (r *Registry) Register(op Operation, fn MetaFunc, kinds ...object.Kind) {
	key := metaKey{op: op, kinds: kindsKey(kinds)}
	if _, dup := r.metas[key]; dup {
		panic(fmt.Sprintf("compiler: meta for %s%v registered twice", op, kinds))
	}
	r.metas[key] = fn
	r.ops[op] = true
}

// Lookup finds the meta for op on kinds.
func (r *Registry) Lookup(op Operation, kinds []object.Kind) (MetaFunc, bool) {
	fn, ok := r.metas[metaKey{op: op, kinds: kindsKey(kinds)}]
	return fn, ok
}

// Specializes reports whether any meta exists for op, which makes it worth
// learning the kinds of its operands.
func (r *Registry) Specializes(op Operation) bool {
	return r.ops[op]
}

// Operations lists the operations with metas, sorted.
func (r *Registry) Operations() []string {
	out := make([]string, 0, len(r.ops))
	for op := range r.ops {
		out = append(out, string(op))
	}
	sort.Strings(out)
	return out
}

func (r *Registry) String() string {
	return "registry[" + strings.Join(r.Operations(), " ") + "]"
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

// learnKinds promotes the kind of every operand whose kind is unknown,
// when op has metas that could use it. It returns Suspended when the path
// ends at a promotion.
func (c *Compiler) learnKinds(op Operation, args []*Vinfo) Outcome {
	if !c.registry.Specializes(op) {
		return Done
	}
	for _, a := range args {
		if a.IsRunTime() && !a.IsRaw() && a.Source.Type() == object.KindUnknown {
			if !c.promote(a, sitePromoteKind) {
				return Suspended
			}
		}
	}
	return Done
}

// specialize runs the meta for op on args, if there is one.
func (c *Compiler) specialize(op Operation, args []*Vinfo) (*Vinfo, Outcome) {
	kinds := make([]object.Kind, len(args))
	for i, a := range args {
		kinds[i] = a.ObjectKind()
	}
	fn, ok := c.registry.Lookup(op, kinds)
	if !ok {
		return nil, Declined
	}
	return fn(c, args)
}

// operate compiles op on args: learn operand kinds, try the meta, and fall
// back to the generic helper h.
func (c *Compiler) operate(op Operation, h helperCall, args []*Vinfo) (*Vinfo, Outcome) {
	if out := c.learnKinds(op, args); out != Done {
		return nil, out
	}
	v, out := c.specialize(op, args)
	if out != Declined {
		return v, out
	}
	if c.counting() {
		c.stats.Generic++
	}
	return c.generic(h.id, h.kind, h.noref, args...)
}

// helperCall describes the result of a generic helper.
type helperCall struct {
	id    machine.HelperID
	kind  object.Kind
	noref bool
}
