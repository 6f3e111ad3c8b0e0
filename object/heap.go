// Package object implements the guest object runtime: an arena of
// reference-counted objects addressed by integer handles.
//
// Reference counting is a property of the handle lifecycle: every NewX
// constructor returns a new reference, Incref/Decref adjust it, and an
// object is released (and its children decremented) when the count
// reaches zero. Handles are never reused while live; reading a freed
// handle panics.
package object

import (
	"fmt"
	"math/big"
)

// Ref is a handle to a heap object. Null means "no object" and is used as
// the failure result of operations that raise.
type Ref uint32

// Null is the zero handle.
const Null Ref = 0

// Kind identifies the type of a heap object.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNone
	KindBool
	KindInt
	KindLong
	KindStr
	KindTuple
	KindList
	KindIter
	KindRangeIter
	KindFunction
	KindBuiltin
	KindException
	KindWhy
)

var kindNames = [...]string{
	KindUnknown:   "?",
	KindNone:      "NoneType",
	KindBool:      "bool",
	KindInt:       "int",
	KindLong:      "long",
	KindStr:       "str",
	KindTuple:     "tuple",
	KindList:      "list",
	KindIter:      "iterator",
	KindRangeIter: "rangeiterator",
	KindFunction:  "function",
	KindBuiltin:   "builtin_function_or_method",
	KindException: "exception",
	KindWhy:       "why",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Builtin is a host function callable from guest code. Arguments are
// borrowed; the result is a new reference.
type Builtin func(h *Heap, args []Ref) (Ref, error)

// BuiltinInfo is the payload of a KindBuiltin object.
type BuiltinInfo struct {
	Name string
	Fn   Builtin
}

type object struct {
	kind Kind
	rc   int32
	live bool

	ival  int64
	big   *big.Int
	str   string
	items []Ref
	seq   Ref
	cur   int64
	stop  int64
	fn    *BuiltinInfo
	code  any
	msg   string
}

// HeapStats counts allocations over the lifetime of a heap.
type HeapStats struct {
	Allocs   uint64
	Deallocs uint64
}

// Heap is the object arena. It is not safe for concurrent use; the engine
// serializes all access.
type Heap struct {
	objs []object
	free []Ref

	none, yes, no Ref

	stats HeapStats
}

// NewHeap creates a heap with the immortal singletons preallocated.
func NewHeap() *Heap {
	h := &Heap{objs: make([]object, 1, 256)}
	h.none = h.alloc(object{kind: KindNone})
	h.yes = h.alloc(object{kind: KindBool, ival: 1})
	h.no = h.alloc(object{kind: KindBool, ival: 0})
	h.stats = HeapStats{}
	return h
}

func (h *Heap) alloc(o object) Ref {
	o.rc = 1
	o.live = true
	h.stats.Allocs++
	if n := len(h.free); n > 0 {
		r := h.free[n-1]
		h.free = h.free[:n-1]
		h.objs[r] = o
		return r
	}
	h.objs = append(h.objs, o)
	return Ref(len(h.objs) - 1)
}

func (h *Heap) get(r Ref) *object {
	if r == Null || int(r) >= len(h.objs) {
		panic(fmt.Sprintf("object: invalid handle %d", r))
	}
	o := &h.objs[r]
	if !o.live {
		panic(fmt.Sprintf("object: use of freed handle %d", r))
	}
	return o
}

// Valid reports whether r refers to a live object.
func (h *Heap) Valid(r Ref) bool {
	return r != Null && int(r) < len(h.objs) && h.objs[r].live
}

func (h *Heap) immortal(r Ref) bool {
	return r == h.none || r == h.yes || r == h.no
}

// Incref adds a reference to r.
func (h *Heap) Incref(r Ref) {
	if h.immortal(r) {
		return
	}
	h.get(r).rc++
}

// Decref drops a reference to r, releasing it when the count reaches zero.
func (h *Heap) Decref(r Ref) {
	if h.immortal(r) {
		return
	}
	o := h.get(r)
	o.rc--
	if o.rc > 0 {
		return
	}
	if o.rc < 0 {
		panic(fmt.Sprintf("object: negative refcount on handle %d", r))
	}
	items := o.items
	seq := o.seq
	h.objs[r] = object{}
	h.free = append(h.free, r)
	h.stats.Deallocs++
	for _, it := range items {
		if it != Null {
			h.Decref(it)
		}
	}
	if seq != Null {
		h.Decref(seq)
	}
}

// XDecref is Decref that ignores Null.
func (h *Heap) XDecref(r Ref) {
	if r != Null {
		h.Decref(r)
	}
}

// RefCount returns the current count of r. Immortals report 1.
func (h *Heap) RefCount(r Ref) int {
	if h.immortal(r) {
		return 1
	}
	return int(h.get(r).rc)
}

// Live returns the number of live mortal objects.
func (h *Heap) Live() int {
	return int(h.stats.Allocs - h.stats.Deallocs)
}

// Stats returns allocation counters.
func (h *Heap) Stats() HeapStats {
	return h.stats
}

// Kind returns the kind of r.
func (h *Heap) Kind(r Ref) Kind {
	return h.get(r).kind
}

// ---------------------------------------------------------------------------
// Constructors
// ---------------------------------------------------------------------------

func (h *Heap) None() Ref { return h.none }
func (h *Heap) True() Ref { return h.yes }
func (h *Heap) False() Ref { return h.no }

// Bool returns the immortal boolean for b.
func (h *Heap) Bool(b bool) Ref {
	if b {
		return h.yes
	}
	return h.no
}

func (h *Heap) NewInt(v int64) Ref {
	return h.alloc(object{kind: KindInt, ival: v})
}

// NewLong takes ownership of v.
func (h *Heap) NewLong(v *big.Int) Ref {
	return h.alloc(object{kind: KindLong, big: v})
}

func (h *Heap) NewStr(s string) Ref {
	return h.alloc(object{kind: KindStr, str: s})
}

// NewTuple steals the references in items.
func (h *Heap) NewTuple(items []Ref) Ref {
	return h.alloc(object{kind: KindTuple, items: append([]Ref(nil), items...)})
}

// NewList steals the references in items.
func (h *Heap) NewList(items []Ref) Ref {
	return h.alloc(object{kind: KindList, items: append([]Ref(nil), items...)})
}

// NewIter returns an iterator over a tuple, list or str; it takes a new
// reference to seq.
func (h *Heap) NewIter(seq Ref) Ref {
	h.Incref(seq)
	return h.alloc(object{kind: KindIter, seq: seq})
}

func (h *Heap) NewRangeIter(cur, stop int64) Ref {
	return h.alloc(object{kind: KindRangeIter, cur: cur, stop: stop})
}

// NewFunction wraps guest code. The payload is opaque to this package.
func (h *Heap) NewFunction(name string, code any) Ref {
	return h.alloc(object{kind: KindFunction, str: name, code: code})
}

func (h *Heap) NewBuiltin(name string, fn Builtin) Ref {
	return h.alloc(object{kind: KindBuiltin, fn: &BuiltinInfo{Name: name, Fn: fn}})
}

// NewException allocates an exception object of the named type.
func (h *Heap) NewException(typ, msg string) Ref {
	return h.alloc(object{kind: KindException, str: typ, msg: msg})
}

// NewWhy allocates an unwind marker (reason plus optional target).
func (h *Heap) NewWhy(reason int64, target int64) Ref {
	return h.alloc(object{kind: KindWhy, ival: reason, cur: target})
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// Int returns the value of an int or bool.
func (h *Heap) Int(r Ref) int64 {
	o := h.get(r)
	if o.kind != KindInt && o.kind != KindBool {
		panic(fmt.Sprintf("object: Int on %s", o.kind))
	}
	return o.ival
}

// Big returns the value of an int, bool or long as a fresh big.Int.
func (h *Heap) Big(r Ref) *big.Int {
	o := h.get(r)
	switch o.kind {
	case KindInt, KindBool:
		return big.NewInt(o.ival)
	case KindLong:
		return new(big.Int).Set(o.big)
	}
	panic(fmt.Sprintf("object: Big on %s", o.kind))
}

func (h *Heap) Str(r Ref) string {
	o := h.get(r)
	if o.kind != KindStr {
		panic(fmt.Sprintf("object: Str on %s", o.kind))
	}
	return o.str
}

// Items returns the borrowed items of a tuple or list. The slice must not
// be retained across mutations.
func (h *Heap) Items(r Ref) []Ref {
	o := h.get(r)
	if o.kind != KindTuple && o.kind != KindList {
		panic(fmt.Sprintf("object: Items on %s", o.kind))
	}
	return o.items
}

// Len returns the length of a tuple, list or str.
func (h *Heap) Len(r Ref) int {
	o := h.get(r)
	switch o.kind {
	case KindTuple, KindList:
		return len(o.items)
	case KindStr:
		return len(o.str)
	}
	panic(fmt.Sprintf("object: Len on %s", o.kind))
}

// Code returns the payload of a function object.
func (h *Heap) Code(r Ref) any {
	o := h.get(r)
	if o.kind != KindFunction {
		panic(fmt.Sprintf("object: Code on %s", o.kind))
	}
	return o.code
}

// FunctionName returns the name of a function or builtin.
func (h *Heap) FunctionName(r Ref) string {
	o := h.get(r)
	switch o.kind {
	case KindFunction:
		return o.str
	case KindBuiltin:
		return o.fn.Name
	}
	panic(fmt.Sprintf("object: FunctionName on %s", o.kind))
}

func (h *Heap) Builtin(r Ref) *BuiltinInfo {
	o := h.get(r)
	if o.kind != KindBuiltin {
		panic(fmt.Sprintf("object: Builtin on %s", o.kind))
	}
	return o.fn
}

// ExceptionInfo returns the type name and message of an exception object.
func (h *Heap) ExceptionInfo(r Ref) (typ, msg string) {
	o := h.get(r)
	if o.kind != KindException {
		panic(fmt.Sprintf("object: ExceptionInfo on %s", o.kind))
	}
	return o.str, o.msg
}

// Why returns the reason and target of an unwind marker.
func (h *Heap) Why(r Ref) (reason, target int64) {
	o := h.get(r)
	if o.kind != KindWhy {
		panic(fmt.Sprintf("object: Why on %s", o.kind))
	}
	return o.ival, o.cur
}
