package object

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// BinaryOp identifies a generic binary operation.
type BinaryOp uint8

const (
	OpAdd BinaryOp = iota
	OpSub
	OpMul
	OpFloorDiv
	OpMod
	OpAnd
	OpOr
	OpXor
)

var binarySymbols = [...]string{"+", "-", "*", "//", "%", "&", "|", "^"}

func (op BinaryOp) String() string {
	if int(op) < len(binarySymbols) {
		return binarySymbols[op]
	}
	return fmt.Sprintf("binop(%d)", uint8(op))
}

// CompareOp identifies a comparison.
type CompareOp uint8

const (
	CmpLT CompareOp = iota
	CmpLE
	CmpEQ
	CmpNE
	CmpGT
	CmpGE
	CmpExcMatch
)

var compareSymbols = [...]string{"<", "<=", "==", "!=", ">", ">=", "exception-match"}

func (op CompareOp) String() string {
	if int(op) < len(compareSymbols) {
		return compareSymbols[op]
	}
	return fmt.Sprintf("cmpop(%d)", uint8(op))
}

// ParseCompareOp maps a comparison symbol to its operator.
func ParseCompareOp(s string) (CompareOp, bool) {
	for i, sym := range compareSymbols {
		if sym == s {
			return CompareOp(i), true
		}
	}
	return 0, false
}

func (h *Heap) isInteger(r Ref) bool {
	k := h.Kind(r)
	return k == KindInt || k == KindBool || k == KindLong
}

func (h *Heap) isSmall(r Ref) bool {
	k := h.Kind(r)
	return k == KindInt || k == KindBool
}

// ---------------------------------------------------------------------------
// Integer arithmetic
// ---------------------------------------------------------------------------

// AddInt64 adds with overflow detection.
func AddInt64(a, b int64) (int64, bool) {
	c := a + b
	return c, (c > a) != (b > 0)
}

// SubInt64 subtracts with overflow detection.
func SubInt64(a, b int64) (int64, bool) {
	c := a - b
	return c, (c < a) != (b > 0)
}

// MulInt64 multiplies with overflow detection.
func MulInt64(a, b int64) (int64, bool) {
	if a == 0 || b == 0 {
		return 0, false
	}
	c := a * b
	if (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
		return c, true
	}
	return c, c/b != a
}

// FloorDivInt64 divides with floor semantics; b must be non-zero.
func FloorDivInt64(a, b int64) (int64, bool) {
	if a == math.MinInt64 && b == -1 {
		return 0, true
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q, false
}

// ModInt64 is the floor modulo; b must be non-zero.
func ModInt64(a, b int64) int64 {
	if b == -1 {
		return 0
	}
	m := a % b
	if m != 0 && ((m < 0) != (b < 0)) {
		m += b
	}
	return m
}

func (h *Heap) intBinary(op BinaryOp, a, b int64) (Ref, error) {
	var (
		c   int64
		ovf bool
	)
	switch op {
	case OpAdd:
		c, ovf = AddInt64(a, b)
	case OpSub:
		c, ovf = SubInt64(a, b)
	case OpMul:
		c, ovf = MulInt64(a, b)
	case OpFloorDiv:
		if b == 0 {
			return Null, h.Raise(ExcZeroDivisionError, "integer division or modulo by zero")
		}
		c, ovf = FloorDivInt64(a, b)
	case OpMod:
		if b == 0 {
			return Null, h.Raise(ExcZeroDivisionError, "integer division or modulo by zero")
		}
		c = ModInt64(a, b)
	case OpAnd:
		c = a & b
	case OpOr:
		c = a | b
	case OpXor:
		c = a ^ b
	}
	if ovf {
		return h.bigBinary(op, big.NewInt(a), big.NewInt(b))
	}
	return h.NewInt(c), nil
}

func (h *Heap) bigBinary(op BinaryOp, a, b *big.Int) (Ref, error) {
	c := new(big.Int)
	switch op {
	case OpAdd:
		c.Add(a, b)
	case OpSub:
		c.Sub(a, b)
	case OpMul:
		c.Mul(a, b)
	case OpFloorDiv, OpMod:
		if b.Sign() == 0 {
			return Null, h.Raise(ExcZeroDivisionError, "long division or modulo by zero")
		}
		q, m := new(big.Int), new(big.Int)
		q.DivMod(a, b, m)
		// DivMod is Euclidean; convert to floor semantics for negative divisors.
		if b.Sign() < 0 && m.Sign() != 0 {
			q.Sub(q, big.NewInt(1))
			m.Add(m, b)
		}
		if op == OpFloorDiv {
			c = q
		} else {
			c = m
		}
	case OpAnd:
		c.And(a, b)
	case OpOr:
		c.Or(a, b)
	case OpXor:
		c.Xor(a, b)
	}
	return h.NewLong(c), nil
}

// ---------------------------------------------------------------------------
// Generic operations
// ---------------------------------------------------------------------------

// Binary applies op to borrowed operands and returns a new reference.
func (h *Heap) Binary(op BinaryOp, a, b Ref) (Ref, error) {
	if h.isInteger(a) && h.isInteger(b) {
		if h.isSmall(a) && h.isSmall(b) {
			return h.intBinary(op, h.Int(a), h.Int(b))
		}
		return h.bigBinary(op, h.Big(a), h.Big(b))
	}
	ka, kb := h.Kind(a), h.Kind(b)
	switch op {
	case OpAdd:
		switch {
		case ka == KindStr && kb == KindStr:
			return h.NewStr(h.Str(a) + h.Str(b)), nil
		case ka == kb && (ka == KindTuple || ka == KindList):
			items := h.concat(h.Items(a), h.Items(b))
			if ka == KindTuple {
				return h.NewTuple(items), nil
			}
			return h.NewList(items), nil
		}
	case OpMul:
		seq, n := a, b
		if h.isSmall(a) {
			seq, n = b, a
		}
		if h.isSmall(n) {
			count := h.Int(n)
			if count < 0 {
				count = 0
			}
			switch h.Kind(seq) {
			case KindStr:
				return h.NewStr(strings.Repeat(h.Str(seq), int(count))), nil
			case KindTuple, KindList:
				var items []Ref
				src := h.Items(seq)
				for i := int64(0); i < count; i++ {
					items = h.concat(items, src)
				}
				if h.Kind(seq) == KindTuple {
					return h.NewTuple(items), nil
				}
				return h.NewList(items), nil
			}
		}
	}
	return Null, h.Raise(ExcTypeError, "unsupported operand type(s) for %s: '%s' and '%s'", op, ka, kb)
}

func (h *Heap) concat(a, b []Ref) []Ref {
	out := make([]Ref, 0, len(a)+len(b))
	for _, r := range a {
		h.Incref(r)
		out = append(out, r)
	}
	for _, r := range b {
		h.Incref(r)
		out = append(out, r)
	}
	return out
}

// Negative implements unary minus.
func (h *Heap) Negative(a Ref) (Ref, error) {
	switch h.Kind(a) {
	case KindInt, KindBool:
		v := h.Int(a)
		if v == math.MinInt64 {
			return h.NewLong(new(big.Int).Neg(big.NewInt(v))), nil
		}
		return h.NewInt(-v), nil
	case KindLong:
		return h.NewLong(new(big.Int).Neg(h.Big(a))), nil
	}
	return Null, h.Raise(ExcTypeError, "bad operand type for unary -: '%s'", h.Kind(a))
}

// Truth returns the truth value of a.
func (h *Heap) Truth(a Ref) bool {
	o := h.get(a)
	switch o.kind {
	case KindNone:
		return false
	case KindBool, KindInt:
		return o.ival != 0
	case KindLong:
		return o.big.Sign() != 0
	case KindStr:
		return o.str != ""
	case KindTuple, KindList:
		return len(o.items) > 0
	}
	return true
}

// Not returns the boolean negation of a.
func (h *Heap) Not(a Ref) Ref {
	return h.Bool(!h.Truth(a))
}

// Compare applies a comparison and returns a boolean (immortal) reference.
func (h *Heap) Compare(op CompareOp, a, b Ref) (Ref, error) {
	if op == CmpExcMatch {
		if h.Kind(a) != KindException || h.Kind(b) != KindStr {
			return h.False(), nil
		}
		typ, _ := h.ExceptionInfo(a)
		return h.Bool(Matches(typ, h.Str(b))), nil
	}
	c, ok, err := h.cmp(op, a, b)
	if err != nil {
		return Null, err
	}
	if !ok {
		switch op {
		case CmpEQ:
			return h.Bool(a == b), nil
		case CmpNE:
			return h.Bool(a != b), nil
		}
		return Null, h.Raise(ExcTypeError, "unorderable types: %s() %s %s()", h.Kind(a), op, h.Kind(b))
	}
	return h.Bool(CompareResult(op, c)), nil
}

// CompareResult turns a three-way comparison into the boolean for op.
func CompareResult(op CompareOp, c int) bool {
	switch op {
	case CmpLT:
		return c < 0
	case CmpLE:
		return c <= 0
	case CmpEQ:
		return c == 0
	case CmpNE:
		return c != 0
	case CmpGT:
		return c > 0
	case CmpGE:
		return c >= 0
	}
	panic(fmt.Sprintf("object: bad compare op %d", op))
}

// cmp returns a three-way comparison when the operands are comparable.
func (h *Heap) cmp(op CompareOp, a, b Ref) (int, bool, error) {
	if h.isInteger(a) && h.isInteger(b) {
		if h.isSmall(a) && h.isSmall(b) {
			x, y := h.Int(a), h.Int(b)
			switch {
			case x < y:
				return -1, true, nil
			case x > y:
				return 1, true, nil
			}
			return 0, true, nil
		}
		return h.Big(a).Cmp(h.Big(b)), true, nil
	}
	ka, kb := h.Kind(a), h.Kind(b)
	if ka != kb {
		return 0, false, nil
	}
	switch ka {
	case KindNone:
		return 0, true, nil
	case KindStr:
		return strings.Compare(h.Str(a), h.Str(b)), true, nil
	case KindTuple, KindList:
		xs, ys := h.Items(a), h.Items(b)
		for i := 0; i < len(xs) && i < len(ys); i++ {
			c, ok, err := h.cmp(op, xs[i], ys[i])
			if err != nil {
				return 0, false, err
			}
			if !ok {
				if xs[i] == ys[i] {
					continue
				}
				if op == CmpEQ || op == CmpNE {
					return 1, true, nil
				}
				return 0, false, nil
			}
			if c != 0 {
				return c, true, nil
			}
		}
		switch {
		case len(xs) < len(ys):
			return -1, true, nil
		case len(xs) > len(ys):
			return 1, true, nil
		}
		return 0, true, nil
	}
	return 0, false, nil
}

func (h *Heap) index(seq, idx Ref, n int) (int, error) {
	if !h.isSmall(idx) {
		return 0, h.Raise(ExcTypeError, "%s indices must be integers, not %s", h.Kind(seq), h.Kind(idx))
	}
	i := h.Int(idx)
	if i < 0 {
		i += int64(n)
	}
	if i < 0 || i >= int64(n) {
		return 0, h.Raise(ExcIndexError, "%s index out of range", h.Kind(seq))
	}
	return int(i), nil
}

// Subscr returns seq[idx] as a new reference.
func (h *Heap) Subscr(seq, idx Ref) (Ref, error) {
	switch h.Kind(seq) {
	case KindTuple, KindList:
		items := h.Items(seq)
		i, err := h.index(seq, idx, len(items))
		if err != nil {
			return Null, err
		}
		h.Incref(items[i])
		return items[i], nil
	case KindStr:
		s := h.Str(seq)
		i, err := h.index(seq, idx, len(s))
		if err != nil {
			return Null, err
		}
		return h.NewStr(s[i : i+1]), nil
	}
	return Null, h.Raise(ExcTypeError, "'%s' object is not subscriptable", h.Kind(seq))
}

// StoreSubscr performs seq[idx] = v; v is borrowed.
func (h *Heap) StoreSubscr(seq, idx, v Ref) error {
	if h.Kind(seq) != KindList {
		return h.Raise(ExcTypeError, "'%s' object does not support item assignment", h.Kind(seq))
	}
	o := h.get(seq)
	i, err := h.index(seq, idx, len(o.items))
	if err != nil {
		return err
	}
	h.Incref(v)
	old := o.items[i]
	o.items[i] = v
	h.Decref(old)
	return nil
}

// LenOf returns len(x) or raises TypeError.
func (h *Heap) LenOf(x Ref) (int64, error) {
	switch h.Kind(x) {
	case KindTuple, KindList, KindStr:
		return int64(h.Len(x)), nil
	}
	return 0, h.Raise(ExcTypeError, "object of type '%s' has no len()", h.Kind(x))
}

// Unpack returns n new references to the items of seq.
func (h *Heap) Unpack(seq Ref, n int) ([]Ref, error) {
	k := h.Kind(seq)
	if k != KindTuple && k != KindList {
		return nil, h.Raise(ExcTypeError, "'%s' object is not iterable", k)
	}
	items := h.Items(seq)
	if len(items) < n {
		return nil, h.Raise(ExcValueError, "need more than %d values to unpack", len(items))
	}
	if len(items) > n {
		return nil, h.Raise(ExcValueError, "too many values to unpack")
	}
	out := make([]Ref, n)
	for i, r := range items {
		h.Incref(r)
		out[i] = r
	}
	return out, nil
}

// GetIter returns an iterator for x.
func (h *Heap) GetIter(x Ref) (Ref, error) {
	switch h.Kind(x) {
	case KindTuple, KindList, KindStr:
		return h.NewIter(x), nil
	case KindIter, KindRangeIter:
		h.Incref(x)
		return x, nil
	}
	return Null, h.Raise(ExcTypeError, "'%s' object is not iterable", h.Kind(x))
}

// Next advances an iterator. It returns Null when exhausted.
func (h *Heap) Next(it Ref) Ref {
	o := h.get(it)
	switch o.kind {
	case KindRangeIter:
		if o.cur >= o.stop {
			return Null
		}
		v := o.cur
		o.cur++
		return h.NewInt(v)
	case KindIter:
		seq := h.get(o.seq)
		i := o.cur
		switch seq.kind {
		case KindStr:
			if i >= int64(len(seq.str)) {
				return Null
			}
			o.cur++
			return h.NewStr(seq.str[i : i+1])
		default:
			if i >= int64(len(seq.items)) {
				return Null
			}
			o.cur++
			r := seq.items[i]
			h.Incref(r)
			return r
		}
	}
	panic(fmt.Sprintf("object: Next on %s", o.kind))
}

// Repr renders a value for diagnostics and result comparison.
func (h *Heap) Repr(r Ref) string {
	if r == Null {
		return "<NULL>"
	}
	o := h.get(r)
	switch o.kind {
	case KindNone:
		return "None"
	case KindBool:
		if o.ival != 0 {
			return "True"
		}
		return "False"
	case KindInt:
		return strconv.FormatInt(o.ival, 10)
	case KindLong:
		return o.big.String() + "L"
	case KindStr:
		return strconv.Quote(o.str)
	case KindTuple, KindList:
		parts := make([]string, len(o.items))
		for i, it := range o.items {
			parts[i] = h.Repr(it)
		}
		if o.kind == KindList {
			return "[" + strings.Join(parts, ", ") + "]"
		}
		if len(parts) == 1 {
			return "(" + parts[0] + ",)"
		}
		return "(" + strings.Join(parts, ", ") + ")"
	case KindFunction:
		return "<function " + o.str + ">"
	case KindBuiltin:
		return "<built-in function " + o.fn.Name + ">"
	case KindException:
		return o.str + "(" + strconv.Quote(o.msg) + ")"
	}
	return "<" + o.kind.String() + ">"
}
