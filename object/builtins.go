package object

import "math/big"

// DefaultBuiltins allocates the standard builtin functions. The returned
// references are owned by the caller (normally the engine's globals).
func DefaultBuiltins(h *Heap) map[string]Ref {
	globals := map[string]Ref{
		"len":   h.NewBuiltin("len", builtinLen),
		"range": h.NewBuiltin("range", builtinRange),
		"abs":   h.NewBuiltin("abs", builtinAbs),
	}
	for _, typ := range []string{
		ExcException, ExcValueError, ExcTypeError, ExcIndexError,
		ExcZeroDivisionError, ExcRuntimeError, ExcKeyError,
	} {
		globals[typ] = h.NewBuiltin(typ, exceptionConstructor(typ))
	}
	return globals
}

func arity(h *Heap, name string, args []Ref, min, max int) error {
	if len(args) < min || len(args) > max {
		if min == max {
			return h.Raise(ExcTypeError, "%s() takes exactly %d arguments (%d given)", name, min, len(args))
		}
		return h.Raise(ExcTypeError, "%s() takes %d to %d arguments (%d given)", name, min, max, len(args))
	}
	return nil
}

func builtinLen(h *Heap, args []Ref) (Ref, error) {
	if err := arity(h, "len", args, 1, 1); err != nil {
		return Null, err
	}
	n, err := h.LenOf(args[0])
	if err != nil {
		return Null, err
	}
	return h.NewInt(n), nil
}

// RangeBounds validates range() arguments and returns start and stop.
func RangeBounds(h *Heap, args []Ref) (int64, int64, error) {
	if err := arity(h, "range", args, 1, 2); err != nil {
		return 0, 0, err
	}
	for _, a := range args {
		if !h.isSmall(a) {
			return 0, 0, h.Raise(ExcTypeError, "range() integer end argument expected, got %s.", h.Kind(a))
		}
	}
	if len(args) == 1 {
		return 0, h.Int(args[0]), nil
	}
	return h.Int(args[0]), h.Int(args[1]), nil
}

// NewRange builds the list [start, stop).
func (h *Heap) NewRange(start, stop int64) Ref {
	var items []Ref
	for i := start; i < stop; i++ {
		items = append(items, h.NewInt(i))
	}
	return h.NewList(items)
}

func builtinRange(h *Heap, args []Ref) (Ref, error) {
	start, stop, err := RangeBounds(h, args)
	if err != nil {
		return Null, err
	}
	return h.NewRange(start, stop), nil
}

func builtinAbs(h *Heap, args []Ref) (Ref, error) {
	if err := arity(h, "abs", args, 1, 1); err != nil {
		return Null, err
	}
	x := args[0]
	switch h.Kind(x) {
	case KindInt, KindBool:
		if h.Int(x) < 0 {
			return h.Negative(x)
		}
		return h.NewInt(h.Int(x)), nil
	case KindLong:
		return h.NewLong(new(big.Int).Abs(h.Big(x))), nil
	}
	return Null, h.Raise(ExcTypeError, "bad operand type for abs(): '%s'", h.Kind(x))
}

func exceptionConstructor(typ string) Builtin {
	return func(h *Heap, args []Ref) (Ref, error) {
		if err := arity(h, typ, args, 0, 1); err != nil {
			return Null, err
		}
		msg := ""
		if len(args) == 1 {
			if h.Kind(args[0]) == KindStr {
				msg = h.Str(args[0])
			} else {
				msg = h.Repr(args[0])
			}
		}
		return h.NewException(typ, msg), nil
	}
}
