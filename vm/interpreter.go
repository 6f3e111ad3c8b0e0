package vm

import (
	"errors"
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/object"
)

// Caller runs a guest call on behalf of the interpreter. Arguments are
// borrowed; the result is a new reference.
type Caller interface {
	Call(fn object.Ref, args []object.Ref) (object.Ref, error)
}

// ---------------------------------------------------------------------------
// Frames
// ---------------------------------------------------------------------------

type blockKind uint8

const (
	blockLoop blockKind = iota + 1
	blockExcept
	blockFinally
)

// block is an entry of the block stack: where to go when it is unwound and
// how deep the value stack was when it was set up.
type block struct {
	kind    blockKind
	handler int
	level   int
}

// why is the reason a frame is unwinding.
type why uint8

const (
	whyNot why = iota
	whyException
	whyReturn
	whyBreak
	whyContinue
)

// frame is the execution state of one interpreted call. Every non-Null
// entry of locals and stack is an owned reference.
type frame struct {
	code   *bytecode.Code
	locals []object.Ref
	stack  []object.Ref
	blocks []block
	ip     int
}

func (f *frame) push(r object.Ref) { f.stack = append(f.stack, r) }

func (f *frame) pop() object.Ref {
	n := len(f.stack)
	if n == 0 {
		panic(fmt.Sprintf("vm: stack underflow in %s at %d", f.code.Name, f.ip))
	}
	r := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return r
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) []object.Ref {
	if n > len(f.stack) {
		panic(fmt.Sprintf("vm: stack underflow in %s at %d", f.code.Name, f.ip))
	}
	out := make([]object.Ref, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

func (f *frame) top() object.Ref {
	return f.stack[len(f.stack)-1]
}

// ---------------------------------------------------------------------------
// Interpreter
// ---------------------------------------------------------------------------

// InterpreterStats counts interpreted work.
type InterpreterStats struct {
	Calls        uint64
	Instructions uint64
}

// Interpreter executes guest bytecode one instruction at a time with the
// generic object operations. It is the reference the specializer must
// agree with.
type Interpreter struct {
	heap    *object.Heap
	globals map[string]object.Ref
	caller  Caller
	stats   InterpreterStats
}

// NewInterpreter creates an interpreter. Guest calls go through caller so
// interpreted and compiled frames can call each other.
func NewInterpreter(heap *object.Heap, globals map[string]object.Ref, caller Caller) *Interpreter {
	return &Interpreter{heap: heap, globals: globals, caller: caller}
}

// Stats returns the interpreter counters.
func (i *Interpreter) Stats() InterpreterStats {
	return i.stats
}

// Execute runs code with borrowed args and returns a new reference, or the
// raised guest exception.
func (i *Interpreter) Execute(code *bytecode.Code, args []object.Ref) (object.Ref, error) {
	if len(args) != code.NumArgs {
		return object.Null, fmt.Errorf("vm: %s takes %d arguments, got %d", code.Name, code.NumArgs, len(args))
	}
	f := &frame{
		code:   code,
		locals: make([]object.Ref, code.NumLocals()),
		stack:  make([]object.Ref, 0, 16),
	}
	for n, a := range args {
		i.heap.Incref(a)
		f.locals[n] = a
	}
	i.stats.Calls++
	return i.run(f)
}

// release drops every reference the frame still holds.
func (i *Interpreter) release(f *frame) {
	for _, r := range f.stack {
		i.heap.Decref(r)
	}
	f.stack = f.stack[:0]
	for n, r := range f.locals {
		i.heap.XDecref(r)
		f.locals[n] = object.Null
	}
}

func (i *Interpreter) unwindTo(f *frame, level int) {
	for len(f.stack) > level {
		i.heap.Decref(f.pop())
	}
}

func (i *Interpreter) decref(rs ...object.Ref) {
	for _, r := range rs {
		i.heap.Decref(r)
	}
}

func (i *Interpreter) run(f *frame) (object.Ref, error) {
	h := i.heap
	var (
		retval object.Ref
		err    error
		target int
	)
	for {
		ins := f.code.Decode(f.ip)
		i.stats.Instructions++
		f.ip = ins.Next
		reason := whyNot

		switch ins.Op {
		case bytecode.NOP:

		case bytecode.POP_TOP:
			h.Decref(f.pop())

		case bytecode.ROT_TWO:
			a, b := f.pop(), f.pop()
			f.push(a)
			f.push(b)

		case bytecode.ROT_THREE:
			a, b, c := f.pop(), f.pop(), f.pop()
			f.push(a)
			f.push(c)
			f.push(b)

		case bytecode.DUP_TOP:
			h.Incref(f.top())
			f.push(f.top())

		case bytecode.UNARY_NEGATIVE:
			a := f.pop()
			var r object.Ref
			r, err = h.Negative(a)
			h.Decref(a)
			if err == nil {
				f.push(r)
			}

		case bytecode.UNARY_NOT:
			a := f.pop()
			f.push(h.Not(a))
			h.Decref(a)

		case bytecode.BINARY_ADD, bytecode.BINARY_SUBTRACT, bytecode.BINARY_MULTIPLY,
			bytecode.BINARY_FLOOR_DIVIDE, bytecode.BINARY_MODULO,
			bytecode.BINARY_AND, bytecode.BINARY_OR, bytecode.BINARY_XOR:
			ab := f.popN(2)
			var r object.Ref
			r, err = h.Binary(binaryOps[ins.Op], ab[0], ab[1])
			i.decref(ab...)
			if err == nil {
				f.push(r)
			}

		case bytecode.BINARY_SUBSCR:
			ab := f.popN(2)
			var r object.Ref
			r, err = h.Subscr(ab[0], ab[1])
			i.decref(ab...)
			if err == nil {
				f.push(r)
			}

		case bytecode.STORE_SUBSCR:
			args := f.popN(3) // value, sequence, index
			err = h.StoreSubscr(args[1], args[2], args[0])
			i.decref(args...)

		case bytecode.COMPARE_OP:
			ab := f.popN(2)
			var r object.Ref
			r, err = h.Compare(object.CompareOp(ins.Arg), ab[0], ab[1])
			i.decref(ab...)
			if err == nil {
				f.push(r)
			}

		case bytecode.LOAD_CONST:
			r := f.code.Consts[ins.Arg]
			h.Incref(r)
			f.push(r)

		case bytecode.LOAD_FAST:
			r := f.locals[ins.Arg]
			if r == object.Null {
				err = h.RaiseUnbound(f.code.LocalNames[ins.Arg])
				break
			}
			h.Incref(r)
			f.push(r)

		case bytecode.STORE_FAST:
			old := f.locals[ins.Arg]
			f.locals[ins.Arg] = f.pop()
			h.XDecref(old)

		case bytecode.LOAD_GLOBAL:
			name := f.code.Names[ins.Arg]
			r, ok := i.globals[name]
			if !ok {
				err = h.RaiseUndefined(name)
				break
			}
			h.Incref(r)
			f.push(r)

		case bytecode.BUILD_TUPLE:
			f.push(h.NewTuple(f.popN(ins.Arg)))

		case bytecode.BUILD_LIST:
			f.push(h.NewList(f.popN(ins.Arg)))

		case bytecode.UNPACK_SEQUENCE:
			seq := f.pop()
			var items []object.Ref
			items, err = h.Unpack(seq, ins.Arg)
			h.Decref(seq)
			for n := len(items) - 1; n >= 0; n-- {
				f.push(items[n])
			}

		case bytecode.GET_ITER:
			x := f.pop()
			var it object.Ref
			it, err = h.GetIter(x)
			h.Decref(x)
			if err == nil {
				f.push(it)
			}

		case bytecode.FOR_ITER:
			if v := h.Next(f.top()); v != object.Null {
				f.push(v)
			} else {
				h.Decref(f.pop())
				f.ip = ins.Arg
			}

		case bytecode.JUMP_ABSOLUTE:
			f.ip = ins.Arg

		case bytecode.POP_JUMP_IF_FALSE, bytecode.POP_JUMP_IF_TRUE:
			v := f.pop()
			if h.Truth(v) == (ins.Op == bytecode.POP_JUMP_IF_TRUE) {
				f.ip = ins.Arg
			}
			h.Decref(v)

		case bytecode.SETUP_LOOP:
			f.blocks = append(f.blocks, block{kind: blockLoop, handler: ins.Arg, level: len(f.stack)})

		case bytecode.SETUP_EXCEPT:
			f.blocks = append(f.blocks, block{kind: blockExcept, handler: ins.Arg, level: len(f.stack)})

		case bytecode.SETUP_FINALLY:
			f.blocks = append(f.blocks, block{kind: blockFinally, handler: ins.Arg, level: len(f.stack)})

		case bytecode.POP_BLOCK:
			if len(f.blocks) == 0 {
				panic(fmt.Sprintf("vm: POP_BLOCK without a block in %s at %d", f.code.Name, ins.Pos))
			}
			b := f.blocks[len(f.blocks)-1]
			f.blocks = f.blocks[:len(f.blocks)-1]
			i.unwindTo(f, b.level)

		case bytecode.BREAK_LOOP:
			reason = whyBreak

		case bytecode.CONTINUE_LOOP:
			reason = whyContinue
			target = ins.Arg

		case bytecode.END_FINALLY:
			reason, retval, target, err = i.endFinally(f)

		case bytecode.RAISE_VARARGS:
			v := f.pop()
			err = h.Reraise(v)
			h.Decref(v)

		case bytecode.CALL_FUNCTION:
			args := f.popN(ins.Arg)
			fn := f.pop()
			var r object.Ref
			r, err = i.caller.Call(fn, args)
			i.decref(args...)
			h.Decref(fn)
			if err == nil {
				f.push(r)
			}

		case bytecode.RETURN_VALUE:
			retval = f.pop()
			reason = whyReturn

		default:
			panic(fmt.Sprintf("vm: %s at %d in %s is not supported", ins.Op, ins.Pos, f.code.Name))
		}

		if err != nil {
			var exc *object.Exception
			if !errors.As(err, &exc) {
				// Host failures are not guest exceptions and skip handlers.
				i.release(f)
				return object.Null, err
			}
			reason = whyException
		}
		if reason == whyNot {
			continue
		}
		if i.unwind(f, reason, &retval, &err, target) {
			continue
		}

		i.release(f)
		if reason == whyException {
			return object.Null, err
		}
		if reason != whyReturn {
			panic(fmt.Sprintf("vm: '%s' outside loop in %s", reasonName(reason), f.code.Name))
		}
		return retval, nil
	}
}

// unwind pops blocks until one handles reason. It reports whether
// execution continues in this frame; otherwise the frame is left with
// retval or err.
func (i *Interpreter) unwind(f *frame, reason why, retval *object.Ref, err *error, target int) bool {
	h := i.heap
	for len(f.blocks) > 0 {
		b := f.blocks[len(f.blocks)-1]
		if b.kind == blockLoop && reason == whyContinue {
			f.ip = target
			return true
		}
		f.blocks = f.blocks[:len(f.blocks)-1]
		i.unwindTo(f, b.level)

		switch {
		case b.kind == blockLoop && reason == whyBreak:
			f.ip = b.handler
			return true

		case reason == whyException && b.kind != blockLoop:
			var exc *object.Exception
			errors.As(*err, &exc)
			r := exc.Ref
			exc.Ref = object.Null
			*err = nil
			f.push(r)
			f.ip = b.handler
			return true

		case b.kind == blockFinally:
			var code int64
			switch reason {
			case whyReturn:
				f.push(*retval)
				*retval = object.Null
				code = object.WhyReturn
			case whyBreak:
				code = object.WhyBreak
			case whyContinue:
				code = object.WhyContinue
			}
			f.push(h.NewWhy(code, int64(target)))
			f.ip = b.handler
			return true
		}
	}
	return false
}

// endFinally resumes whatever entered a finally or except handler.
func (i *Interpreter) endFinally(f *frame) (why, object.Ref, int, error) {
	h := i.heap
	v := f.pop()
	switch h.Kind(v) {
	case object.KindNone:
		return whyNot, object.Null, 0, nil
	case object.KindException:
		err := h.Reraise(v)
		h.Decref(v)
		return whyException, object.Null, 0, err
	case object.KindWhy:
		code, target := h.Why(v)
		h.Decref(v)
		switch code {
		case object.WhyReturn:
			return whyReturn, f.pop(), 0, nil
		case object.WhyBreak:
			return whyBreak, object.Null, 0, nil
		case object.WhyContinue:
			return whyContinue, object.Null, int(target), nil
		}
		panic(fmt.Sprintf("vm: bad unwind reason %d in %s", code, f.code.Name))
	}
	h.Decref(v)
	return whyException, object.Null, 0, h.Raise(object.ExcRuntimeError, "'finally' pops bad exception")
}

func reasonName(w why) string {
	switch w {
	case whyBreak:
		return "break"
	case whyContinue:
		return "continue"
	case whyReturn:
		return "return"
	}
	return "exception"
}

var binaryOps = map[bytecode.Opcode]object.BinaryOp{
	bytecode.BINARY_ADD:          object.OpAdd,
	bytecode.BINARY_SUBTRACT:     object.OpSub,
	bytecode.BINARY_MULTIPLY:     object.OpMul,
	bytecode.BINARY_FLOOR_DIVIDE: object.OpFloorDiv,
	bytecode.BINARY_MODULO:       object.OpMod,
	bytecode.BINARY_AND:          object.OpAnd,
	bytecode.BINARY_OR:           object.OpOr,
	bytecode.BINARY_XOR:          object.OpXor,
}
