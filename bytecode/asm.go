package bytecode

import (
	"bufio"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/chazu/psyco/object"
)

// Module is the result of assembling a source file: a set of functions,
// each wrapped in a heap function object.
type Module struct {
	Order     []string
	Funcs     map[string]*Code
	Functions map[string]object.Ref // owned references
}

// Release drops the references held by the module and its constant pools.
func (m *Module) Release(h *object.Heap) {
	for _, name := range m.Order {
		for _, c := range m.Funcs[name].Consts {
			h.Decref(c)
		}
		m.Funcs[name].Consts = nil
	}
	for _, name := range m.Order {
		h.Decref(m.Functions[name])
	}
}

// Assemble parses the textual bytecode format:
//
//	# comment
//	func name(a, b)
//	    locals x, y
//	loop:
//	    LOAD_FAST a
//	    LOAD_CONST 1
//	    COMPARE_OP <
//	    POP_JUMP_IF_FALSE done
//	    ...
//	end
//
// LOAD_CONST accepts integers, "strings", None, True, False and @name
// (another function in the same module).
func Assemble(h *object.Heap, src string) (*Module, error) {
	a := &assembler{h: h, mod: &Module{
		Funcs:     make(map[string]*Code),
		Functions: make(map[string]object.Ref),
	}}
	if err := a.run(src); err != nil {
		a.abandon()
		return nil, err
	}
	return a.mod, nil
}

type pendingRef struct {
	code  *Code
	index int
	name  string
	line  int
}

type assembler struct {
	h       *object.Heap
	mod     *Module
	pending []pendingRef

	cur    *funcState
	lineNo int
}

type funcState struct {
	name     string
	locals   []string
	numArgs  int
	names    []string
	consts   []object.Ref
	constKey map[string]int
	pending  []pendingRef
	b        *Builder
	labels   map[string]*Label
}

func (a *assembler) errorf(format string, args ...any) error {
	return fmt.Errorf("line %d: %s", a.lineNo, fmt.Sprintf(format, args...))
}

func (a *assembler) run(src string) error {
	sc := bufio.NewScanner(strings.NewReader(src))
	for sc.Scan() {
		a.lineNo++
		line := sc.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 && !inString(line, i) {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := a.line(line); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("cannot read source: %w", err)
	}
	if a.cur != nil {
		return a.errorf("function %s not terminated with end", a.cur.name)
	}
	return a.link()
}

func inString(line string, i int) bool {
	return strings.Count(line[:i], `"`)%2 == 1
}

func (a *assembler) line(line string) error {
	switch {
	case strings.HasPrefix(line, "func "):
		if a.cur != nil {
			return a.errorf("nested func")
		}
		return a.beginFunc(strings.TrimSpace(line[len("func "):]))
	case line == "end":
		if a.cur == nil {
			return a.errorf("end outside func")
		}
		return a.endFunc()
	}
	if a.cur == nil {
		return a.errorf("instruction outside func: %q", line)
	}
	if strings.HasPrefix(line, "locals ") {
		for _, n := range splitNames(line[len("locals "):]) {
			if a.localIndex(n) >= 0 {
				return a.errorf("duplicate local %s", n)
			}
			a.cur.locals = append(a.cur.locals, n)
		}
		return nil
	}
	if strings.HasSuffix(line, ":") && !strings.ContainsAny(line, " \t") {
		name := strings.TrimSuffix(line, ":")
		l := a.label(name)
		if l.Resolved() {
			return a.errorf("duplicate label %s", name)
		}
		a.cur.b.Mark(l)
		return nil
	}
	return a.instruction(line)
}

func splitNames(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
}

func (a *assembler) beginFunc(sig string) error {
	open := strings.IndexByte(sig, '(')
	if open < 0 || !strings.HasSuffix(sig, ")") {
		return a.errorf("malformed func signature %q", sig)
	}
	name := strings.TrimSpace(sig[:open])
	if name == "" {
		return a.errorf("func without name")
	}
	if _, dup := a.mod.Funcs[name]; dup {
		return a.errorf("duplicate func %s", name)
	}
	args := splitNames(sig[open+1 : len(sig)-1])
	a.cur = &funcState{
		name:     name,
		locals:   append([]string(nil), args...),
		numArgs:  len(args),
		constKey: make(map[string]int),
		b:        NewBuilder(),
		labels:   make(map[string]*Label),
	}
	return nil
}

func (a *assembler) endFunc() error {
	f := a.cur
	for name, l := range f.labels {
		if !l.Resolved() {
			return a.errorf("undefined label %s in %s", name, f.name)
		}
	}
	code := NewCode(f.name, f.b.Bytes(), f.consts, f.names, f.locals, f.numArgs)
	for _, p := range f.pending {
		p.code = code
		a.pending = append(a.pending, p)
	}
	if err := code.Validate(); err != nil {
		return a.errorf("%v", err)
	}
	a.mod.Order = append(a.mod.Order, f.name)
	a.mod.Funcs[f.name] = code
	a.mod.Functions[f.name] = a.h.NewFunction(f.name, code)
	a.cur = nil
	return nil
}

// link resolves @name constants now that every function exists.
func (a *assembler) link() error {
	for _, p := range a.pending {
		fn, ok := a.mod.Functions[p.name]
		if !ok {
			a.lineNo = p.line
			return a.errorf("unknown function @%s", p.name)
		}
		a.h.Incref(fn)
		p.code.Consts[p.index] = fn
	}
	a.pending = nil
	return nil
}

func (a *assembler) abandon() {
	if a.cur != nil {
		for _, c := range a.cur.consts {
			if c != object.Null {
				a.h.Decref(c)
			}
		}
	}
	for _, name := range a.mod.Order {
		for i, c := range a.mod.Funcs[name].Consts {
			if c != object.Null {
				a.h.Decref(c)
			}
			a.mod.Funcs[name].Consts[i] = object.Null
		}
		a.h.Decref(a.mod.Functions[name])
	}
}

func (a *assembler) label(name string) *Label {
	l, ok := a.cur.labels[name]
	if !ok {
		l = a.cur.b.NewLabel()
		a.cur.labels[name] = l
	}
	return l
}

func (a *assembler) localIndex(name string) int {
	for i, n := range a.cur.locals {
		if n == name {
			return i
		}
	}
	return -1
}

func (a *assembler) nameIndex(name string) int {
	for i, n := range a.cur.names {
		if n == name {
			return i
		}
	}
	a.cur.names = append(a.cur.names, name)
	return len(a.cur.names) - 1
}

func (a *assembler) instruction(line string) error {
	mnemonic, operand, _ := strings.Cut(line, " ")
	operand = strings.TrimSpace(operand)
	op, ok := Lookup(mnemonic)
	if !ok {
		return a.errorf("unknown opcode %q", mnemonic)
	}
	b := a.cur.b
	info := op.Info()

	if info.OperandBytes == 0 {
		if operand != "" {
			return a.errorf("%s takes no operand", op)
		}
		b.Emit(op)
		return nil
	}
	if operand == "" {
		return a.errorf("%s requires an operand", op)
	}
	if info.Jump {
		b.EmitJump(op, a.label(operand))
		return nil
	}

	var arg int
	switch op {
	case LOAD_CONST:
		idx, err := a.constant(operand)
		if err != nil {
			return err
		}
		arg = idx
	case LOAD_FAST, STORE_FAST:
		if idx := a.localIndex(operand); idx >= 0 {
			arg = idx
		} else if n, err := strconv.Atoi(operand); err == nil && n < len(a.cur.locals) {
			arg = n
		} else {
			return a.errorf("unknown local %s", operand)
		}
	case LOAD_GLOBAL:
		arg = a.nameIndex(operand)
	case COMPARE_OP:
		cmp, ok := object.ParseCompareOp(operand)
		if !ok {
			return a.errorf("unknown comparison %q", operand)
		}
		arg = int(cmp)
	default:
		n, err := strconv.Atoi(operand)
		if err != nil {
			return a.errorf("%s: bad operand %q", op, operand)
		}
		arg = n
	}
	if arg < 0 || (info.OperandBytes == 1 && arg > 0xFF) || arg > 0xFFFF {
		return a.errorf("%s: operand %d out of range", op, arg)
	}
	b.EmitArg(op, arg)
	return nil
}

func (a *assembler) constant(lit string) (int, error) {
	f := a.cur
	if idx, ok := f.constKey[lit]; ok {
		return idx, nil
	}
	var ref object.Ref
	switch {
	case lit == "None":
		ref = a.h.None()
	case lit == "True":
		ref = a.h.True()
	case lit == "False":
		ref = a.h.False()
	case strings.HasPrefix(lit, `"`):
		s, err := strconv.Unquote(lit)
		if err != nil {
			return 0, a.errorf("bad string literal %s", lit)
		}
		ref = a.h.NewStr(s)
	case strings.HasPrefix(lit, "@"):
		f.pending = append(f.pending, pendingRef{index: len(f.consts), name: lit[1:], line: a.lineNo})
		ref = object.Null
	default:
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			ref = a.h.NewInt(n)
		} else if v, ok := new(big.Int).SetString(strings.TrimSuffix(lit, "L"), 10); ok {
			ref = a.h.NewLong(v)
		} else {
			return 0, a.errorf("bad constant %q", lit)
		}
	}
	f.consts = append(f.consts, ref)
	f.constKey[lit] = len(f.consts) - 1
	return len(f.consts) - 1, nil
}
