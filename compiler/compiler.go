// Package compiler is the specializer. It walks guest bytecode abstractly,
// tracking for every value whether it is known at compile time, only at
// run time, or not built yet (virtual), and emits machine code for the
// operations whose result cannot be computed while compiling.
//
// Code is compiled one path at a time and lazily: conditional branches
// compile only the arm that is reached first, and the other arm is a trap
// that re-enters the compiler (respawns) when it is first taken. When the
// compiler needs to know something only the running program knows, such
// as the kind of an argument, it emits a promotion that suspends
// compilation until the value is seen. Paths are joined at merge points,
// where code compiled for the same abstract state is reused.
package compiler

import (
	"fmt"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("psyco.compiler")

// Host runs guest calls made from compiled code. Arguments are borrowed;
// the result is a new reference.
type Host interface {
	Call(fn object.Ref, args []object.Ref) (object.Ref, error)
}

// Options tunes the compiler.
type Options struct {
	// MaxPromotions is the number of outcomes a promotion site compiles
	// specialized code for before falling back to one generic path.
	MaxPromotions int
	// VerifyRespawn checks that a respawn re-derives exactly the code that
	// ran before the guard it restarts from.
	VerifyRespawn bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{MaxPromotions: MaxPICEntries, VerifyRespawn: true}
}

// Compiler compiles and runs guest functions. It is not safe for
// concurrent use; the engine serializes all calls into it.
type Compiler struct {
	heap     *object.Heap
	globals  map[string]object.Ref
	pool     *codebuf.Pool
	registry *Registry
	host     Host
	opts     Options

	helpers  *machine.HelperTable
	ids      helperIDs
	cpu      *machine.CPU
	messages []string

	entries map[*bytecode.Code]codebuf.Addr
	merges  map[mergeKey]codebuf.Addr
	shapes  map[mergePos]int
	sites   []*site

	p     *path
	stats Stats
}

// New creates a compiler. Globals are read when code is compiled and must
// not change afterwards.
func New(heap *object.Heap, globals map[string]object.Ref, pool *codebuf.Pool, registry *Registry, host Host, opts Options) *Compiler {
	if opts.MaxPromotions <= 0 {
		opts.MaxPromotions = MaxPICEntries
	}
	c := &Compiler{
		heap:     heap,
		globals:  globals,
		pool:     pool,
		registry: registry,
		host:     host,
		opts:     opts,
		helpers:  machine.NewHelperTable(),
		entries:  make(map[*bytecode.Code]codebuf.Addr),
		merges:   make(map[mergeKey]codebuf.Addr),
		shapes:   make(map[mergePos]int),
		stats:    Stats{Forced: make(map[string]int)},
	}
	c.registerHelpers()
	c.cpu = machine.NewCPU(pool, c.helpers, heapMemory{heap}, c)
	return c
}

// Helpers returns the helper table compiled code calls into.
func (c *Compiler) Helpers() *machine.HelperTable { return c.helpers }

// Entry returns the address of the compiled entry of code, compiling it
// on first use.
func (c *Compiler) Entry(code *bytecode.Code) codebuf.Addr {
	if addr, ok := c.entries[code]; ok {
		return addr
	}
	log.Debugf("compiling entry of %s", code.Name)
	addr := c.run(c.openPath(NewFrameState(code)))
	c.entries[code] = addr
	c.stats.Entries++
	return addr
}

// Execute runs code with borrowed args and returns a new reference, or
// the raised guest exception.
func (c *Compiler) Execute(code *bytecode.Code, args []object.Ref) (object.Ref, error) {
	if len(args) != code.NumArgs {
		return object.Null, fmt.Errorf("compiler: %s takes %d arguments, got %d", code.Name, code.NumArgs, len(args))
	}
	entry := c.Entry(code)
	words := make([]uint64, len(args))
	for i, a := range args {
		words[i] = uint64(a)
	}
	res, err := c.cpu.Run(entry, words)
	if err != nil {
		return object.Null, err
	}
	return object.Ref(res), nil
}

// ---------------------------------------------------------------------------
// Paths
// ---------------------------------------------------------------------------

type flow uint8

const (
	flowContinue flow = iota
	flowEnd
)

// path is one code path being compiled: the abstract state, where its code
// goes and, while respawning, the guard it restarts from.
type path struct {
	st    *FrameState
	emit  machine.Emitter
	asm   *machine.Assembler // nil while replaying a respawn prefix
	fp    *machine.Fingerprint
	start codebuf.Addr

	// State at the start of the current instruction and the guard and
	// promotion outcomes taken in it so far.
	checkpoint *FrameState
	decisions  []decision

	target    *site
	outcome   decision
	skipMerge bool
}

func (c *Compiler) openPath(st *FrameState) *path {
	asm := machine.NewAssembler(c.pool)
	return &path{st: st, emit: asm, asm: asm, fp: asm.Fingerprint(), start: asm.Here()}
}

// run compiles p until it ends and returns its start address.
func (c *Compiler) run(p *path) codebuf.Addr {
	if c.p != nil {
		panic("compiler: nested compilation")
	}
	c.p = p
	defer func() { c.p = nil }()

	for c.step() == flowContinue {
	}
	if p.target != nil {
		panic(fmt.Sprintf("compiler: respawn of site %d in %s never reached its guard", p.target.id, p.target.code.Name))
	}
	end := p.asm.Close()
	c.stats.Paths++
	log.Debugf("compiled path %s..%s of %s", p.start, end, p.st.Code.Name)
	return p.start
}

// step compiles one instruction.
func (c *Compiler) step() flow {
	p := c.p
	st := p.st
	if p.skipMerge {
		p.skipMerge = false
	} else {
		if st.Code.IsMergePoint(st.Pos) && c.merge() {
			return flowEnd
		}
		p.checkpoint = st.Clone()
		p.decisions = p.decisions[:0]
		p.fp.Reset()
	}
	ins := st.Code.Decode(st.Pos)
	if c.counting() {
		c.stats.Instructions++
	}
	return c.compile(ins)
}

// counting reports whether emitted code is kept, so statistics only count
// real work and not replayed prefixes.
func (c *Compiler) counting() bool {
	return !c.p.emit.Discarding()
}

// commit guards operations with global effects. None of them may happen
// while a respawn prefix is being replayed: that code has already run.
func (c *Compiler) commit(what string) {
	if c.p.emit.Discarding() {
		panic(fmt.Sprintf("compiler: %s while replaying a respawn prefix in %s at %d", what, c.p.st.Code.Name, c.p.st.Pos))
	}
}

func (c *Compiler) emit() machine.Emitter { return c.p.emit }
func (c *Compiler) state() *FrameState { return c.p.st }
