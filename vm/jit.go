// Package vm ties the reference interpreter and the specializer together.
// An Engine owns the object heap, the globals, the code buffer pool and
// the compiler, and decides per call whether a guest function runs
// interpreted or compiled.
package vm

import (
	"errors"
	"fmt"
	"os"

	"github.com/chazu/psyco/bytecode"
	"github.com/chazu/psyco/codebuf"
	"github.com/chazu/psyco/compiler"
	"github.com/chazu/psyco/machine"
	"github.com/chazu/psyco/object"
	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("psyco.vm")

// Mode selects how guest functions run.
type Mode uint8

const (
	// ModeInterpret runs everything in the reference interpreter.
	ModeInterpret Mode = iota
	// ModeSpecialize compiles every function on its first call.
	ModeSpecialize
	// ModeAdaptive interprets a function until the profiler finds it hot.
	ModeAdaptive
)

var modeNames = [...]string{
	ModeInterpret:  "interpret",
	ModeSpecialize: "specialize",
	ModeAdaptive:   "adaptive",
}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if name == s {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("vm: unknown mode %q", s)
}

// DefaultMaxDepth is the guest call depth used when none is configured.
const DefaultMaxDepth = 500

// ErrGlobalsFrozen is returned by Load once code has run: compiled code
// treats globals as constants.
var ErrGlobalsFrozen = errors.New("vm: globals are frozen once code has run")

// Options configures an Engine.
type Options struct {
	Mode         Mode
	HotThreshold uint64
	MaxDepth     int
	Pool         codebuf.Options
	Compiler     compiler.Options
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Mode:         ModeAdaptive,
		HotThreshold: DefaultHotThreshold,
		MaxDepth:     DefaultMaxDepth,
		Compiler:     compiler.DefaultOptions(),
	}
}

// EngineStats counts the calls an engine dispatched.
type EngineStats struct {
	Runs         uint64 `cbor:"runs"`
	Calls        uint64 `cbor:"calls"`
	Interpreted  uint64 `cbor:"interpreted"`
	Compiled     uint64 `cbor:"compiled"`
	BuiltinCalls uint64 `cbor:"builtin_calls"`
	DeepestCall  int    `cbor:"deepest_call"`
}

// Stats is the combined view of an engine and its parts.
type Stats struct {
	Engine      EngineStats      `cbor:"engine"`
	Interpreter InterpreterStats `cbor:"interpreter"`
	Compiler    compiler.Stats   `cbor:"compiler"`
	CPU         machine.CPUStats `cbor:"cpu"`
	Pool        codebuf.Stats    `cbor:"pool"`
	Profiler    ProfilerStats    `cbor:"profiler"`
	Heap        object.HeapStats `cbor:"heap"`
	Live        int              `cbor:"live"`
}

// Engine runs guest code. All entry points serialize on one lock; guest
// calls made while running re-enter the engine without taking it again.
type Engine struct {
	mu deadlock.Mutex

	opts     Options
	heap     *object.Heap
	globals  map[string]object.Ref
	modules  []*bytecode.Module
	pool     *codebuf.Pool
	registry *compiler.Registry
	compiler *compiler.Compiler
	interp   *Interpreter
	profiler *Profiler

	started bool
	depth   int
	stats   EngineStats

	// Fatal is called when guest code exceeds the call depth limit. It
	// must not return.
	Fatal func(msg string)
}

// engineHost is how compiled code and the interpreter call back into the
// engine. The engine lock is already held.
type engineHost struct {
	e *Engine
}

func (h engineHost) Call(fn object.Ref, args []object.Ref) (object.Ref, error) {
	return h.e.call(fn, args)
}

// NewEngine creates an engine with a fresh heap holding the default
// builtins.
func NewEngine(opts Options) *Engine {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.HotThreshold == 0 {
		opts.HotThreshold = DefaultHotThreshold
	}
	heap := object.NewHeap()
	e := &Engine{
		opts:     opts,
		heap:     heap,
		globals:  object.DefaultBuiltins(heap),
		pool:     codebuf.NewPool(opts.Pool),
		registry: compiler.NewRegistry(),
		profiler: NewProfiler(),
		Fatal:    defaultFatal,
	}
	compiler.RegisterDefaults(e.registry)

	host := engineHost{e}
	e.compiler = compiler.New(heap, e.globals, e.pool, e.registry, host, opts.Compiler)
	e.interp = NewInterpreter(heap, e.globals, host)

	e.profiler.HotThreshold = opts.HotThreshold
	e.profiler.OnHot = func(code *bytecode.Code, profile *FunctionProfile) {
		log.Infof("%s is hot after %d calls", code.Name, profile.InvocationCount)
	}
	return e
}

func defaultFatal(msg string) {
	log.Critical(msg)
	os.Exit(2)
}

func (e *Engine) fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	e.Fatal(msg)
	panic(msg)
}

// Heap returns the engine's object heap.
func (e *Engine) Heap() *object.Heap { return e.heap }

// Mode returns the configured mode.
func (e *Engine) Mode() Mode { return e.opts.Mode }

// Pool returns the code buffer pool.
func (e *Engine) Pool() *codebuf.Pool { return e.pool }

// Profiler returns the invocation profiler.
func (e *Engine) Profiler() *Profiler { return e.profiler }

// Load assembles src and defines its functions as globals. Loading is
// only possible before the first run.
func (e *Engine) Load(src string) (*bytecode.Module, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil, ErrGlobalsFrozen
	}
	mod, err := bytecode.Assemble(e.heap, src)
	if err != nil {
		return nil, fmt.Errorf("vm: load: %w", err)
	}
	for _, name := range mod.Order {
		fn := mod.Functions[name]
		e.heap.Incref(fn)
		if old, ok := e.globals[name]; ok {
			e.heap.Decref(old)
		}
		e.globals[name] = fn
	}
	e.modules = append(e.modules, mod)
	log.Debugf("loaded %d functions", len(mod.Order))
	return mod, nil
}

// Lookup returns a borrowed reference to a global.
func (e *Engine) Lookup(name string) (object.Ref, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.globals[name]
	return r, ok
}

// Run calls fn with borrowed args and returns a new reference, or the
// raised guest exception as an *object.Exception.
func (e *Engine) Run(fn object.Ref, args ...object.Ref) (object.Ref, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.started = true
	e.stats.Runs++
	return e.call(fn, args)
}

// RunFunc calls the global function name.
func (e *Engine) RunFunc(name string, args ...object.Ref) (object.Ref, error) {
	fn, ok := e.Lookup(name)
	if !ok {
		return object.Null, fmt.Errorf("vm: no function %q", name)
	}
	return e.Run(fn, args...)
}

// call dispatches one guest call. The lock is held.
func (e *Engine) call(fn object.Ref, args []object.Ref) (object.Ref, error) {
	h := e.heap
	e.stats.Calls++
	switch h.Kind(fn) {
	case object.KindBuiltin:
		e.stats.BuiltinCalls++
		return h.Builtin(fn).Fn(h, args)
	case object.KindFunction:
	default:
		return object.Null, h.Raise(object.ExcTypeError, "'%s' object is not callable", h.Kind(fn))
	}

	code, ok := h.Code(fn).(*bytecode.Code)
	if !ok {
		return object.Null, fmt.Errorf("vm: function %s has no bytecode", h.FunctionName(fn))
	}
	if len(args) != code.NumArgs {
		return object.Null, h.Raise(object.ExcTypeError, "%s() takes exactly %d arguments (%d given)",
			code.Name, code.NumArgs, len(args))
	}

	e.depth++
	defer func() { e.depth-- }()
	if e.depth > e.opts.MaxDepth {
		e.fatalf("vm: maximum call depth %d exceeded calling %s", e.opts.MaxDepth, code.Name)
	}
	if e.depth > e.stats.DeepestCall {
		e.stats.DeepestCall = e.depth
	}

	if e.compiled(code) {
		e.stats.Compiled++
		return e.compiler.Execute(code, args)
	}
	e.stats.Interpreted++
	return e.interp.Execute(code, args)
}

// compiled decides whether this call of code runs compiled.
func (e *Engine) compiled(code *bytecode.Code) bool {
	switch e.opts.Mode {
	case ModeSpecialize:
		return true
	case ModeAdaptive:
		e.profiler.RecordInvocation(code)
		return e.profiler.IsHot(code)
	}
	return false
}

// Stats returns the counters of the engine and its parts.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

func (e *Engine) statsLocked() Stats {
	return Stats{
		Engine:      e.stats,
		Interpreter: e.interp.Stats(),
		Compiler:    e.compiler.Stats(),
		CPU:         e.compiler.CPUStats(),
		Pool:        e.pool.Stats(),
		Profiler:    e.profiler.Stats(),
		Heap:        e.heap.Stats(),
		Live:        e.heap.Live(),
	}
}

// Disassemble renders the compiled entry of the global function name,
// compiling it if needed.
func (e *Engine) Disassemble(name string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn, ok := e.globals[name]
	if !ok || e.heap.Kind(fn) != object.KindFunction {
		return "", fmt.Errorf("vm: no function %q", name)
	}
	e.started = true
	return e.compiler.DisassembleEntry(e.heap.Code(fn).(*bytecode.Code)), nil
}

// Close releases the globals, the loaded modules and the code buffers.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for name, r := range e.globals {
		e.heap.Decref(r)
		delete(e.globals, name)
	}
	for _, mod := range e.modules {
		mod.Release(e.heap)
	}
	e.modules = nil
	log.Debugf("closing engine: %s", e.pool.Stats())
	return e.pool.Release()
}
