// psy - assembles a guest bytecode file and runs one of its functions
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/chazu/psyco/config"
	"github.com/chazu/psyco/object"
	"github.com/chazu/psyco/vm"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	configDir := flag.String("config", ".", "Directory to search (upwards) for psyco.toml")
	mode := flag.String("mode", "", "Execution mode: interpret, specialize or adaptive (overrides psyco.toml)")
	entry := flag.String("run", "main", "Function to run")
	compare := flag.Bool("compare", false, "Run in every mode and check that the results agree")
	showStats := flag.Bool("stats", false, "Print engine statistics after the run")
	dis := flag.String("dis", "", "Print the compiled entry of a function instead of running")
	snapshot := flag.String("snapshot", "", "Write a CBOR snapshot of the engine to this file after the run")
	verbosity := flag.Int("v", -1, "Log verbosity (overrides psyco.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: psy [options] file [int args...]\n\n")
		fmt.Fprintf(os.Stderr, "Assembles file and calls one of its functions with integer arguments.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  psy sum.psy 100                    # run main(100)\n")
		fmt.Fprintf(os.Stderr, "  psy -run fib -mode specialize fib.psy 25\n")
		fmt.Fprintf(os.Stderr, "  psy -compare -run fib fib.psy 20   # interpreter and specializer must agree\n")
		fmt.Fprintf(os.Stderr, "  psy -dis fib fib.psy               # show compiled code\n")
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	src, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	args, err := parseArgs(flag.Args()[1:])
	if err != nil {
		fatal(err)
	}

	cfg, err := config.FindAndLoad(*configDir)
	if err != nil {
		fatal(err)
	}
	level := cfg.Log.Verbosity
	if *verbosity >= 0 {
		level = *verbosity
	}
	var logFile *string
	if cfg.Log.File != "" {
		logFile = &cfg.Log.File
	}
	commonlog.Configure(level, logFile)

	opts, err := cfg.Options()
	if err != nil {
		fatal(err)
	}
	if *mode != "" {
		if opts.Mode, err = vm.ParseMode(*mode); err != nil {
			fatal(err)
		}
	}

	if *compare {
		results, err := compareModes(opts, string(src), *entry, args)
		if err != nil {
			fatal(err)
		}
		agree := true
		for _, r := range results {
			fmt.Printf("%-10s %s\n", r.mode, r.result)
			if r.result != results[0].result {
				agree = false
			}
		}
		if !agree {
			fmt.Fprintln(os.Stderr, "psy: modes disagree")
			os.Exit(1)
		}
		return
	}

	e := vm.NewEngine(opts)
	defer e.Close()
	if _, err := e.Load(string(src)); err != nil {
		fatal(err)
	}

	if *dis != "" {
		text, err := e.Disassemble(*dis)
		if err != nil {
			fatal(err)
		}
		fmt.Print(text)
		return
	}

	result, raised, err := run(e, *entry, args)
	if err != nil {
		fatal(err)
	}
	fmt.Println(result)

	if *showStats {
		printStats(e.Stats())
	}
	if *snapshot != "" {
		id, err := e.WriteSnapshot(*snapshot)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stderr, "snapshot %s written to %s\n", id, *snapshot)
	}
	if raised {
		os.Exit(1)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "psy: %v\n", err)
	os.Exit(1)
}

// parseArgs converts the command-line arguments into guest ints.
func parseArgs(ss []string) ([]int64, error) {
	out := make([]int64, len(ss))
	for i, s := range ss {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		out[i] = n
	}
	return out, nil
}

// run calls entry and renders its result. A raised guest exception is a
// result, not an error; errors are reserved for host failures.
func run(e *vm.Engine, entry string, args []int64) (string, bool, error) {
	h := e.Heap()
	refs := make([]object.Ref, len(args))
	for i, a := range args {
		refs[i] = h.NewInt(a)
	}
	defer func() {
		for _, r := range refs {
			h.Decref(r)
		}
	}()

	res, err := e.RunFunc(entry, refs...)
	if err != nil {
		var exc *object.Exception
		if errors.As(err, &exc) {
			defer exc.Release(h)
			return "Traceback: " + exc.Error(), true, nil
		}
		return "", false, err
	}
	defer h.Decref(res)
	return h.Repr(res), false, nil
}

type modeResult struct {
	mode   vm.Mode
	result string
}

// compareModes runs entry on a fresh engine per mode.
func compareModes(opts vm.Options, src, entry string, args []int64) ([]modeResult, error) {
	var results []modeResult
	for _, m := range []vm.Mode{vm.ModeInterpret, vm.ModeSpecialize, vm.ModeAdaptive} {
		opts.Mode = m
		e := vm.NewEngine(opts)
		if _, err := e.Load(src); err != nil {
			e.Close()
			return nil, err
		}
		result, _, err := run(e, entry, args)
		e.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		results = append(results, modeResult{mode: m, result: result})
	}
	return results, nil
}

func printStats(s vm.Stats) {
	fmt.Fprintf(os.Stderr, "engine:      runs=%d calls=%d interpreted=%d compiled=%d builtin=%d depth=%d\n",
		s.Engine.Runs, s.Engine.Calls, s.Engine.Interpreted, s.Engine.Compiled, s.Engine.BuiltinCalls, s.Engine.DeepestCall)
	fmt.Fprintf(os.Stderr, "interpreter: calls=%d instructions=%d\n", s.Interpreter.Calls, s.Interpreter.Instructions)
	fmt.Fprintf(os.Stderr, "compiler:    %s\n", s.Compiler)
	fmt.Fprintf(os.Stderr, "cpu:         instructions=%d helpers=%d promotions=%d traps=%d\n",
		s.CPU.Instructions, s.CPU.HelperCalls, s.CPU.Promotions, s.CPU.Traps)
	fmt.Fprintf(os.Stderr, "pool:        %s\n", s.Pool)
	fmt.Fprintf(os.Stderr, "profiler:    functions=%d hot=%d invocations=%d\n", s.Profiler.Functions, s.Profiler.Hot, s.Profiler.Invocations)
	fmt.Fprintf(os.Stderr, "heap:        allocs=%d deallocs=%d live=%d\n", s.Heap.Allocs, s.Heap.Deallocs, s.Live)
}
