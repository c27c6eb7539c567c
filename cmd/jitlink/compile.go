package main

import (
	"context"
	"fmt"
	"io"

	"github.com/colorfulnotion/jitlink/config"
	"github.com/colorfulnotion/jitlink/jit/codegen"
	"github.com/colorfulnotion/jitlink/jit/dfg"
	"github.com/colorfulnotion/jitlink/jit/execmem"
	"github.com/colorfulnotion/jitlink/jit/masm"
	"github.com/colorfulnotion/jitlink/jit/runtime"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/log"
	"github.com/docker/go-units"
)

// Helpers are never executed here, so they only need distinct addresses.
// Helper calls are absolute and reach anywhere.
const dryRunHelperBase = 0x7ffe00000000

type compileOptions struct {
	name        string
	units       int
	params      int
	locals      int
	script      codegen.Options
	program     bool
	constructor bool
	disasm      bool
	tree        bool
	events      bool
	printScript bool
}

func setupLogging(cfg *config.Config) {
	log.InitLogger(cfg.Log.Level)
	if cfg.Log.Modules != "" {
		log.EnableModules(cfg.Log.Modules)
	}
}

func runCompile(w io.Writer, cfg *config.Config, opts compileOptions) error {
	if opts.events {
		log.SetEventWriter(w)
		defer log.SetEventWriter(nil)
	}
	size, err := cfg.PoolBytes()
	if err != nil {
		return err
	}
	pool, err := execmem.NewPool(size, cfg.Backing())
	if err != nil {
		return err
	}
	defer pool.Close()

	helpers := runtime.NewHelperTable()
	helpers.RegisterRange(dryRunHelperBase)
	vm := runtime.NewVM(pool, helpers, runtime.Options{MaxPolymorphicCases: cfg.Compiler.MaxPolymorphicCases})
	defer vm.Close()

	var plans []dfg.Plan
	for i := 0; i < opts.units; i++ {
		name := opts.name
		if opts.units > 1 {
			name = fmt.Sprintf("%s%d", opts.name, i)
		}
		// each plan gets its own script so concurrent generation shares nothing
		script := codegen.Synthesize(opts.script)
		if opts.printScript && i == 0 {
			fmt.Fprint(w, script)
		}
		plans = append(plans, dfg.Plan{
			Shape: unit.Shape{
				Name:               name,
				NumParameters:      opts.params,
				NumCalleeRegisters: opts.locals,
				IsConstructor:      opts.constructor,
				IsFunction:         !opts.program,
			},
			Body: script,
		})
	}

	c := dfg.NewCompiler(vm)
	var codes []*dfg.JITCode
	if opts.program {
		for _, plan := range plans {
			code, err := c.Compile(context.Background(), plan)
			if err != nil {
				return err
			}
			codes = append(codes, code)
		}
	} else {
		codes, err = c.CompileAll(context.Background(), plans, cfg.Compiler.Concurrency)
		if err != nil {
			return err
		}
	}

	for _, code := range codes {
		printUnit(w, code, opts)
	}
	fmt.Fprintf(w, "pool: %s (%s backing)\n", pool.Stats(), pool.Backing())
	return nil
}

func printUnit(w io.Writer, code *dfg.JITCode, opts compileOptions) {
	u := code.Unit
	fmt.Fprintf(w, "%s: %s at 0x%x", u.Name, units.BytesSize(float64(u.Size())), code.Entry)
	if code.EntryWithArityCheck != 0 {
		fmt.Fprintf(w, ", arity-checked entry 0x%x", code.EntryWithArityCheck)
	}
	fmt.Fprintln(w)
	if opts.tree {
		fmt.Fprint(w, u.ToTree().String())
	}
	if opts.disasm {
		fmt.Fprint(w, masm.DisassembleAt(u.Code(), uint64(u.Base())))
	}
}
