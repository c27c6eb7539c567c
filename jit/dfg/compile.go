package dfg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/jitlink/jit/link"
	"github.com/colorfulnotion/jitlink/jit/runtime"
	"github.com/colorfulnotion/jitlink/jit/unit"
	"github.com/colorfulnotion/jitlink/jiterrors"
	"github.com/colorfulnotion/jitlink/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/colorfulnotion/jitlink/jit/dfg"

// Plan is one unit to compile.
type Plan struct {
	Shape unit.Shape
	Body  BodyGenerator
}

// JITCode is a compiled unit and its entry addresses.
type JITCode struct {
	Unit  *unit.CompiledUnit
	Entry uintptr
	// EntryWithArityCheck is zero for units compiled without one.
	EntryWithArityCheck uintptr
}

type Compiler struct {
	vm     *runtime.VM
	tracer trace.Tracer
}

type Option func(*Compiler)

// WithTracerProvider sends compile spans to tp instead of the global
// provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Compiler) { c.tracer = tp.Tracer(tracerName) }
}

func NewCompiler(vm *runtime.VM, opts ...Option) *Compiler {
	c := &Compiler{vm: vm, tracer: otel.GetTracerProvider().Tracer(tracerName)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile compiles a unit that only has the fast entry.
func Compile(ctx context.Context, vm *runtime.VM, plan Plan) (*JITCode, error) {
	return NewCompiler(vm).Compile(ctx, plan)
}

// CompileFunction compiles a function unit with both entries.
func CompileFunction(ctx context.Context, vm *runtime.VM, plan Plan) (*JITCode, error) {
	return NewCompiler(vm).CompileFunction(ctx, plan)
}

func (c *Compiler) Compile(ctx context.Context, plan Plan) (*JITCode, error) {
	return c.run(ctx, plan, false)
}

func (c *Compiler) CompileFunction(ctx context.Context, plan Plan) (*JITCode, error) {
	return c.run(ctx, plan, true)
}

func (c *Compiler) run(ctx context.Context, plan Plan, function bool) (code *JITCode, err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "dfg.compile", trace.WithAttributes(
		attribute.String("unit", plan.Shape.Name),
		attribute.Bool("function", function),
	))
	defer span.End()

	u := unit.New(plan.Shape)
	handle := c.vm.Code.Reserve(u)
	defer func() {
		if err == nil {
			return
		}
		u.Abandon()
		c.vm.Code.Unregister(u)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn(log.JitCompile, "compile abandoned", "unit", plan.Shape.Name, "err", err)
		log.Event("abandoned", handle, plan.Shape.Name, "elapsed", time.Since(start).Microseconds())
	}()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Shared stubs come first; without them nothing can be linked.
	deopt, err := c.vm.Thunks.DeoptStub()
	if err != nil {
		return nil, fmt.Errorf("deopt stub: %w", err)
	}
	virtualCall, err := c.vm.Thunks.VirtualCallThunk()
	if err != nil {
		return nil, fmt.Errorf("virtual call thunk: %w", err)
	}

	jit := newJITCompiler(plan.Shape, handle, plan.Body)
	if function {
		err = jit.compileFunction()
	} else {
		err = jit.compile()
	}
	if err != nil {
		return nil, err
	}
	if err := u.BeginLinking(); err != nil {
		return nil, err
	}

	_, linkSpan := c.tracer.Start(ctx, "dfg.link")
	lb, err := link.NewLinkBuffer(c.vm.Alloc, jit.asm, plan.Shape.Name)
	if err != nil {
		linkSpan.End()
		return nil, err
	}
	meta := jit.linker.Link(lb, link.Targets{
		DeoptStub:        deopt,
		VirtualCallThunk: virtualCall,
		Helpers:          c.vm.Helpers,
	})
	entry := lb.LocationOf(jit.entry)
	var arityEntry uintptr
	if function {
		arityEntry = lb.LocationOf(jit.arityEntry)
		u.SetArityEntry(jit.arityEntry.Offset())
	}
	region, err := lb.FinalizeCode()
	linkSpan.SetAttributes(attribute.Int("code.size", lb.Size()))
	linkSpan.End()
	if err != nil {
		return nil, err
	}
	if err := u.FinishLinking(region, meta, jit.entry.Offset()); err != nil {
		return nil, errors.Join(err, c.vm.Alloc.Free(region))
	}
	u.ShrinkToFit()
	if _, err := c.vm.Install(u); err != nil {
		return nil, errors.Join(err, c.vm.Alloc.Free(region))
	}

	span.SetAttributes(
		attribute.Int("code.size", u.Size()),
		attribute.Int("exits", len(meta.Exits)),
		attribute.Int("ics", len(meta.StubInfos)),
		attribute.Int("calls", len(meta.CallLinks)),
	)
	log.Debug(log.JitCompile, "unit installed", "unit", u, "handle", handle, "elapsed", time.Since(start))
	log.Event("installed", handle, plan.Shape.Name, "elapsed", time.Since(start).Microseconds())
	return &JITCode{Unit: u, Entry: entry, EntryWithArityCheck: arityEntry}, nil
}

// CompileAll compiles independent function plans on up to concurrency
// goroutines. Results are in plan order; the first failure cancels the rest.
func (c *Compiler) CompileAll(ctx context.Context, plans []Plan, concurrency int) ([]*JITCode, error) {
	if concurrency < 1 {
		return nil, fmt.Errorf("concurrency %d: %w", concurrency, jiterrors.ErrBadConcurrency)
	}
	out := make([]*JITCode, len(plans))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			code, err := c.CompileFunction(ctx, plan)
			if err != nil {
				return fmt.Errorf("compile %s: %w", plan.Shape.Name, err)
			}
			out[i] = code
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}
