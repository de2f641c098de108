// Package dispatch runs one execution round of a registered step function.
//
// The orchestrator invokes the worker once per round with the triggering
// event and the memo of completed steps. The Dispatcher decodes and validates
// the request, replays the function with a fresh step.Tool, contains panics,
// and classifies the round into a Response the orchestrator understands:
//
//	200 COMPLETED      the function returned its final value
//	206 STEP_PENDING   a new operation must be persisted
//	206 NOOP_CONTINUE  the round was interrupted with nothing to report
//	500 STEP_ERRORED   a step or the function returned an error
//	500 FAULTED        the function panicked
//
// Requests that cannot be run are answered with 400 (invalid_request) or 404
// (not_found). Rounds are independent: a Dispatcher is safe for concurrent
// use and keeps no state between calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/registry"
	"goa.design/stepfn/runtime/step"
	"goa.design/stepfn/runtime/telemetry"
)

// roundStepID is the step id reported to functions for every round.
const roundStepID = "step"

// Metric names recorded by the dispatcher.
const (
	metricOutcome  = "stepfn.dispatch.outcome"
	metricDuration = "stepfn.dispatch.duration"
)

type (
	// Dispatcher runs execution rounds of the functions held by a registry.
	Dispatcher[T any] struct {
		appID   string
		fns     *registry.Functions[T]
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// Option configures a Dispatcher.
	Option func(*options)

	options struct {
		appID   string
		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer
	}

	// invocation is the outcome of calling a handler once.
	invocation struct {
		out       any
		err       error
		panicked  bool
		recovered any
		stack     []byte
	}
)

// WithAppID sets the application identifier handed to every step.Tool.
func WithAppID(id string) Option {
	return func(o *options) { o.appID = id }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the dispatcher metrics recorder.
func WithMetrics(m telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracer sets the dispatcher tracer.
func WithTracer(t telemetry.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// New returns a Dispatcher serving the functions of fns. New seals fns: the
// set of functions is fixed once the dispatcher starts serving rounds.
func New[T any](fns *registry.Functions[T], opts ...Option) *Dispatcher[T] {
	o := options{
		appID:   function.DefaultAppName,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		tracer:  telemetry.NewNoopTracer(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	fns.Seal()
	return &Dispatcher[T]{
		appID:   o.appID,
		fns:     fns,
		logger:  o.logger,
		metrics: o.metrics,
		tracer:  o.tracer,
	}
}

// AppID returns the application identifier of the dispatcher.
func (d *Dispatcher[T]) AppID() string { return d.appID }

// Functions returns the registry served by the dispatcher.
func (d *Dispatcher[T]) Functions() *registry.Functions[T] { return d.fns }

// Run executes one round of the function identified by fnID with the given
// request body and returns the encoded outcome. Run never panics and never
// returns a nil Response.
func (d *Dispatcher[T]) Run(ctx context.Context, fnID string, body []byte) *Response {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "stepfn.dispatch",
		trace.WithAttributes(attribute.String("stepfn.fn_id", fnID)))
	defer span.End()

	res := d.run(ctx, span, fnID, body)

	outcome := string(res.Outcome)
	d.metrics.IncCounter(metricOutcome, 1, "fn_id", fnID, "outcome", outcome)
	d.metrics.RecordTimer(metricDuration, time.Since(start), "fn_id", fnID, "outcome", outcome)
	span.AddEvent("stepfn.dispatch.classified", "outcome", outcome, "status", res.Status)
	if res.Status >= 500 {
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetStatus(codes.Ok, outcome)
	}
	return res
}

func (d *Dispatcher[T]) run(ctx context.Context, span telemetry.Span, fnID string, body []byte) *Response {
	req, err := decodeRunRequest[T](body)
	if err != nil {
		d.logger.Warn(ctx, "rejected round", "fn_id", fnID, "err", err)
		return encodeError(err)
	}
	span.AddEvent("stepfn.dispatch.request", "run_id", req.Ctx.RunID, "attempt", req.Ctx.Attempt)
	def, ok := d.fns.Lookup(fnID)
	if !ok {
		err := MakeNotFound(fmt.Errorf("no function registered as ID: %s", fnID))
		d.logger.Warn(ctx, "rejected round", "fn_id", fnID, "err", err)
		return encodeError(err)
	}
	if req.Ctx.FnID != "" && req.Ctx.FnID != fnID {
		d.logger.Debug(ctx, "request fn_id differs from query", "fn_id", fnID, "ctx_fn_id", req.Ctx.FnID)
	}
	if err := ctx.Err(); err != nil {
		return encodeError(MakeCanceled(fmt.Errorf("round of %s abandoned: %w", fnID, err)))
	}

	in := &function.Input[T]{
		Event:  req.Event,
		Events: req.Events,
		Ctx: function.InputCtx{
			Env:     req.Ctx.Env,
			FnID:    fnID,
			RunID:   req.Ctx.RunID,
			StepID:  roundStepID,
			Attempt: req.Ctx.Attempt,
		},
	}
	tool := step.NewTool(d.appID, req.Steps)
	d.logger.Debug(ctx, "running round",
		"fn_id", fnID, "run_id", in.Ctx.RunID, "attempt", in.Ctx.Attempt, "memoized", len(req.Steps))

	inv := invoke(ctx, def.Handler, in, tool)
	return d.classify(ctx, def, in, tool, inv)
}

// invoke calls h and converts a panic into a recovered invocation.
func invoke[T any](ctx context.Context, h function.Handler[T], in *function.Input[T], tool *step.Tool) (inv invocation) {
	defer func() {
		if r := recover(); r != nil {
			inv = invocation{panicked: true, recovered: r, stack: debug.Stack()}
		}
	}()
	out, err := h(ctx, in, tool)
	return invocation{out: out, err: err}
}

// classify maps the handler outcome and the tool state to a Response. A
// handler that swallows the interrupt error is still classified from the
// tool state.
func (d *Dispatcher[T]) classify(ctx context.Context, def *function.Definition[T], in *function.Input[T], tool *step.Tool, inv invocation) *Response {
	keyvals := []any{"fn_id", def.ID, "run_id", in.Ctx.RunID, "attempt", in.Ctx.Attempt}

	if inv.panicked {
		desc := fmt.Sprintf("panic: %v", inv.recovered)
		d.logger.Error(ctx, "function panicked",
			append(keyvals, "err", errors.New(desc), "stack", string(inv.stack))...)
		return encodeFault(desc)
	}

	if step.IsInterrupt(inv.err) || tool.Interrupted() {
		if se := tool.Error(); se != nil {
			d.logger.Error(ctx, "step failed",
				append(keyvals, "step", se.Step, "max_attempts", def.Retries.MaxAttempts(), "err", se)...)
			return encodeStepError(se)
		}
		op, encErr := tool.Pending()
		if op == nil {
			d.logger.Debug(ctx, "round interrupted without operation", keyvals...)
			return encodeNoop()
		}
		if encErr != nil {
			err := MakeSerialization(fmt.Errorf("encode value of step %q: %w", op.Name, encErr))
			d.logger.Error(ctx, "step value not serializable", append(keyvals, "step", op.Name, "err", err)...)
			return encodeError(err)
		}
		d.logger.Debug(ctx, "step pending", append(keyvals, "step", op.Name, "op", string(op.Op))...)
		return encodePending(op)
	}

	if inv.err != nil {
		se := step.FromError(inv.err)
		d.logger.Error(ctx, "function failed",
			append(keyvals, "max_attempts", def.Retries.MaxAttempts(), "err", inv.err)...)
		return encodeStepError(se)
	}

	res := encodeCompleted(inv.out)
	if res.Outcome == OutcomeCompleted {
		d.logger.Info(ctx, "function completed", keyvals...)
	} else {
		d.logger.Error(ctx, "function result not serializable", keyvals...)
	}
	return res
}
