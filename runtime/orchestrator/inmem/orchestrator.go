// Package inmem provides an orchestrator that drives step function runs by
// invoking a Dispatcher in process. It is meant for testing and local
// development: rounds run synchronously in the caller goroutine. Run
// checkpoints go to a store.Store (in memory by default) so an interrupted
// run can be resumed from its last completed step. A run is driven by one
// caller at a time: drivers hold the store lease of the run and a second
// driver gets store.ErrLeased.
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"goa.design/stepfn/runtime/dispatch"
	"goa.design/stepfn/runtime/event"
	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/orchestrator/store"
	"goa.design/stepfn/runtime/orchestrator/store/memory"
	"goa.design/stepfn/runtime/step"
	"goa.design/stepfn/runtime/telemetry"
)

const (
	// DefaultMaxRounds bounds the number of rounds of a single run.
	DefaultMaxRounds = 1000
	// DefaultLeaseTTL is how long a driver owns a run without renewing.
	DefaultLeaseTTL = time.Minute
)

// ErrMaxRounds is returned when a run does not terminate within the
// configured number of rounds.
var ErrMaxRounds = errors.New("inmem: run exceeded max rounds")

type (
	// Orchestrator runs step functions to completion by invoking rounds until
	// the function returns, fails permanently, or is rejected.
	Orchestrator[T any] struct {
		d         *dispatch.Dispatcher[T]
		store     store.Store
		publisher Publisher
		maxRounds int
		leaseTTL  time.Duration
		sleep     func(context.Context, time.Duration) error
		logger    telemetry.Logger
	}

	// Publisher receives the outcome of every round.
	Publisher interface {
		Publish(ctx context.Context, ev *RoundEvent) error
	}

	// RoundEvent describes the outcome of one round.
	RoundEvent struct {
		RunID   string          `json:"run_id"`
		FnID    string          `json:"fn_id"`
		Round   int             `json:"round"`
		Attempt uint            `json:"attempt"`
		Status  int             `json:"status"`
		Outcome string          `json:"outcome"`
		Body    json.RawMessage `json:"body"`
	}

	// Option configures an Orchestrator.
	Option func(*options)

	options struct {
		store     store.Store
		publisher Publisher
		maxRounds int
		leaseTTL  time.Duration
		sleep     func(context.Context, time.Duration) error
		logger    telemetry.Logger
	}

	// driver is the owner of a run for the duration of one Run or Resume
	// call.
	driver struct {
		runID string
		owner string
	}

	// RunStatus is the lifecycle state of a run.
	RunStatus = store.RunStatus

	// Run is the result of driving a run.
	Run struct {
		// ID is the run identifier.
		ID string
		// FnID is the function slug.
		FnID string
		// Status is the status reached when driving stopped.
		Status RunStatus
		// Output is the function result when Status is RunStatusCompleted.
		Output json.RawMessage
		// Error is the last error body.
		Error json.RawMessage
		// Steps is the memo reached when driving stopped.
		Steps map[string]json.RawMessage
		// Rounds lists the responses of the rounds run by this call.
		Rounds []*dispatch.Response
	}
)

// Run statuses.
const (
	RunStatusRunning   = store.RunStatusRunning
	RunStatusCompleted = store.RunStatusCompleted
	RunStatusFailed    = store.RunStatusFailed
	RunStatusRejected  = store.RunStatusRejected
	RunStatusCanceled  = store.RunStatusCanceled
)

// WithStore sets the store holding run checkpoints.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithPublisher sets the publisher notified after every round.
func WithPublisher(p Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithMaxRounds bounds the number of rounds of a single run.
func WithMaxRounds(n int) Option {
	return func(o *options) { o.maxRounds = n }
}

// WithLeaseTTL sets how long a driver owns a run between renewals. The lease
// is renewed before every round and extended across Sleep operations.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(o *options) { o.leaseTTL = ttl }
}

// WithSleeper replaces the function used to wait for Sleep operations.
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

// WithLogger sets the orchestrator logger.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns an Orchestrator driving rounds through d.
func New[T any](d *dispatch.Dispatcher[T], opts ...Option) *Orchestrator[T] {
	o := options{
		maxRounds: DefaultMaxRounds,
		leaseTTL:  DefaultLeaseTTL,
		sleep:     sleepContext,
		logger:    telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.store == nil {
		o.store = memory.New()
	}
	return &Orchestrator[T]{
		d:         d,
		store:     o.store,
		publisher: o.publisher,
		maxRounds: o.maxRounds,
		leaseTTL:  o.leaseTTL,
		sleep:     o.sleep,
		logger:    o.logger,
	}
}

// Status returns the status of the run with the given id.
func (o *Orchestrator[T]) Status(ctx context.Context, runID string) (RunStatus, error) {
	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Run starts a run of fnID triggered by evt and drives it until it reaches
// a terminal status. The returned error is non-nil only when the run could
// not be driven: the context ended, the round limit was hit, the store
// failed, or a response was not understood.
func (o *Orchestrator[T]) Run(ctx context.Context, fnID string, evt event.Event[T]) (*Run, error) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	state := &store.Run{
		ID:     generateRunID(fnID),
		FnID:   fnID,
		Status: RunStatusRunning,
		Event:  raw,
		Steps:  map[string]json.RawMessage{},
		Stack:  []string{},
	}
	drv, err := o.acquire(ctx, state.ID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, drv)
	if err := o.checkpoint(ctx, state); err != nil {
		return nil, err
	}
	return o.drive(ctx, drv, state, evt)
}

// Resume continues the run with the given id from its last checkpoint.
// Terminal runs are returned as is. Resume returns an error wrapping
// store.ErrLeased when another caller is driving the run.
func (o *Orchestrator[T]) Resume(ctx context.Context, runID string) (*Run, error) {
	drv, err := o.acquire(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer o.release(ctx, drv)
	state, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %q: %w", runID, err)
	}
	if state.Status.Terminal() {
		return result(state, nil), nil
	}
	var evt event.Event[T]
	if err := json.Unmarshal(state.Event, &evt); err != nil {
		return nil, fmt.Errorf("decode event of run %q: %w", runID, err)
	}
	if state.Steps == nil {
		state.Steps = map[string]json.RawMessage{}
	}
	if state.Stack == nil {
		state.Stack = []string{}
	}
	state.Status = RunStatusRunning
	return o.drive(ctx, drv, state, evt)
}

func (o *Orchestrator[T]) drive(ctx context.Context, drv *driver, state *store.Run, evt event.Event[T]) (*Run, error) {
	maxAttempts := function.DefaultRetries
	if def, ok := o.d.Functions().Lookup(state.FnID); ok {
		maxAttempts = def.Retries.MaxAttempts()
	}

	var rounds []*dispatch.Response
	for range o.maxRounds {
		if err := ctx.Err(); err != nil {
			return o.halt(ctx, state, rounds, RunStatusCanceled, err)
		}
		if err := o.renew(ctx, drv, o.leaseTTL); err != nil {
			return result(state, rounds), err
		}
		body, err := json.Marshal(&dispatch.RunRequest[T]{
			Ctx: dispatch.RunRequestCtx{
				Attempt: state.Attempt,
				FnID:    state.FnID,
				RunID:   state.ID,
				StepID:  "step",
				Stack:   dispatch.RunRequestStack{Current: uint(len(state.Stack)), Stack: state.Stack},
			},
			Event:   evt,
			Events:  []event.Event[T]{evt},
			Steps:   state.Steps,
			Version: 1,
		})
		if err != nil {
			return o.halt(ctx, state, rounds, RunStatusFailed, fmt.Errorf("encode run request: %w", err))
		}

		res := o.d.Run(ctx, state.FnID, body)
		rounds = append(rounds, res)
		state.Rounds++
		o.publish(ctx, state, res)

		switch {
		case res.Status == http.StatusOK:
			state.Status = RunStatusCompleted
			state.Output = res.Body
			o.logger.Info(ctx, "run completed", "run_id", state.ID, "fn_id", state.FnID, "rounds", state.Rounds)

		case res.Status == http.StatusPartialContent:
			state.Attempt = 0
			ops, err := decodeOps(res.Body)
			if err != nil {
				return o.halt(ctx, state, rounds, RunStatusFailed, err)
			}
			for _, op := range ops {
				if err := o.fold(ctx, drv, state, op); err != nil {
					if errors.Is(err, store.ErrLeased) {
						return result(state, rounds), err
					}
					status := RunStatusFailed
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						status = RunStatusCanceled
					}
					return o.halt(ctx, state, rounds, status, err)
				}
				state.Stack = append(state.Stack, op.ID)
			}

		case res.Status >= http.StatusBadRequest && res.Status < http.StatusInternalServerError:
			state.Status = RunStatusRejected
			state.Error = res.Body
			o.logger.Warn(ctx, "run rejected", "run_id", state.ID, "fn_id", state.FnID, "status", res.Status)

		default:
			state.Attempt++
			state.Error = res.Body
			if int(state.Attempt) >= maxAttempts {
				state.Status = RunStatusFailed
				o.logger.Warn(ctx, "run failed", "run_id", state.ID, "fn_id", state.FnID, "attempts", state.Attempt)
			} else {
				o.logger.Debug(ctx, "retrying round", "run_id", state.ID, "fn_id", state.FnID, "attempt", state.Attempt)
			}
		}

		if err := o.renew(ctx, drv, o.leaseTTL); err != nil {
			return result(state, rounds), err
		}
		if err := o.checkpoint(ctx, state); err != nil {
			return result(state, rounds), err
		}
		if state.Status.Terminal() {
			return result(state, rounds), nil
		}
	}
	return o.halt(ctx, state, rounds, RunStatusFailed, fmt.Errorf("%w: %d", ErrMaxRounds, o.maxRounds))
}

// fold persists the outcome of op into the run memo.
func (o *Orchestrator[T]) fold(ctx context.Context, drv *driver, state *store.Run, op *step.Op) error {
	switch op.Op {
	case step.KindStep:
		data := op.Data
		if len(data) == 0 {
			data = json.RawMessage("null")
		}
		state.Steps[op.ID] = data
	case step.KindSleep:
		var in struct {
			Duration string `json:"duration"`
		}
		if err := json.Unmarshal(op.Input, &in); err != nil {
			return fmt.Errorf("decode sleep %q input: %w", op.ID, err)
		}
		d, err := time.ParseDuration(in.Duration)
		if err != nil {
			return fmt.Errorf("sleep %q: %w", op.ID, err)
		}
		if err := o.renew(ctx, drv, d+o.leaseTTL); err != nil {
			return err
		}
		o.logger.Debug(ctx, "sleeping", "run_id", state.ID, "step", op.ID, "duration", d)
		if err := o.sleep(ctx, d); err != nil {
			return err
		}
		state.Steps[op.ID] = json.RawMessage("null")
	default:
		return fmt.Errorf("unsupported operation %q for step %q", op.Op, op.ID)
	}
	return nil
}

// halt records status and returns cause. The checkpoint uses a context
// detached from cancellation so canceled runs are still recorded.
func (o *Orchestrator[T]) halt(ctx context.Context, state *store.Run, rounds []*dispatch.Response, status RunStatus, cause error) (*Run, error) {
	state.Status = status
	if err := o.checkpoint(context.WithoutCancel(ctx), state); err != nil {
		cause = errors.Join(cause, err)
	}
	return result(state, rounds), cause
}

// acquire takes the lease of the run for a new driver.
func (o *Orchestrator[T]) acquire(ctx context.Context, runID string) (*driver, error) {
	drv := &driver{runID: runID, owner: uuid.NewString()}
	if err := o.store.AcquireLease(ctx, runID, drv.owner, o.leaseTTL); err != nil {
		return nil, fmt.Errorf("acquire run %q: %w", runID, err)
	}
	return drv, nil
}

// renew extends the lease held by drv to ttl from now.
func (o *Orchestrator[T]) renew(ctx context.Context, drv *driver, ttl time.Duration) error {
	if err := o.store.AcquireLease(ctx, drv.runID, drv.owner, ttl); err != nil {
		return fmt.Errorf("renew lease of run %q: %w", drv.runID, err)
	}
	return nil
}

func (o *Orchestrator[T]) release(ctx context.Context, drv *driver) {
	if err := o.store.ReleaseLease(context.WithoutCancel(ctx), drv.runID, drv.owner); err != nil {
		o.logger.Warn(ctx, "release run lease", "run_id", drv.runID, "err", err)
	}
}

func (o *Orchestrator[T]) checkpoint(ctx context.Context, state *store.Run) error {
	state.UpdatedAt = time.Now().UTC()
	if err := o.store.SaveRun(ctx, state); err != nil {
		return fmt.Errorf("save run %q: %w", state.ID, err)
	}
	return nil
}

// publish notifies the publisher. Publication failures do not stop the run.
func (o *Orchestrator[T]) publish(ctx context.Context, state *store.Run, res *dispatch.Response) {
	if o.publisher == nil {
		return
	}
	ev := &RoundEvent{
		RunID:   state.ID,
		FnID:    state.FnID,
		Round:   state.Rounds,
		Attempt: state.Attempt,
		Status:  res.Status,
		Outcome: string(res.Outcome),
		Body:    res.Body,
	}
	if err := o.publisher.Publish(ctx, ev); err != nil {
		o.logger.Warn(ctx, "publish round event", "run_id", state.ID, "round", state.Rounds, "err", err)
	}
}

func result(state *store.Run, rounds []*dispatch.Response) *Run {
	return &Run{
		ID:     state.ID,
		FnID:   state.FnID,
		Status: state.Status,
		Output: state.Output,
		Error:  state.Error,
		Steps:  state.Steps,
		Rounds: rounds,
	}
}

// decodeOps decodes a STEP_PENDING body. A null body carries no operation.
func decodeOps(body json.RawMessage) ([]*step.Op, error) {
	var ops []*step.Op
	if err := json.Unmarshal(body, &ops); err != nil {
		return nil, fmt.Errorf("decode pending operations: %w", err)
	}
	return ops, nil
}

// generateRunID returns a unique run identifier prefixed with the function
// slug.
func generateRunID(fnID string) string {
	prefix := strings.ReplaceAll(fnID, ".", "-")
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
