// Package step implements the Step Tool handed to step functions on every
// execution round.
//
// A round replays the function from the top. Steps whose outcome is already
// in the memo return the stored value without running their closure. The
// first step that is not memoized runs, its outcome is recorded, and the step
// returns an *Interrupt error asking the function to stop so the orchestrator
// can persist the outcome and schedule the next round. Any further new step
// reached in the same round is skipped and returns the same interrupt.
//
// Step-aware code propagates the interrupt like any other error:
//
//	user, err := step.Run(ctx, tool, "load-user", func(ctx context.Context) (*User, error) {
//		return db.LoadUser(ctx, in.Event.Data.UserID)
//	})
//	if err != nil {
//		return nil, err
//	}
package step

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrEmptyStepName is returned when a step is invoked without a name.
var ErrEmptyStepName = errors.New("step: name is required")

type (
	// Tool tracks the step state of one invocation. A Tool is created by the
	// dispatcher for a single round and must not be reused across rounds or
	// requests.
	Tool struct {
		appID string
		memo  map[string]json.RawMessage

		mu sync.Mutex
		// interrupt is raised once and returned to every later new step.
		interrupt *Interrupt
		pending   *Op
		// encodeErr records a failure to encode the pending step value.
		encodeErr error
		failure   *StepError
	}

	// Kind identifies the type of a newly discovered operation.
	Kind string

	// Op describes a newly discovered durable operation for the orchestrator
	// to persist.
	Op struct {
		// Op is the operation kind.
		Op Kind `json:"op"`
		// ID is the memo key the outcome must be stored under.
		ID string `json:"id"`
		// Name is the step name given by the function.
		Name string `json:"name"`
		// Data is the JSON encoded step result (KindStep).
		Data json.RawMessage `json:"data,omitempty"`
		// Input carries the operation arguments (KindSleep).
		Input json.RawMessage `json:"input,omitempty"`
	}
)

const (
	// KindStep is a step whose closure ran and produced a value.
	KindStep Kind = "Step"
	// KindSleep asks the orchestrator to resume the run after a delay.
	KindSleep Kind = "Sleep"
)

// NewTool returns a Tool seeded with the memo of previously completed steps.
// A name present in memo is completed, even when its value is JSON null. The
// memo is not modified.
func NewTool(appID string, memo map[string]json.RawMessage) *Tool {
	if memo == nil {
		memo = map[string]json.RawMessage{}
	}
	return &Tool{appID: appID, memo: memo}
}

// AppID returns the application identifier the tool was created for.
func (t *Tool) AppID() string { return t.appID }

// Memoized reports whether the named step completed in an earlier round.
func (t *Tool) Memoized(name string) bool {
	_, ok := t.memo[name]
	return ok
}

// Interrupted reports whether a step interrupted this round.
func (t *Tool) Interrupted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interrupt != nil
}

// Error returns the error of the step that failed this round, or nil.
func (t *Tool) Error() *StepError {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failure
}

// Pending returns the operation discovered this round, or nil. The error is
// non-nil when the step value could not be encoded.
func (t *Tool) Pending() (*Op, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending, t.encodeErr
}

// lookup returns the memoized outcome of name.
func (t *Tool) lookup(name string) (json.RawMessage, bool) {
	raw, ok := t.memo[name]
	return raw, ok
}

// claim reserves the round for the named step. It returns the interrupt
// raised by an earlier step when the round is already taken.
func (t *Tool) claim(name string, kind Kind) (*Interrupt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.interrupt != nil {
		return t.interrupt, false
	}
	t.interrupt = &Interrupt{Step: name, Kind: kind}
	return t.interrupt, true
}

// complete records the successful outcome of the claimed step.
func (t *Tool) complete(op *Op, encodeErr error) *Interrupt {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = op
	t.encodeErr = encodeErr
	return t.interrupt
}

// fail records the failure of the claimed step. The interrupt handed out by
// claim is never mutated: callers skipped earlier in the round may read it
// concurrently, so fail returns a new errored interrupt.
func (t *Tool) fail(name string, err error) *Interrupt {
	t.mu.Lock()
	defer t.mu.Unlock()
	se := FromError(err)
	if se.Step == "" {
		se = se.withStep(name)
	}
	t.failure = se
	errored := *t.interrupt
	errored.Errored = true
	t.interrupt = &errored
	return t.interrupt
}
