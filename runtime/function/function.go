// Package function defines step-function definitions: the slug the
// orchestrator addresses, the trigger that starts runs, the retry policy, and
// the entry point invoked once per execution round.
package function

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/stepfn/runtime/event"
	"goa.design/stepfn/runtime/step"
)

// DefaultRetries is the number of attempts advertised for a function that
// does not declare a retry policy.
const DefaultRetries = 3

type (
	// Definition describes a registered step function. It is immutable once
	// handed to a registry.
	Definition[T any] struct {
		// ID is the function slug used by the orchestrator (query parameter
		// fnId). Required.
		ID string
		// Name is the display name. Defaults to ID.
		Name string
		// Trigger starts new runs of the function. Required.
		Trigger Trigger
		// Retries is the retry policy advertised to the orchestrator.
		Retries RetryPolicy
		// Handler is the entry point run on every round.
		Handler Handler[T]
	}

	// Handler is a step function entry point. It is invoked once per round
	// with the same input and a Step Tool seeded from the memo. Step calls
	// that must suspend the round return a *step.Interrupt error, which the
	// handler must propagate. The returned value is JSON encoded as the run
	// result once no step interrupts.
	Handler[T any] func(ctx context.Context, in *Input[T], tool *step.Tool) (any, error)

	// Input is the execution input of one round.
	Input[T any] struct {
		// Event is the event that triggered the run.
		Event event.Event[T]
		// Events is the batch of triggering events.
		Events []event.Event[T]
		// Ctx carries round metadata.
		Ctx InputCtx
	}

	// InputCtx carries identifiers of the current run and round.
	InputCtx struct {
		// Env is the orchestrator environment tag.
		Env string `json:"env"`
		// FnID is the function slug.
		FnID string `json:"fn_id"`
		// RunID identifies the run across rounds.
		RunID string `json:"run_id"`
		// StepID is the step identifier of this round.
		StepID string `json:"step_id"`
		// Attempt is the zero-based retry attempt of this round.
		Attempt uint `json:"attempt"`
	}

	// RetryPolicy is the retry configuration advertised to the orchestrator.
	// The orchestrator owns scheduling retries; the runtime only reports it.
	RetryPolicy struct {
		// Attempts is the maximum number of attempts. Zero selects
		// DefaultRetries.
		Attempts int `json:"attempts"`
	}
)

// Validate reports whether the definition can be registered.
func (d *Definition[T]) Validate() error {
	if d == nil {
		return errors.New("function definition is nil")
	}
	if d.ID == "" {
		return errors.New("function id is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("function %q: handler is required", d.ID)
	}
	if d.Trigger == nil {
		return fmt.Errorf("function %q: trigger is required", d.ID)
	}
	if err := d.Trigger.validate(); err != nil {
		return fmt.Errorf("function %q: %w", d.ID, err)
	}
	if d.Retries.Attempts < 0 {
		return fmt.Errorf("function %q: retry attempts must not be negative", d.ID)
	}
	return nil
}

// DisplayName returns Name or ID when Name is empty.
func (d *Definition[T]) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

// MaxAttempts returns the effective number of attempts of the retry policy.
func (p RetryPolicy) MaxAttempts() int {
	if p.Attempts <= 0 {
		return DefaultRetries
	}
	return p.Attempts
}

// Slug returns the orchestrator-facing identifier of the function.
func (d *Definition[T]) Slug() string { return d.ID }

// Spec returns the serializable description of the definition used when
// building sync payloads.
func (d *Definition[T]) Spec() Spec {
	return Spec{
		ID:      d.ID,
		Name:    d.DisplayName(),
		Trigger: d.Trigger,
		Retries: RetryPolicy{Attempts: d.Retries.MaxAttempts()},
	}
}

// Spec is the type-erased description of a function: everything the
// orchestrator needs to know except the entry point.
type Spec struct {
	ID      string
	Name    string
	Trigger Trigger
	Retries RetryPolicy
}

// MarshalJSON renders the trigger as a list for forward compatibility with
// multi-trigger functions.
func (s Spec) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID       string      `json:"id"`
		Name     string      `json:"name"`
		Triggers []Trigger   `json:"triggers"`
		Retries  RetryPolicy `json:"retries"`
	}{s.ID, s.Name, []Trigger{s.Trigger}, s.Retries})
}
