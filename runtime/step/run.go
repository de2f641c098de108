package step

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Run executes a named durable step.
//
// When name completed in an earlier round, Run decodes the memoized value
// into T and returns it without calling fn. Otherwise, if no other new step
// owns the round, Run calls fn once, records its outcome and returns an
// *Interrupt. If another new step already owns the round, fn is skipped and
// the interrupt of that step is returned.
//
// A memoized value that cannot be decoded into T is returned as a regular
// error.
func Run[T any](ctx context.Context, t *Tool, name string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if name == "" {
		return zero, ErrEmptyStepName
	}
	if raw, ok := t.lookup(name); ok {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return zero, fmt.Errorf("step %q: decode memoized value: %w", name, err)
		}
		return v, nil
	}
	intr, ok := t.claim(name, KindStep)
	if !ok {
		return zero, intr
	}
	if err := ctx.Err(); err != nil {
		return zero, t.fail(name, err)
	}
	v, err := fn(ctx)
	if err != nil {
		return zero, t.fail(name, err)
	}
	data, encErr := json.Marshal(v)
	return zero, t.complete(&Op{Op: KindStep, ID: name, Name: name, Data: data}, encErr)
}

// Sleep pauses the run for d. The first round that reaches Sleep interrupts
// and asks the orchestrator to call back once d elapsed; the orchestrator then
// memoizes name and later rounds return nil immediately.
func Sleep(_ context.Context, t *Tool, name string, d time.Duration) error {
	if name == "" {
		return ErrEmptyStepName
	}
	if _, ok := t.lookup(name); ok {
		return nil
	}
	intr, ok := t.claim(name, KindSleep)
	if !ok {
		return intr
	}
	if d < 0 {
		d = 0
	}
	input, encErr := json.Marshal(struct {
		Duration string `json:"duration"`
	}{d.String()})
	return t.complete(&Op{Op: KindSleep, ID: name, Name: name, Input: input}, encErr)
}
