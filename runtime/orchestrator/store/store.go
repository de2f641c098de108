// Package store defines the persistence layer for orchestrated runs.
//
// A run record holds the triggering event and the memo of completed steps,
// which is everything needed to resume a run from its last checkpoint.
// Available implementations:
//
//   - memory: in-memory store for development and testing
//   - redis: Redis store shared by several orchestrator processes
//   - mongo: MongoDB store for durable persistence
//
// Implementations return ErrNotFound for missing runs. A run has at most one
// driver at a time: drivers hold a lease on the run and renew it while they
// make progress. AcquireLease returns ErrLeased while another owner holds an
// unexpired lease.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a run is not found in the store.
	ErrNotFound = errors.New("run not found")
	// ErrLeased is returned when another owner holds the lease of a run.
	ErrLeased = errors.New("run is leased by another owner")
)

type (
	// Store persists run records. Implementations must be safe for
	// concurrent use.
	Store interface {
		// SaveRun stores or replaces the run with the same ID.
		SaveRun(ctx context.Context, run *Run) error
		// LoadRun returns the run with the given ID or ErrNotFound.
		LoadRun(ctx context.Context, id string) (*Run, error)
		// DeleteRun removes the run with the given ID or returns ErrNotFound.
		DeleteRun(ctx context.Context, id string) error
		// AcquireLease makes owner the driver of the run for ttl. Calling it
		// again with the same owner extends the lease. It returns ErrLeased
		// when another owner holds an unexpired lease.
		AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error
		// ReleaseLease ends the lease of owner. It is a no-op when owner does
		// not hold the lease.
		ReleaseLease(ctx context.Context, id, owner string) error
	}

	// RunStatus is the lifecycle state of a run.
	RunStatus string

	// Run is the checkpoint of an orchestrated run.
	Run struct {
		// ID identifies the run.
		ID string `json:"id"`
		// FnID is the function slug.
		FnID string `json:"fn_id"`
		// Status is the lifecycle state.
		Status RunStatus `json:"status"`
		// Event is the JSON encoded triggering event.
		Event json.RawMessage `json:"event"`
		// Steps is the memo of completed steps.
		Steps map[string]json.RawMessage `json:"steps"`
		// Stack lists step ids in completion order.
		Stack []string `json:"stack"`
		// Attempt is the retry attempt of the next round.
		Attempt uint `json:"attempt"`
		// Rounds counts the rounds executed so far.
		Rounds int `json:"rounds"`
		// Output is the function result once completed.
		Output json.RawMessage `json:"output,omitempty"`
		// Error is the last error body.
		Error json.RawMessage `json:"error,omitempty"`
		// UpdatedAt is the time of the last checkpoint.
		UpdatedAt time.Time `json:"updated_at"`
	}
)

const (
	// RunStatusRunning is the status of a run in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusCompleted is the status of a run whose function returned.
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed is the status of a run that exhausted its attempts.
	RunStatusFailed RunStatus = "failed"
	// RunStatusRejected is the status of a run refused by the dispatcher.
	RunStatusRejected RunStatus = "rejected"
	// RunStatusCanceled is the status of a run whose context ended.
	RunStatusCanceled RunStatus = "canceled"
)

// Terminal reports whether no further round runs for the status.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusRejected
}

// Clone returns a deep copy of r.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.Event = slices.Clone(r.Event)
	c.Output = slices.Clone(r.Output)
	c.Error = slices.Clone(r.Error)
	c.Stack = slices.Clone(r.Stack)
	c.Steps = make(map[string]json.RawMessage, len(r.Steps))
	for k, v := range r.Steps {
		c.Steps[k] = slices.Clone(v)
	}
	return &c
}
