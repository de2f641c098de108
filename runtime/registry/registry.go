// Package registry holds the step functions served by a process. Functions
// are registered while the program starts, the registry is then sealed and
// serves lock-free lookups to any number of concurrent dispatches.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/telemetry"
)

// ErrSealed is returned by Register once the registry has been sealed.
var ErrSealed = errors.New("registry: sealed, functions can only be registered at startup")

type (
	// Functions is the process-wide table of step functions served by a
	// dispatcher. It is populated during startup and sealed before serving;
	// lookups read an immutable snapshot and never lock.
	Functions[T any] struct {
		logger telemetry.Logger

		// mu serializes writers. Readers only load snapshot.
		mu       sync.Mutex
		snapshot atomic.Pointer[map[string]*function.Definition[T]]
		sealed   atomic.Bool
	}

	// Option configures a Functions registry.
	Option func(*options)

	options struct {
		logger telemetry.Logger
	}
)

// WithLogger sets the logger used to flag overwritten registrations.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// New returns an empty registry.
func New[T any](opts ...Option) *Functions[T] {
	o := options{logger: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	r := &Functions[T]{logger: o.logger}
	empty := map[string]*function.Definition[T]{}
	r.snapshot.Store(&empty)
	return r
}

// Register adds def under its slug. Registering a slug twice replaces the
// earlier definition; the overwrite is logged as a warning and reported via
// replaced. The registry keeps its own copy of def.
func (r *Functions[T]) Register(ctx context.Context, def *function.Definition[T]) (replaced bool, err error) {
	if err := def.Validate(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return false, fmt.Errorf("register %q: %w", def.ID, ErrSealed)
	}
	cur := *r.snapshot.Load()
	next := make(map[string]*function.Definition[T], len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	_, replaced = next[def.ID]
	d := *def
	next[d.ID] = &d
	r.snapshot.Store(&next)
	if replaced {
		r.logger.Warn(ctx, "function registered twice, previous definition replaced", "fn_id", d.ID)
	}
	return replaced, nil
}

// MustRegister registers all definitions and panics on error. It is meant
// for program initialization.
func (r *Functions[T]) MustRegister(ctx context.Context, defs ...*function.Definition[T]) {
	for _, def := range defs {
		if _, err := r.Register(ctx, def); err != nil {
			panic(err)
		}
	}
}

// Seal ends the registration phase. It is idempotent.
func (r *Functions[T]) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Sealed reports whether Seal was called.
func (r *Functions[T]) Sealed() bool { return r.sealed.Load() }

// Lookup returns the definition registered under slug. The returned
// definition must not be modified.
func (r *Functions[T]) Lookup(slug string) (*function.Definition[T], bool) {
	def, ok := (*r.snapshot.Load())[slug]
	return def, ok
}

// Len returns the number of registered functions.
func (r *Functions[T]) Len() int { return len(*r.snapshot.Load()) }

// Specs returns the descriptions of all registered functions sorted by slug.
func (r *Functions[T]) Specs() []function.Spec {
	fns := *r.snapshot.Load()
	specs := make([]function.Spec, 0, len(fns))
	for _, def := range fns {
		specs = append(specs, def.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].ID < specs[j].ID })
	return specs
}

// SyncRequest builds the sync payload describing the registered functions.
func (r *Functions[T]) SyncRequest(opts function.SyncOptions) function.SyncRequest {
	return function.NewSyncRequest(opts, r.Specs())
}
