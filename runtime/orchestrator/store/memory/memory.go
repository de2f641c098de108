// Package memory provides an in-memory implementation of the run store.
//
// This implementation is suitable for development, testing, and single
// process deployments where runs do not need to survive restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"goa.design/stepfn/runtime/orchestrator/store"
)

// Store is an in-memory implementation of the store.Store interface.
// It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	runs   map[string]*store.Run
	leases map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{runs: make(map[string]*store.Run), leases: make(map[string]lease)}
}

// SaveRun stores a copy of run.
func (s *Store) SaveRun(ctx context.Context, run *store.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// LoadRun returns a copy of the run with the given ID.
func (s *Store) LoadRun(ctx context.Context, id string) (*store.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return run.Clone(), nil
}

// DeleteRun removes the run with the given ID.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.runs, id)
	return nil
}

// AcquireLease makes owner the driver of the run for ttl.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cur, ok := s.leases[id]; ok && cur.owner != owner && now.Before(cur.expires) {
		return store.ErrLeased
	}
	s.leases[id] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// ReleaseLease ends the lease of owner.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[id]; ok && cur.owner == owner {
		delete(s.leases, id)
	}
	return nil
}
