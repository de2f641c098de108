// Package redis provides a Redis implementation of the run store.
//
// Runs are stored as JSON documents under "<prefix><run id>" keys so that
// several orchestrator processes sharing a Redis instance see the same runs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"goa.design/stepfn/runtime/orchestrator/store"
)

// DefaultKeyPrefix is the key prefix used when Options.KeyPrefix is empty.
const DefaultKeyPrefix = "stepfn:run:"

var (
	// acquireLease sets the lease key to the owner when the key is absent or
	// already held by the same owner.
	acquireLease = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	return 1
end
return 0
`)

	// releaseLease deletes the lease key only when held by the owner.
	releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)
)

type (
	// Options configures the Redis store.
	Options struct {
		// Redis is the client used to store runs. Required.
		Redis *redis.Client
		// KeyPrefix prefixes run keys. Defaults to DefaultKeyPrefix.
		KeyPrefix string
		// TTL expires terminal runs. Zero keeps them forever.
		TTL time.Duration
	}

	// Store is a Redis implementation of the store.Store interface.
	Store struct {
		rdb    *redis.Client
		prefix string
		ttl    time.Duration
	}
)

// Compile-time check that Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New returns a Redis backed store.
func New(opts Options) (*Store, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{rdb: opts.Redis, prefix: prefix, ttl: opts.TTL}, nil
}

// SaveRun stores run as a JSON document. Terminal runs expire after the
// configured TTL.
func (s *Store) SaveRun(ctx context.Context, run *store.Run) error {
	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("redis encode run %q: %w", run.ID, err)
	}
	var ttl time.Duration
	if run.Status.Terminal() {
		ttl = s.ttl
	}
	if err := s.rdb.Set(ctx, s.key(run.ID), b, ttl).Err(); err != nil {
		return fmt.Errorf("redis save run %q: %w", run.ID, err)
	}
	return nil
}

// LoadRun returns the run with the given ID.
func (s *Store) LoadRun(ctx context.Context, id string) (*store.Run, error) {
	b, err := s.rdb.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("redis load run %q: %w", id, err)
	}
	var run store.Run
	if err := json.Unmarshal(b, &run); err != nil {
		return nil, fmt.Errorf("redis decode run %q: %w", id, err)
	}
	return &run, nil
}

// DeleteRun removes the run with the given ID.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, s.key(id)).Result()
	if err != nil {
		return fmt.Errorf("redis delete run %q: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AcquireLease makes owner the driver of the run for ttl. The lease key
// expires on its own so a crashed driver does not hold the run forever.
func (s *Store) AcquireLease(ctx context.Context, id, owner string, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	ok, err := acquireLease.Run(ctx, s.rdb, []string{s.leaseKey(id)}, owner, ms).Int()
	if err != nil {
		return fmt.Errorf("redis acquire lease of run %q: %w", id, err)
	}
	if ok == 0 {
		return store.ErrLeased
	}
	return nil
}

// ReleaseLease ends the lease of owner.
func (s *Store) ReleaseLease(ctx context.Context, id, owner string) error {
	if err := releaseLease.Run(ctx, s.rdb, []string{s.leaseKey(id)}, owner).Err(); err != nil {
		return fmt.Errorf("redis release lease of run %q: %w", id, err)
	}
	return nil
}

func (s *Store) leaseKey(id string) string {
	return s.prefix + id + ":lease"
}

func (s *Store) key(id string) string {
	return s.prefix + id
}
