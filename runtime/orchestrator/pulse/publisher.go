// Package pulse publishes orchestrator round events to Pulse streams backed
// by Redis. Each run gets its own stream so observers can follow the
// progress of a single run from its first round.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"goa.design/stepfn/runtime/orchestrator/inmem"
)

// DefaultStreamPrefix is the stream name prefix used when
// Options.StreamPrefix is empty.
const DefaultStreamPrefix = "stepfn-run-"

type (
	// Options configures the publisher.
	Options struct {
		// Redis is the Redis connection backing the streams. Required.
		Redis *redis.Client
		// StreamPrefix prefixes run stream names.
		StreamPrefix string
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Publisher implements inmem.Publisher on top of Pulse streams.
	Publisher struct {
		redis   *redis.Client
		prefix  string
		maxLen  int
		timeout time.Duration
	}
)

// Compile-time check that Publisher implements inmem.Publisher.
var _ inmem.Publisher = (*Publisher)(nil)

// New returns a publisher backed by the Redis connection in opts.
func New(opts Options) (*Publisher, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.StreamPrefix
	if prefix == "" {
		prefix = DefaultStreamPrefix
	}
	return &Publisher{
		redis:   opts.Redis,
		prefix:  prefix,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
	}, nil
}

// StreamName returns the name of the stream carrying the events of runID.
func (p *Publisher) StreamName(runID string) string {
	return p.prefix + runID
}

// Stream opens the stream carrying the events of runID.
func (p *Publisher) Stream(runID string) (*streaming.Stream, error) {
	var opts []streamopts.Stream
	if p.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(p.maxLen))
	}
	s, err := streaming.NewStream(p.StreamName(runID), p.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return s, nil
}

// Publish adds ev to the stream of its run. The event name is the round
// outcome and the payload is the JSON encoded event.
func (p *Publisher) Publish(ctx context.Context, ev *inmem.RoundEvent) error {
	if ev.Outcome == "" {
		return errors.New("event outcome is required")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode round event: %w", err)
	}
	s, err := p.Stream(ev.RunID)
	if err != nil {
		return err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	if _, err := s.Add(ctx, ev.Outcome, payload); err != nil {
		return fmt.Errorf("pulse add: %w", err)
	}
	return nil
}
