package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stepfn/runtime/orchestrator/store"
)

func TestSaveLoadDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := &store.Run{
		ID:     "r1",
		FnID:   "fn",
		Status: store.RunStatusRunning,
		Event:  json.RawMessage(`{"name":"e"}`),
		Steps:  map[string]json.RawMessage{"a": json.RawMessage(`1`), "b": json.RawMessage(`null`)},
		Stack:  []string{"a", "b"},
	}

	require.NoError(t, s.SaveRun(ctx, run))
	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, run, got)

	require.NoError(t, s.DeleteRun(ctx, "r1"))
	_, err = s.LoadRun(ctx, "r1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.DeleteRun(ctx, "r1"), store.ErrNotFound)
}

func TestStoreKeepsCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	run := &store.Run{ID: "r1", Steps: map[string]json.RawMessage{"a": json.RawMessage(`1`)}}
	require.NoError(t, s.SaveRun(ctx, run))

	run.Steps["b"] = json.RawMessage(`2`)
	got, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	got.Steps["c"] = json.RawMessage(`3`)

	again, err := s.LoadRun(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, again.Steps, 1)
}

func TestCanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.SaveRun(ctx, &store.Run{ID: "r"}), context.Canceled)
	_, err := s.LoadRun(ctx, "r")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.DeleteRun(ctx, "r"), context.Canceled)
}

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, store.RunStatusRunning.Terminal())
	assert.False(t, store.RunStatusCanceled.Terminal())
	assert.True(t, store.RunStatusCompleted.Terminal())
	assert.True(t, store.RunStatusFailed.Terminal())
	assert.True(t, store.RunStatusRejected.Terminal())
}

func TestLeaseSingleOwner(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, "r1", "a", time.Minute))
	require.NoError(t, s.AcquireLease(ctx, "r1", "a", time.Minute), "owner renews its lease")
	assert.ErrorIs(t, s.AcquireLease(ctx, "r1", "b", time.Minute), store.ErrLeased)

	require.NoError(t, s.ReleaseLease(ctx, "r1", "b"))
	assert.ErrorIs(t, s.AcquireLease(ctx, "r1", "b", time.Minute), store.ErrLeased, "release by non-owner is a no-op")

	require.NoError(t, s.ReleaseLease(ctx, "r1", "a"))
	assert.NoError(t, s.AcquireLease(ctx, "r1", "b", time.Minute))
}

func TestLeaseExpires(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.AcquireLease(ctx, "r1", "a", time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	assert.NoError(t, s.AcquireLease(ctx, "r1", "b", time.Minute))
	assert.ErrorIs(t, s.AcquireLease(ctx, "r1", "a", time.Minute), store.ErrLeased)
}
