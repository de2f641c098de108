package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/stepfn/runtime/dispatch"
	"goa.design/stepfn/runtime/event"
	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/orchestrator/store"
	"goa.design/stepfn/runtime/orchestrator/store/memory"
	"goa.design/stepfn/runtime/registry"
	"goa.design/stepfn/runtime/step"
)

type order struct {
	ID    string `json:"id"`
	Items int    `json:"items"`
}

func newOrchestrator(t *testing.T, defs []*function.Definition[order], opts ...Option) *Orchestrator[order] {
	t.Helper()
	fns := registry.New[order]()
	for _, d := range defs {
		_, err := fns.Register(context.Background(), d)
		require.NoError(t, err)
	}
	return New(dispatch.New(fns), opts...)
}

func orderEvent() event.Event[order] {
	return event.Event[order]{Name: "shop/order.created", Data: order{ID: "o-1", Items: 3}}
}

func TestRunDrivesStepsToCompletion(t *testing.T) {
	calls := map[string]int{}
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "fulfil",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, in *function.Input[order], tool *step.Tool) (any, error) {
			reserved, err := step.Run(ctx, tool, "reserve", func(context.Context) (int, error) {
				calls["reserve"]++
				return in.Event.Data.Items, nil
			})
			if err != nil {
				return nil, err
			}
			label, err := step.Run(ctx, tool, "ship", func(context.Context) (string, error) {
				calls["ship"]++
				return "label-" + in.Event.Data.ID, nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"reserved": reserved, "label": label}, nil
		},
	}})

	run, err := o.Run(context.Background(), "fulfil", orderEvent())

	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.JSONEq(t, `{"reserved":3,"label":"label-o-1"}`, string(run.Output))
	assert.Len(t, run.Rounds, 3)
	assert.Equal(t, map[string]int{"reserve": 1, "ship": 1}, calls)
	assert.JSONEq(t, `3`, string(run.Steps["reserve"]))
	assert.True(t, strings.HasPrefix(run.ID, "fulfil-"))

	status, err := o.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, status)
}

func TestRunRetriesFailedStepUntilExhausted(t *testing.T) {
	attempts := 0
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "flaky",
		Trigger: function.OnEvent("shop/order.created"),
		Retries: function.RetryPolicy{Attempts: 2},
		Handler: func(ctx context.Context, _ *function.Input[order], tool *step.Tool) (any, error) {
			_, err := step.Run(ctx, tool, "charge", func(context.Context) (int, error) {
				attempts++
				return 0, errors.New("card declined")
			})
			return nil, err
		},
	}})

	run, err := o.Run(context.Background(), "flaky", orderEvent())

	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, run.Status)
	assert.Equal(t, 2, attempts)
	assert.JSONEq(t, `{"name":"Error","message":"card declined","step":"charge"}`, string(run.Error))
	assert.NotContains(t, run.Steps, "charge")
}

func TestRunRecoversAfterRetry(t *testing.T) {
	attempts := 0
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "flaky",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, _ *function.Input[order], tool *step.Tool) (any, error) {
			return step.Run(ctx, tool, "charge", func(context.Context) (string, error) {
				attempts++
				if attempts == 1 {
					return "", errors.New("timeout")
				}
				return "paid", nil
			})
		},
	}})

	run, err := o.Run(context.Background(), "flaky", orderEvent())

	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.JSONEq(t, `"paid"`, string(run.Output))
	assert.Equal(t, 2, attempts)
}

func TestRunUnknownFunctionIsRejected(t *testing.T) {
	o := newOrchestrator(t, nil)

	run, err := o.Run(context.Background(), "missing", orderEvent())

	require.NoError(t, err)
	assert.Equal(t, RunStatusRejected, run.Status)
	assert.Contains(t, string(run.Error), dispatch.ErrNameNotFound)
}

func TestRunFoldsSleep(t *testing.T) {
	var slept []time.Duration
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "remind",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, _ *function.Input[order], tool *step.Tool) (any, error) {
			if err := step.Sleep(ctx, tool, "wait", time.Hour); err != nil {
				return nil, err
			}
			return "reminded", nil
		},
	}}, WithSleeper(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))

	run, err := o.Run(context.Background(), "remind", orderEvent())

	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.Equal(t, []time.Duration{time.Hour}, slept)
	assert.Equal(t, json.RawMessage("null"), run.Steps["wait"])
}

func TestRunStopsAtMaxRounds(t *testing.T) {
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "spin",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(context.Context, *function.Input[order], *step.Tool) (any, error) {
			return nil, &step.Interrupt{}
		},
	}}, WithMaxRounds(3))

	run, err := o.Run(context.Background(), "spin", orderEvent())

	assert.ErrorIs(t, err, ErrMaxRounds)
	assert.Len(t, run.Rounds, 3)
	assert.Equal(t, RunStatusFailed, run.Status)
	status, err := o.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusFailed, status)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "remind",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, _ *function.Input[order], tool *step.Tool) (any, error) {
			return nil, step.Sleep(ctx, tool, "wait", time.Hour)
		},
	}})
	cancel()

	run, err := o.Run(ctx, "remind", orderEvent())

	assert.ErrorIs(t, err, context.Canceled)
	status, err := o.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCanceled, status)
}

func TestStatusUnknownRun(t *testing.T) {
	o := newOrchestrator(t, nil)

	_, err := o.Status(context.Background(), "missing")

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeContinuesFromCheckpoint(t *testing.T) {
	runs := memory.New()
	calls := 0
	defs := func() []*function.Definition[order] {
		return []*function.Definition[order]{{
			ID:      "remind",
			Trigger: function.OnEvent("shop/order.created"),
			Handler: func(ctx context.Context, in *function.Input[order], tool *step.Tool) (any, error) {
				id, err := step.Run(ctx, tool, "lookup", func(context.Context) (string, error) {
					calls++
					return in.Event.Data.ID, nil
				})
				if err != nil {
					return nil, err
				}
				if err := step.Sleep(ctx, tool, "wait", time.Minute); err != nil {
					return nil, err
				}
				return "reminded " + id, nil
			},
		}}
	}

	interrupted := newOrchestrator(t, defs(), WithStore(runs), WithSleeper(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	run, err := interrupted.Run(context.Background(), "remind", orderEvent())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, RunStatusCanceled, run.Status)
	assert.Equal(t, 1, calls)

	resumed := newOrchestrator(t, defs(), WithStore(runs), WithSleeper(func(context.Context, time.Duration) error {
		return nil
	}))
	run, err = resumed.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, run.Status)
	assert.JSONEq(t, `"reminded o-1"`, string(run.Output))
	assert.Equal(t, 1, calls)

	again, err := resumed.Resume(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, again.Status)
	assert.Empty(t, again.Rounds)
}

func TestResumeUnknownRun(t *testing.T) {
	o := newOrchestrator(t, nil)

	_, err := o.Resume(context.Background(), "missing")

	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResumeHasSingleDriver(t *testing.T) {
	runs := memory.New()
	var charges atomic.Int32
	defs := []*function.Definition[order]{{
		ID:      "checkout",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, in *function.Input[order], tool *step.Tool) (any, error) {
			if err := step.Sleep(ctx, tool, "settle", time.Second); err != nil {
				return nil, err
			}
			return step.Run(ctx, tool, "charge", func(context.Context) (string, error) {
				charges.Add(1)
				return "charged " + in.Event.Data.ID, nil
			})
		},
	}}

	canceled := newOrchestrator(t, defs, WithStore(runs), WithSleeper(func(context.Context, time.Duration) error {
		return context.Canceled
	}))
	run, err := canceled.Run(context.Background(), "checkout", orderEvent())
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, RunStatusCanceled, run.Status)

	sleeping := make(chan struct{})
	wake := make(chan struct{})
	first := newOrchestrator(t, defs, WithStore(runs), WithSleeper(func(context.Context, time.Duration) error {
		close(sleeping)
		<-wake
		return nil
	}))
	second := newOrchestrator(t, defs, WithStore(runs), WithSleeper(func(context.Context, time.Duration) error {
		return nil
	}))

	type outcome struct {
		run *Run
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := first.Resume(context.Background(), run.ID)
		done <- outcome{r, err}
	}()
	<-sleeping

	_, err = second.Resume(context.Background(), run.ID)
	assert.ErrorIs(t, err, store.ErrLeased)

	close(wake)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, RunStatusCompleted, res.run.Status)
	assert.Equal(t, int32(1), charges.Load())

	again, err := second.Resume(context.Background(), run.ID)
	require.NoError(t, err, "lease is released once the driver returns")
	assert.Equal(t, RunStatusCompleted, again.Status)
	assert.Equal(t, int32(1), charges.Load())
}

type recordingPublisher struct {
	events []*RoundEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev *RoundEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestRunPublishesRoundEvents(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("stream down")}
	o := newOrchestrator(t, []*function.Definition[order]{{
		ID:      "one",
		Trigger: function.OnEvent("shop/order.created"),
		Handler: func(ctx context.Context, _ *function.Input[order], tool *step.Tool) (any, error) {
			return step.Run(ctx, tool, "a", func(context.Context) (int, error) { return 1, nil })
		},
	}}, WithPublisher(pub))

	run, err := o.Run(context.Background(), "one", orderEvent())

	require.NoError(t, err)
	require.Len(t, pub.events, 2)
	assert.Equal(t, run.ID, pub.events[0].RunID)
	assert.Equal(t, 1, pub.events[0].Round)
	assert.Equal(t, string(dispatch.OutcomeStepPending), pub.events[0].Outcome)
	assert.Equal(t, 2, pub.events[1].Round)
	assert.Equal(t, string(dispatch.OutcomeCompleted), pub.events[1].Outcome)
	assert.JSONEq(t, `1`, string(pub.events[1].Body))
}
