package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/stepfn/runtime/dispatch"
	"goa.design/stepfn/runtime/event"
	"goa.design/stepfn/runtime/orchestrator/inmem"
	"goa.design/stepfn/runtime/orchestrator/pulse"
	"goa.design/stepfn/runtime/orchestrator/store"
	"goa.design/stepfn/runtime/orchestrator/store/memory"
	mongostore "goa.design/stepfn/runtime/orchestrator/store/mongo"
	redisstore "goa.design/stepfn/runtime/orchestrator/store/redis"
	"goa.design/stepfn/runtime/telemetry"
)

type (
	// runner exposes the local orchestrator over HTTP.
	runner[T any] struct {
		orch *inmem.Orchestrator[T]
	}

	// runResult is the body returned by the run endpoints.
	runResult struct {
		ID     string          `json:"id"`
		FnID   string          `json:"fn_id,omitempty"`
		Status string          `json:"status"`
		Output json.RawMessage `json:"output,omitempty"`
		Error  json.RawMessage `json:"error,omitempty"`
		Rounds int             `json:"rounds"`
	}
)

// newRunStore builds the run store selected by cfg. The returned function
// releases the connections it opened.
func newRunStore(ctx context.Context, cfg config) (store.Store, inmem.Publisher, func(), error) {
	switch cfg.Store {
	case "", "memory":
		return memory.New(), nil, func() {}, nil
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		s, err := redisstore.New(redisstore.Options{Redis: rdb})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		pub, err := pulse.New(pulse.Options{Redis: rdb})
		if err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		return s, pub, func() { _ = rdb.Close() }, nil
	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("connect to mongodb: %w", err)
		}
		if err := client.Ping(ctx, nil); err != nil {
			_ = client.Disconnect(ctx)
			return nil, nil, nil, fmt.Errorf("ping mongodb: %w", err)
		}
		coll := client.Database(cfg.MongoDatabase).Collection("runs")
		return mongostore.New(coll), nil, func() { _ = client.Disconnect(context.Background()) }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown run store %q (valid stores: memory, redis, mongo)", cfg.Store)
	}
}

func newRunner[T any](d *dispatch.Dispatcher[T], s store.Store, pub inmem.Publisher) *runner[T] {
	opts := []inmem.Option{inmem.WithStore(s), inmem.WithLogger(telemetry.NewClueLogger())}
	if pub != nil {
		opts = append(opts, inmem.WithPublisher(pub))
	}
	return &runner[T]{orch: inmem.New(d, opts...)}
}

// mountRunner mounts the local run endpoints.
func mountRunner[T any](mux goahttp.Muxer, r *runner[T]) []*dispatch.MountPoint {
	mux.Handle(http.MethodPost, "/dev/runs", r.handleStart)
	mux.Handle(http.MethodGet, "/dev/runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		r.handleResume(w, req, mux.Vars(req)["id"])
	})
	return []*dispatch.MountPoint{
		{Method: "StartRun", Verb: http.MethodPost, Pattern: "/dev/runs"},
		{Method: "ResumeRun", Verb: http.MethodGet, Pattern: "/dev/runs/{id}"},
	}
}

// handleStart runs the function named by the fnId query parameter with the
// event in the request body.
func (r *runner[T]) handleStart(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	fnID := req.URL.Query().Get("fnId")
	if fnID == "" {
		writeJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "missing fnId query parameter"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, dispatch.DefaultMaxBodyBytes))
	if err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	var evt event.Event[T]
	if err := json.Unmarshal(body, &evt); err != nil {
		writeJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid event: %v", err)})
		return
	}
	run, err := r.orch.Run(ctx, fnID, evt)
	r.respond(ctx, w, run, err)
}

// handleResume drives the run with the given id from its last checkpoint and
// returns its state.
func (r *runner[T]) handleResume(w http.ResponseWriter, req *http.Request, id string) {
	ctx := req.Context()
	run, err := r.orch.Resume(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(ctx, w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, store.ErrLeased):
		writeJSON(ctx, w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	r.respond(ctx, w, run, err)
}

func (r *runner[T]) respond(ctx context.Context, w http.ResponseWriter, run *inmem.Run, err error) {
	if run == nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "local run failed"})
		writeJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := http.StatusOK
	if err != nil {
		log.Error(ctx, err, log.KV{K: "run_id", V: run.ID})
		status = http.StatusInternalServerError
	}
	writeJSON(ctx, w, status, &runResult{
		ID:     run.ID,
		FnID:   run.FnID,
		Status: string(run.Status),
		Output: run.Output,
		Error:  run.Error,
		Rounds: len(run.Rounds),
	})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "encode response"})
	}
}
