// Command stepfn serves demo step functions over HTTP.
//
// The orchestrator invokes POST <serve-path>?fnId=<id> once per execution
// round. GET <serve-path> describes the served application and returns the
// sync payload advertising its functions.
//
// # Configuration
//
// Settings are read from an optional YAML file (-config), then from the
// environment, then from flags:
//
//	STEPFN_HTTP_ADDR       - listen address (default: "localhost:3000")
//	STEPFN_APP_ID          - application identifier (default: "stepfn-demo")
//	STEPFN_SERVE_ORIGIN    - advertised origin (default: "http://127.0.0.1:3000")
//	STEPFN_SERVE_PATH      - serve path (default: "/api/inngest")
//	STEPFN_DEBUG           - enable debug logs and endpoints
//	STEPFN_MAX_BODY_BYTES  - maximum request body size
//	STEPFN_DEV_RUNS        - mount the local run endpoints under /dev/runs
//	STEPFN_STORE           - run store of the local runner: memory, redis, mongo
//	REDIS_URL              - Redis address (default: "localhost:6379")
//	REDIS_PASSWORD         - Redis password (optional)
//	MONGO_URI              - MongoDB URI (default: "mongodb://localhost:27017")
//	MONGO_DATABASE         - MongoDB database (default: "stepfn")
//
// # Local runs
//
// With dev runs enabled, POST /dev/runs?fnId=<id> drives a run of the
// function in process with the event in the request body, checkpointing it
// in the configured store. GET /dev/runs/<run id> resumes an unfinished run
// and returns its state. The redis store also publishes round events to a
// Pulse stream per run.
//
// # Example
//
//	STEPFN_HTTP_ADDR=:3000 go run ./cmd/stepfn -debug
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"goa.design/clue/log"

	"goa.design/stepfn/runtime/dispatch"
	"goa.design/stepfn/runtime/function"
	"goa.design/stepfn/runtime/registry"
	"goa.design/stepfn/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", os.Getenv("STEPFN_CONFIG"), "Path to YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides configuration)")
		appF    = flag.String("app-id", "", "Application identifier (overrides configuration)")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
		devF    = flag.Bool("dev-runs", false, "Mount the local run endpoints")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))

	cfg, err := loadConfig(*configF, defaultConfig())
	if err != nil {
		log.Fatal(ctx, err)
	}
	cfg = applyEnv(cfg)
	if *addrF != "" {
		cfg.HTTPAddr = *addrF
	}
	if *appF != "" {
		cfg.AppID = *appF
	}
	if *dbgF {
		cfg.Debug = true
	}
	if *devF {
		cfg.DevRuns = true
	}
	if cfg.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.HTTPAddr}, log.KV{K: "app-id", V: cfg.AppID})

	// Register the functions and seal the registry.
	logger := telemetry.NewClueLogger()
	fns := registry.New[demoEvent](registry.WithLogger(logger))
	fns.MustRegister(ctx, demoFunctions()...)

	d := dispatch.New(fns,
		dispatch.WithAppID(cfg.AppID),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(telemetry.NewClueMetrics()),
		dispatch.WithTracer(telemetry.NewClueTracer()),
	)
	opts := []dispatch.ServerOption{
		dispatch.WithSyncOptions(function.SyncOptions{
			AppName:     cfg.AppID,
			Framework:   "goa",
			ServeOrigin: cfg.ServeOrigin,
			ServePath:   cfg.ServePath,
		}),
	}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, dispatch.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	server := dispatch.NewServer(d, opts...)
	log.Printf(ctx, "serving %d functions, sync URL %s", fns.Len(), server.SyncRequest().URL)

	var r *runner[demoEvent]
	if cfg.DevRuns {
		runs, pub, closeStore, err := newRunStore(ctx, cfg)
		if err != nil {
			log.Fatal(ctx, err)
		}
		defer closeStore()
		r = newRunner(d, runs, pub)
		log.Printf(ctx, "local runs enabled (store: %s)", cfg.Store)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	handleHTTPServer(ctx, cfg.HTTPAddr, server, r, &wg, errc, cfg.Debug)

	// Wait for signal.
	log.Printf(ctx, "exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	log.Printf(ctx, "exited")
}
