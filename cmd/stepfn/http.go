package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"goa.design/clue/debug"
	"goa.design/clue/log"
	goahttp "goa.design/goa/v3/http"

	"goa.design/stepfn/runtime/dispatch"
)

// handleHTTPServer starts the HTTP server serving server and, when r is not
// nil, the local run endpoints. It stops when ctx is canceled.
func handleHTTPServer[T any](ctx context.Context, addr string, server *dispatch.Server[T], r *runner[T], wg *sync.WaitGroup, errc chan error, dbg bool) {
	// Build the request multiplexer and mount debug and profiler endpoints
	// in debug mode.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
		if dbg {
			debug.MountPprofHandlers(debug.Adapt(mux))
			debug.MountDebugLogEnabler(debug.Adapt(mux))
		}
	}

	dispatch.Mount(mux, server)
	mounts := server.Mounts
	if r != nil {
		mounts = append(mounts, mountRunner(mux, r)...)
	}

	var handler http.Handler = mux
	if dbg {
		// Log request and response bodies if debug logs are enabled.
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		log.Printf(ctx, "HTTP %q mounted on %s %s", m.Method, m.Verb, m.Pattern)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}
