package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"goa.design/stepfn/runtime/function"
)

// DefaultMaxBodyBytes bounds the size of a round invocation body.
const DefaultMaxBodyBytes int64 = 4 << 20

type (
	// Server exposes a Dispatcher over HTTP.
	Server[T any] struct {
		// Mounts lists the endpoints mounted by the server.
		Mounts []*MountPoint

		d       *Dispatcher[T]
		path    string
		sync    function.SyncOptions
		maxBody int64
	}

	// MountPoint describes an endpoint mounted on the muxer.
	MountPoint struct {
		// Method is the name of the handler.
		Method string
		// Verb is the HTTP method.
		Verb string
		// Pattern is the URL path.
		Pattern string
	}

	// ServerOption configures a Server.
	ServerOption func(*serverOptions)

	serverOptions struct {
		sync    function.SyncOptions
		maxBody int64
	}

	// Introspection is the body returned by GET requests on the serve path.
	Introspection struct {
		AppID         string               `json:"app_id"`
		FunctionCount int                  `json:"function_count"`
		Sync          function.SyncRequest `json:"sync"`
	}
)

// WithSyncOptions sets the options used to build the advertised sync payload.
// Empty serve origin and path fall back to the environment and then to the
// defaults of the function package.
func WithSyncOptions(opts function.SyncOptions) ServerOption {
	return func(o *serverOptions) { o.sync = opts }
}

// WithMaxBodyBytes bounds the size of round invocation bodies.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(o *serverOptions) { o.maxBody = n }
}

// NewServer returns a Server for d.
func NewServer[T any](d *Dispatcher[T], opts ...ServerOption) *Server[T] {
	o := serverOptions{maxBody: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&o)
	}
	so := o.sync.WithEnvDefaults()
	if so.AppName == "" {
		so.AppName = d.AppID()
	}
	path := so.ServePath
	if path == "" {
		path = function.DefaultServePath
	}
	return &Server[T]{
		Mounts: []*MountPoint{
			{Method: "Run", Verb: http.MethodPost, Pattern: path},
			{Method: "Introspect", Verb: http.MethodGet, Pattern: path},
		},
		d:       d,
		path:    path,
		sync:    so,
		maxBody: o.maxBody,
	}
}

// Mount configures the mux to serve the server endpoints.
func Mount[T any](mux goahttp.Muxer, s *Server[T]) {
	mux.Handle(http.MethodPost, s.path, s.handleRun)
	mux.Handle(http.MethodGet, s.path, s.handleIntrospect)
}

// Path returns the path the server is mounted on.
func (s *Server[T]) Path() string { return s.path }

// SyncRequest returns the payload advertising the served functions.
func (s *Server[T]) SyncRequest() function.SyncRequest {
	return s.d.Functions().SyncRequest(s.sync)
}

// handleRun runs the round addressed by the fnId query parameter.
func (s *Server[T]) handleRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	fnID := r.URL.Query().Get("fnId")
	if fnID == "" {
		writeResponse(ctx, w, encodeError(MakeInvalidRequest(fmt.Errorf("missing fnId query parameter"))))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err != nil {
		writeResponse(ctx, w, encodeError(MakeInvalidRequest(fmt.Errorf("read request body: %w", err))))
		return
	}
	writeResponse(ctx, w, s.d.Run(ctx, fnID, body))
}

// handleIntrospect describes the served application.
func (s *Server[T]) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(http.StatusOK)
	if err := enc.Encode(&Introspection{
		AppID:         s.d.AppID(),
		FunctionCount: s.d.Functions().Len(),
		Sync:          s.SyncRequest(),
	}); err != nil {
		s.d.logger.Error(ctx, "encode introspection", "err", err)
	}
}

func writeResponse(ctx context.Context, w http.ResponseWriter, res *Response) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(res.Status)
	_ = enc.Encode(res.Body)
}
