package function

import (
	"net/url"
	"os"
	"sort"
	"strings"
)

const (
	// DefaultServeOrigin is the origin advertised when none is configured.
	DefaultServeOrigin = "http://127.0.0.1:3000"
	// DefaultServePath is the path advertised when none is configured.
	DefaultServePath = "/api/inngest"
	// DefaultAppName is the application name advertised when none is set.
	DefaultAppName = "InngestApp"

	// EnvServeOrigin overrides the advertised origin when set.
	EnvServeOrigin = "STEPFN_SERVE_ORIGIN"
	// EnvServePath overrides the advertised path when set.
	EnvServePath = "STEPFN_SERVE_PATH"

	// roundStepID is the single step entry every function advertises; the
	// orchestrator calls it once per round.
	roundStepID = "step"
)

type (
	// SyncRequest is the payload describing the application and its
	// functions to the orchestrator. Building it requires no network access;
	// sending it is the responsibility of the caller.
	SyncRequest struct {
		AppName   string         `json:"appName"`
		Framework string         `json:"framework"`
		URL       string         `json:"url"`
		SDK       string         `json:"sdk,omitempty"`
		Functions []SyncFunction `json:"functions"`
	}

	// SyncFunction describes one function in a SyncRequest.
	SyncFunction struct {
		ID       string              `json:"id"`
		Name     string              `json:"name"`
		Triggers []Trigger           `json:"triggers"`
		Steps    map[string]SyncStep `json:"steps"`
	}

	// SyncStep describes how the orchestrator invokes a function round.
	SyncStep struct {
		ID      string      `json:"id"`
		Name    string      `json:"name"`
		Runtime StepRuntime `json:"runtime"`
		Retries RetryPolicy `json:"retries"`
	}

	// StepRuntime is the invocation target of a step.
	StepRuntime struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	}

	// SyncOptions configures NewSyncRequest.
	SyncOptions struct {
		// AppName defaults to DefaultAppName.
		AppName string
		// Framework names the embedding HTTP framework (for example "nethttp").
		Framework string
		// ServeOrigin defaults to DefaultServeOrigin.
		ServeOrigin string
		// ServePath defaults to DefaultServePath.
		ServePath string
		// SDK identifies this library and version.
		SDK string
	}
)

// NewSyncRequest builds the sync payload for the given function specs.
// Functions are sorted by ID so the payload is deterministic.
func NewSyncRequest(opts SyncOptions, specs []Spec) SyncRequest {
	app := opts.AppName
	if app == "" {
		app = DefaultAppName
	}
	base := ServeURL(opts.ServeOrigin, opts.ServePath)

	sorted := make([]Spec, len(specs))
	copy(sorted, specs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	fns := make([]SyncFunction, 0, len(sorted))
	for _, s := range sorted {
		fns = append(fns, SyncFunction{
			ID:       s.ID,
			Name:     s.Name,
			Triggers: []Trigger{s.Trigger},
			Steps: map[string]SyncStep{
				roundStepID: {
					ID:   roundStepID,
					Name: roundStepID,
					Runtime: StepRuntime{
						URL:    stepURL(base, s.ID),
						Method: "http",
					},
					Retries: RetryPolicy{Attempts: s.Retries.MaxAttempts()},
				},
			},
		})
	}
	return SyncRequest{
		AppName:   app,
		Framework: opts.Framework,
		URL:       base,
		SDK:       opts.SDK,
		Functions: fns,
	}
}

// WithEnvDefaults returns a copy of o where empty ServeOrigin and ServePath
// are read from STEPFN_SERVE_ORIGIN and STEPFN_SERVE_PATH.
func (o SyncOptions) WithEnvDefaults() SyncOptions {
	if o.ServeOrigin == "" {
		o.ServeOrigin = os.Getenv(EnvServeOrigin)
	}
	if o.ServePath == "" {
		o.ServePath = os.Getenv(EnvServePath)
	}
	return o
}

// ServeURL joins origin and path, applying defaults for empty values.
func ServeURL(origin, path string) string {
	if origin == "" {
		origin = DefaultServeOrigin
	}
	if path == "" {
		path = DefaultServePath
	}
	return strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(path, "/")
}

func stepURL(base, fnID string) string {
	q := url.Values{}
	q.Set("fnId", fnID)
	q.Set("step", roundStepID)
	return base + "?" + q.Encode()
}
