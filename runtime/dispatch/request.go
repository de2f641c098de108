package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"goa.design/stepfn/runtime/event"
)

type (
	// RunRequest is the body of a round invocation sent by the orchestrator.
	RunRequest[T any] struct {
		Ctx    RunRequestCtx              `json:"ctx"`
		Event  event.Event[T]             `json:"event"`
		Events []event.Event[T]           `json:"events"`
		Steps  map[string]json.RawMessage `json:"steps"`
		UseAPI bool                       `json:"use_api"`
		// Version is the protocol version of the request.
		Version int `json:"version"`
	}

	// RunRequestCtx carries the run metadata of a round invocation.
	RunRequestCtx struct {
		Attempt                   uint            `json:"attempt"`
		DisableImmediateExecution bool            `json:"disable_immediate_execution"`
		Env                       string          `json:"env"`
		FnID                      string          `json:"fn_id"`
		RunID                     string          `json:"run_id"`
		StepID                    string          `json:"step_id"`
		Stack                     RunRequestStack `json:"stack"`
	}

	// RunRequestStack lists the step ids already executed by the run.
	RunRequestStack struct {
		Current uint     `json:"current"`
		Stack   []string `json:"stack"`
	}
)

// runRequestSchema is the JSON schema every round invocation body must
// satisfy before it is decoded.
const runRequestSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["ctx", "event", "steps"],
	"properties": {
		"ctx": {
			"type": "object",
			"required": ["run_id", "attempt"],
			"properties": {
				"attempt": {"type": "integer", "minimum": 0},
				"disable_immediate_execution": {"type": "boolean"},
				"env": {"type": "string"},
				"fn_id": {"type": "string"},
				"run_id": {"type": "string", "minLength": 1},
				"step_id": {"type": "string"},
				"stack": {
					"type": "object",
					"properties": {
						"current": {"type": "integer", "minimum": 0},
						"stack": {"type": "array", "items": {"type": "string"}}
					}
				}
			}
		},
		"event": {"$ref": "#/$defs/event"},
		"events": {"type": "array", "items": {"$ref": "#/$defs/event"}},
		"steps": {"type": "object"},
		"use_api": {"type": "boolean"},
		"version": {"type": "integer"}
	},
	"$defs": {
		"event": {
			"type": "object",
			"required": ["name"],
			"properties": {
				"id": {"type": "string"},
				"name": {"type": "string"},
				"user": {"type": ["object", "null"]},
				"ts": {"type": ["integer", "null"]},
				"v": {"type": "string"}
			}
		}
	}
}`

var compiledRunRequestSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(runRequestSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal run request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("run_request.json", doc); err != nil {
		return nil, fmt.Errorf("add run request schema: %w", err)
	}
	return c.Compile("run_request.json")
})

// decodeRunRequest validates body against the run request schema and
// decodes it. Errors are invalid_request service errors.
func decodeRunRequest[T any](body []byte) (*RunRequest[T], error) {
	sch, err := compiledRunRequestSchema()
	if err != nil {
		return nil, MakeFault(fmt.Errorf("run request schema: %w", err))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, MakeInvalidRequest(fmt.Errorf("error parsing run request: %w", err))
	}
	if err := sch.Validate(inst); err != nil {
		return nil, MakeInvalidRequest(fmt.Errorf("invalid run request: %w", err))
	}
	var req RunRequest[T]
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, MakeInvalidRequest(fmt.Errorf("error parsing run request: %w", err))
	}
	if req.Steps == nil {
		req.Steps = map[string]json.RawMessage{}
	}
	return &req, nil
}
