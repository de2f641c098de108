package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	goa "goa.design/goa/v3/pkg"

	"goa.design/stepfn/runtime/step"
)

type (
	// Outcome classifies the result of a round.
	Outcome string

	// Response is the encoded result of a round: the HTTP status and the JSON
	// body returned to the orchestrator.
	Response struct {
		// Status is the HTTP status code.
		Status int
		// Body is the JSON encoded response body.
		Body json.RawMessage
		// Outcome is the round classification.
		Outcome Outcome
	}

	// errorBody is the JSON body of service error responses.
	errorBody struct {
		Name      string `json:"name"`
		ID        string `json:"id"`
		Message   string `json:"message"`
		Temporary bool   `json:"temporary"`
		Timeout   bool   `json:"timeout"`
		Fault     bool   `json:"fault"`
	}
)

const (
	// OutcomeCompleted means the function returned a final value.
	OutcomeCompleted Outcome = "completed"
	// OutcomeStepErrored means a step or the function failed.
	OutcomeStepErrored Outcome = "step_errored"
	// OutcomeStepPending means a new operation must be persisted.
	OutcomeStepPending Outcome = "step_pending"
	// OutcomeNoopContinue means the round was interrupted without a new
	// operation to report.
	OutcomeNoopContinue Outcome = "noop_continue"
	// OutcomeFaulted means the handler panicked.
	OutcomeFaulted Outcome = "faulted"
	// OutcomeRejected means the request was refused before the handler ran.
	OutcomeRejected Outcome = "rejected"
)

// nullBody is the body of NOOP_CONTINUE responses.
var nullBody = json.RawMessage("null")

// encodeCompleted encodes the final value of the function.
func encodeCompleted(v any) *Response {
	body, err := json.Marshal(v)
	if err != nil {
		return encodeError(MakeSerialization(fmt.Errorf("encode result of type %T: %w", v, err)))
	}
	return &Response{Status: http.StatusOK, Body: body, Outcome: OutcomeCompleted}
}

// encodeStepError encodes a failed step or function.
func encodeStepError(se *step.StepError) *Response {
	body, err := json.Marshal(se)
	if err != nil {
		return encodeError(MakeSerialization(fmt.Errorf("encode step error %q: %w", se.Message, err)))
	}
	return &Response{Status: http.StatusInternalServerError, Body: body, Outcome: OutcomeStepErrored}
}

// encodePending encodes the operation discovered by the round. The
// orchestrator expects a list of operations.
func encodePending(op *step.Op) *Response {
	body, err := json.Marshal([]*step.Op{op})
	if err != nil {
		return encodeError(MakeSerialization(fmt.Errorf("encode operation %q: %w", op.Name, err)))
	}
	return &Response{Status: http.StatusPartialContent, Body: body, Outcome: OutcomeStepPending}
}

// encodeNoop encodes an interrupted round with nothing to report.
func encodeNoop() *Response {
	return &Response{Status: http.StatusPartialContent, Body: nullBody, Outcome: OutcomeNoopContinue}
}

// encodeFault encodes a handler panic. The body is the panic description.
func encodeFault(desc string) *Response {
	body, err := json.Marshal(desc)
	if err != nil {
		body = []byte(`"panic"`)
	}
	return &Response{Status: http.StatusInternalServerError, Body: body, Outcome: OutcomeFaulted}
}

// encodeError encodes a service error produced before or after the handler
// ran.
func encodeError(err error) *Response {
	var se *goa.ServiceError
	if !errors.As(err, &se) {
		se = MakeFault(err)
	}
	body, merr := json.Marshal(errorBody{
		Name:      se.Name,
		ID:        se.ID,
		Message:   se.Message,
		Temporary: se.Temporary,
		Timeout:   se.Timeout,
		Fault:     se.Fault,
	})
	if merr != nil {
		body = []byte(`{"name":"fault","message":"error encoding failed","fault":true}`)
	}
	outcome := OutcomeRejected
	if status := StatusOf(se); status >= http.StatusInternalServerError {
		outcome = OutcomeFaulted
	}
	return &Response{Status: StatusOf(se), Body: body, Outcome: outcome}
}
