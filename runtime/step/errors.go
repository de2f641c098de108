package step

import (
	"errors"
	"fmt"
)

// StepError is the serializable failure of a step closure or function. It
// preserves the message chain of the original error so it survives the round
// trip to the orchestrator, and supports errors.Is/As through Unwrap.
type StepError struct {
	// Name classifies the error. Defaults to "Error".
	Name string `json:"name"`
	// Message is the human-readable summary of the failure.
	Message string `json:"message"`
	// Step is the name of the failing step, empty for function errors.
	Step string `json:"step,omitempty"`
	// Cause links to the underlying error.
	Cause *StepError `json:"cause,omitempty"`
}

// NewError constructs a StepError with the given message.
func NewError(message string) *StepError {
	if message == "" {
		message = "step error"
	}
	return &StepError{Name: "Error", Message: message}
}

// Errorf formats according to a format specifier and returns a StepError.
func Errorf(format string, args ...any) *StepError {
	return NewError(fmt.Sprintf(format, args...))
}

// FromError converts err into a StepError chain. A StepError is returned as
// is. A StepError wrapped by other errors keeps its name and becomes the
// cause of a StepError carrying the full message of err.
func FromError(err error) *StepError {
	if err == nil {
		return nil
	}
	if se, ok := err.(*StepError); ok {
		return se
	}
	var se *StepError
	if errors.As(err, &se) {
		return &StepError{Name: se.Name, Message: err.Error(), Cause: se}
	}
	return &StepError{
		Name:    "Error",
		Message: err.Error(),
		Cause:   FromError(errors.Unwrap(err)),
	}
}

// Error implements error.
func (e *StepError) Error() string {
	if e == nil {
		return ""
	}
	if e.Step != "" {
		return fmt.Sprintf("step %q: %s", e.Step, e.Message)
	}
	return e.Message
}

// Unwrap returns the cause to support errors.Is/As.
func (e *StepError) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

func (e *StepError) withStep(name string) *StepError {
	c := *e
	c.Step = name
	return &c
}
