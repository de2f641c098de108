package step

import (
	"errors"
	"fmt"
)

// Interrupt is returned by step operations to stop the current round. It is
// expected control flow, not a failure: the dispatcher turns it into a
// checkpoint response. Functions must return it unchanged (wrapping with %w
// is fine).
type Interrupt struct {
	// Step is the name of the step that owns the round.
	Step string
	// Kind is the kind of operation discovered.
	Kind Kind
	// Errored is set when the step closure failed.
	Errored bool
}

// Error implements error.
func (i *Interrupt) Error() string {
	if i.Errored {
		return fmt.Sprintf("step %q failed, round interrupted", i.Step)
	}
	return fmt.Sprintf("step %q discovered, round interrupted", i.Step)
}

// IsInterrupt reports whether err is or wraps an *Interrupt.
func IsInterrupt(err error) bool {
	var i *Interrupt
	return errors.As(err, &i)
}

// AsInterrupt returns the *Interrupt wrapped by err, if any.
func AsInterrupt(err error) (*Interrupt, bool) {
	var i *Interrupt
	if errors.As(err, &i) {
		return i, true
	}
	return nil, false
}
