package function

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// Trigger describes what starts a run of a function. Implementations are
	// EventTrigger and CronTrigger.
	Trigger interface {
		// Kind returns "event" or "cron".
		Kind() string
		// Value returns the event name or the cron expression.
		Value() string
		validate() error
	}

	// EventTrigger starts a run when an event with the given name is
	// received and, if set, the expression evaluates to true.
	EventTrigger struct {
		Event      string  `json:"event"`
		Expression *string `json:"expression,omitempty"`
	}

	// CronTrigger starts a run on a cron schedule.
	CronTrigger struct {
		Cron string `json:"cron"`
	}
)

// OnEvent returns an EventTrigger for the given event name.
func OnEvent(name string) EventTrigger {
	return EventTrigger{Event: name}
}

// OnCron returns a CronTrigger for the given schedule.
func OnCron(schedule string) CronTrigger {
	return CronTrigger{Cron: schedule}
}

// If returns a copy of the trigger filtered by the given expression.
func (t EventTrigger) If(expression string) EventTrigger {
	t.Expression = &expression
	return t
}

func (EventTrigger) Kind() string    { return "event" }
func (t EventTrigger) Value() string { return t.Event }

func (t EventTrigger) validate() error {
	if strings.TrimSpace(t.Event) == "" {
		return errors.New("event trigger: event name is required")
	}
	if t.Expression != nil && strings.TrimSpace(*t.Expression) == "" {
		return errors.New("event trigger: expression must not be blank")
	}
	return nil
}

func (CronTrigger) Kind() string    { return "cron" }
func (t CronTrigger) Value() string { return t.Cron }

// validate accepts standard five-field expressions, six-field expressions
// with seconds, and "@"-prefixed descriptors such as "@hourly".
func (t CronTrigger) validate() error {
	c := strings.TrimSpace(t.Cron)
	if c == "" {
		return errors.New("cron trigger: schedule is required")
	}
	if strings.HasPrefix(c, "@") {
		return nil
	}
	fields := strings.Fields(c)
	if strings.HasPrefix(fields[0], "TZ=") || strings.HasPrefix(fields[0], "CRON_TZ=") {
		fields = fields[1:]
	}
	if n := len(fields); n != 5 && n != 6 {
		return fmt.Errorf("cron trigger: expected 5 or 6 fields, got %d", n)
	}
	return nil
}
