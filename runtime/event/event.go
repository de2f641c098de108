// Package event defines the envelope of the events that trigger step
// functions. The payload type is chosen by the application; the runtime only
// moves it through JSON encoding and never inspects it.
package event

// Event is a triggering event carrying an application-defined payload.
type Event[T any] struct {
	// ID is the orchestrator-assigned event identifier, when known.
	ID string `json:"id,omitempty"`
	// Name is the event name matched against function triggers
	// (for example "app/user.created").
	Name string `json:"name"`
	// Data is the application payload.
	Data T `json:"data"`
	// User carries optional user context attached by the sender.
	User map[string]any `json:"user,omitempty"`
	// Timestamp is the event time in milliseconds since the Unix epoch.
	Timestamp *int64 `json:"ts,omitempty"`
	// Version is the optional payload schema version.
	Version string `json:"v,omitempty"`
}
