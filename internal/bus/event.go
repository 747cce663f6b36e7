package bus

import "time"

// Event is one outbound frame queued for a connection. Kind is the wire
// event name and Payload its body.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
