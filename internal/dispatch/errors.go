package dispatch

import (
	"errors"

	"github.com/matheus3301/duet/internal/protocol"
)

var (
	ErrMissingParticipant  = errors.New("sender and receiver are required")
	ErrEmptyMessage        = errors.New("message has no content or attachment")
	ErrUnknownUser         = errors.New("unknown user")
	ErrAttachmentRejected  = errors.New("attachment rejected")
	ErrDeliveryUnavailable = errors.New("delivery unavailable")
)

// Error is a failed send. Reason is the wire reason reported to the sender.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

func fail(reason string, err error) *Error {
	return &Error{Reason: reason, Err: err}
}

// ReasonOf returns the wire reason for err. Errors that did not come from
// the dispatcher's taxonomy are reported as internal.
func ReasonOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Reason
	}
	return protocol.ReasonInternal
}

// clientFault reports whether the reason was caused by the request itself.
func clientFault(reason string) bool {
	switch reason {
	case protocol.ReasonMissingParticipant, protocol.ReasonEmptyMessage, protocol.ReasonUnknownUser,
		protocol.ReasonAttachmentInvalid, protocol.ReasonAttachmentTooLarge, protocol.ReasonRateLimited,
		protocol.ReasonMalformed:
		return true
	}
	return false
}
