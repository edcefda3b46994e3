package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the wire. Subsystems attach a Kind to their
// sentinel errors; the router encodes it into the error reply.
type Kind string

const (
	KindInvalidArgument Kind = "InvalidArgument"
	KindNotFound        Kind = "NotFound"
	KindConflict        Kind = "Conflict"
	KindForbidden       Kind = "Forbidden"
	KindDeadlinePassed  Kind = "DeadlinePassed"
	KindReplay          Kind = "Replay"
	KindProofInvalid    Kind = "ProofInvalid"
	KindStoreError      Kind = "StoreError"
	KindTransportError  Kind = "TransportError"
	KindCancelled       Kind = "Cancelled"
)

// Error is a wire-visible failure. Subsystem sentinel errors are *Error
// values so that errors.Is identity survives wrapping with fmt.Errorf.
type Error struct {
	Kind    Kind
	Message string
}

// NewError builds a sentinel protocol error.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// KindOf extracts the Kind from err, unwrapping as needed. Errors that carry
// no protocol kind are reported as StoreError, matching the propagation
// policy for unexpected internal failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindStoreError
}

// ErrorEnvelope encodes err as a typed error reply.
func ErrorEnvelope(err error) Envelope {
	msg := ErrorMessage{Kind: KindOf(err), Message: err.Error()}
	env, encErr := NewEnvelope(MsgError, msg)
	if encErr != nil {
		// ErrorMessage marshalling cannot fail; keep the frame well formed
		// regardless.
		return Envelope{Type: MsgError}
	}
	return env
}
