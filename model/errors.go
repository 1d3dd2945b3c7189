package model

import "fmt"

// Kind classifies an engine error.
type Kind string

const (
	KindConfigMissing     Kind = "CONFIG_MISSING"
	KindPeerUnreachable   Kind = "PEER_UNREACHABLE"
	KindProtocolError     Kind = "PROTOCOL_ERROR"
	KindInvalidState      Kind = "INVALID_STATE"
	KindStorageError      Kind = "STORAGE_ERROR"
	KindNegotiationFailed Kind = "NEGOTIATION_FAILED"
	KindTransferFailed    Kind = "TRANSFER_FAILED"
	KindAborted           Kind = "ABORTED"
)

// EngineError wraps a classified failure. Drivers use Kind to decide how to
// record and transition; controllers (out of scope) can use it to shape a
// response without string-matching messages.
type EngineError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewError constructs an EngineError, optionally wrapping a lower-level
// cause.
func NewError(kind Kind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Err: cause}
}

// IsKind reports whether err is an *EngineError of the given kind.
func IsKind(err error, kind Kind) bool {
	ee, ok := err.(*EngineError)
	return ok && ee.Kind == kind
}
