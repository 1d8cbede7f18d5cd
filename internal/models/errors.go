package models

import "errors"

// Error taxonomy. Every failure in the dispatch path wraps exactly one of these
// kinds so callers can decide between retrying, apologising and falling back.
var (
	// ErrTransientInfra covers store, generator or transport timeouts and 5xx/429 responses.
	ErrTransientInfra = errors.New("transient infrastructure failure")
	// ErrInvalidEnvelope is returned when the structured action fails validation.
	ErrInvalidEnvelope = errors.New("invalid intent envelope")
	// ErrUnknownTransition is returned for a valid envelope with no mapped transition.
	ErrUnknownTransition = errors.New("unknown state transition")
	// ErrAuthRequired is returned when an unauthenticated identity attempts a gated action.
	ErrAuthRequired = errors.New("authentication required")
	// ErrTerminal covers permanent failures such as an invalid recipient or unapproved template.
	ErrTerminal = errors.New("terminal delivery failure")
)

// Narrower errors that still belong to one of the kinds above.
var (
	ErrEmptyRecipient     = errors.New("recipient cannot be empty")
	ErrEmptyMessageID     = errors.New("message id cannot be empty")
	ErrSessionNotFound    = errors.New("session not found")
	ErrVersionConflict    = errors.New("session version conflict")
	ErrOutsideWindow      = errors.New("outside session window and no template available")
	ErrInvalidCursor      = errors.New("cursor does not match its form kind")
	ErrOutletRequired     = errors.New("outlet is required once a role is attached")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidState       = errors.New("invalid session state")
	ErrInvalidMessageKind = errors.New("invalid outbound message kind")
)

// ErrorKind is the taxonomy bucket an error belongs to.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindTransientInfra    ErrorKind = "transient_infra"
	KindInvalidEnvelope   ErrorKind = "invalid_envelope"
	KindUnknownTransition ErrorKind = "unknown_transition"
	KindAuthRequired      ErrorKind = "auth_required"
	KindTerminal          ErrorKind = "terminal"
)

// ClassifyError maps a (possibly wrapped) error to its taxonomy kind.
// Errors outside the taxonomy are treated as transient so the event is retried
// rather than silently dropped.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvalidEnvelope):
		return KindInvalidEnvelope
	case errors.Is(err, ErrUnknownTransition):
		return KindUnknownTransition
	case errors.Is(err, ErrAuthRequired):
		return KindAuthRequired
	case errors.Is(err, ErrTerminal), errors.Is(err, ErrOutsideWindow):
		return KindTerminal
	default:
		return KindTransientInfra
	}
}

// IsTransient reports whether err should be retried by the I/O owner.
func IsTransient(err error) bool {
	return ClassifyError(err) == KindTransientInfra
}
