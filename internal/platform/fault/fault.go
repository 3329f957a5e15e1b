// Package fault defines the tagged error kinds used across the exchange
// core. Callers branch on Kind via errors.As instead of matching message
// strings.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so that handlers can map it to transport
// semantics (HTTP status, transaction transition) without inspecting text.
type Kind int

const (
	// KindAuthentication covers a bad or missing shared secret on an
	// inbound callback. Nothing may be persisted once this is raised.
	KindAuthentication Kind = iota + 1
	// KindValidation covers a missing required correlation field, e.g. a
	// push payload without an external identifier.
	KindValidation
	// KindTranslation covers payloads that cannot be converted to patient
	// fields.
	KindTranslation
	// KindNetwork covers outbound transport failures and timeouts.
	KindNetwork
	// KindConflict covers duplicate-identifier races. These are resolved by
	// the atomic upsert and never surfaced to callers.
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindTranslation:
		return "translation"
	case KindNetwork:
		return "network"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error is a classified failure. It wraps an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the Kind carried by err, or zero when err is not a
// classified error.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }
