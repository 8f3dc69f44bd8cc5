package persistence

import (
	"errors"
	"fmt"
)

// Kind tags a persistence-layer failure the way the spec's §7 taxonomy
// names it, without growing a class hierarchy per error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound     Kind = "not_found"
	KindStorage      Kind = "storage"
	KindCodec        Kind = "codec"
	KindConfig       Kind = "config"
	KindOverloaded   Kind = "overloaded"
	KindShutdown     Kind = "shutdown"
)

// Error is the tagged result every persistence operation returns on
// failure. Operation/Reason mirror the teacher's ServiceError code string,
// split so callers can branch on Kind without parsing text.
type Error struct {
	Kind      Kind
	Operation string
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s.%s: %s", e.Operation, e.Reason, e.Kind)
	}
	return fmt.Sprintf("%s.%s: %s: %v", e.Operation, e.Reason, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, operation, reason string, cause error) *Error {
	return &Error{Kind: kind, Operation: operation, Reason: reason, Err: cause}
}

// KindOf extracts the Kind from an error returned by this package, or ""
// if err is not (or does not wrap) a *Error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

var (
	errMissingStore  = errors.New("store is required")
	errMissingCodec  = errors.New("codec is required")
	errMissingWriter = errors.New("batching writer is required")
	errMissingDocName = errors.New("doc name is required")
	errEmptyPayload  = errors.New("payload is required")
	errMissingConfirmation = errors.New("hard delete requires confirmation token")
)
