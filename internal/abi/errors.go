package abi

import (
	"fmt"
	"net/http"
)

// Kind is one of the error kinds spec'd for the host/guest boundary.
// The HTTP layer maps each kind to a status code via Kind.Status.
type Kind string

const (
	KindBadRequest        Kind = "BadRequest"
	KindContainerNotFound Kind = "ContainerNotFound"
	KindModuleDeserialize Kind = "ModuleDeserializeError"
	KindLinker            Kind = "LinkerError"
	KindMissingExport     Kind = "MissingExport"
	KindGuestTrap         Kind = "GuestTrap"
	KindMarshal           Kind = "MarshalError"
	KindAssetFetch        Kind = "AssetFetchError"
	KindModelWorker       Kind = "ModelWorkerError"
)

// Status returns the HTTP status code spec'd for this error kind.
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindContainerNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error wraps a Kind with a message and optional cause, and is the
// only error type that crosses the backend -> HTTP handler boundary.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), Cause: cause}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// JSON is the wire shape for error responses: {"error": "<kind>: <message>"}.
func (e *Error) JSON() map[string]string {
	return map[string]string{"error": e.Error()}
}

// As extracts an *Error from err, returning (nil, false) if err is not
// one. It is a direct type assertion on err itself: unlike errors.As,
// it does not search a wrapped error chain.
func As(err error) (*Error, bool) {
	ae, ok := err.(*Error)
	return ae, ok
}
