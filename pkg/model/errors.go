package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrIO is a failure to read a document source.
	ErrIO = goerr.New("io error")
	// ErrConfig is a fatal configuration problem such as an embedding dimension mismatch or an invalid collection name.
	ErrConfig = goerr.New("configuration error")
	// ErrNotFound is returned for queries and reloads against a collection that was never created.
	ErrNotFound = goerr.New("not found")
	// ErrTransient marks a retryable overload/unavailable signal from the embedding or generation service.
	ErrTransient = goerr.New("transient service error")
	// ErrServiceOverloaded is returned after all retries against a transient failure are exhausted.
	ErrServiceOverloaded = goerr.New("service overloaded")
	// ErrIndexUnavailable is returned when a chat engine cannot open its collection.
	ErrIndexUnavailable = goerr.New("index unavailable")
	// ErrSessionClosed is returned by operations on a closed chat engine.
	ErrSessionClosed = goerr.New("session closed")
	// ErrInvalidArgument is returned for malformed caller input.
	ErrInvalidArgument = goerr.New("invalid argument")
)

// ErrorKind is a coarse classification of an error for rendering to a user.
type ErrorKind string

const (
	ErrorKindNone       ErrorKind = ""
	ErrorKindIO         ErrorKind = "io"
	ErrorKindConfig     ErrorKind = "config"
	ErrorKindNotFound   ErrorKind = "not_found"
	ErrorKindOverloaded ErrorKind = "overloaded"
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindUnexpected ErrorKind = "unexpected"
)

// KindOf classifies err. Overload wins over the transient cause it wraps.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ErrorKindNone
	case errors.Is(err, ErrServiceOverloaded):
		return ErrorKindOverloaded
	case errors.Is(err, ErrTransient):
		return ErrorKindTransient
	case errors.Is(err, ErrConfig):
		return ErrorKindConfig
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrIndexUnavailable):
		return ErrorKindNotFound
	case errors.Is(err, ErrIO):
		return ErrorKindIO
	default:
		return ErrorKindUnexpected
	}
}
