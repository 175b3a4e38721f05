// Package fault classifies errors raised while fetching, storing and
// correlating chain history.
//
// Every failure falls into one of four classes:
//
//   - transient: network errors, deadlines, provider throttling (429/5xx).
//     Retried with backoff up to a bounded attempt count.
//   - permanent: unverifiable sources, malformed ids, other 4xx responses.
//     Surfaced immediately and recorded against the offending item only.
//   - storage: persistence I/O failures. Fatal to the owning runner.
//   - configuration: invalid construction parameters. Returned by constructors.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class is the retry-relevant classification of an error.
type Class string

const (
	// ClassTransient errors may succeed when retried.
	ClassTransient Class = "transient"

	// ClassPermanent errors will not succeed when retried.
	ClassPermanent Class = "permanent"

	// ClassStorage errors come from the persistence layer.
	ClassStorage Class = "storage"

	// ClassConfiguration errors come from invalid construction parameters.
	ClassConfiguration Class = "configuration"
)

// Sentinel errors shared across packages.
var (
	// ErrInvalidID is returned when a source rejects an entity id.
	ErrInvalidID = errors.New("invalid entity id")

	// ErrUnverifiable is returned when a source cannot verify the requested data.
	ErrUnverifiable = errors.New("unverifiable source")

	// ErrThrottled is returned when a provider signals throttling.
	ErrThrottled = errors.New("provider throttled")
)

// RemoteError is an error returned by a remote data source.
type RemoteError struct {
	Class      Class
	Source     string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RemoteError) Error() string {
	msg := fmt.Sprintf("%s %s error", e.Source, e.Class)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RemoteError) Unwrap() error {
	return e.Err
}

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// ConfigurationError reports an invalid construction parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Field, e.Reason)
}

// Transient wraps err as a transient remote error.
func Transient(source string, err error) error {
	return &RemoteError{Class: ClassTransient, Source: source, Err: err}
}

// Permanent wraps err as a permanent remote error.
func Permanent(source string, err error) error {
	return &RemoteError{Class: ClassPermanent, Source: source, Err: err}
}

// Storage wraps err as a storage error for op. A nil err stays nil.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Config returns a configuration error for field.
func Config(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// FromStatus classifies an HTTP status code.
func FromStatus(status int) Class {
	switch {
	case status == 429:
		return ClassTransient
	case status >= 500:
		return ClassTransient
	case status >= 400:
		return ClassPermanent
	default:
		return ""
	}
}

// Classify returns the class of err. Unknown errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ""
	}

	var re *RemoteError
	if errors.As(err, &re) {
		return re.Class
	}
	var se *StorageError
	if errors.As(err, &se) {
		return ClassStorage
	}
	var ce *ConfigurationError
	if errors.As(err, &ce) {
		return ClassConfiguration
	}

	switch {
	case errors.Is(err, ErrInvalidID), errors.Is(err, ErrUnverifiable):
		return ClassPermanent
	case errors.Is(err, ErrThrottled):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// IsStorage reports whether err is a storage error.
func IsStorage(err error) bool {
	return Classify(err) == ClassStorage
}
