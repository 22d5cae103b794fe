package catalog

import (
	"errors"
	"fmt"
	"time"
)

// Error is a domain error bound to a registry entry. It carries the frozen
// entry fields plus per-occurrence context (details, correlation id, cause).
type Error struct {
	Entry Entry
	// Details holds optional structured context for diagnostics and clients.
	Details map[string]any
	// RequestID is the correlation id of the failed operation, if known.
	RequestID string
	// Timestamp is when the error was raised.
	Timestamp time.Time
	cause     error
}

// NewError creates an Error for the given registry key.
//
// Precondition: key must be a registered catalog key.
func NewError(key string) *Error {
	return &Error{Entry: MustEntry(key), Timestamp: time.Now().UTC()}
}

// WrapError creates an Error for key with an underlying cause. Unknown
// internal failures should use the InternalError key.
func WrapError(key string, cause error) *Error {
	e := NewError(key)
	e.cause = cause
	return e
}

// WithDetails returns the error with the given detail attached.
func (e *Error) WithDetails(k string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 2)
	}
	e.Details[k] = v
	return e
}

// WithRequestID returns the error with the correlation id set.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s (%s): %v", e.Entry.Reason, e.Entry.NumericCode, e.cause)
	}
	return fmt.Sprintf("%s (%s)", e.Entry.Reason, e.Entry.NumericCode)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// Is matches two catalog errors by entry key, so that
// errors.Is(err, catalog.NewError(catalog.QueueFull)) works.
func (e *Error) Is(target error) bool {
	var ce *Error
	if errors.As(target, &ce) {
		return e.Entry.Key == ce.Entry.Key
	}
	return false
}

// AsCatalog extracts a *Error from err. Any non-catalog error maps to the
// single internal_error entry, per the propagation policy.
func AsCatalog(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return WrapError(InternalError, err)
}
