// Package persistence stores protocol snapshots as versioned JSON documents.
package persistence

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a PersistenceError. Callers branch on the kind.
type ErrorKind string

const (
	KindParse      ErrorKind = "parse_error"
	KindSchema     ErrorKind = "schema_error"
	KindFile       ErrorKind = "file_error"
	KindValidation ErrorKind = "validation_error"
	KindCorruption ErrorKind = "corruption_error"
)

// PersistenceError is returned by every operation in this package.
type PersistenceError struct {
	Kind    ErrorKind
	Message string
	Details string
	Cause   error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// IsKind reports whether err is a PersistenceError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var pe *PersistenceError
	return errors.As(err, &pe) && pe.Kind == kind
}

// KindOf returns the kind of a PersistenceError, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func newError(kind ErrorKind, msg string, cause error) *PersistenceError {
	return &PersistenceError{Kind: kind, Message: msg, Cause: cause}
}

func schemaError(format string, args ...any) *PersistenceError {
	return &PersistenceError{Kind: KindSchema, Message: fmt.Sprintf(format, args...)}
}
