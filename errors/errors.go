// Package errors is the error vocabulary of agentpulse.
//
// It re-exports github.com/cockroachdb/errors so every package wraps,
// annotates and inspects errors the same way:
//
//	if err := store.Claim(id); err != nil {
//	    err = errors.Wrapf(err, "failed to claim job %d", id)
//	    return errors.WithDetailf(err, "Resource: %d", resourceID)
//	}
//
// Sentinels below are matched with errors.Is after any amount of wrapping.
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// Hints and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Inspection
var (
	Is             = crdb.Is
	IsAny          = crdb.IsAny
	As             = crdb.As
	Unwrap         = crdb.Unwrap
	UnwrapAll      = crdb.UnwrapAll
	GetAllHints    = crdb.GetAllHints
	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Sentinel errors shared by the ledger, the loops and the CLI.
var (
	// ErrNotFound indicates the requested job or data source does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates a malformed producer call (unknown kind, empty agent name, ...)
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a uniqueness violation, e.g. a second active job for one resource
	ErrConflict = New("resource conflict")
)

// IsNotFoundError reports whether err is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError reports whether err is or wraps ErrInvalidRequest.
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}
