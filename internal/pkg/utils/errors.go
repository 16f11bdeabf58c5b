package utils

import "github.com/pkg/errors"

// ErrNotFound indicates a missing job, unit or index
var ErrNotFound = errors.New("not found")

// ErrNoAccess indicates the coder is not allowed to work the job
var ErrNoAccess = errors.New("no access")

// ErrValidation indicates wrong user input
// keeps the detail message for the API response
type ErrValidation struct {
	err error
}

// NewErrValidation creates new validation error
func NewErrValidation(msg string) error {
	return &ErrValidation{err: errors.New(msg)}
}

func (e *ErrValidation) Error() string {
	return "validation: " + e.err.Error()
}

func (e *ErrValidation) Unwrap() error {
	return e.err
}

// Detail returns the user visible part of the validation failure
func (e *ErrValidation) Detail() string {
	return e.err.Error()
}
