package core

import (
	"errors"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// Rejection reasons. A rejected import never writes to the store.
var (
	ErrEmptyBundle              = errors.New("bundle is empty")
	ErrMalformedBundle          = errors.New("bundle is malformed")
	ErrNoCollection             = errors.New("bundle has no collection object")
	ErrMoreThanOneCollection    = errors.New("bundle has more than one collection object")
	ErrDuplicateObjectInBundle  = errors.New("bundle contains duplicate objects")
	ErrInvalidAttackSpecVersion = errors.New("bundle contains objects with an invalid ATT&CK spec version")
	ErrDuplicateCollection      = errors.New("collection has already been imported")
	ErrCollectionOutOfDate      = errors.New("collection is older than the stored revision")
	ErrInvalidImportOptions     = errors.New("import options are invalid")
)

// Other core errors.
var (
	ErrConcurrentImport   = errors.New("collection was modified by a concurrent import")
	ErrCollectionNotFound = errors.New("collection not found")
	ErrDomainRequired     = errors.New("domain is required")
)

// RejectionError is returned when an import is refused before any write.
// It carries the validation summary so callers can report it.
type RejectionError struct {
	Err        error
	Message    string
	Validation models.BundleValidation
}

func (e *RejectionError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *RejectionError) Unwrap() error { return e.Err }

// NewRejection builds a rejection for a request refused before its bundle
// could be validated, such as an empty or unparsable body.
func NewRejection(err error, message string) *RejectionError {
	return reject(err, message, models.BundleValidation{})
}

func reject(err error, message string, v models.BundleValidation) *RejectionError {
	if message == "" {
		message = err.Error()
	}
	return &RejectionError{Err: err, Message: message, Validation: v}
}
