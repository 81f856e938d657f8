package models

import (
	"fmt"
	"strings"
)

// ImportErrorType is the reason code attached to a rejected object.
type ImportErrorType string

const (
	ErrorDuplicateObjectInBundle  ImportErrorType = "duplicate-object-in-bundle"
	ErrorDuplicateID              ImportErrorType = "duplicate-id"
	ErrorOutOfDate                ImportErrorType = "out-of-date"
	ErrorInvalidAttackSpecVersion ImportErrorType = "invalid-attack-spec-version"
	ErrorMissingAttackSpecVersion ImportErrorType = "missing-attack-spec-version"
	ErrorUnknownObjectType        ImportErrorType = "unknown-object-type"
	ErrorInvalidObject            ImportErrorType = "invalid-object"
)

// ImportError reports one object that was not imported.
type ImportError struct {
	ObjectRef      string          `json:"object_ref"`
	ObjectModified string          `json:"object_modified,omitempty"`
	ErrorType      ImportErrorType `json:"error_type"`
	ErrorMessage   string          `json:"error_message,omitempty"`
}

// ImportCategories partitions the non-collection objects of a bundle.
type ImportCategories struct {
	Additions  []string      `json:"additions"`
	Changes    []string      `json:"changes"`
	Duplicates []string      `json:"duplicates"`
	Errors     []ImportError `json:"errors"`
}

// NewImportCategories returns categories with non-nil slices so they encode
// as empty arrays.
func NewImportCategories() *ImportCategories {
	return &ImportCategories{
		Additions:  []string{},
		Changes:    []string{},
		Duplicates: []string{},
		Errors:     []ImportError{},
	}
}

// Total returns the number of categorised objects.
func (c *ImportCategories) Total() int {
	return len(c.Additions) + len(c.Changes) + len(c.Duplicates) + len(c.Errors)
}

// BundleErrors are the structural, bundle-level failures.
type BundleErrors struct {
	NoCollection          bool `json:"noCollection"`
	MoreThanOneCollection bool `json:"moreThanOneCollection"`
	DuplicateCollection   bool `json:"duplicateCollection"`
}

// Any reports whether any bundle-level error is set.
func (b BundleErrors) Any() bool {
	return b.NoCollection || b.MoreThanOneCollection || b.DuplicateCollection
}

// ObjectErrorSummary counts object-level validation failures by reason.
type ObjectErrorSummary struct {
	DuplicateObjectInBundleCount  int `json:"duplicateObjectInBundleCount"`
	InvalidAttackSpecVersionCount int `json:"invalidAttackSpecVersionCount"`
	MissingAttackSpecVersionCount int `json:"missingAttackSpecVersionCount"`
}

// ObjectErrors carries the summary plus the individual failures.
type ObjectErrors struct {
	Summary ObjectErrorSummary `json:"summary"`
	Errors  []ImportError      `json:"errors"`
}

// BundleValidation is the error summary computed fresh for each import attempt.
type BundleValidation struct {
	BundleErrors BundleErrors `json:"bundleErrors"`
	ObjectErrors ObjectErrors `json:"objectErrors"`
}

// ForceImportOption names a class of violation the caller allows.
type ForceImportOption string

const (
	ForceDuplicateCollection         ForceImportOption = "duplicate-collection"
	ForceAttackSpecVersionViolations ForceImportOption = "attack-spec-version-violations"
)

// ForceSet is the set of violation classes overridden for one import.
type ForceSet map[ForceImportOption]bool

// Has reports whether opt is overridden.
func (f ForceSet) Has(opt ForceImportOption) bool {
	return f[opt]
}

// ParseForceImport parses forceImport values. Each value may itself be a
// comma-separated list.
func ParseForceImport(values []string) (ForceSet, error) {
	set := make(ForceSet)
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			opt := ForceImportOption(part)
			switch opt {
			case ForceDuplicateCollection, ForceAttackSpecVersionViolations:
				set[opt] = true
			default:
				return nil, fmt.Errorf("unknown forceImport option %q", part)
			}
		}
	}
	return set, nil
}
