package models

import (
	"fmt"
	"time"
)

// BundleType is the STIX type of a bundle document.
const BundleType = "bundle"

// Bundle is the transport container for STIX objects.
type Bundle struct {
	Type        string  `json:"type"`
	ID          string  `json:"id"`
	SpecVersion string  `json:"spec_version,omitempty"`
	Objects     []*Stix `json:"objects"`
}

// modifiedKeyLayout is fixed width so normalised keys sort lexicographically.
const modifiedKeyLayout = "2006-01-02T15:04:05.000000000Z"

// NormalizeModified parses an ISO-8601 modified timestamp and returns its
// fixed-width UTC form used for ordering and storage keys.
func NormalizeModified(modified string) (string, error) {
	t, err := time.Parse(time.RFC3339Nano, modified)
	if err != nil {
		return "", fmt.Errorf("invalid modified timestamp %q: %w", modified, err)
	}
	return t.UTC().Format(modifiedKeyLayout), nil
}

// CompareModified orders two modified timestamps. Unparsable values sort
// before parsable ones and compare as strings among themselves.
func CompareModified(a, b string) int {
	ka, errA := NormalizeModified(a)
	kb, errB := NormalizeModified(b)
	switch {
	case errA != nil && errB != nil:
		return compareStrings(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return compareStrings(ka, kb)
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
