// Package remote fetches collection bundles and collection indexes over HTTP
// and talks to a running stixwb server.
package remote

import (
	"time"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// CollectionIndex lists published collections and the URLs of their
// released versions.
type CollectionIndex struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Created     time.Time         `json:"created"`
	Modified    time.Time         `json:"modified"`
	Collections []IndexCollection `json:"collections"`
}

// IndexCollection is one collection entry of an index.
type IndexCollection struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Created     time.Time      `json:"created"`
	Versions    []IndexVersion `json:"versions"`
}

// IndexVersion points at the bundle of one released collection version.
type IndexVersion struct {
	Version      string    `json:"version"`
	Modified     time.Time `json:"modified"`
	URL          string    `json:"url,omitempty"`
	ReleaseNotes string    `json:"release_notes,omitempty"`
}

// Latest returns the most recently modified version, or nil when the entry
// lists none.
func (c *IndexCollection) Latest() *IndexVersion {
	var latest *IndexVersion
	for i := range c.Versions {
		if latest == nil || c.Versions[i].Modified.After(latest.Modified) {
			latest = &c.Versions[i]
		}
	}
	return latest
}

// Find returns the collection with the given id.
func (idx *CollectionIndex) Find(id string) (*IndexCollection, bool) {
	for i := range idx.Collections {
		if idx.Collections[i].ID == id {
			return &idx.Collections[i], true
		}
	}
	return nil, false
}

// ImportParams mirrors the query parameters of POST /api/collection-bundles.
type ImportParams struct {
	CheckOnly   bool
	PreviewOnly bool
	Force       []string
	UserAccount string
}

// ErrorResponse is the structured error format returned by the server.
type ErrorResponse struct {
	Error        string               `json:"error"`
	Message      string               `json:"message"`
	BundleErrors *models.BundleErrors `json:"bundleErrors,omitempty"`
	ObjectErrors *models.ObjectErrors `json:"objectErrors,omitempty"`
}
