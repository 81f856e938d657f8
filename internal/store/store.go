// Package store persists versioned STIX objects keyed by (id, modified).
// Two backends implement ObjectStore: an embedded bbolt file (default) and
// an SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// Sentinel errors for expected conditions.
var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("revision already exists")
	ErrConflict  = errors.New("conflict")
)

// Backend drivers accepted by Open.
const (
	DriverBbolt  = "bbolt"
	DriverSQLite = "sqlite"
)

// ObjectStore is the versioned object store. It never enforces referential
// integrity; callers decide what dangling references mean.
type ObjectStore interface {
	// Get returns one exact revision.
	Get(ctx context.Context, id, modified string) (*models.Object, error)
	// Versions returns every revision of id ordered by modified, oldest first.
	Versions(ctx context.Context, id string) ([]*models.Object, error)
	// Latest returns the revision of id with the greatest modified.
	Latest(ctx context.Context, id string) (*models.Object, error)
	// Query returns objects matching q.
	Query(ctx context.Context, q *Query) ([]*models.Object, error)
	// Apply writes a batch atomically.
	Apply(ctx context.Context, b *Batch) error
	// UpdateWorkspace mutates the workspace of one revision in place.
	UpdateWorkspace(ctx context.Context, id, modified string, fn func(*models.Workspace) error) error
	// Count returns the number of stored revisions.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Query selects stored objects. Zero values mean "no filter".
type Query struct {
	Types      []string
	LatestOnly bool
	// Domain keeps objects whose x_mitre_domains contains it.
	Domain            string
	IncludeRevoked    bool
	IncludeDeprecated bool
	// Match keeps objects whose top-level string property equals the value.
	Match map[string]string
	// References keeps objects whose list property contains the value,
	// e.g. {"object_refs": id} or {"x_mitre_analytic_refs": id}.
	References map[string]string
}

// matches applies the non-index filters. Type and latest filters are applied
// by the backends.
func (q *Query) matches(s *models.Stix) bool {
	if !q.IncludeRevoked && s.Revoked() {
		return false
	}
	if !q.IncludeDeprecated && s.Deprecated() {
		return false
	}
	if q.Domain != "" && !slices.Contains(s.Domains(), q.Domain) {
		return false
	}
	for k, v := range q.Match {
		if s.String(k) != v {
			return false
		}
	}
	for k, v := range q.References {
		if !slices.Contains(s.Strings(k), v) {
			return false
		}
	}
	return true
}

func (q *Query) wantsType(t string) bool {
	return len(q.Types) == 0 || slices.Contains(q.Types, t)
}

// WorkspacePatch mutates the workspace of an existing revision as part of a batch.
type WorkspacePatch struct {
	ID       string
	Modified string
	Apply    func(*models.Workspace)
}

// Batch is a set of writes applied in one transaction.
type Batch struct {
	// Inserts are new revisions; an existing (id, modified) fails the batch with ErrDuplicate.
	Inserts []*models.Object
	// Replaces overwrite existing revisions, or insert them when absent.
	Replaces []*models.Object
	// Workspaces are applied after inserts and replaces, so they may target
	// revisions written by the same batch.
	Workspaces []WorkspacePatch
	// Expect maps id to the normalised modified of its latest revision that
	// the caller observed ("" = no revision). Any mismatch fails the batch
	// with ErrConflict before anything is written.
	Expect map[string]string
}

// Empty reports whether the batch has no writes.
func (b *Batch) Empty() bool {
	return len(b.Inserts) == 0 && len(b.Replaces) == 0 && len(b.Workspaces) == 0
}

// Open opens the backend named by driver at path and creates its schema.
func Open(driver, path string) (ObjectStore, error) {
	switch driver {
	case "", DriverBbolt:
		return NewBoltStore(path)
	case DriverSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// revisionKey validates an object's identity and returns its normalised modified.
func revisionKey(obj *models.Object) (string, error) {
	if obj == nil || obj.Stix == nil || obj.Stix.ID == "" {
		return "", fmt.Errorf("object has no id")
	}
	return models.NormalizeModified(obj.Stix.Modified)
}

// storedRecord is the encoded form shared by both backends.
type storedRecord struct {
	Stix      *models.Stix     `json:"stix"`
	Workspace models.Workspace `json:"workspace"`
}
