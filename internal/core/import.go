// Package core implements the collection bundle pipeline: validation,
// classification against the versioned store, atomic import, content
// resolution and bundle export.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// ImportOptions selects the import mode.
type ImportOptions struct {
	// CheckOnly and PreviewOnly are both read-only dry runs.
	CheckOnly   bool
	PreviewOnly bool
	Force       models.ForceSet
	// UserAccount is recorded as the author of the new revisions' workflow.
	UserAccount string
	// BundleDigest, when set, is recorded on the collection revision so the
	// archived source bundle can be found again.
	BundleDigest string
	Progress     ProgressFunc
}

// DryRun reports whether the import must not write.
func (o ImportOptions) DryRun() bool {
	return o.CheckOnly || o.PreviewOnly
}

// ImportResult is the outcome of an accepted import.
type ImportResult struct {
	// Collection is the persisted collection revision, or the one that would
	// have been persisted in a dry run.
	Collection *models.Object
	Validation models.BundleValidation
	Categories *models.ImportCategories
	ImportID   string
	Persisted  bool
	// Replaced is set when a forced duplicate collection overwrote the
	// stored revision.
	Replaced bool
}

// Importer coordinates validation, classification and persistence.
type Importer struct {
	store      store.ObjectStore
	validator  *Validator
	classifier *Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewImporter creates an importer writing to st.
func NewImporter(st store.ObjectStore, validator *Validator, logger *slog.Logger) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{
		store:      st,
		validator:  validator,
		classifier: NewClassifier(st, logger),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Import runs one collection bundle import. Structural problems return a
// *RejectionError before any write; per-object problems are reported in the
// result's categories. When the import persists, every addition and change
// is written in a single batch together with the collection revision.
func (imp *Importer) Import(ctx context.Context, b *models.Bundle, opts ImportOptions) (*ImportResult, error) {
	v, err := imp.validator.Validate(b)
	if err != nil {
		return nil, err
	}
	if rej := v.Rejection(opts.Force); rej != nil {
		return nil, rej
	}

	collection := v.Collection
	collectionNorm, _ := models.NormalizeModified(collection.Modified)
	stored, err := imp.classifier.load(ctx, collection.ID, make(map[string]*history))
	if err != nil {
		return nil, err
	}
	_, duplicate := stored.stored[collectionNorm]
	if duplicate {
		v.BundleErrors.DuplicateCollection = true
		if !opts.Force.Has(models.ForceDuplicateCollection) {
			return nil, reject(ErrDuplicateCollection,
				fmt.Sprintf("collection %s has already been imported", models.ObjectKey(collection.ID, collection.Modified)),
				v.BundleValidation)
		}
	} else if stored.latest != nil && collectionNorm < stored.latestAt {
		return nil, reject(ErrCollectionOutOfDate,
			fmt.Sprintf("collection %s is older than stored revision %s", collection.ID, stored.latest.Stix.Modified),
			v.BundleValidation)
	}

	class, err := imp.classifier.Classify(ctx, b, v, opts.Force, opts.Progress)
	if err != nil {
		return nil, err
	}

	importID := ulid.Make().String()
	now := imp.now()
	result := &ImportResult{
		Validation: v.BundleValidation,
		Categories: class.Categories,
		ImportID:   importID,
		Replaced:   duplicate,
	}

	collObj := &models.Object{
		Stix:      collection.Clone(),
		Workspace: imp.workspace(opts, importID, now),
	}
	collObj.Workspace.ImportCategories = class.Categories
	collObj.Workspace.ImportBundleDigest = opts.BundleDigest
	pruneContents(collObj.Stix, class)
	result.Collection = collObj

	if opts.DryRun() {
		imp.logger.Info("collection bundle checked",
			"collection", collection.ID,
			"modified", collection.Modified,
			"additions", len(class.Categories.Additions),
			"changes", len(class.Categories.Changes),
			"duplicates", len(class.Categories.Duplicates),
			"errors", len(class.Categories.Errors),
		)
		return result, nil
	}

	batch := &store.Batch{Expect: class.Expect}
	batch.Expect[collection.ID] = stored.expect

	writes := make([]*pendingWrite, 0, len(class.Entries))
	for _, e := range class.Writes() {
		obj := &models.Object{Stix: e.Object, Workspace: imp.workspace(opts, importID, now)}
		writes = append(writes, &pendingWrite{obj: obj, previous: e.Previous})
		batch.Inserts = append(batch.Inserts, obj)
	}
	if err := imp.linkEmbedded(ctx, writes, batch); err != nil {
		return nil, err
	}

	if duplicate {
		if prev := stored.stored[collectionNorm]; prev != nil {
			collObj.Workspace.Exported = prev.Workspace.Exported
		}
		batch.Replaces = append(batch.Replaces, collObj)
	} else {
		batch.Inserts = append(batch.Inserts, collObj)
	}

	if err := imp.store.Apply(ctx, batch); err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentImport, err)
		}
		return nil, fmt.Errorf("persist import %s: %w", importID, err)
	}
	result.Persisted = true

	imp.logger.Info("collection bundle imported",
		"import_id", importID,
		"collection", collection.ID,
		"modified", collection.Modified,
		"replaced", duplicate,
		"additions", len(class.Categories.Additions),
		"changes", len(class.Categories.Changes),
		"duplicates", len(class.Categories.Duplicates),
		"errors", len(class.Categories.Errors),
	)
	return result, nil
}

func (imp *Importer) workspace(opts ImportOptions, importID string, now time.Time) models.Workspace {
	imported := now
	return models.Workspace{
		Workflow: &models.Workflow{
			State:                models.WorkflowReviewed,
			CreatedByUserAccount: opts.UserAccount,
			UpdatedAt:            now,
		},
		ImportID: importID,
		Imported: &imported,
	}
}

// pruneContents drops x_mitre_contents entries pinning revisions that will
// not exist in the store after this import.
func pruneContents(coll *models.Stix, class *Classification) {
	dropped := make(map[string]bool)
	for _, e := range class.Entries {
		if e.Category != CategoryError {
			continue
		}
		switch e.Error.ErrorType {
		case models.ErrorDuplicateID, models.ErrorDuplicateObjectInBundle:
			// The pinned revision exists, just not with this content.
			continue
		}
		dropped[contentKey(e.Object.ID, e.Object.Modified)] = true
	}
	if len(dropped) == 0 {
		return
	}

	contents := coll.Contents()
	kept := make([]any, 0, len(contents))
	for _, ref := range contents {
		if dropped[contentKey(ref.ObjectRef, ref.ObjectModified)] {
			continue
		}
		kept = append(kept, map[string]any{
			"object_ref":      ref.ObjectRef,
			"object_modified": ref.ObjectModified,
		})
	}
	coll.Set("x_mitre_contents", kept)
}

func contentKey(id, modified string) string {
	if norm, err := models.NormalizeModified(modified); err == nil {
		modified = norm
	}
	return models.ObjectKey(id, modified)
}
