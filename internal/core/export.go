package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// StixSpecVersion is written on exported bundles.
const StixSpecVersion = "2.1"

// ExportOptions tunes a collection export.
type ExportOptions struct {
	// PreviewOnly returns the bundle without recording the export.
	PreviewOnly bool
}

// Exporter assembles bundles from resolved content plus the identity and
// marking-definition objects that content refers to.
type Exporter struct {
	store  store.ObjectStore
	logger *slog.Logger
	now    func() time.Time
}

// NewExporter creates an exporter reading from st.
func NewExporter(st store.ObjectStore, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		store:  st,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Export builds the bundle for a resolved collection: the collection first,
// then its content, then companions. Each object appears once. Unless
// PreviewOnly is set the export is recorded on the collection revision.
func (e *Exporter) Export(ctx context.Context, set *ResolvedSet, opts ExportOptions) (*models.Bundle, error) {
	objects := make([]*models.Stix, 0, len(set.Objects)+1)
	objects = append(objects, set.Collection.Stix)
	for _, obj := range set.Objects {
		objects = append(objects, obj.Stix)
	}

	companions, err := e.companions(ctx, objects)
	if err != nil {
		return nil, err
	}
	bundle := newBundle(append(objects, companions...))

	if !opts.PreviewOnly {
		coll := set.Collection.Stix
		record := models.ExportRecord{ExportTimestamp: e.now(), BundleID: bundle.ID}
		err := e.store.UpdateWorkspace(ctx, coll.ID, coll.Modified, func(ws *models.Workspace) error {
			ws.Exported = append(ws.Exported, record)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("record export of %s: %w", coll.ID, err)
		}
		set.Collection.Workspace.Exported = append(set.Collection.Workspace.Exported, record)
	}

	e.logger.Info("collection exported",
		"collection", set.Collection.Stix.ID,
		"modified", set.Collection.Stix.Modified,
		"bundle_id", bundle.ID,
		"objects", len(bundle.Objects),
		"missing", len(set.Missing),
		"preview", opts.PreviewOnly,
	)
	return bundle, nil
}

func newBundle(objects []*models.Stix) *models.Bundle {
	return &models.Bundle{
		Type:        models.BundleType,
		ID:          "bundle--" + uuid.NewString(),
		SpecVersion: StixSpecVersion,
		Objects:     objects,
	}
}

// companions returns the latest identity and marking-definition objects
// referenced by objs, or by companions already found, that are not in objs.
func (e *Exporter) companions(ctx context.Context, objs []*models.Stix) ([]*models.Stix, error) {
	included := make(map[string]bool, len(objs))
	for _, o := range objs {
		included[o.ID] = true
	}

	var out []*models.Stix
	queue := append([]*models.Stix(nil), objs...)
	for len(queue) > 0 {
		obj := queue[0]
		queue = queue[1:]

		for _, ref := range companionRefs(obj) {
			if included[ref] {
				continue
			}
			included[ref] = true

			comp, err := e.store.Latest(ctx, ref)
			if errors.Is(err, store.ErrNotFound) {
				e.logger.Debug("companion object not stored", "ref", ref, "referenced_by", obj.ID)
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load companion %s: %w", ref, err)
			}
			out = append(out, comp.Stix)
			queue = append(queue, comp.Stix)
		}
	}
	return out, nil
}

func companionRefs(obj *models.Stix) []string {
	var refs []string
	if r := obj.CreatedByRef(); r != "" {
		refs = append(refs, r)
	}
	if r := obj.ModifiedByRef(); r != "" {
		refs = append(refs, r)
	}
	return append(refs, obj.MarkingRefs()...)
}
