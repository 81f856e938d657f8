package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// DefaultResolveConcurrency bounds parallel store reads during resolution.
const DefaultResolveConcurrency = 8

// ResolveOptions tunes content resolution.
type ResolveOptions struct {
	IncludeNotes bool
}

// ResolvedSet is the content of one collection revision.
type ResolvedSet struct {
	Collection *models.Object
	// Objects are the pinned revisions found in the store, in content order.
	Objects []*models.Object
	// Missing are content entries whose revision is not stored.
	Missing []models.ContentRef
}

// Resolver turns a collection's x_mitre_contents into stored revisions.
type Resolver struct {
	store       store.ObjectStore
	concurrency int
	logger      *slog.Logger
}

// NewResolver creates a resolver. concurrency <= 0 uses DefaultResolveConcurrency.
func NewResolver(st store.ObjectStore, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultResolveConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: st, concurrency: concurrency, logger: logger}
}

// Collection loads a collection revision; an empty modified means latest.
func (r *Resolver) Collection(ctx context.Context, id, modified string) (*models.Object, error) {
	var (
		obj *models.Object
		err error
	)
	if modified == "" {
		obj, err = r.store.Latest(ctx, id)
	} else if _, perr := models.NormalizeModified(modified); perr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollectionNotFound, perr)
	} else {
		obj, err = r.store.Get(ctx, id, modified)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrCollectionNotFound, models.ObjectKey(id, modified))
	}
	if err != nil {
		return nil, err
	}
	if obj.Stix.Kind != models.KindCollection {
		return nil, fmt.Errorf("%w: %s is a %s", ErrCollectionNotFound, id, obj.Stix.Type)
	}
	return obj, nil
}

// Resolve looks up every pinned revision of the collection. Entries whose
// revision is not stored are dropped and listed in Missing.
func (r *Resolver) Resolve(ctx context.Context, collectionID, collectionModified string, opts ResolveOptions) (*ResolvedSet, error) {
	coll, err := r.Collection(ctx, collectionID, collectionModified)
	if err != nil {
		return nil, err
	}

	refs := dedupeContents(coll.Stix.Contents())
	found := make([]*models.Object, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, ref := range refs {
		g.Go(func() error {
			if _, err := models.NormalizeModified(ref.ObjectModified); err != nil {
				return nil
			}
			obj, err := r.store.Get(gctx, ref.ObjectRef, ref.ObjectModified)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("resolve %s: %w", models.ObjectKey(ref.ObjectRef, ref.ObjectModified), err)
			}
			found[i] = obj
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	set := &ResolvedSet{Collection: coll}
	for i, obj := range found {
		if obj == nil {
			set.Missing = append(set.Missing, refs[i])
			r.logger.Debug("dropping unresolved collection content",
				"collection", collectionID, "object_ref", refs[i].ObjectRef, "object_modified", refs[i].ObjectModified)
			continue
		}
		if obj.Stix.Kind == models.KindNote && !opts.IncludeNotes {
			continue
		}
		set.Objects = append(set.Objects, obj)
	}

	if opts.IncludeNotes {
		notes, err := r.notesFor(ctx, set.Objects)
		if err != nil {
			return nil, err
		}
		set.Objects = append(set.Objects, notes...)
	}
	return set, nil
}

// notesFor returns the latest notes annotating any of objs that are not
// already part of objs.
func (r *Resolver) notesFor(ctx context.Context, objs []*models.Object) ([]*models.Object, error) {
	included := make(map[string]bool, len(objs))
	for _, o := range objs {
		included[o.Stix.ID] = true
	}
	notes, err := r.store.Query(ctx, &store.Query{
		Types:      []string{models.TypeNote},
		LatestOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	var out []*models.Object
	for _, n := range notes {
		if included[n.Stix.ID] {
			continue
		}
		if slices.ContainsFunc(n.Stix.Strings("object_refs"), func(ref string) bool { return included[ref] }) {
			out = append(out, n)
		}
	}
	return out, nil
}

func dedupeContents(refs []models.ContentRef) []models.ContentRef {
	seen := make(map[string]bool, len(refs))
	out := make([]models.ContentRef, 0, len(refs))
	for _, ref := range refs {
		key := contentKey(ref.ObjectRef, ref.ObjectModified)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ref)
	}
	return out
}
