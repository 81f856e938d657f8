package core

import (
	"context"
	"fmt"
	"slices"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// DomainExportOptions selects the content of a domain-wide STIX bundle.
type DomainExportOptions struct {
	Domain            string
	IncludeDeprecated bool
	IncludeRevoked    bool
	IncludeNotes      bool
}

// ExportDomain builds a bundle of the latest revision of every object in a
// domain (for example enterprise-attack). Relationships are included when
// both endpoints are, notes on request, plus companions as for collections.
// Domain bundles are never recorded as exports.
func (e *Exporter) ExportDomain(ctx context.Context, opts DomainExportOptions) (*models.Bundle, error) {
	if opts.Domain == "" {
		return nil, ErrDomainRequired
	}

	primary, err := e.store.Query(ctx, &store.Query{
		LatestOnly:        true,
		Domain:            opts.Domain,
		IncludeDeprecated: opts.IncludeDeprecated,
		IncludeRevoked:    opts.IncludeRevoked,
	})
	if err != nil {
		return nil, fmt.Errorf("query domain %s: %w", opts.Domain, err)
	}

	objects := make([]*models.Stix, 0, len(primary))
	included := make(map[string]bool, len(primary))
	for _, obj := range primary {
		switch obj.Stix.Kind {
		case models.KindCollection, models.KindRelationship, models.KindNote:
			continue
		}
		objects = append(objects, obj.Stix)
		included[obj.Stix.ID] = true
	}

	rels, err := e.store.Query(ctx, &store.Query{
		Types:             []string{models.TypeRelationship},
		LatestOnly:        true,
		IncludeDeprecated: opts.IncludeDeprecated,
		IncludeRevoked:    opts.IncludeRevoked,
	})
	if err != nil {
		return nil, fmt.Errorf("query relationships: %w", err)
	}
	for _, rel := range rels {
		p, ok := rel.Stix.Payload.(*models.RelationshipPayload)
		if !ok || !included[p.SourceRef] || !included[p.TargetRef] {
			continue
		}
		objects = append(objects, rel.Stix)
	}
	for _, o := range objects {
		included[o.ID] = true
	}

	if opts.IncludeNotes {
		notes, err := e.store.Query(ctx, &store.Query{Types: []string{models.TypeNote}, LatestOnly: true})
		if err != nil {
			return nil, fmt.Errorf("query notes: %w", err)
		}
		for _, n := range notes {
			if slices.ContainsFunc(n.Stix.Strings("object_refs"), func(ref string) bool { return included[ref] }) {
				objects = append(objects, n.Stix)
			}
		}
	}

	companions, err := e.companions(ctx, objects)
	if err != nil {
		return nil, err
	}
	bundle := newBundle(append(objects, companions...))

	e.logger.Info("domain bundle exported",
		"domain", opts.Domain,
		"bundle_id", bundle.ID,
		"objects", len(bundle.Objects),
	)
	return bundle, nil
}
