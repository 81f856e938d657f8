package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// pendingWrite is one revision queued by an import together with the
// revision it supersedes.
type pendingWrite struct {
	obj      *models.Object
	previous *models.Object
}

// linkEmbedded keeps analytic back-references consistent with the detection
// strategies written by the batch. Every change is added to b, so the links
// commit or fail together with the revisions themselves.
func (imp *Importer) linkEmbedded(ctx context.Context, writes []*pendingWrite, b *store.Batch) error {
	byStix := make(map[*models.Stix]*models.Object, len(writes))
	newest := make(map[string]*models.Object)
	for _, w := range writes {
		byStix[w.obj.Stix] = w.obj
		if cur, ok := newest[w.obj.Stix.ID]; !ok || models.CompareModified(w.obj.Stix.Modified, cur.Stix.Modified) > 0 {
			newest[w.obj.Stix.ID] = w.obj
		}
	}

	// New analytic revisions inherit the inbound links of the revision they replace.
	for _, w := range writes {
		if w.obj.Stix.Kind != models.KindAnalytic || w.previous == nil {
			continue
		}
		prev := w.previous
		if queued, ok := byStix[prev.Stix]; ok {
			prev = queued
		}
		for _, rel := range prev.Workspace.EmbeddedRelationships {
			if rel.Direction == models.DirectionInbound {
				w.obj.Workspace.EmbeddedRelationships = upsertEmbedded(w.obj.Workspace.EmbeddedRelationships, rel)
			}
		}
	}

	targets := make(map[string]*models.Object)
	target := func(id string) (*models.Object, error) {
		if obj, ok := newest[id]; ok {
			return obj, nil
		}
		if obj, ok := targets[id]; ok {
			return obj, nil
		}
		obj, err := imp.store.Latest(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			targets[id] = nil
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("load analytic %s: %w", id, err)
		}
		norm, err := models.NormalizeModified(obj.Stix.Modified)
		if err != nil {
			return nil, err
		}
		if _, ok := b.Expect[id]; !ok {
			b.Expect[id] = norm
		}
		targets[id] = obj
		return obj, nil
	}

	for _, w := range writes {
		strategy := w.obj.Stix
		payload, ok := strategy.Payload.(*models.DetectionStrategyPayload)
		if !ok {
			continue
		}

		var outbound []models.EmbeddedRelationship
		for _, ref := range payload.AnalyticRefs {
			analytic, err := target(ref)
			if err != nil {
				return err
			}
			if analytic == nil {
				imp.logger.Debug("detection strategy references unknown analytic",
					"strategy", strategy.ID, "analytic", ref)
				continue
			}
			outbound = upsertEmbedded(outbound, models.EmbeddedRelationship{
				StixID:    analytic.Stix.ID,
				AttackID:  analytic.Stix.AttackID(),
				Name:      analytic.Stix.Name(),
				Direction: models.DirectionOutbound,
			})
			inbound := models.EmbeddedRelationship{
				StixID:    strategy.ID,
				AttackID:  strategy.AttackID(),
				Name:      strategy.Name(),
				Direction: models.DirectionInbound,
			}
			b.Workspaces = append(b.Workspaces, store.WorkspacePatch{
				ID:       analytic.Stix.ID,
				Modified: analytic.Stix.Modified,
				Apply: func(ws *models.Workspace) {
					ws.EmbeddedRelationships = upsertEmbedded(ws.EmbeddedRelationships, inbound)
				},
			})
		}
		w.obj.Workspace.EmbeddedRelationships = outbound

		if w.previous == nil {
			continue
		}
		prevPayload, ok := w.previous.Stix.Payload.(*models.DetectionStrategyPayload)
		if !ok {
			continue
		}
		for _, ref := range prevPayload.AnalyticRefs {
			if slices.Contains(payload.AnalyticRefs, ref) {
				continue
			}
			analytic, err := target(ref)
			if err != nil {
				return err
			}
			if analytic == nil {
				continue
			}
			strategyID := strategy.ID
			b.Workspaces = append(b.Workspaces, store.WorkspacePatch{
				ID:       analytic.Stix.ID,
				Modified: analytic.Stix.Modified,
				Apply: func(ws *models.Workspace) {
					ws.EmbeddedRelationships = removeEmbedded(ws.EmbeddedRelationships, strategyID, models.DirectionInbound)
				},
			})
		}
	}
	return nil
}

// upsertEmbedded adds rel, replacing an entry with the same id and direction.
func upsertEmbedded(list []models.EmbeddedRelationship, rel models.EmbeddedRelationship) []models.EmbeddedRelationship {
	for i, cur := range list {
		if cur.StixID == rel.StixID && cur.Direction == rel.Direction {
			list[i] = rel
			return list
		}
	}
	return append(list, rel)
}

func removeEmbedded(list []models.EmbeddedRelationship, stixID, direction string) []models.EmbeddedRelationship {
	return slices.DeleteFunc(list, func(r models.EmbeddedRelationship) bool {
		return r.StixID == stixID && r.Direction == direction
	})
}
