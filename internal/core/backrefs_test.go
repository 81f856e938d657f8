package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stixwb/internal/models"
)

func analytic(id, modified string) *models.Stix {
	return stixObject(models.TypeAnalytic, id, modified, map[string]any{
		"name": "Analytic " + id,
		"external_references": []any{
			map[string]any{"source_name": "mitre-attack", "external_id": "AN" + id[len(id)-1:]},
		},
	})
}

func strategy(modified string, analyticRefs ...string) *models.Stix {
	refs := make([]any, 0, len(analyticRefs))
	for _, r := range analyticRefs {
		refs = append(refs, r)
	}
	return stixObject(models.TypeDetectionStrategy, "x-mitre-detection-strategy--1", modified, map[string]any{
		"name":                  "Detect things",
		"x_mitre_analytic_refs": refs,
		"external_references": []any{
			map[string]any{"source_name": "mitre-attack", "external_id": "DET0001"},
		},
	})
}

func inboundFrom(rels []models.EmbeddedRelationship, stixID string) *models.EmbeddedRelationship {
	for i := range rels {
		if rels[i].StixID == stixID && rels[i].Direction == models.DirectionInbound {
			return &rels[i]
		}
	}
	return nil
}

func TestImport_EmbeddedRelationships(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	a1 := analytic("x-mitre-analytic--1", t2021)
	a2 := analytic("x-mitre-analytic--2", t2021)
	s1 := strategy(t2021, a1.ID, a2.ID, "x-mitre-analytic--missing")

	_, err := imp.Import(ctx, contentBundle(t2021, a1, a2, s1), ImportOptions{})
	require.NoError(t, err)

	for _, id := range []string{a1.ID, a2.ID} {
		obj, err := st.Latest(ctx, id)
		require.NoError(t, err)
		rel := inboundFrom(obj.Workspace.EmbeddedRelationships, s1.ID)
		require.NotNil(t, rel, id)
		assert.Equal(t, "DET0001", rel.AttackID)
		assert.Equal(t, "Detect things", rel.Name)
	}

	stored, err := st.Latest(ctx, s1.ID)
	require.NoError(t, err)
	require.Len(t, stored.Workspace.EmbeddedRelationships, 2)
	assert.Equal(t, models.DirectionOutbound, stored.Workspace.EmbeddedRelationships[0].Direction)
	assert.Equal(t, a1.ID, stored.Workspace.EmbeddedRelationships[0].StixID)

	// New revision of a1 keeps its inbound link; the strategy drops a2
	a1v2 := analytic("x-mitre-analytic--1", t2022)
	s2 := strategy(t2022, a1.ID)
	_, err = imp.Import(ctx, contentBundle(t2022, a1v2, s2), ImportOptions{})
	require.NoError(t, err)

	obj, err := st.Latest(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, t2022, obj.Stix.Modified)
	require.NotNil(t, inboundFrom(obj.Workspace.EmbeddedRelationships, s1.ID))
	assert.Len(t, obj.Workspace.EmbeddedRelationships, 1)

	obj, err = st.Latest(ctx, a2.ID)
	require.NoError(t, err)
	assert.Nil(t, inboundFrom(obj.Workspace.EmbeddedRelationships, s1.ID))
}

func TestImport_EmbeddedRelationshipsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	a1 := analytic("x-mitre-analytic--1", t2021)
	_, err := imp.Import(ctx, contentBundle(t2021, a1), ImportOptions{})
	require.NoError(t, err)

	// Two strategy revisions pointing at the same analytic in one bundle
	b := contentBundle(t2022, strategy(t2021, a1.ID), strategy(t2022, a1.ID))
	_, err = imp.Import(ctx, b, ImportOptions{})
	require.NoError(t, err)

	obj, err := st.Latest(ctx, a1.ID)
	require.NoError(t, err)
	assert.Len(t, obj.Workspace.EmbeddedRelationships, 1)
}
