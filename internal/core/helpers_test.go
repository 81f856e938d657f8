package core

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

const (
	testIdentityID  = "identity--c78cb6e5-0c4b-4611-8297-d1b8b55e40b5"
	testMarkingID   = "marking-definition--fa42a846-8d90-4e51-bc29-71d5b4802168"
	testSpecVersion = "3.2.0"
	testCollection  = "x-mitre-collection--1f5f1533-f617-4ca8-9ab4-6a02367fa019"

	t2020 = "2020-01-01T00:00:00.000Z"
	t2021 = "2021-01-01T00:00:00.000Z"
	t2022 = "2022-01-01T00:00:00.000Z"
	t2023 = "2023-01-01T00:00:00.000Z"
)

func newTestStore(t *testing.T) store.ObjectStore {
	t.Helper()
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestImporter(t *testing.T, st store.ObjectStore) *Importer {
	t.Helper()
	v, err := NewValidator("3.3.0")
	require.NoError(t, err)
	return NewImporter(st, v, nil)
}

// stixObject builds a content object with the usual ATT&CK properties.
func stixObject(stixType, id, modified string, extra map[string]any) *models.Stix {
	props := map[string]any{
		"type":                        stixType,
		"id":                          id,
		"created":                     t2020,
		"modified":                    modified,
		"spec_version":                "2.1",
		"x_mitre_attack_spec_version": testSpecVersion,
		"created_by_ref":              testIdentityID,
		"object_marking_refs":         []any{testMarkingID},
		"x_mitre_domains":             []any{"enterprise-attack"},
	}
	for k, v := range extra {
		if v == nil {
			delete(props, k)
			continue
		}
		props[k] = v
	}
	return models.NewStix(props)
}

func technique(id, modified string) *models.Stix {
	return stixObject(models.TypeAttackPattern, id, modified, map[string]any{"name": "Technique " + id})
}

func identity() *models.Stix {
	return models.NewStix(map[string]any{
		"type":                        "identity",
		"id":                          testIdentityID,
		"created":                     t2020,
		"modified":                    t2020,
		"name":                        "The MITRE Corporation",
		"identity_class":              "organization",
		"object_marking_refs":         []any{testMarkingID},
		"spec_version":                "2.1",
		"x_mitre_attack_spec_version": testSpecVersion,
	})
}

func marking() *models.Stix {
	return models.NewStix(map[string]any{
		"type":                        "marking-definition",
		"id":                          testMarkingID,
		"created":                     t2020,
		"modified":                    t2020,
		"definition_type":             "statement",
		"definition":                  map[string]any{"statement": "Copyright MITRE"},
		"spec_version":                "2.1",
		"x_mitre_attack_spec_version": testSpecVersion,
	})
}

// collectionOf pins every object in objs.
func collectionOf(modified string, objs ...*models.Stix) *models.Stix {
	contents := make([]any, 0, len(objs))
	for _, o := range objs {
		contents = append(contents, map[string]any{"object_ref": o.ID, "object_modified": o.Modified})
	}
	return models.NewStix(map[string]any{
		"type":                        models.TypeCollection,
		"id":                          testCollection,
		"created":                     t2020,
		"modified":                    modified,
		"name":                        "Enterprise ATT&CK",
		"spec_version":                "2.1",
		"x_mitre_attack_spec_version": testSpecVersion,
		"x_mitre_version":             "1.0",
		"created_by_ref":              testIdentityID,
		"object_marking_refs":         []any{testMarkingID},
		"x_mitre_contents":            contents,
	})
}

func bundleOf(objs ...*models.Stix) *models.Bundle {
	return &models.Bundle{
		Type:        models.BundleType,
		ID:          "bundle--6b4d3b5e-3e0f-4a5c-9a11-0f6f6c1d6f8a",
		SpecVersion: "2.1",
		Objects:     objs,
	}
}

// contentBundle wraps objs in a bundle whose collection pins all of them.
func contentBundle(collModified string, objs ...*models.Stix) *models.Bundle {
	all := append([]*models.Stix{collectionOf(collModified, objs...)}, objs...)
	return bundleOf(all...)
}

// racingStore runs race once, right before the first Apply.
type racingStore struct {
	store.ObjectStore
	race func()
}

func (r *racingStore) Apply(ctx context.Context, b *store.Batch) error {
	if r.race != nil {
		race := r.race
		r.race = nil
		race()
	}
	return r.ObjectStore.Apply(ctx, b)
}
