package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stixwb/internal/models"
)

// forEachBackend runs fn against a fresh store of every driver.
func forEachBackend(t *testing.T, fn func(t *testing.T, s ObjectStore)) {
	t.Helper()
	for _, driver := range []string{DriverBbolt, DriverSQLite} {
		t.Run(driver, func(t *testing.T) {
			s, err := Open(driver, filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func testObject(stixType, id, modified string, extra map[string]any) *models.Object {
	props := map[string]any{
		"type":     stixType,
		"id":       id,
		"modified": modified,
		"created":  "2020-01-01T00:00:00.000Z",
	}
	for k, v := range extra {
		props[k] = v
	}
	return &models.Object{Stix: models.NewStix(props)}
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("mongo", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestStore_InsertAndGet(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		obj := testObject(models.TypeAttackPattern, "attack-pattern--1", "2021-01-01T00:00:00.000Z",
			map[string]any{"name": "Phishing"})
		obj.Workspace.ImportID = "run-1"

		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{obj}}))

		got, err := s.Get(ctx, "attack-pattern--1", "2021-01-01T00:00:00.000Z")
		require.NoError(t, err)
		assert.Equal(t, "Phishing", got.Stix.Name())
		assert.Equal(t, "run-1", got.Workspace.ImportID)
		assert.Equal(t, models.KindTechnique, got.Stix.Kind)

		// Equivalent timestamp spelling resolves to the same revision
		got, err = s.Get(ctx, "attack-pattern--1", "2021-01-01T00:00:00Z")
		require.NoError(t, err)
		assert.Equal(t, obj.Stix.ContentHash(), got.Stix.ContentHash())

		_, err = s.Get(ctx, "attack-pattern--1", "2022-01-01T00:00:00.000Z")
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_InsertDuplicateRevision(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		obj := testObject(models.TypeMalware, "malware--1", "2021-01-01T00:00:00.000Z", nil)
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{obj}}))

		second := testObject(models.TypeMalware, "malware--2", "2021-01-01T00:00:00.000Z", nil)
		err := s.Apply(ctx, &Batch{Inserts: []*models.Object{second, obj}})
		assert.ErrorIs(t, err, ErrDuplicate)

		// The failed batch left nothing behind
		_, err = s.Latest(ctx, "malware--2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ReplaceOverwrites(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		obj := testObject(models.TypeCollection, "x-mitre-collection--1", "2021-01-01T00:00:00.000Z",
			map[string]any{"name": "old"})
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{obj}}))

		repl := testObject(models.TypeCollection, "x-mitre-collection--1", "2021-01-01T00:00:00.000Z",
			map[string]any{"name": "new"})
		require.NoError(t, s.Apply(ctx, &Batch{Replaces: []*models.Object{repl}}))

		got, err := s.Latest(ctx, "x-mitre-collection--1")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Stix.Name())

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestStore_VersionsAndLatest(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		// Inserted out of order on purpose
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{
			testObject(models.TypeTool, "tool--1", "2022-06-01T00:00:00.000Z", nil),
			testObject(models.TypeTool, "tool--1", "2020-06-01T00:00:00.000Z", nil),
			testObject(models.TypeTool, "tool--1", "2021-06-01T00:00:00.5Z", nil),
		}}))

		versions, err := s.Versions(ctx, "tool--1")
		require.NoError(t, err)
		require.Len(t, versions, 3)
		assert.Equal(t, "2020-06-01T00:00:00.000Z", versions[0].Stix.Modified)
		assert.Equal(t, "2021-06-01T00:00:00.5Z", versions[1].Stix.Modified)
		assert.Equal(t, "2022-06-01T00:00:00.000Z", versions[2].Stix.Modified)

		latest, err := s.Latest(ctx, "tool--1")
		require.NoError(t, err)
		assert.Equal(t, "2022-06-01T00:00:00.000Z", latest.Stix.Modified)

		// A prefix of another id must not leak into the scan
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{
			testObject(models.TypeTool, "tool--10", "2023-01-01T00:00:00.000Z", nil),
		}}))
		versions, err = s.Versions(ctx, "tool--1")
		require.NoError(t, err)
		assert.Len(t, versions, 3)

		_, err = s.Latest(ctx, "tool--missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Query(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{
			testObject(models.TypeAttackPattern, "attack-pattern--a", "2020-01-01T00:00:00.000Z",
				map[string]any{"x_mitre_domains": []any{"enterprise-attack"}}),
			testObject(models.TypeAttackPattern, "attack-pattern--a", "2021-01-01T00:00:00.000Z",
				map[string]any{"x_mitre_domains": []any{"enterprise-attack"}}),
			testObject(models.TypeAttackPattern, "attack-pattern--b", "2021-01-01T00:00:00.000Z",
				map[string]any{"x_mitre_domains": []any{"mobile-attack"}}),
			testObject(models.TypeAttackPattern, "attack-pattern--c", "2021-01-01T00:00:00.000Z",
				map[string]any{"x_mitre_domains": []any{"enterprise-attack"}, "revoked": true}),
			testObject(models.TypeNote, "note--1", "2021-01-01T00:00:00.000Z",
				map[string]any{"object_refs": []any{"attack-pattern--a"}}),
		}}))

		all, err := s.Query(ctx, &Query{IncludeRevoked: true})
		require.NoError(t, err)
		assert.Len(t, all, 5)

		latest, err := s.Query(ctx, &Query{Types: []string{models.TypeAttackPattern}, LatestOnly: true})
		require.NoError(t, err)
		require.Len(t, latest, 2)
		assert.Equal(t, "attack-pattern--a", latest[0].Stix.ID)
		assert.Equal(t, "2021-01-01T00:00:00.000Z", latest[0].Stix.Modified)
		assert.Equal(t, "attack-pattern--b", latest[1].Stix.ID)

		enterprise, err := s.Query(ctx, &Query{LatestOnly: true, Domain: "enterprise-attack", IncludeRevoked: true})
		require.NoError(t, err)
		require.Len(t, enterprise, 2)

		notes, err := s.Query(ctx, &Query{
			Types:      []string{models.TypeNote},
			References: map[string]string{"object_refs": "attack-pattern--a"},
		})
		require.NoError(t, err)
		require.Len(t, notes, 1)
		assert.Equal(t, "note--1", notes[0].Stix.ID)

		byID, err := s.Query(ctx, &Query{Match: map[string]string{"id": "attack-pattern--b"}})
		require.NoError(t, err)
		require.Len(t, byID, 1)
	})
}

func TestStore_ExpectConflict(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		first := testObject(models.TypeCampaign, "campaign--1", "2021-01-01T00:00:00.000Z", nil)
		require.NoError(t, s.Apply(ctx, &Batch{
			Inserts: []*models.Object{first},
			Expect:  map[string]string{"campaign--1": ""},
		}))

		// Caller saw "no revision" but one exists now
		next := testObject(models.TypeCampaign, "campaign--1", "2022-01-01T00:00:00.000Z", nil)
		err := s.Apply(ctx, &Batch{
			Inserts: []*models.Object{next},
			Expect:  map[string]string{"campaign--1": ""},
		})
		assert.ErrorIs(t, err, ErrConflict)

		norm, err := models.NormalizeModified(first.Stix.Modified)
		require.NoError(t, err)
		require.NoError(t, s.Apply(ctx, &Batch{
			Inserts: []*models.Object{next},
			Expect:  map[string]string{"campaign--1": norm},
		}))

		latest, err := s.Latest(ctx, "campaign--1")
		require.NoError(t, err)
		assert.Equal(t, "2022-01-01T00:00:00.000Z", latest.Stix.Modified)
	})
}

func TestStore_WorkspacePatches(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		analytic := testObject(models.TypeAnalytic, "x-mitre-analytic--1", "2021-01-01T00:00:00.000Z", nil)
		require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{analytic}}))

		strategy := testObject(models.TypeDetectionStrategy, "x-mitre-detection-strategy--1",
			"2021-02-01T00:00:00.000Z", nil)
		require.NoError(t, s.Apply(ctx, &Batch{
			Inserts: []*models.Object{strategy},
			Workspaces: []WorkspacePatch{
				{
					ID:       "x-mitre-analytic--1",
					Modified: "2021-01-01T00:00:00.000Z",
					Apply: func(ws *models.Workspace) {
						ws.EmbeddedRelationships = append(ws.EmbeddedRelationships, models.EmbeddedRelationship{
							StixID:    "x-mitre-detection-strategy--1",
							Direction: models.DirectionInbound,
						})
					},
				},
			},
		}))

		got, err := s.Latest(ctx, "x-mitre-analytic--1")
		require.NoError(t, err)
		require.Len(t, got.Workspace.EmbeddedRelationships, 1)
		assert.Equal(t, "x-mitre-detection-strategy--1", got.Workspace.EmbeddedRelationships[0].StixID)

		err = s.UpdateWorkspace(ctx, "x-mitre-analytic--1", "2021-01-01T00:00:00.000Z", func(ws *models.Workspace) error {
			ws.ImportID = "later"
			return nil
		})
		require.NoError(t, err)
		got, err = s.Latest(ctx, "x-mitre-analytic--1")
		require.NoError(t, err)
		assert.Equal(t, "later", got.Workspace.ImportID)
		assert.Len(t, got.Workspace.EmbeddedRelationships, 1)

		err = s.UpdateWorkspace(ctx, "x-mitre-analytic--404", "2021-01-01T00:00:00.000Z", func(*models.Workspace) error {
			return nil
		})
		assert.ErrorIs(t, err, ErrNotFound)

		// Patching a missing revision fails the whole batch
		err = s.Apply(ctx, &Batch{
			Inserts: []*models.Object{testObject(models.TypeAnalytic, "x-mitre-analytic--2", "2021-01-01T00:00:00.000Z", nil)},
			Workspaces: []WorkspacePatch{
				{ID: "x-mitre-analytic--404", Modified: "2021-01-01T00:00:00.000Z", Apply: func(*models.Workspace) {}},
			},
		})
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.Latest(ctx, "x-mitre-analytic--2")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RejectsInvalidModified(t *testing.T) {
	forEachBackend(t, func(t *testing.T, s ObjectStore) {
		ctx := context.Background()
		bad := testObject(models.TypeTool, "tool--1", "yesterday", nil)
		assert.Error(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{bad}}))
	})
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Apply(ctx, &Batch{Inserts: []*models.Object{
		testObject(models.TypeTool, "tool--1", "2021-01-01T00:00:00.000Z", nil),
	}}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.getSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	tools, err := s.Query(ctx, &Query{Types: []string{models.TypeTool}})
	require.NoError(t, err)
	assert.Len(t, tools, 1)
}
