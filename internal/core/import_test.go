package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

func threeTechniques() []*models.Stix {
	return []*models.Stix{
		technique("attack-pattern--1", t2021),
		technique("attack-pattern--2", t2021),
		technique("attack-pattern--3", t2021),
	}
}

func TestImport_NewCollection(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	objs := append(threeTechniques(), identity(), marking())
	res, err := imp.Import(ctx, contentBundle(t2021, objs...), ImportOptions{UserAccount: "analyst"})
	require.NoError(t, err)

	assert.True(t, res.Persisted)
	assert.NotEmpty(t, res.ImportID)
	assert.Len(t, res.Categories.Additions, 5)
	assert.Empty(t, res.Categories.Changes)
	assert.Empty(t, res.Categories.Duplicates)
	assert.Empty(t, res.Categories.Errors)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	coll, err := st.Latest(ctx, testCollection)
	require.NoError(t, err)
	require.NotNil(t, coll.Workspace.ImportCategories)
	assert.Equal(t, res.Categories.Additions, coll.Workspace.ImportCategories.Additions)
	assert.Equal(t, res.ImportID, coll.Workspace.ImportID)
	assert.Len(t, coll.Stix.Contents(), 5)

	tech, err := st.Get(ctx, "attack-pattern--1", t2021)
	require.NoError(t, err)
	require.NotNil(t, tech.Workspace.Workflow)
	assert.Equal(t, models.WorkflowReviewed, tech.Workspace.Workflow.State)
	assert.Equal(t, "analyst", tech.Workspace.Workflow.CreatedByUserAccount)
	assert.NotNil(t, tech.Workspace.Imported)
	assert.Empty(t, tech.Workspace.ImportBundleDigest)
}

func TestImport_RecordsBundleDigestOnCollection(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	digest := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	_, err := imp.Import(ctx, contentBundle(t2021, threeTechniques()...), ImportOptions{BundleDigest: digest})
	require.NoError(t, err)

	coll, err := st.Latest(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, digest, coll.Workspace.ImportBundleDigest)
}

func TestImport_CategoryPartition(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	_, err := imp.Import(ctx, contentBundle(t2021, threeTechniques()...), ImportOptions{})
	require.NoError(t, err)

	changed := technique("attack-pattern--1", t2022)
	conflicting := technique("attack-pattern--2", t2021)
	conflicting.Set("name", "rewritten in place")
	stale := technique("attack-pattern--3", t2020)
	objs := []*models.Stix{
		changed,
		conflicting,
		stale,
		technique("attack-pattern--3", t2021),
		technique("attack-pattern--4", t2021),
		stixObject(models.TypeMalware, "malware--1", t2021, map[string]any{"x_mitre_attack_spec_version": nil}),
	}
	b := contentBundle(t2022, objs...)

	res, err := imp.Import(ctx, b, ImportOptions{})
	require.NoError(t, err)

	c := res.Categories
	assert.Equal(t, len(b.Objects)-1, c.Total())
	assert.Equal(t, []string{"attack-pattern--1"}, c.Changes)
	assert.Equal(t, []string{"attack-pattern--4"}, c.Additions)
	assert.Equal(t, []string{"attack-pattern--3"}, c.Duplicates)

	errorsByRef := make(map[string]models.ImportErrorType)
	for _, e := range c.Errors {
		errorsByRef[e.ObjectRef] = e.ErrorType
	}
	assert.Equal(t, map[string]models.ImportErrorType{
		"attack-pattern--2": models.ErrorDuplicateID,
		"attack-pattern--3": models.ErrorOutOfDate,
		"malware--1":        models.ErrorMissingAttackSpecVersion,
	}, errorsByRef)

	// Conflicting content never overwrites the stored revision
	stored, err := st.Get(ctx, "attack-pattern--2", t2021)
	require.NoError(t, err)
	assert.Equal(t, "Technique attack-pattern--2", stored.Stix.Name())

	// Rejected revisions are dropped from the stored collection's contents
	coll, err := st.Get(ctx, testCollection, t2022)
	require.NoError(t, err)
	var refs []string
	for _, ref := range coll.Stix.Contents() {
		refs = append(refs, models.ObjectKey(ref.ObjectRef, ref.ObjectModified))
	}
	assert.NotContains(t, refs, models.ObjectKey("attack-pattern--3", t2020))
	assert.NotContains(t, refs, models.ObjectKey("malware--1", t2021))
	assert.Contains(t, refs, models.ObjectKey("attack-pattern--2", t2021))
	assert.Len(t, refs, 4)
}

func TestImport_SameBundleTwice(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)
	b := contentBundle(t2021, threeTechniques()...)

	_, err := imp.Import(ctx, b, ImportOptions{})
	require.NoError(t, err)

	_, err = imp.Import(ctx, b, ImportOptions{})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrDuplicateCollection)
	assert.True(t, rej.Validation.BundleErrors.DuplicateCollection)

	// A dry run surfaces the duplicate collection too
	_, err = imp.Import(ctx, b, ImportOptions{CheckOnly: true})
	assert.ErrorIs(t, err, ErrDuplicateCollection)

	res, err := imp.Import(ctx, b, ImportOptions{Force: models.ForceSet{models.ForceDuplicateCollection: true}})
	require.NoError(t, err)
	assert.True(t, res.Replaced)
	assert.Empty(t, res.Categories.Additions)
	assert.Empty(t, res.Categories.Changes)
	assert.Len(t, res.Categories.Duplicates, 3)

	// Replaced in place: still one revision of the collection
	versions, err := st.Versions(ctx, testCollection)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Len(t, versions[0].Workspace.ImportCategories.Duplicates, 3)
	assert.Equal(t, res.ImportID, versions[0].Workspace.ImportID)
}

func TestImport_CheckOnlyNeverWrites(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	for _, opts := range []ImportOptions{{CheckOnly: true}, {PreviewOnly: true}} {
		res, err := imp.Import(ctx, contentBundle(t2021, threeTechniques()...), opts)
		require.NoError(t, err)
		assert.False(t, res.Persisted)
		assert.Len(t, res.Categories.Additions, 3)
		require.NotNil(t, res.Collection)
		assert.Equal(t, res.Categories, res.Collection.Workspace.ImportCategories)
	}

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImport_DuplicateObjectInBundleScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	objs := threeTechniques()
	b := contentBundle(t2021, objs...)
	b.Objects = append(b.Objects, technique("attack-pattern--2", t2021))

	_, err := imp.Import(ctx, b, ImportOptions{})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrDuplicateObjectInBundle)
	assert.Equal(t, 1, rej.Validation.ObjectErrors.Summary.DuplicateObjectInBundleCount)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImport_NoCollectionScenario(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	_, err := imp.Import(ctx, bundleOf(threeTechniques()...), ImportOptions{
		Force: models.ForceSet{models.ForceDuplicateCollection: true, models.ForceAttackSpecVersionViolations: true},
	})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.True(t, rej.Validation.BundleErrors.NoCollection)

	n, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestImport_SpecVersionForceScoping(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	future := stixObject(models.TypeTool, "tool--1", t2021, map[string]any{"x_mitre_attack_spec_version": "9.0.0"})
	missing := stixObject(models.TypeTool, "tool--2", t2021, map[string]any{"x_mitre_attack_spec_version": nil})
	b := contentBundle(t2021, technique("attack-pattern--1", t2021), future, missing)

	_, err := imp.Import(ctx, b, ImportOptions{})
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	assert.ErrorIs(t, err, ErrInvalidAttackSpecVersion)
	assert.Equal(t, 1, rej.Validation.ObjectErrors.Summary.InvalidAttackSpecVersionCount)
	assert.Equal(t, 1, rej.Validation.ObjectErrors.Summary.MissingAttackSpecVersionCount)

	res, err := imp.Import(ctx, b, ImportOptions{Force: models.ForceSet{models.ForceAttackSpecVersionViolations: true}})
	require.NoError(t, err)
	assert.Empty(t, res.Categories.Errors)
	assert.ElementsMatch(t, []string{"attack-pattern--1", "tool--1", "tool--2"}, res.Categories.Additions)
}

func TestImport_MissingSpecVersionContinues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	missing := stixObject(models.TypeTool, "tool--2", t2021, map[string]any{"x_mitre_attack_spec_version": nil})
	res, err := imp.Import(ctx, contentBundle(t2021, technique("attack-pattern--1", t2021), missing), ImportOptions{})
	require.NoError(t, err)
	assert.True(t, res.Persisted)
	assert.Equal(t, []string{"attack-pattern--1"}, res.Categories.Additions)
	require.Len(t, res.Categories.Errors, 1)
	assert.Equal(t, models.ErrorMissingAttackSpecVersion, res.Categories.Errors[0].ErrorType)

	_, err = st.Latest(ctx, "tool--2")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImport_MonotonicVersioning(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)

	_, err := imp.Import(ctx, contentBundle(t2022, technique("attack-pattern--1", t2022)), ImportOptions{})
	require.NoError(t, err)

	// Two revisions of one id in the same bundle: only the newer one moves forward
	b := contentBundle(t2023,
		technique("attack-pattern--1", t2023),
		technique("attack-pattern--1", t2021),
	)
	res, err := imp.Import(ctx, b, ImportOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"attack-pattern--1"}, res.Categories.Changes)
	require.Len(t, res.Categories.Errors, 1)
	assert.Equal(t, models.ErrorOutOfDate, res.Categories.Errors[0].ErrorType)

	versions, err := st.Versions(ctx, "attack-pattern--1")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, t2022, versions[0].Stix.Modified)
	assert.Equal(t, t2023, versions[1].Stix.Modified)

	// An older collection revision is refused outright
	_, err = imp.Import(ctx, contentBundle(t2021, technique("attack-pattern--9", t2021)), ImportOptions{})
	assert.ErrorIs(t, err, ErrCollectionOutOfDate)
}

func TestImport_ConcurrentImportOfSameCollection(t *testing.T) {
	ctx := context.Background()
	base := newTestStore(t)
	racing := &racingStore{ObjectStore: base}
	imp := newTestImporter(t, racing)

	_, err := imp.Import(ctx, contentBundle(t2021, threeTechniques()...), ImportOptions{})
	require.NoError(t, err)

	racing.race = func() {
		other := &models.Object{Stix: collectionOf(t2023)}
		require.NoError(t, base.Apply(ctx, &store.Batch{Inserts: []*models.Object{other}}))
	}
	_, err = imp.Import(ctx, contentBundle(t2022, technique("attack-pattern--4", t2022)), ImportOptions{})
	assert.ErrorIs(t, err, ErrConcurrentImport)

	// Nothing from the losing import was written
	_, err = base.Latest(ctx, "attack-pattern--4")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestImport_ProgressPerObject(t *testing.T) {
	ctx := context.Background()
	imp := newTestImporter(t, newTestStore(t))

	var events []ProgressEvent
	_, err := imp.Import(ctx, contentBundle(t2021, threeTechniques()...), ImportOptions{
		Progress: func(ev ProgressEvent) { events = append(events, ev) },
	})
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Index)
		assert.Equal(t, 3, ev.Total)
		assert.Equal(t, CategoryAddition, ev.Category)
	}
}

func TestImport_ForcedDuplicateKeepsExportHistory(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	imp := newTestImporter(t, st)
	b := contentBundle(t2021, threeTechniques()...)

	first, err := imp.Import(ctx, b, ImportOptions{})
	require.NoError(t, err)

	exported := models.ExportRecord{ExportTimestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), BundleID: "bundle--exported"}
	require.NoError(t, st.UpdateWorkspace(ctx, testCollection, t2021, func(ws *models.Workspace) error {
		ws.Exported = append(ws.Exported, exported)
		return nil
	}))

	second, err := imp.Import(ctx, b, ImportOptions{Force: models.ForceSet{models.ForceDuplicateCollection: true}})
	require.NoError(t, err)
	require.True(t, second.Replaced)

	coll, err := st.Get(ctx, testCollection, t2021)
	require.NoError(t, err)
	assert.Equal(t, second.ImportID, coll.Workspace.ImportID)
	assert.NotEqual(t, first.ImportID, coll.Workspace.ImportID)
	require.Len(t, coll.Workspace.Exported, 1)
	assert.Equal(t, "bundle--exported", coll.Workspace.Exported[0].BundleID)
	assert.True(t, exported.ExportTimestamp.Equal(coll.Workspace.Exported[0].ExportTimestamp))
}
