package archive

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

// PruneResult contains the outcome of a prune run.
type PruneResult struct {
	Scanned    int
	Referenced int
	Deleted    []string
}

// Prune removes archived bundles that no stored collection revision
// references. A forced re-import of a collection replaces the digest on
// its revision, which leaves the earlier bundle unreferenced. With dryRun
// set nothing is deleted and Deleted lists what would be.
func Prune(ctx context.Context, st store.ObjectStore, a BundleArchive, dryRun bool, logger *slog.Logger) (*PruneResult, error) {
	result := &PruneResult{}

	colls, err := st.Query(ctx, &store.Query{
		Types:             []string{models.TypeCollection},
		IncludeRevoked:    true,
		IncludeDeprecated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("list collection revisions: %w", err)
	}
	referenced := make(map[string]bool, len(colls))
	for _, c := range colls {
		if d := c.Workspace.ImportBundleDigest; d != "" {
			referenced[d] = true
		}
	}
	result.Referenced = len(referenced)

	entries, err := a.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list archived bundles: %w", err)
	}
	result.Scanned = len(entries)

	for _, e := range entries {
		if referenced[e.Digest] {
			continue
		}
		if !dryRun {
			if err := a.Delete(ctx, e.Digest); err != nil {
				logger.Warn("prune: failed to delete bundle", "digest", e.Digest, "error", err)
				continue
			}
		}
		result.Deleted = append(result.Deleted, e.Digest)
	}

	logger.Info("archive prune complete",
		"scanned", result.Scanned,
		"referenced", result.Referenced,
		"deleted", len(result.Deleted),
		"dry_run", dryRun,
	)

	return result, nil
}
