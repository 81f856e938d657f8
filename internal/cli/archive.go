package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/archive"
)

var archivePruneDryRun bool

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect the archive of imported bundles",
	Long: `Every persisted import keeps its source bundle in store.archive_dir,
addressed by SHA-256 digest. The digest is recorded on the imported
collection revision.`,
}

var archiveListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived bundles, newest first",
	Args:  cobra.NoArgs,
	Run:   runArchiveList,
}

var archivePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete archived bundles no collection revision references",
	Args:  cobra.NoArgs,
	Run:   runArchivePrune,
}

func init() {
	archivePruneCmd.Flags().BoolVar(&archivePruneDryRun, "dry-run", false, "Report what would be deleted")
	archiveCmd.AddCommand(archiveListCmd, archivePruneCmd)
}

func runArchiveList(cmd *cobra.Command, args []string) {
	c := loadConfig()
	arch := c.archive()
	if arch == nil {
		exitError("archiving is disabled (store.archive_dir is empty)")
	}

	entries, err := arch.List(context.Background())
	if err != nil {
		exitError("failed to list archive: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("No bundles archived yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, e := range entries {
		yellow.Printf("%s ", e.Digest[:12])
		fmt.Printf("%s @ %s\n", e.CollectionID, e.CollectionModified)
		fmt.Printf("    import %s, %s, archived %s\n", e.ImportID, formatSize(e.Size), e.ArchivedAt.Format(time.RFC3339))
	}
}

func runArchivePrune(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	arch := c.archive()
	if arch == nil {
		c.Close()
		exitError("archiving is disabled (store.archive_dir is empty)")
	}

	result, err := archive.Prune(context.Background(), c.Store, arch, archivePruneDryRun, c.Logger)
	if err != nil {
		c.Close()
		exitError("prune failed: %v", err)
	}

	verb := "Deleted"
	if archivePruneDryRun {
		verb = "Would delete"
	}
	for _, d := range result.Deleted {
		color.New(color.FgRed).Printf("  %s\n", d)
	}
	fmt.Printf("%s %d of %d archived bundles (%d referenced)\n", verb, len(result.Deleted), result.Scanned, result.Referenced)
}

// formatSize renders a byte count for humans.
func formatSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
