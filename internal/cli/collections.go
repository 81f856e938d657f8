package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/store"
)

var collectionsCmd = &cobra.Command{
	Use:   "collections",
	Short: "List stored collections",
	Long:  `List the latest revision of every stored collection.`,
	Args:  cobra.NoArgs,
	Run:   runCollections,
}

var collectionsShowCmd = &cobra.Command{
	Use:   "show <collection-id>",
	Short: "Show every stored revision of a collection",
	Long: `Show every stored revision of a collection together with the import
categories recorded when it was imported and the exports made from it.`,
	Args: cobra.ExactArgs(1),
	Run:  runCollectionsShow,
}

var collectionsIndexCmd = &cobra.Command{
	Use:   "index <url>",
	Short: "List the collections published in a collection index",
	Args:  cobra.ExactArgs(1),
	Run:   runCollectionsIndex,
}

func init() {
	collectionsCmd.AddCommand(collectionsShowCmd, collectionsIndexCmd)
}

func runCollections(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	colls, err := c.Store.Query(context.Background(), &store.Query{
		Types:             []string{models.TypeCollection},
		LatestOnly:        true,
		IncludeRevoked:    true,
		IncludeDeprecated: true,
	})
	if err != nil {
		c.Close()
		exitError("failed to list collections: %v", err)
	}

	if len(colls) == 0 {
		fmt.Println("No collections imported yet")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, coll := range colls {
		yellow.Printf("%s ", coll.Stix.ID)
		fmt.Printf("%s (v%s)\n", coll.Stix.Name(), coll.Stix.String("x_mitre_version"))
		fmt.Printf("    modified %s, %d objects\n", coll.Stix.Modified, len(coll.Stix.Contents()))
	}
}

func runCollectionsShow(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()

	versions, err := c.Store.Versions(context.Background(), args[0])
	if err != nil {
		c.Close()
		exitError("failed to read collection: %v", err)
	}
	if len(versions) == 0 {
		c.Close()
		exitError("collection %s not found", args[0])
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)

	fmt.Printf("%s\n\n", versions[len(versions)-1].Stix.Name())
	for i := len(versions) - 1; i >= 0; i-- {
		v := versions[i]
		yellow.Printf("revision %s", v.Stix.Modified)
		if i == len(versions)-1 {
			cyan.Print(" (latest)")
		}
		fmt.Println()

		ws := v.Workspace
		if ws.ImportID != "" {
			fmt.Printf("Import:   %s", ws.ImportID)
			if ws.Imported != nil {
				fmt.Printf(" at %s", ws.Imported.Format(time.RFC3339))
			}
			fmt.Println()
		}
		if ws.ImportBundleDigest != "" {
			fmt.Printf("Bundle:   sha256:%s\n", ws.ImportBundleDigest)
		}
		if ws.Workflow != nil && ws.Workflow.CreatedByUserAccount != "" {
			fmt.Printf("By:       %s\n", ws.Workflow.CreatedByUserAccount)
		}
		if cats := ws.ImportCategories; cats != nil {
			green.Printf("    +%d additions", len(cats.Additions))
			yellow.Printf("  ~%d changes", len(cats.Changes))
			fmt.Printf("  =%d duplicates", len(cats.Duplicates))
			red.Printf("  !%d errors\n", len(cats.Errors))
		}
		for _, ex := range ws.Exported {
			fmt.Printf("    exported %s as %s\n", ex.ExportTimestamp.Format(time.RFC3339), ex.BundleID)
		}
		fmt.Println()
	}
}

func runCollectionsIndex(cmd *cobra.Command, args []string) {
	client := newFetchClient(os.Stderr)
	idx, err := client.FetchIndex(context.Background(), args[0])
	if err != nil {
		exitError("%v", err)
	}

	fmt.Printf("%s", idx.Name)
	if !idx.Modified.IsZero() {
		fmt.Printf(" (updated %s)", idx.Modified.Format("2006-01-02"))
	}
	fmt.Println()

	if len(idx.Collections) == 0 {
		fmt.Fprintln(os.Stderr, "index lists no collections")
		return
	}

	yellow := color.New(color.FgYellow)
	for _, coll := range idx.Collections {
		yellow.Printf("\n%s ", coll.ID)
		fmt.Println(coll.Name)
		if latest := coll.Latest(); latest != nil {
			fmt.Printf("    latest %s (%s) %s\n", latest.Version, latest.Modified.Format("2006-01-02"), latest.URL)
		}
		fmt.Printf("    %d versions\n", len(coll.Versions))
	}
}
