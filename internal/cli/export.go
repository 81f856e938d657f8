package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/core"
	"github.com/kilupskalvis/stixwb/internal/models"
)

var (
	exportModified          string
	exportOutput            string
	exportPreview           bool
	exportIncludeNotes      bool
	exportDomain            string
	exportIncludeDeprecated bool
	exportIncludeRevoked    bool
)

var exportCmd = &cobra.Command{
	Use:   "export [collection-id]",
	Short: "Export a collection or domain as a STIX bundle",
	Long: `Export a stored collection, with every object it pins and the identities
and marking definitions they reference, as a STIX 2.1 bundle. With --domain,
export the latest revision of every object in an ATT&CK domain instead.

Unless --preview is given, a collection export is recorded on the stored
collection.

Examples:
  stixwb export x-mitre-collection--1f5f... -o enterprise.json
  stixwb export x-mitre-collection--1f5f... --modified 2023-10-31T14:00:00.188Z
  stixwb export --domain enterprise-attack --include-notes`,
	Args: cobra.MaximumNArgs(1),
	Run:  runExport,
}

func init() {
	f := exportCmd.Flags()
	f.StringVar(&exportModified, "modified", "", "Collection revision to export (default: latest)")
	f.StringVarP(&exportOutput, "output", "o", "", "Write the bundle to this file instead of stdout")
	f.BoolVar(&exportPreview, "preview", false, "Do not record the export on the collection")
	f.BoolVar(&exportIncludeNotes, "include-notes", false, "Include notes that reference exported objects")
	f.StringVar(&exportDomain, "domain", "", "Export a whole domain, e.g. enterprise-attack")
	f.BoolVar(&exportIncludeDeprecated, "include-deprecated", false, "Include deprecated objects (with --domain)")
	f.BoolVar(&exportIncludeRevoked, "include-revoked", false, "Include revoked objects (with --domain)")
}

func runExport(cmd *cobra.Command, args []string) {
	if (len(args) == 1) == (exportDomain != "") {
		exitError("specify either a collection id or --domain")
	}

	ctx := context.Background()
	c := initContext()
	defer c.Close()

	exporter := core.NewExporter(c.Store, c.Logger)

	var (
		bundle *models.Bundle
		err    error
	)
	if exportDomain != "" {
		bundle, err = exporter.ExportDomain(ctx, core.DomainExportOptions{
			Domain:            exportDomain,
			IncludeDeprecated: exportIncludeDeprecated,
			IncludeRevoked:    exportIncludeRevoked,
			IncludeNotes:      exportIncludeNotes,
		})
	} else {
		resolver := core.NewResolver(c.Store, c.Config.Attack.ExportConcurrency, c.Logger)
		var set *core.ResolvedSet
		set, err = resolver.Resolve(ctx, args[0], exportModified, core.ResolveOptions{IncludeNotes: exportIncludeNotes})
		if err == nil {
			if len(set.Missing) > 0 {
				color.New(color.FgYellow).Fprintf(os.Stderr, "warning: %d referenced objects are not stored\n", len(set.Missing))
			}
			bundle, err = exporter.Export(ctx, set, core.ExportOptions{PreviewOnly: exportPreview})
		}
	}
	if err != nil {
		c.Close()
		if errors.Is(err, core.ErrCollectionNotFound) {
			exitError("collection %s not found", args[0])
		}
		exitError("export failed: %v", err)
	}

	if err := writeBundle(bundle); err != nil {
		c.Close()
		exitError("%v", err)
	}
	if exportOutput != "" {
		fmt.Fprintf(os.Stderr, "Wrote %s (%d objects) to %s\n", bundle.ID, len(bundle.Objects), exportOutput)
	}
}

func writeBundle(bundle *models.Bundle) error {
	var w io.Writer = os.Stdout
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(bundle); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}
