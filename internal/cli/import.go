package cli

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/archive"
	"github.com/kilupskalvis/stixwb/internal/core"
	"github.com/kilupskalvis/stixwb/internal/models"
	"github.com/kilupskalvis/stixwb/internal/remote"
)

var (
	importURL        string
	importIndex      string
	importCollection string
	importCheckOnly  bool
	importPreview    bool
	importForce      []string
	importUser       string
	importServer     string
	importToken      string
	importVerbose    bool
)

var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Import a collection bundle",
	Long: `Import a collection bundle into the object store.

The bundle is read from a file (gzip is detected by the .gz suffix), a URL,
or the latest version of a collection listed in a collection index. With
--server the bundle is submitted to a running stixwb server instead of the
local store.

Examples:
  stixwb import enterprise-attack.json
  stixwb import --preview enterprise-attack.json
  stixwb import --url https://example.org/stix/enterprise-attack.json
  stixwb import --index https://example.org/index.json --collection x-mitre-collection--1f5f...
  stixwb import --server http://127.0.0.1:3000 --token $TOKEN enterprise-attack.json`,
	Args: cobra.MaximumNArgs(1),
	Run:  runImport,
}

func init() {
	f := importCmd.Flags()
	f.StringVar(&importURL, "url", "", "Fetch the bundle from this URL")
	f.StringVar(&importIndex, "index", "", "Collection index URL (use with --collection)")
	f.StringVar(&importCollection, "collection", "", "Collection id to import from --index")
	f.BoolVar(&importCheckOnly, "check-only", false, "Validate and classify without writing")
	f.BoolVar(&importPreview, "preview", false, "Preview the imported collection without writing")
	f.StringSliceVar(&importForce, "force", nil, "Override rejections: duplicate-collection, attack-spec-version-violations")
	f.StringVar(&importUser, "user", envOrDefault("STIXWB_USER", os.Getenv("USER")), "User account recorded on new revisions")
	f.StringVar(&importServer, "server", os.Getenv("STIXWB_SERVER_URL"), "Submit to this stixwb server (env: STIXWB_SERVER_URL)")
	f.StringVar(&importToken, "token", os.Getenv("STIXWB_TOKEN"), "Bearer token for --server (env: STIXWB_TOKEN)")
	f.BoolVarP(&importVerbose, "verbose", "v", false, "List every object in each category")
}

func runImport(cmd *cobra.Command, args []string) {
	ctx := context.Background()

	bundle, raw, err := loadBundle(ctx, args)
	if err != nil {
		exitError("%v", err)
	}

	if importServer != "" {
		importRemote(ctx, bundle)
		return
	}

	force, err := models.ParseForceImport(importForce)
	if err != nil {
		exitError("%v", err)
	}

	c := initContext()
	defer c.Close()

	arch := c.archive()
	opts := core.ImportOptions{
		CheckOnly:   importCheckOnly,
		PreviewOnly: importPreview,
		Force:       force,
		UserAccount: importUser,
	}
	if arch != nil {
		opts.BundleDigest = archive.Digest(raw)
	}

	importer := core.NewImporter(c.Store, c.validator(), c.Logger)
	res, err := importer.Import(ctx, bundle, opts)
	if err != nil {
		var rej *core.RejectionError
		if errors.As(err, &rej) {
			printRejection(rej.Error(), &rej.Validation.BundleErrors, &rej.Validation.ObjectErrors)
			c.Close()
			os.Exit(1)
		}
		c.Close()
		exitError("import failed: %v", err)
	}

	if res.Persisted && arch != nil {
		err := arch.Put(ctx, &archive.Entry{
			Digest:             opts.BundleDigest,
			CollectionID:       res.Collection.Stix.ID,
			CollectionModified: res.Collection.Stix.Modified,
			ImportID:           res.ImportID,
		}, bytes.NewReader(raw))
		if err != nil {
			color.New(color.FgYellow).Fprintf(os.Stderr, "warning: failed to archive bundle: %v\n", err)
		}
	}

	printImportSummary(res.Collection, res.Persisted)
}

func importRemote(ctx context.Context, bundle *models.Bundle) {
	client := remote.NewRetryClient(remote.NewHTTPClient(importServer, importToken), nil)
	coll, err := client.ImportBundle(ctx, bundle, remote.ImportParams{
		CheckOnly:   importCheckOnly,
		PreviewOnly: importPreview,
		Force:       importForce,
		UserAccount: importUser,
	})
	if err != nil {
		var re *remote.RemoteError
		if errors.As(err, &re) && re.BundleErrors != nil {
			printRejection(re.Message, re.BundleErrors, re.ObjectErrors)
			os.Exit(1)
		}
		exitError("import failed: %v", err)
	}
	printImportSummary(coll, !importCheckOnly && !importPreview)
}

// newFetchClient returns a client for published bundles and indexes that
// reports each retry on w.
func newFetchClient(w io.Writer) *remote.RetryClient {
	policy := remote.DefaultFetchPolicy()
	policy.OnRetry = func(op string, attempt int, err error, wait time.Duration) {
		color.New(color.FgYellow).Fprintf(w, "warning: %s failed (attempt %d): %v; retrying in %s\n",
			op, attempt, err, wait.Round(time.Millisecond))
	}
	return remote.NewRetryClient(remote.NewHTTPClient("", ""), policy)
}

// loadBundle reads the bundle from the source the flags select. The raw
// bytes are those of the file, or the re-encoded bundle for remote sources.
func loadBundle(ctx context.Context, args []string) (*models.Bundle, []byte, error) {
	sources := 0
	for _, set := range []bool{len(args) == 1, importURL != "", importIndex != ""} {
		if set {
			sources++
		}
	}
	if sources != 1 {
		return nil, nil, fmt.Errorf("specify exactly one of a file, --url or --index")
	}

	if len(args) == 1 {
		return readBundleFile(args[0])
	}

	url := importURL
	client := newFetchClient(os.Stderr)
	if importIndex != "" {
		if importCollection == "" {
			return nil, nil, fmt.Errorf("--index requires --collection")
		}
		idx, err := client.FetchIndex(ctx, importIndex)
		if err != nil {
			return nil, nil, err
		}
		entry, ok := idx.Find(importCollection)
		if !ok {
			return nil, nil, fmt.Errorf("collection %s is not listed in %s", importCollection, importIndex)
		}
		latest := entry.Latest()
		if latest == nil || latest.URL == "" {
			return nil, nil, fmt.Errorf("collection %s has no downloadable version", importCollection)
		}
		fmt.Printf("Fetching %s version %s\n", entry.Name, latest.Version)
		url = latest.URL
	}

	bundle, err := client.FetchBundle(ctx, url)
	if err != nil {
		return nil, nil, err
	}
	raw, err := json.Marshal(bundle)
	if err != nil {
		return nil, nil, fmt.Errorf("encode bundle: %w", err)
	}
	return bundle, raw, nil
}

// readBundleFile reads and parses a bundle file, inflating it when the
// name ends in .gz.
func readBundleFile(path string) (*models.Bundle, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, nil, fmt.Errorf("decompress %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	var bundle models.Bundle
	if err := json.Unmarshal(raw, &bundle); err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &bundle, raw, nil
}

func printImportSummary(coll *models.Object, persisted bool) {
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	red := color.New(color.FgRed)

	name := coll.Stix.Name()
	if persisted {
		green.Printf("Imported %s ", name)
	} else {
		yellow.Printf("Checked %s ", name)
	}
	fmt.Printf("(%s @ %s)\n", coll.Stix.ID, coll.Stix.Modified)
	if coll.Workspace.ImportID != "" && persisted {
		fmt.Printf("Import ID: %s\n", coll.Workspace.ImportID)
	}

	cats := coll.Workspace.ImportCategories
	if cats == nil {
		return
	}
	fmt.Println()
	printCategory(green, "additions", cats.Additions)
	printCategory(yellow, "changes", cats.Changes)
	printCategory(cyan, "duplicates", cats.Duplicates)

	red.Printf("  %-11s %d\n", "errors", len(cats.Errors))
	if importVerbose || len(cats.Errors) <= 10 {
		for _, e := range cats.Errors {
			fmt.Printf("        %s %s: %s\n", e.ObjectRef, e.ErrorType, e.ErrorMessage)
		}
	}
}

func printCategory(c *color.Color, label string, refs []string) {
	c.Printf("  %-11s %d\n", label, len(refs))
	if importVerbose {
		for _, ref := range refs {
			fmt.Printf("        %s\n", ref)
		}
	}
}

func printRejection(message string, be *models.BundleErrors, oe *models.ObjectErrors) {
	red := color.New(color.FgRed)
	red.Printf("Import rejected: %s\n", message)

	if be != nil {
		if be.NoCollection {
			fmt.Println("  bundle has no x-mitre-collection object")
		}
		if be.MoreThanOneCollection {
			fmt.Println("  bundle has more than one x-mitre-collection object")
		}
		if be.DuplicateCollection {
			fmt.Println("  collection was already imported (use --force duplicate-collection)")
		}
	}
	if oe == nil {
		return
	}
	s := oe.Summary
	if s.DuplicateObjectInBundleCount > 0 {
		fmt.Printf("  %d duplicate objects in bundle\n", s.DuplicateObjectInBundleCount)
	}
	if s.InvalidAttackSpecVersionCount > 0 {
		fmt.Printf("  %d objects with an invalid ATT&CK spec version (use --force attack-spec-version-violations)\n", s.InvalidAttackSpecVersionCount)
	}
	if s.MissingAttackSpecVersionCount > 0 {
		fmt.Printf("  %d objects without an ATT&CK spec version\n", s.MissingAttackSpecVersionCount)
	}
	for i, e := range oe.Errors {
		if i == 20 && !importVerbose {
			fmt.Printf("  ... %d more (use -v)\n", len(oe.Errors)-i)
			break
		}
		fmt.Printf("    %s %s\n", e.ObjectRef, e.ErrorType)
	}
}
