// Package cli implements the command-line interface for stixwb.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/archive"
	"github.com/kilupskalvis/stixwb/internal/config"
	"github.com/kilupskalvis/stixwb/internal/core"
	"github.com/kilupskalvis/stixwb/internal/store"
)

var configPath string

// cmdContext holds common resources for CLI commands
type cmdContext struct {
	Config *config.Config
	Store  store.ObjectStore
	Logger *slog.Logger
}

// Close releases resources held by cmdContext
func (c *cmdContext) Close() {
	if c.Store != nil {
		c.Store.Close()
	}
}

// loadConfig loads the configuration and builds the logger (no store)
func loadConfig() *cmdContext {
	cfg, err := config.Load(configPath)
	if err != nil {
		exitError("%v", err)
	}
	return &cmdContext{Config: cfg, Logger: newLogger(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stderr)}
}

// initContext loads the configuration and opens the object store
func initContext() *cmdContext {
	c := loadConfig()

	if err := os.MkdirAll(filepath.Dir(c.Config.Store.Path), 0755); err != nil {
		exitError("failed to create data directory: %v", err)
	}

	st, err := store.Open(c.Config.Store.Driver, c.Config.Store.Path)
	if err != nil {
		exitError("failed to open store: %v", err)
	}
	c.Store = st

	return c
}

// validator builds the bundle validator for the configured spec version
func (c *cmdContext) validator() *core.Validator {
	v, err := core.NewValidator(c.Config.Attack.SpecVersion)
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	return v
}

// archive opens the configured bundle archive, or returns nil when archiving
// is disabled
func (c *cmdContext) archive() archive.BundleArchive {
	if c.Config.Store.ArchiveDir == "" {
		return nil
	}
	a, err := archive.NewFSArchive(c.Config.Store.ArchiveDir)
	if err != nil {
		c.Close()
		exitError("%v", err)
	}
	return a
}

var rootCmd = &cobra.Command{
	Use:   "stixwb",
	Short: "STIX collection workbench",
	Long: `stixwb imports ATT&CK collection bundles into a versioned object store,
reports what each import adds, changes or rejects, and exports collections
and whole domains back out as STIX 2.1 bundles.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("STIXWB_CONFIG"),
		"Config file, TOML or YAML by extension (env: STIXWB_CONFIG)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(collectionsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(archiveCmd)
}

// newLogger builds a slog logger for the given level and format.
func newLogger(levelName, format string, w *os.File) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// exitError prints an error and exits
func exitError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// envOrDefault returns the value of the environment variable key, or defaultVal if unset.
func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
