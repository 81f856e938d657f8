package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilupskalvis/stixwb/internal/config"
)

var (
	configForce bool
	configYAML  bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage stixwb configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a configuration file with default values",
	Long: `Write a configuration file with default values. The format follows the
file extension: .yaml or .yml for YAML, anything else for TOML.

Examples:
  stixwb config init
  stixwb config init /etc/stixwb/stixwb.yaml`,
	Args: cobra.MaximumNArgs(1),
	Run:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		c := loadConfig()
		if c.Config.Server.AuthToken != "" {
			c.Config.Server.AuthToken = "********"
		}
		if c.Config.Server.WebhookSecret != "" {
			c.Config.Server.WebhookSecret = "********"
		}
		data, err := c.Config.Marshal(configYAML)
		if err != nil {
			exitError("%v", err)
		}
		os.Stdout.Write(data)
	},
}

func init() {
	configCmd.AddCommand(configInitCmd, configShowCmd)
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configShowCmd.Flags().BoolVar(&configYAML, "yaml", false, "Print as YAML instead of TOML")
}

func runConfigInit(cmd *cobra.Command, args []string) {
	path := filepath.Join(config.DefaultDataDir(), "stixwb.toml")
	if len(args) == 1 {
		path = args[0]
	}

	if _, err := os.Stat(path); err == nil && !configForce {
		exitError("%s already exists (use --force to overwrite)", path)
	}

	if err := config.Default().Save(path); err != nil {
		exitError("failed to write config: %v", err)
	}
	fmt.Printf("Wrote default configuration to %s\n", path)
}
