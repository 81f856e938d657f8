// Command stixwb imports and exports ATT&CK collection bundles.
package main

import (
	"os"

	"github.com/kilupskalvis/stixwb/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
