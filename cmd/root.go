// Package cmd defines the locomote CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/locomote-sh/server/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "locomote",
	Short: "Locomote content publishing server",
	Long: `Locomote publishes content stored in bare git repositories over
HTTP: file contents, incremental manifests, fileset archives and
full-text search, all scoped to account/repo/branch.`,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to locomote.hcl")
}

// loadConfig resolves the --config flag, falling back to ./locomote.hcl
// and then to built-in defaults.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	if _, err := os.Stat("locomote.hcl"); err == nil {
		return config.Load("locomote.hcl")
	}
	return config.Default(), nil
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
