// Package main is the ivfsync CLI entry point.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hyperjump/ivfsync/internal/config"
	"github.com/hyperjump/ivfsync/internal/storage"
	"github.com/hyperjump/ivfsync/internal/syncer"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/ivfsync/config.yaml"

var _ syncer.Source = (*storage.SQLiteSource)(nil)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "ivfsync",
	Short: "Keep an IVF-PQ vector index in sync with a record database",
	Long: `ivfsync embeds published records from a SQLite database into an on-disk
IVF-PQ index, keeps the index up to date as records are added, and serves
nearest-neighbor search over HTTP.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default $"+config.EnvConfigPath+" or "+defaultConfigPath+")")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		initCmd,
		bootstrapCmd,
		syncCmd,
		watchCmd,
		searchCmd,
		statusCmd,
		importCmd,
		versionCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "ivfsync version %s\n", version)
	},
}

// loadConfig loads the config named by --config, $IVFSYNC_CONFIG or the default path.
// When neither flag nor environment names one, config.yaml in the current directory
// takes precedence over the default path, so running from a project directory uses
// the project's config. A missing default config yields the built-in defaults.
// Returns the config and the path that was actually loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	path := config.ResolvePath(explicit, defaultConfigPath)
	if path == defaultConfigPath {
		if cwd, err := os.Getwd(); err == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, err := os.Stat(fallback); err == nil {
				path = fallback
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if path == defaultConfigPath && errors.Is(err, os.ErrNotExist) {
			cfg = &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
		return nil, "", err
	}
	return cfg, path, nil
}
