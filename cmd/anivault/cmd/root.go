// Package cmd implements the CLI commands for anivault.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/danantara/anivault/internal/config"
	"github.com/danantara/anivault/internal/observability"
	"github.com/danantara/anivault/internal/version"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "anivault",
	Short:   "Anime aggregation and media archival API",
	Version: version.Short(),
	Long: `anivault aggregates anime metadata and streams from scraped providers,
maps provider entries onto MyAnimeList identities, and serves a JSON API
for discovery and playback.

Configuration is read from a YAML file, environment variables with the
ANIVAULT_ prefix, and command-line flags, in increasing precedence.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// These flags are NOT bound to viper. We check Changed() and only then
	// override the config/env values, preserving the priority:
	// CLI flag > env var > config file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ., ./configs, /etc/anivault, $HOME/.anivault)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// loadConfig loads the configuration and applies CLI flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if rootCmd.PersistentFlags().Changed("log-level") {
		cfg.Logging.Level, _ = rootCmd.PersistentFlags().GetString("log-level")
	}
	if rootCmd.PersistentFlags().Changed("log-format") {
		cfg.Logging.Format, _ = rootCmd.PersistentFlags().GetString("log-format")
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)

	return cfg, nil
}

// initLogging builds the process logger and installs it as the slog default.
func initLogging(cfg config.LoggingConfig) *slog.Logger {
	logger := observability.NewLoggerWithWriter(cfg, os.Stderr)
	logger = observability.WithApp(logger, "anivault")
	observability.SetDefault(logger)
	return logger
}
