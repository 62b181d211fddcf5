// Package cmd wires configuration, logging, storage, and telemetry into
// the apivet CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/core"
	"github.com/apivet/apivet/internal/database"
	"github.com/apivet/apivet/internal/logger"
)

var (
	cfg   *config.Config
	log   *logger.Logger
	store core.HistoryStore
)

var rootCmd = &cobra.Command{
	Use:   "apivet",
	Short: "API security scanner for OpenAPI-described services",
	Long: `apivet analyzes an API against its OpenAPI specification:

  1. Static analysis of the specification (OWASP API Security Top 10 rules)
  2. Dynamic probing of the live API (BOLA, injection, rate limiting,
     business flow abuse, third-party integration handling)
  3. Contract validation (documented vs. observed responses)
  4. Optional AI triage of the findings

COMMANDS:
  apivet serve                  - Start the REST API server
  apivet scan <spec-url>        - Run one scan and print the results
  apivet history                - List past scans`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		store, err = database.NewStore(cfg.Database, log)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync errors on stdout/stderr are expected on Linux.
			_ = log.Sync()
		}
		if store != nil {
			if err := store.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: failed to close database: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindEnv("logger.level", "APIVET_LOG_LEVEL")
	viper.BindEnv("logger.format", "APIVET_LOG_FORMAT")

	// Database configuration
	rootCmd.PersistentFlags().String("db-driver", "sqlite3", "database driver (sqlite3, postgres)")
	rootCmd.PersistentFlags().String("db-dsn", "apivet.db", "database connection string")
	viper.BindPFlag("database.driver", rootCmd.PersistentFlags().Lookup("db-driver"))
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))
	viper.BindEnv("database.driver", "APIVET_DATABASE_DRIVER")
	viper.BindEnv("database.dsn", "APIVET_DATABASE_DSN", "DATABASE_URL")

	// Probe pacing
	rootCmd.PersistentFlags().Duration("probe-base-delay", 0, "base delay between probes (default 100ms)")
	viper.BindPFlag("ratelimit.base_delay", rootCmd.PersistentFlags().Lookup("probe-base-delay"))
	viper.BindEnv("ratelimit.base_delay", "APIVET_PROBE_BASE_DELAY")

	// Target auth and AI keys come from the environment only, never flags.
	viper.BindEnv("auth.token_url", "APIVET_AUTH_TOKEN_URL")
	viper.BindEnv("auth.client_id", "APIVET_AUTH_CLIENT_ID")
	viper.BindEnv("auth.client_secret", "APIVET_AUTH_CLIENT_SECRET")
	viper.BindEnv("ai.api_url", "APIVET_AI_API_URL")
	viper.BindEnv("ai.api_key", "APIVET_AI_API_KEY")
	viper.BindEnv("ai.model", "APIVET_AI_MODEL")
	viper.BindEnv("ai.enabled", "APIVET_AI_ENABLED")

	viper.BindEnv("telemetry.enabled", "APIVET_TELEMETRY_ENABLED")
	viper.BindEnv("telemetry.endpoint", "APIVET_TELEMETRY_ENDPOINT")
}

func initConfig() error {
	// No YAML files - configuration from flags + env vars only
	viper.AutomaticEnv()
	viper.SetEnvPrefix("APIVET")

	cfg = config.Default()
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.ApplyDefaults()
	return nil
}
