package main

import (
	"io"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dwickyfp/rosetta/internal/config"
)

var (
	logging   config.LoggingConfig
	logger    zerolog.Logger
	logOutput io.Writer
)

var rootCmd = &cobra.Command{
	Use:   "rosetta",
	Short: "CDC replication hub",
	Long: `rosetta reads a logical replication stream from a source PostgreSQL
database and fans each committed change out to analytical destinations:
Snowflake landing tables over Snowpipe Streaming and remote PostgreSQL
targets through DuckDB. Pipelines, sync rules, and runtime health live in a
control database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; the environment wins over it.
		_ = godotenv.Load()

		switch logging.Format {
		case "json":
			logOutput = os.Stdout
		default:
			logOutput = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		}
		logger = zerolog.New(logOutput).With().Timestamp().Logger()

		level, err := zerolog.ParseLevel(logging.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger = logger.Level(level)

		return nil
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&logging.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	f.StringVar(&logging.Format, "log-format", "console", "Log format (console, json)")
}
