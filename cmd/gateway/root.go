package main

import (
	"os"
	"time"

	"github.com/illmade-knight/iot-gateway/services/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Telemetry ingestion gateway",
	Long: `gateway listens to device telemetry over MQTT or NATS, stores every
message in the raw inbox and converts telemetry rows into readings.

Run "gateway serve" for the long-running service, or the other commands
for one-off operations against the same database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		consoleWriter := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(consoleWriter).With().Timestamp().Logger()

		logLevel, _ := cmd.Flags().GetString("log-level")
		level, err := zerolog.ParseLevel(logLevel)
		if err != nil || level == zerolog.NoLevel {
			log.Warn().Str("provided_level", logLevel).Msg("Invalid log level provided. Defaulting to 'info'.")
			level = zerolog.InfoLevel
		}
		zerolog.SetGlobalLevel(level)
		log.Debug().Msg("Logger initialized.")
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	config.RegisterFlags(rootCmd.PersistentFlags())
}

// loadConfig reads and validates the configuration for cmd.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig(cmd.Flags())
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
