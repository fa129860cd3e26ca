package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive and delete processed raw messages past retention.max_age",
	Long: `sweep runs one retention pass regardless of retention.enabled.
Rows are archived to retention.archive_bucket first when one is configured;
unprocessed rows are never deleted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log.Logger)
		if err != nil {
			return err
		}
		defer a.close()

		sweeper, err := a.newSweeper(ctx)
		if err != nil {
			return err
		}
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
