package main

import (
	"encoding/json"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one processing batch and print the result",
	Example: `  gateway process --limit 500
  gateway process --config ./gateway.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		ctx := cmd.Context()

		a, err := newApp(ctx, cfg, log.Logger)
		if err != nil {
			return err
		}
		defer a.close()
		proc, err := a.newProcessor(ctx)
		if err != nil {
			return err
		}
		result, err := proc.RunBatch(ctx, limit)
		if err != nil {
			return err
		}
		return printJSON(cmd, result)
	},
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	processCmd.Flags().Int("limit", 0, "Maximum rows to claim (0 uses processor.batch_limit)")
	rootCmd.AddCommand(processCmd)
}
