package main

import (
	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

type statsOutput struct {
	Raw      store.RawStats      `json:"raw"`
	Unpaired store.UnpairedStats `json:"unpaired"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print raw store and unpaired device statistics",
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

		var out statsOutput
		if out.Raw, err = a.raw.Stats(ctx); err != nil {
			return err
		}
		if out.Unpaired, err = a.tracker.Stats(ctx); err != nil {
			return err
		}
		return printJSON(cmd, out)
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
