package main

import (
	"fmt"
	"time"

	"github.com/illmade-knight/iot-gateway/pkg/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var unpairedCmd = &cobra.Command{
	Use:   "unpaired",
	Short: "Inspect and resolve devices that are not provisioned",
}

var unpairedListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked devices, most recently seen first",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return withTracker(cmd, func(tracker *store.UnpairedTracker) error {
			devices, err := tracker.List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, d := range devices {
				fmt.Fprintf(w, "%-24s %-8s seen=%-6d last=%s topic=%s\n",
					d.HardwareID, d.Status, d.SeenCount, d.LastSeenAt.UTC().Format(time.RFC3339), d.LastTopic)
			}
			return nil
		})
	},
}

var unpairedPairCmd = &cobra.Command{
	Use:     "pair <hardware-id>",
	Short:   "Create a node for a device and mark it paired",
	Args:    cobra.ExactArgs(1),
	Example: `  gateway unpaired pair AB12C-FF01 --project 3f1c... --model 9a2e...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req store.PairRequest
		req.ProjectID, _ = cmd.Flags().GetString("project")
		req.NodeModelID, _ = cmd.Flags().GetString("model")
		req.ProfileID, _ = cmd.Flags().GetString("profile")
		req.Code, _ = cmd.Flags().GetString("code")
		return withTracker(cmd, func(tracker *store.UnpairedTracker) error {
			node, err := tracker.Pair(cmd.Context(), args[0], req)
			if err != nil {
				return err
			}
			return printJSON(cmd, node)
		})
	},
}

var unpairedIgnoreCmd = &cobra.Command{
	Use:   "ignore <hardware-id>",
	Short: "Stop tracking a device as pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withTracker(cmd, func(tracker *store.UnpairedTracker) error {
			if err := tracker.Ignore(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s ignored\n", args[0])
			return nil
		})
	},
}

func withTracker(cmd *cobra.Command, fn func(*store.UnpairedTracker) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	a, err := newApp(cmd.Context(), cfg, log.Logger)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a.tracker)
}

func init() {
	unpairedListCmd.Flags().String("status", "", "Filter by status (pending, paired, ignored)")
	unpairedListCmd.Flags().Int("limit", 50, "Maximum devices to list (0 for all)")

	unpairedPairCmd.Flags().String("project", "", "Project id the node belongs to")
	unpairedPairCmd.Flags().String("model", "", "Node model id, when the device record has none")
	unpairedPairCmd.Flags().String("profile", "", "Node profile id")
	unpairedPairCmd.Flags().String("code", "", "Node code (defaults to Node-<first 8 chars>)")
	_ = unpairedPairCmd.MarkFlagRequired("project")

	unpairedCmd.AddCommand(unpairedListCmd, unpairedPairCmd, unpairedIgnoreCmd)
	rootCmd.AddCommand(unpairedCmd)
}
