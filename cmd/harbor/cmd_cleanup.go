package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCleanupCmd creates the "harbor cleanup" subcommand.
func newCleanupCmd() *cobra.Command {
	var hours int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Sweep stale agents, expired claims, and expired messages",
		Long: `Idempotently cleans up coordination state: marks agents with stale
heartbeats failed, releases their claims, closes their open
announcements, and garbage-collects expired claims and messages.

Safe to run anytime. If nothing is stale, reports "nothing to clean".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ctx := cmd.Context()
			w := cmd.OutOrStdout()
			cleaned := false

			cutoff := e.reg.StaleCutoff(e.cfg.HeartbeatInterval)
			if hours > 0 {
				cutoff = e.reg.HourCutoff(hours)
			}
			stale, err := e.reg.CleanupStale(ctx, cutoff)
			if err != nil {
				return err
			}
			if stale > 0 {
				fmt.Fprintf(w, "marked %d stale agent(s) failed\n", stale)
				cleaned = true
			}

			claims, err := e.claims.DeleteExpired(ctx)
			if err != nil {
				return err
			}
			if claims > 0 {
				fmt.Fprintf(w, "deleted %d expired claim(s)\n", claims)
				cleaned = true
			}

			msgs, err := e.bus.DeleteExpired(ctx)
			if err != nil {
				return err
			}
			if msgs > 0 {
				fmt.Fprintf(w, "deleted %d expired message(s)\n", msgs)
				cleaned = true
			}

			if !cleaned {
				fmt.Fprintln(w, "nothing to clean")
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&hours, "stale-hours", 0, "treat agents silent for this many hours as stale (overrides heartbeat-based cutoff)")
	return cmd
}
