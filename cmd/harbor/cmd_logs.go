package main

import (
	"fmt"
	"time"

	"harbor/pkg/eventlog"
	"harbor/pkg/store"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "harbor logs" subcommand.
func newLogsCmd() *cobra.Command {
	var (
		agentID   string
		eventType string
		since     time.Duration
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the coordination event log",
		Long:  "Displays engine events (registrations, claims, overlaps, batches),\nnewest first. Filter by agent, event type, or age.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			// Read-only open: logs must work while a watch daemon holds
			// the main connection.
			db, err := store.OpenReadOnly(paths.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			opts := eventlog.QueryOpts{AgentID: agentID, EventType: eventType, Limit: limit}
			if since > 0 {
				cutoff := time.Now().Add(-since)
				opts.Since = &cutoff
			}

			events, err := eventlog.Query(cmd.Context(), db, opts)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if len(events) == 0 {
				fmt.Fprintln(w, "no events")
				return nil
			}
			r := newRenderer()
			for _, e := range events {
				line := fmt.Sprintf("%s  %-18s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type)
				if e.AgentID != "" {
					line += "  " + e.AgentID
				}
				if e.Resource != "" {
					line += "  " + e.Resource
				}
				if e.Payload != "" {
					line += "  " + r.muted(e.Payload)
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentID, "agent", "", "only events for this agent id")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type, e.g. claim_denied")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this, e.g. 1h")
	cmd.Flags().IntVar(&limit, "limit", 50, "max events to show (0 = all)")
	return cmd
}
