package main

import (
	"fmt"
	"strings"

	"harbor/pkg/board"
	"harbor/pkg/protocol"

	"github.com/spf13/cobra"
)

// newWorkCmd creates the "harbor work" command group.
func newWorkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Announce and track work on the announcement board",
	}
	cmd.AddCommand(
		newWorkAnnounceCmd(),
		newWorkCompleteCmd(),
		newWorkActiveCmd(),
		newWorkOverlapsCmd(),
	)
	return cmd
}

func newWorkAnnounceCmd() *cobra.Command {
	var (
		description string
		files       []string
		minutes     int
	)

	cmd := &cobra.Command{
		Use:   "announce <agent-id> <resource> <intent>",
		Short: "Announce work and report overlaps",
		Long:  "Publishes a work announcement and prints any overlaps with other\nactive work, with conflict risk and a collaboration suggestion.\nIntents: editing, refactoring, reviewing, testing, documenting.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			intent, err := protocol.ParseIntentType(args[2])
			if err != nil {
				return err
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.board.AnnounceWork(cmd.Context(), args[0], args[1], intent, board.AnnounceOpts{
				Description:      description,
				FilesAffected:    files,
				EstimatedMinutes: minutes,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			r := newRenderer()
			fmt.Fprintf(w, "announced %s on %s\n", intent, args[1])
			if len(res.Overlaps) == 0 {
				fmt.Fprintln(w, r.muted("no overlapping work"))
				return nil
			}
			for i, ov := range res.Overlaps {
				fmt.Fprintf(w, "%s %s risk=%s\n", r.header("overlap:"), ov.Class, r.risk(ov.Risk))
				for _, other := range ov.Announcements {
					fmt.Fprintf(w, "  %s (%s) on %s\n", other.AgentName, other.IntentType, other.Resource)
				}
				if i < len(res.Suggestions) {
					s := res.Suggestions[i]
					fmt.Fprintf(w, "  suggestion: %s — %s\n", s.Mode, s.Reason)
					if len(s.MergeOrder) > 0 {
						fmt.Fprintf(w, "  merge order: %s\n", strings.Join(s.MergeOrder, " -> "))
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&description, "description", "", "what the work is about")
	cmd.Flags().StringSliceVar(&files, "file", nil, "specific file affected (repeatable)")
	cmd.Flags().IntVar(&minutes, "minutes", 0, "estimated minutes to completion")
	return cmd
}

func newWorkCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <agent-id> <resource>",
		Short: "Mark announced work complete",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()
			return e.board.CompleteWork(cmd.Context(), args[0], args[1])
		},
	}
}

func newWorkActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active",
		Short: "List all active announcements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			anns, err := e.board.GetActiveWork(cmd.Context())
			if err != nil {
				return err
			}
			printAnnouncements(cmd, anns)
			return nil
		},
	}
}

func newWorkOverlapsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overlaps <resource-pattern>",
		Short: "List active announcements matching a resource pattern",
		Long:  "Lists active announcements whose resource matches the SQL LIKE\npattern, e.g. 'src/%'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			anns, err := e.board.GetWorkOnResource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printAnnouncements(cmd, anns)
			return nil
		},
	}
}

func printAnnouncements(cmd *cobra.Command, anns []protocol.WorkAnnouncement) {
	w := cmd.OutOrStdout()
	if len(anns) == 0 {
		fmt.Fprintln(w, "no active work")
		return
	}
	r := newRenderer()
	for _, a := range anns {
		line := fmt.Sprintf("%s  %s  %s", a.AgentName, a.IntentType, a.Resource)
		if a.Description != "" {
			line += "  " + r.muted(a.Description)
		}
		fmt.Fprintln(w, line)
	}
}
