package main

import (
	"fmt"

	"harbor/pkg/protocol"

	"github.com/spf13/cobra"
)

// newClaimCmd creates the "harbor claim" command group.
func newClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Acquire and release work claims",
	}
	cmd.AddCommand(
		newClaimAcquireCmd(),
		newClaimReleaseCmd(),
		newClaimShowCmd(),
	)
	return cmd
}

func newClaimAcquireCmd() *cobra.Command {
	var shared bool

	cmd := &cobra.Command{
		Use:   "acquire <agent-id> <resource>",
		Short: "Try to claim a resource",
		Long:  "Attempts a TTL-bounded claim on the resource. Prints \"acquired\" or\n\"denied\". Denial is a normal outcome, not an error; the exit code is\nnonzero on denial so scripts can branch on it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			claimType := protocol.ClaimExclusive
			if shared {
				claimType = protocol.ClaimShared
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			ok, err := e.claims.Claim(cmd.Context(), args[0], args[1], claimType)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "denied")
				return fmt.Errorf("resource %s is already claimed", args[1])
			}
			fmt.Fprintln(cmd.OutOrStdout(), "acquired")
			return nil
		},
	}

	cmd.Flags().BoolVar(&shared, "shared", false, "acquire a shared claim instead of exclusive")
	return cmd
}

func newClaimReleaseCmd() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "release <agent-id> [resource]",
		Short: "Release a claim, or all of an agent's claims with --all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			if all {
				return e.claims.ReleaseAll(cmd.Context(), args[0])
			}
			if len(args) != 2 {
				return fmt.Errorf("resource required unless --all is given")
			}
			return e.claims.Release(cmd.Context(), args[0], args[1])
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "release every claim held by the agent")
	return cmd
}

func newClaimShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [resource]",
		Short: "Show live claims, optionally for one resource",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			var (
				claims []protocol.WorkClaim
				err2   error
			)
			if len(args) == 1 {
				claims, err2 = e.claims.Get(cmd.Context(), args[0])
			} else {
				claims, err2 = e.claims.Active(cmd.Context())
			}
			if err2 != nil {
				return err2
			}

			w := cmd.OutOrStdout()
			if len(claims) == 0 {
				fmt.Fprintln(w, "no live claims")
				return nil
			}
			r := newRenderer()
			for _, c := range claims {
				fmt.Fprintf(w, "%s  %s  %s  %s\n", c.Resource, c.AgentID, c.ClaimType, r.muted("expires "+c.ExpiresAt))
			}
			return nil
		},
	}
}
