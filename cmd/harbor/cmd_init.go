package main

import (
	"fmt"
	"os"

	"harbor/pkg/config"
	"harbor/pkg/store"

	"github.com/spf13/cobra"
)

// newInitCmd creates the "harbor init" subcommand.
func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize .harbor state in the current repository",
		Long:  "Creates the .harbor directory, the coordination database with its\nschema, and a commented starter config.yaml.\n\nUse --force to overwrite an existing config.yaml.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}

			if err := os.MkdirAll(paths.HarborDir, 0o750); err != nil {
				return fmt.Errorf("create %s: %w", paths.HarborDir, err)
			}

			db, err := store.Open(paths.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if force {
				if err := os.Remove(paths.ConfigPath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("remove old config: %w", err)
				}
			}
			if err := config.WriteDefault(paths.ConfigPath); err != nil {
				if force {
					return err
				}
				// Re-running init against an initialized repo is fine.
				fmt.Fprintf(cmd.OutOrStdout(), "keeping existing %s\n", paths.ConfigPath)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", paths.HarborDir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config.yaml")
	return cmd
}
