// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/akili/services/orchestrator/maintenance"
)

func newMaintenanceCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Run conversation store maintenance tasks once",
	}

	backfillCmd := &cobra.Command{
		Use:   "backfill-titles",
		Short: "Title untitled conversations from their first user message",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := maintenance.NewRunner(store, 0, nil).BackfillTitles(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d conversation titles\n", n)
			return nil
		},
	}

	var grace time.Duration
	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete conversations that have no messages",
		Long: `Delete every conversation with zero messages. --grace spares
conversations created within that window; the default of 0 deletes all
empty conversations.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if grace < 0 {
				return fmt.Errorf("--grace must not be negative")
			}
			store, closeFn, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := maintenance.NewRunner(store, 0, nil).CleanupEmpty(cmd.Context(), grace)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d empty conversations\n", n)
			return nil
		},
	}
	cleanupCmd.Flags().DurationVar(&grace, "grace", 0, "spare empty conversations younger than this")

	cmd.AddCommand(backfillCmd, cleanupCmd)
	return cmd
}
