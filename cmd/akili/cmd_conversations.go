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
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/akili/services/orchestrator/conversation"
)

func newConversationsCmd(c *cli) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Inspect stored conversations",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			convs, err := store.ListConversations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), convs)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tUPDATED")
			for _, conv := range convs {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", conv.ID, conv.Title, conv.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "maximum conversations to list (0 for all)")

	showCmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print a conversation's messages, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := uuid.Validate(id); err != nil {
				return fmt.Errorf("invalid conversation id %q", id)
			}
			store, closeFn, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeFn()

			conv, err := store.GetConversation(cmd.Context(), id)
			if err != nil {
				return err
			}
			msgs, err := store.ListMessages(cmd.Context(), id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), struct {
					Conversation *conversation.Conversation `json:"conversation"`
					Messages     []conversation.Message     `json:"messages"`
				}{conv, msgs})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s  %s\n\n", conv.ID, conv.Title)
			for _, m := range msgs {
				label := "User"
				if m.Role == conversation.RoleAssistant {
					label = "Assistant"
				}
				if m.Status != "" && m.Status != conversation.StatusComplete {
					label += " (" + string(m.Status) + ")"
				}
				fmt.Fprintf(out, "%s: %s\n\n", label, m.Content)
			}
			return nil
		},
	}

	cmd.AddCommand(listCmd, showCmd)
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
