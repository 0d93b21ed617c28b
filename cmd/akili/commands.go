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
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/akili/pkg/config"
	"github.com/AleutianAI/akili/pkg/logging"
	"github.com/AleutianAI/akili/services/orchestrator/conversation"
)

// cli holds state shared by every subcommand for one invocation.
type cli struct {
	configPath string
	initConfig bool

	cfg    config.Config
	logger *logging.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	rootCmd := &cobra.Command{
		Use:   "akili",
		Short: "Streaming LLM relay with persistent conversations",
		Long: `Akili relays prompts to an inference backend, streams the generated
text back to the client as it arrives, and stores both sides of every
exchange in a relational conversation store.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.load,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.logger != nil {
				_ = c.logger.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", config.DefaultPath, "path to the YAML config file")

	rootCmd.AddCommand(
		newServeCmd(c),
		newMaintenanceCmd(c),
		newConversationsCmd(c),
	)
	return rootCmd
}

func (c *cli) load(cmd *cobra.Command, args []string) error {
	if c.initConfig {
		if err := config.WriteDefault(c.configPath); err != nil {
			slog.Warn("Default config not written", "path", c.configPath, "error", err)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Wrote default config to %s\n", c.configPath)
		}
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logCfg := cfg.LoggingConfig("akili")
	logCfg.Output = cmd.ErrOrStderr()
	c.logger = logging.New(logCfg)
	slog.SetDefault(c.logger.Slog())
	return nil
}

// openStore opens the configured database for one-shot commands.
func (c *cli) openStore() (*conversation.GormStore, func(), error) {
	db, err := conversation.OpenDB(c.cfg.DBConfig())
	if err != nil {
		return nil, nil, fmt.Errorf("open conversation store: %w", err)
	}
	closeFn := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return conversation.NewGormStore(db), closeFn, nil
}
