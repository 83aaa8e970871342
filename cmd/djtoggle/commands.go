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

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/pkg/logging"
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string

	voteValue   string
	tracksURL   string
	tracksAll   bool
	composeFile string

	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:   "djtoggle",
		Short: "Audience-steered live music driven by feature flags",
		Long: `djtoggle lets an audience vote on musical variants of a live
performance. Votes are negotiated against LaunchDarkly and the winning
variants are composed into the playing pattern.`,
		SilenceUsage:       true,
		PersistentPreRunE:  setup,
		PersistentPostRunE: teardown,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the config proxy, the mixer and the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe, // Defined in cmd_serve.go
	}

	voteCmd = &cobra.Command{
		Use:   "vote <track> <option>",
		Short: "Negotiate one vote against the flag service",
		Args:  cobra.ExactArgs(2),
		RunE:  runVote, // Defined in cmd_vote.go
	}

	tracksCmd = &cobra.Command{
		Use:   "tracks",
		Short: "Fetch and print the voteable track catalog",
		Args:  cobra.NoArgs,
		RunE:  runTracks, // Defined in cmd_tracks.go
	}

	composeCmd = &cobra.Command{
		Use:   "compose [track=variant ...]",
		Short: "Print the composite pattern for a set of variants",
		RunE:  runCompose, // Defined in cmd_compose.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.djtoggle/djtoggle.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	voteCmd.Flags().StringVar(&voteValue, "value", "", "flag value that counts as a match (default: any)")

	tracksCmd.Flags().StringVar(&tracksURL, "url", "", "config endpoint to read instead of the LaunchDarkly API")
	tracksCmd.Flags().BoolVar(&tracksAll, "all", false, "include silence options")

	composeCmd.Flags().StringVar(&composeFile, "table", "", "pattern table YAML (default: built-in table)")

	rootCmd.AddCommand(serveCmd, voteCmd, tracksCmd, composeCmd)
}

// setup loads the config and the logger before any command runs.
func setup(cmd *cobra.Command, _ []string) error {
	if err := config.Load(configPath); err != nil {
		return err
	}
	cfg := config.Global

	levelName := cfg.Logging.Level
	if logLevel != "" {
		levelName = logLevel
	}
	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return err
	}

	logDir := ""
	if cmd.Name() == "serve" {
		logDir = cfg.Logging.Dir
	}
	logger = logging.New(logging.Config{
		Level:   level,
		LogDir:  logDir,
		Service: "djtoggle",
		Format:  format,
	})
	slog.SetDefault(logger.Slog())
	return nil
}

func teardown(*cobra.Command, []string) error {
	if logger == nil {
		return nil
	}
	if err := logger.Close(); err != nil {
		return fmt.Errorf("close logger: %w", err)
	}
	return nil
}
