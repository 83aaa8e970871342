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
	"errors"

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/services/mixer/identity"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/spf13/cobra"
)

// errVoteFailed makes the process exit non-zero after the outcome is printed.
var errVoteFailed = errors.New("vote did not resolve to the requested option")

func runVote(cmd *cobra.Command, args []string) error {
	cfg := config.Global
	log := logger.Slog()

	flagClient, err := newFlagClient(cfg, log)
	if err != nil {
		return err
	}

	store, closeStore, err := openSessionStore(cfg, log)
	if err != nil {
		log.Warn("session store unavailable, using an in-memory session", "error", err)
		store, closeStore = nil, func() {}
	}
	defer closeStore()

	n := negotiator.New(flagClient, identity.NewManager(store, log), negotiatorConfig(cfg))
	out := n.Negotiate(cmd.Context(), negotiator.Vote{
		Track:  args[0],
		Option: args[1],
		Value:  voteValue,
	})
	renderOutcome(cmd.OutOrStdout(), out)

	switch out.Result {
	case negotiator.ResultMatched, negotiator.ResultUnconditional:
		return nil
	default:
		cmd.SilenceErrors = true
		return errVoteFailed
	}
}
