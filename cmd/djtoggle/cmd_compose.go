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
	"strings"

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/AleutianAI/djtoggle/services/mixer/pattern"
	"github.com/spf13/cobra"
)

func runCompose(cmd *cobra.Command, args []string) error {
	state, err := parseAssignments(args)
	if err != nil {
		return err
	}

	table := pattern.DefaultTable()
	path := composeFile
	if path == "" {
		path = config.Global.Pattern.TablePath
	}
	if path != "" {
		table, err = pattern.LoadTableFile(config.ExpandPath(path))
		if err != nil {
			return err
		}
	}

	expr, err := pattern.NewCompositor(table).Compose(state)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), expr)
	return nil
}

// parseAssignments turns "track=variant" arguments into a flag state.
func parseAssignments(args []string) (flags.State, error) {
	state := make(flags.State, len(args))
	for _, arg := range args {
		track, variant, ok := strings.Cut(arg, "=")
		if !ok || track == "" {
			return nil, fmt.Errorf("invalid assignment %q, want track=variant", arg)
		}
		state[track] = variant
	}
	return state, nil
}
