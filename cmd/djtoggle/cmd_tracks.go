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
	"context"
	"net/http"

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/mixer/configsync"
	"github.com/spf13/cobra"
)

func runTracks(cmd *cobra.Command, _ []string) error {
	cfg := config.Global

	var source configsync.Source
	if tracksURL != "" {
		source = configsync.NewHTTPSource(tracksURL, &http.Client{Timeout: configFetchTimeout})
	} else {
		p := newProxy(cfg, logger.Slog(), nil)
		defer p.Close()
		source = catalogSource(cfg, p)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), configFetchTimeout)
	defer cancel()

	c, err := source.Fetch(ctx)
	if err != nil {
		return err
	}
	if !tracksAll {
		c = catalog.FilterSilence(c)
	}
	renderCatalog(cmd.OutOrStdout(), c)
	return nil
}
