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
	"io"
	"strings"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/charmbracelet/lipgloss"
)

var (
	colorTeal    = lipgloss.Color("#20B9B4")
	colorSuccess = lipgloss.Color("#2CD7C7")
	colorWarning = lipgloss.Color("#F4D03F")
	colorError   = lipgloss.Color("#E74C3C")
	colorMuted   = lipgloss.Color("#2C4A54")

	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorTeal)
	successStyle = lipgloss.NewStyle().Foreground(colorSuccess)
	warningStyle = lipgloss.NewStyle().Foreground(colorWarning)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorTeal).
			Padding(0, 1)
)

// renderCatalog lists tracks and their options, one box per track.
func renderCatalog(w io.Writer, c catalog.Catalog) {
	if len(c) == 0 {
		fmt.Fprintln(w, mutedStyle.Render("no voteable tracks"))
		return
	}
	boxes := make([]string, 0, len(c))
	for _, t := range c {
		var b strings.Builder
		b.WriteString(titleStyle.Render(t.Title))
		b.WriteString(mutedStyle.Render(" (" + t.ID + ")"))
		for _, o := range t.Options {
			b.WriteString("\n  ")
			b.WriteString(o.ID)
			b.WriteString("  ")
			b.WriteString(o.Name)
			if o.Value != "" && o.Value != o.Name {
				b.WriteString(mutedStyle.Render(" = " + o.Value))
			}
		}
		boxes = append(boxes, boxStyle.Render(b.String()))
	}
	fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, boxes...))
}

// renderOutcome prints one negotiation outcome.
func renderOutcome(w io.Writer, out negotiator.Outcome) {
	var status string
	switch out.Result {
	case negotiator.ResultMatched, negotiator.ResultUnconditional:
		status = successStyle.Render("✓ " + out.Result.String())
	case negotiator.ResultExhausted:
		status = warningStyle.Render("⚠ " + out.Result.String())
	default:
		status = errorStyle.Render("✗ " + out.Result.String())
	}
	fmt.Fprintf(w, "%s %s/%s after %d attempt(s)\n", status, out.Track, out.Option, out.Attempts)
	if out.Evaluated != "" {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("evaluated:"), out.Evaluated)
	}
	if out.Err != nil {
		fmt.Fprintf(w, "  %s %v\n", mutedStyle.Render("error:"), out.Err)
	}
}
