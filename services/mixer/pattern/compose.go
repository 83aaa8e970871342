// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pattern turns resolved flag values into a composite audio pattern
// and schedules it on an engine.
//
//	flags.State ──Compose──▶ Expression ──Player──▶ Engine.SetPattern
//
// Composition is a pure lookup in a Table of fragments: each track
// contributes the fragment for its resolved variant, or its default
// fragment when the value is missing or unknown, and all fragments are
// played together inside stack(...).
package pattern

import (
	"fmt"
	"strings"
	"sync"

	"github.com/AleutianAI/djtoggle/services/mixer/flags"
)

// Expression is a composite pattern in the audio engine's pattern language.
type Expression string

// String returns the expression text.
func (e Expression) String() string {
	return string(e)
}

// CompositionError reports a fragment that cannot be composed.
type CompositionError struct {
	// Track is the track being composed, if known.
	Track string

	// Variant is the variant whose fragment failed, if known.
	Variant string

	// Reason describes the problem.
	Reason string
}

func (e *CompositionError) Error() string {
	var b strings.Builder
	b.WriteString("compose pattern")
	if e.Track != "" {
		fmt.Fprintf(&b, ": track %s", e.Track)
	}
	if e.Variant != "" {
		fmt.Fprintf(&b, " variant %s", e.Variant)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Composer maps a flag state to a composite expression.
type Composer interface {
	Compose(state flags.State) (Expression, error)
}

// Compositor composes patterns from a Table.
//
// # Thread Safety
//
// Compose and SetTable are safe for concurrent use. Compose always sees a
// complete table.
type Compositor struct {
	mu    sync.RWMutex
	table Table
}

// NewCompositor creates a compositor over table. The table is copied.
func NewCompositor(table Table) *Compositor {
	return &Compositor{table: table.Clone()}
}

// SetTable swaps the table after validating it. The previous table stays
// in place when validation fails.
func (c *Compositor) SetTable(table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.table = table.Clone()
	c.mu.Unlock()
	return nil
}

// Table returns a copy of the current table.
func (c *Compositor) Table() Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.table.Clone()
}

// Compose builds the composite expression for state.
//
// # Description
//
// For each track in table order the fragment of state[track] is used; a
// missing or unknown value falls back to the track's default variant. Keys
// in state that name no table track are ignored, so any state whose values
// are all unknown composes to the same expression as an empty state.
//
// # Outputs
//
//   - Expression: stack(f1, f2, ...) in table order.
//   - error: *CompositionError if a selected fragment is malformed or a
//     track has no default fragment.
func (c *Compositor) Compose(state flags.State) (Expression, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.table.Tracks) == 0 {
		return "", &CompositionError{Reason: "table has no tracks"}
	}

	fragments := make([]string, 0, len(c.table.Tracks))
	for _, tr := range c.table.Tracks {
		variant := state[tr.ID]
		fragment, ok := tr.Variants[variant]
		if !ok {
			variant = tr.DefaultID()
			fragment, ok = tr.Variants[variant]
			if !ok {
				return "", &CompositionError{Track: tr.ID, Variant: variant, Reason: "no default fragment"}
			}
		}
		if reason := checkFragment(fragment); reason != "" {
			return "", &CompositionError{Track: tr.ID, Variant: variant, Reason: reason}
		}
		fragments = append(fragments, fragment)
	}
	return Expression("stack(" + strings.Join(fragments, ", ") + ")"), nil
}
