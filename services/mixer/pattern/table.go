// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pattern

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultVariant is the variant used when a track does not name one.
const DefaultVariant = "option1"

// TrackTable holds the fragments of one track keyed by variant.
type TrackTable struct {
	// ID is the track id, matching a flag key.
	ID string `yaml:"id"`

	// Default is the fallback variant. Empty means DefaultVariant.
	Default string `yaml:"default,omitempty"`

	// Variants maps variant value to pattern fragment.
	Variants map[string]string `yaml:"variants"`
}

// DefaultID returns the effective fallback variant.
func (t TrackTable) DefaultID() string {
	if t.Default == "" {
		return DefaultVariant
	}
	return t.Default
}

// Table is the ordered variant to fragment table. Track order is the
// order fragments appear in the composite.
type Table struct {
	Tracks []TrackTable `yaml:"tracks"`
}

// Clone returns a deep copy of t.
func (t Table) Clone() Table {
	out := Table{Tracks: make([]TrackTable, len(t.Tracks))}
	for i, tr := range t.Tracks {
		variants := make(map[string]string, len(tr.Variants))
		for k, v := range tr.Variants {
			variants[k] = v
		}
		out.Tracks[i] = TrackTable{ID: tr.ID, Default: tr.Default, Variants: variants}
	}
	return out
}

// TrackIDs returns the track ids in composite order.
func (t Table) TrackIDs() []string {
	ids := make([]string, len(t.Tracks))
	for i, tr := range t.Tracks {
		ids[i] = tr.ID
	}
	return ids
}

// Validate checks that every track has an id, a default fragment and only
// well-formed fragments.
//
// Returns *CompositionError for the first problem found.
func (t Table) Validate() error {
	if len(t.Tracks) == 0 {
		return &CompositionError{Reason: "table has no tracks"}
	}
	seen := make(map[string]bool, len(t.Tracks))
	for _, tr := range t.Tracks {
		if tr.ID == "" {
			return &CompositionError{Reason: "track without id"}
		}
		if seen[tr.ID] {
			return &CompositionError{Track: tr.ID, Reason: "duplicate track"}
		}
		seen[tr.ID] = true

		if _, ok := tr.Variants[tr.DefaultID()]; !ok {
			return &CompositionError{Track: tr.ID, Variant: tr.DefaultID(), Reason: "no default fragment"}
		}
		for variant, fragment := range tr.Variants {
			if reason := checkFragment(fragment); reason != "" {
				return &CompositionError{Track: tr.ID, Variant: variant, Reason: reason}
			}
		}
	}
	return nil
}

// DefaultTable returns the built-in fragments of the performance.
func DefaultTable() Table {
	return Table{Tracks: []TrackTable{
		{ID: "bass", Variants: map[string]string{
			"option1": `note("c3 e3 g3 b3").s("triangle").lpf(1000)`,
			"option2": `note("c2 c3").s("sawtooth").lpf(500)`,
			"option3": `note("c2*2").s("square").lpf(800)`,
		}},
		{ID: "drums", Variants: map[string]string{
			"option1": `s("bd sd").bank("RolandTR909")`,
			"option2": `s("bd hh sd hh").bank("RolandTR909")`,
			"option3": `s("bd*2 [sd hh]*2").bank("RolandTR909")`,
		}},
		{ID: "harmony", Variants: map[string]string{
			"option1": `chord("Cm7").s("piano")`,
			"option2": `chord("Cm9").s("superpiano")`,
			"option3": `chord("Cm7").s("sawtooth").lpf(2000).delay(0.5)`,
		}},
		{ID: "melody", Variants: map[string]string{
			"option1": `note("g4 f4 eb4 d4").s("piano")`,
			"option2": `note("c5 g4").s("sine")`,
			"option3": `note("eb5 d5 c5 bb4").s("square")`,
		}},
	}}
}

// LoadTable parses a YAML table and validates it.
//
// # Example
//
//	tracks:
//	  - id: bass
//	    default: option1
//	    variants:
//	      option1: 'note("c3 e3").s("triangle")'
func LoadTable(data []byte) (Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parse pattern table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// LoadTableFile reads and parses the table at path.
func LoadTableFile(path string) (Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read pattern table: %w", err)
	}
	return LoadTable(data)
}

// checkFragment returns a non-empty reason when fragment is not a
// well-formed expression: empty, unterminated string, or unbalanced
// brackets outside strings.
func checkFragment(fragment string) string {
	if fragment == "" {
		return "empty fragment"
	}

	var stack []rune
	var quote rune
	escaped := false
	for _, r := range fragment {
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == quote:
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'', '`':
			quote = r
		case '(', '[', '{':
			stack = append(stack, r)
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1] != opening(r) {
				return fmt.Sprintf("unbalanced %q", r)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if quote != 0 {
		return "unterminated string"
	}
	if len(stack) > 0 {
		return fmt.Sprintf("unclosed %q", stack[len(stack)-1])
	}
	return ""
}

func opening(r rune) rune {
	switch r {
	case ')':
		return '('
	case ']':
		return '['
	default:
		return '{'
	}
}
