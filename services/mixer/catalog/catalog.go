// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog models the track/option catalog voters choose from and
// its JSON wire form:
//
//	{
//	  "bass":  {"name": "Bass",  "options": [{"id": "option1", "name": "Deep Pulse", "value": "option1"}]},
//	  "drums": {"name": "Drums", "options": [...]}
//	}
//
// Object key order is the track order, both when parsing and encoding.
package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// SilenceLabel is the reserved option label that is never offered to voters.
const SilenceLabel = "silence"

// Option is one selectable variant of a track.
type Option struct {
	// ID is the stable UI-facing identifier, e.g. "option2".
	ID string `json:"id"`

	// Name is the display label.
	Name string `json:"name"`

	// Value is the literal variant value the flag must resolve to for a
	// vote to count as matched. Empty means no explicit target.
	Value string `json:"value,omitempty"`
}

// Track is one voteable part of the performance. ID matches a flag key.
type Track struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Options []Option `json:"options"`
}

// Option returns the option with id, if present.
func (t Track) Option(id string) (Option, bool) {
	for _, o := range t.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Catalog is an ordered list of tracks.
type Catalog []Track

// Track returns the track with id, if present.
func (c Catalog) Track(id string) (Track, bool) {
	for _, t := range c {
		if t.ID == id {
			return t, true
		}
	}
	return Track{}, false
}

// Clone returns a deep copy of c.
func (c Catalog) Clone() Catalog {
	if c == nil {
		return nil
	}
	out := make(Catalog, len(c))
	for i, t := range c {
		out[i] = Track{ID: t.ID, Title: t.Title, Options: append([]Option(nil), t.Options...)}
	}
	return out
}

// Default returns the built-in catalog used until the first successful
// fetch.
func Default() Catalog {
	return Catalog{
		{ID: "bass", Title: "Bass", Options: []Option{
			{ID: "option1", Name: "Deep Pulse"},
			{ID: "option2", Name: "Driving Saw"},
			{ID: "option3", Name: "Funky Square"},
		}},
		{ID: "drums", Title: "Drums", Options: []Option{
			{ID: "option1", Name: "Basic 4/4"},
			{ID: "option2", Name: "Breakbeat"},
			{ID: "option3", Name: "Double Time"},
		}},
		{ID: "harmony", Title: "Harmony", Options: []Option{
			{ID: "option1", Name: "Warm Pad"},
			{ID: "option2", Name: "Stabs"},
			{ID: "option3", Name: "Arpeggio"},
		}},
		{ID: "melody", Title: "Melody", Options: []Option{
			{ID: "option1", Name: "Main Theme"},
			{ID: "option2", Name: "Counterpoint"},
			{ID: "option3", Name: "Minimal"},
		}},
	}
}

// IsSilence reports whether label is the reserved silence marker after
// trimming and case folding.
func IsSilence(label string) bool {
	return strings.EqualFold(strings.TrimSpace(label), SilenceLabel)
}

// FilterSilence returns a copy of c without silence options. Tracks left
// with no options are dropped.
func FilterSilence(c Catalog) Catalog {
	out := make(Catalog, 0, len(c))
	for _, t := range c {
		kept := make([]Option, 0, len(t.Options))
		for _, o := range t.Options {
			if !IsSilence(o.Name) {
				kept = append(kept, o)
			}
		}
		if len(kept) == 0 {
			continue
		}
		out = append(out, Track{ID: t.ID, Title: t.Title, Options: kept})
	}
	return out
}

// =============================================================================
// Wire format
// =============================================================================

// MalformedError reports a config document with an unexpected shape.
type MalformedError struct {
	// Track is the offending track id, if known.
	Track string

	// Reason describes the problem.
	Reason string

	// Err is the underlying decode error, if any.
	Err error
}

func (e *MalformedError) Error() string {
	msg := "malformed catalog"
	if e.Track != "" {
		msg += fmt.Sprintf(" (track %q)", e.Track)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// wireTrack is one track's value in the config document.
type wireTrack struct {
	Name    string       `json:"name"`
	Options []wireOption `json:"options"`
}

type wireOption struct {
	ID    string  `json:"id"`
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
}

// Parse decodes a config document, keeping object key order as track order.
//
// # Outputs
//
//   - Catalog: The tracks, unfiltered.
//   - error: *MalformedError if the document is not an object of tracks,
//     a track lacks options, or an option lacks an id.
func Parse(data []byte) (Catalog, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, &MalformedError{Reason: "invalid JSON", Err: err}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &MalformedError{Reason: "document is not an object"}
	}

	var out Catalog
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, &MalformedError{Reason: "invalid JSON", Err: err}
		}
		id, _ := tok.(string)

		var wt wireTrack
		if err := dec.Decode(&wt); err != nil {
			return nil, &MalformedError{Track: id, Reason: "invalid track", Err: err}
		}
		if wt.Options == nil {
			return nil, &MalformedError{Track: id, Reason: "missing options"}
		}
		if seen[id] {
			return nil, &MalformedError{Track: id, Reason: "duplicate track"}
		}
		seen[id] = true

		track := Track{ID: id, Title: wt.Name, Options: make([]Option, 0, len(wt.Options))}
		if track.Title == "" {
			track.Title = id
		}
		for i, wo := range wt.Options {
			if wo.ID == "" {
				return nil, &MalformedError{Track: id, Reason: fmt.Sprintf("option %d has no id", i)}
			}
			o := Option{ID: wo.ID, Name: wo.Name}
			if wo.Value != nil {
				o.Value = *wo.Value
			}
			track.Options = append(track.Options, o)
		}
		out = append(out, track)
	}

	if _, err := dec.Token(); err != nil {
		return nil, &MalformedError{Reason: "invalid JSON", Err: err}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &MalformedError{Reason: "trailing data after document"}
	}
	return out, nil
}

// Encode writes c as a config document with tracks in order.
func Encode(c Catalog) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, t := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(t.ID)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')

		wt := wireTrack{Name: t.Title, Options: make([]wireOption, len(t.Options))}
		for j, o := range t.Options {
			wo := wireOption{ID: o.ID, Name: o.Name}
			if o.Value != "" {
				v := o.Value
				wo.Value = &v
			}
			wt.Options[j] = wo
		}
		body, err := json.Marshal(wt)
		if err != nil {
			return nil, fmt.Errorf("encode track %s: %w", t.ID, err)
		}
		buf.Write(body)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
