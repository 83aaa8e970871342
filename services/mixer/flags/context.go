// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flags

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Context kinds used by djtoggle.
const (
	KindUser    = "user"
	KindRequest = "request"
	kindMulti   = "multi"
)

// ContextKind is one kind within an evaluation context.
type ContextKind struct {
	Kind      string
	Key       string
	Anonymous bool
}

// EvaluationContext is the identity presented to the flag service.
//
// A context with a single kind serializes as a single-kind context; more
// than one kind serializes as a multi-kind context:
//
//	{"kind":"multi","user":{"key":"s1","anonymous":true},"request":{"key":"r1"}}
type EvaluationContext struct {
	kinds []ContextKind
}

// NewContext builds an evaluation context from kinds. Later duplicates of a
// kind replace earlier ones.
func NewContext(kinds ...ContextKind) EvaluationContext {
	var c EvaluationContext
	for _, k := range kinds {
		c = c.With(k)
	}
	return c
}

// With returns a copy of c with kind k added or replaced.
func (c EvaluationContext) With(k ContextKind) EvaluationContext {
	out := make([]ContextKind, 0, len(c.kinds)+1)
	for _, existing := range c.kinds {
		if existing.Kind != k.Kind {
			out = append(out, existing)
		}
	}
	out = append(out, k)
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return EvaluationContext{kinds: out}
}

// Key returns the key of the named kind, or "".
func (c EvaluationContext) Key(kind string) string {
	for _, k := range c.kinds {
		if k.Kind == kind {
			return k.Key
		}
	}
	return ""
}

// Kinds returns a copy of the context's kinds in kind order.
func (c EvaluationContext) Kinds() []ContextKind {
	out := make([]ContextKind, len(c.kinds))
	copy(out, c.kinds)
	return out
}

// IsZero reports whether the context has no kinds.
func (c EvaluationContext) IsZero() bool {
	return len(c.kinds) == 0
}

// Validate checks that the context is usable for evaluation.
func (c EvaluationContext) Validate() error {
	if len(c.kinds) == 0 {
		return errors.New("evaluation context has no kinds")
	}
	for _, k := range c.kinds {
		if k.Kind == "" || k.Kind == kindMulti || k.Kind == "kind" {
			return fmt.Errorf("invalid context kind %q", k.Kind)
		}
		if k.Key == "" {
			return fmt.Errorf("context kind %q has an empty key", k.Kind)
		}
	}
	return nil
}

// FullyQualifiedKey returns a canonical identifier for the context, used to
// detect identity changes.
func (c EvaluationContext) FullyQualifiedKey() string {
	parts := make([]string, len(c.kinds))
	for i, k := range c.kinds {
		parts[i] = k.Kind + ":" + k.Key
	}
	return strings.Join(parts, ":")
}

// MarshalJSON encodes the context in the flag service's context schema.
func (c EvaluationContext) MarshalJSON() ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if len(c.kinds) == 1 {
		m := kindAttrs(c.kinds[0])
		m["kind"] = c.kinds[0].Kind
		return json.Marshal(m)
	}
	m := map[string]any{"kind": kindMulti}
	for _, k := range c.kinds {
		m[k.Kind] = kindAttrs(k)
	}
	return json.Marshal(m)
}

// UnmarshalJSON decodes single- and multi-kind contexts.
func (c *EvaluationContext) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var kind string
	if err := json.Unmarshal(raw["kind"], &kind); err != nil {
		return fmt.Errorf("context kind: %w", err)
	}

	var parsed EvaluationContext
	if kind != kindMulti {
		var attrs struct {
			Key       string `json:"key"`
			Anonymous bool   `json:"anonymous"`
		}
		if err := json.Unmarshal(data, &attrs); err != nil {
			return err
		}
		parsed = NewContext(ContextKind{Kind: kind, Key: attrs.Key, Anonymous: attrs.Anonymous})
	} else {
		for name, body := range raw {
			if name == "kind" {
				continue
			}
			var attrs struct {
				Key       string `json:"key"`
				Anonymous bool   `json:"anonymous"`
			}
			if err := json.Unmarshal(body, &attrs); err != nil {
				return fmt.Errorf("context kind %s: %w", name, err)
			}
			parsed = parsed.With(ContextKind{Kind: name, Key: attrs.Key, Anonymous: attrs.Anonymous})
		}
	}
	if err := parsed.Validate(); err != nil {
		return err
	}
	*c = parsed
	return nil
}

// encodeForURL returns the base64url form of the context used in stream URLs.
func (c EvaluationContext) encodeForURL() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func kindAttrs(k ContextKind) map[string]any {
	m := map[string]any{"key": k.Key}
	if k.Anonymous {
		m["anonymous"] = true
	}
	return m
}
