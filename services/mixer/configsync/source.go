// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package configsync

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/telemetry"
)

// maxConfigBytes bounds the config document size.
const maxConfigBytes = 1 << 20

// Source fetches the current catalog.
//
// Implementations must honor ctx cancellation.
type Source interface {
	Fetch(ctx context.Context) (catalog.Catalog, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (catalog.Catalog, error)

// Fetch calls f.
func (f SourceFunc) Fetch(ctx context.Context) (catalog.Catalog, error) {
	return f(ctx)
}

// =============================================================================
// Errors
// =============================================================================

// FetchErrorKind classifies fetch failures.
type FetchErrorKind int

const (
	// KindTransport means no usable response arrived.
	KindTransport FetchErrorKind = iota

	// KindStatus means the endpoint answered with a non-2xx status.
	KindStatus

	// KindMalformed means the body was not a valid config document.
	KindMalformed
)

// String returns the kind name.
func (k FetchErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FetchError is returned by HTTPSource.
type FetchError struct {
	Kind       FetchErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("config fetch: status %d", e.StatusCode)
	default:
		return fmt.Sprintf("config fetch: %s: %v", e.Kind, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// =============================================================================
// HTTP source
// =============================================================================

// HTTPSource fetches the catalog from a config endpoint such as /api/config.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

// NewHTTPSource creates a source for url. A nil client uses
// http.DefaultClient.
func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{URL: url, Client: client}
}

// Fetch performs GET URL and parses the body.
//
// Returns *FetchError for all failures. A cancelled ctx yields a
// KindTransport error wrapping ctx.Err().
func (s *HTTPSource) Fetch(ctx context.Context) (catalog.Catalog, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	telemetry.InjectContext(ctx, req.Header)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxConfigBytes))
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, StatusCode: resp.StatusCode, Err: err}
	}

	c, err := catalog.Parse(body)
	if err != nil {
		return nil, &FetchError{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: err}
	}
	return c, nil
}
