// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package proxy serves the track catalog derived from a LaunchDarkly project.
//
// The proxy reads the project's flag definitions through the LaunchDarkly
// REST API, keeps the flags that correspond to tracks, and maps each flag's
// variations to options named option1, option2, ... in variation order. The
// result is the config document consumed by the sync loop.
//
// The REST API key never reaches clients. It is held in a memguard enclave
// and only decrypted for the duration of a request.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/awnumar/memguard"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAPIURL is the LaunchDarkly REST API root.
	DefaultAPIURL = "https://app.launchdarkly.com"

	// DefaultProjectKey is used when no project is configured.
	DefaultProjectKey = "dj-toggle"

	// DefaultEnvKey is used when no environment is configured.
	DefaultEnvKey = "production"

	maxUpstreamBytes = 4 << 20
	tracerName       = "djtoggle.proxy"
)

var (
	// ErrMissingAPIKey is returned when no REST API key is configured.
	ErrMissingAPIKey = errors.New("proxy: missing API key")
)

// DefaultRelevantFlags are the flag keys that map to tracks.
var DefaultRelevantFlags = []string{"bass", "drums", "harmony", "melody"}

// UpstreamError is returned when the REST API call fails.
type UpstreamError struct {
	// StatusCode is the upstream HTTP status, or 0 for transport failures.
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("proxy: upstream returned HTTP %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("proxy: upstream request failed: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Config configures a Proxy.
type Config struct {
	// APIURL is the REST API root. Empty uses DefaultAPIURL.
	APIURL string

	// ProjectKey and EnvKey select the flags. Empty values use the defaults.
	ProjectKey string
	EnvKey     string

	// RelevantFlags lists the flag keys exposed as tracks. Empty uses
	// DefaultRelevantFlags.
	RelevantFlags []string

	// CacheTTL is how long a successful catalog is served without a new
	// upstream call. Zero disables caching.
	CacheTTL time.Duration

	// Timeout bounds one upstream call. Zero means 10s.
	Timeout time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *telemetry.Metrics
}

// Proxy fetches and transforms the flag project into a catalog.
//
// Concurrent callers share one in-flight upstream request.
type Proxy struct {
	config   Config
	apiKey   *memguard.Enclave
	relevant map[string]bool
	http     *http.Client
	logger   *slog.Logger
	group    singleflight.Group

	mu       sync.RWMutex
	cached   []byte
	cachedAt time.Time
	now      func() time.Time
}

// New creates a Proxy. apiKey is copied into an enclave and the caller's
// slice is wiped. An empty apiKey yields a Proxy whose every call fails with
// ErrMissingAPIKey.
func New(apiKey []byte, config Config) *Proxy {
	if config.APIURL == "" {
		config.APIURL = DefaultAPIURL
	}
	config.APIURL = strings.TrimRight(config.APIURL, "/")
	if config.ProjectKey == "" {
		config.ProjectKey = DefaultProjectKey
	}
	if config.EnvKey == "" {
		config.EnvKey = DefaultEnvKey
	}
	if len(config.RelevantFlags) == 0 {
		config.RelevantFlags = DefaultRelevantFlags
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	relevant := make(map[string]bool, len(config.RelevantFlags))
	for _, k := range config.RelevantFlags {
		relevant[k] = true
	}

	p := &Proxy{
		config:   config,
		relevant: relevant,
		http:     httpClient,
		logger:   logger.With(slog.String("component", "proxy")),
		now:      time.Now,
	}
	if len(apiKey) > 0 {
		p.apiKey = memguard.NewEnclave(apiKey)
	}
	return p
}

// Config returns the document as encoded JSON, from cache when fresh.
func (p *Proxy) Config(ctx context.Context) ([]byte, error) {
	if p.key() == nil {
		return nil, ErrMissingAPIKey
	}
	if body, ok := p.fresh(); ok {
		return body, nil
	}

	v, err, shared := p.group.Do(p.config.ProjectKey+"/"+p.config.EnvKey, func() (interface{}, error) {
		if body, ok := p.fresh(); ok {
			return body, nil
		}
		// Detached so one caller's cancellation doesn't fail the others.
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.Timeout)
		defer cancel()

		c, err := p.Catalog(fetchCtx)
		if err != nil {
			return nil, err
		}
		body, err := catalog.Encode(c)
		if err != nil {
			return nil, err
		}
		p.store(body)
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		p.logger.Debug("shared upstream config fetch")
	}
	return v.([]byte), nil
}

// Catalog performs one upstream call and returns the filtered catalog in
// upstream order. It bypasses the cache.
func (p *Proxy) Catalog(ctx context.Context) (catalog.Catalog, error) {
	enclave := p.key()
	if enclave == nil {
		return nil, ErrMissingAPIKey
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "proxy.Catalog")
	defer span.End()
	span.SetAttributes(
		attribute.String("project", p.config.ProjectKey),
		attribute.String("env", p.config.EnvKey),
	)

	start := time.Now()
	items, err := p.fetchFlags(ctx, enclave)
	if err != nil {
		telemetry.RecordError(span, err)
		p.config.Metrics.RecordError(ctx, "proxy")
		p.logger.Error("API proxy error", "error", err)
		return nil, err
	}

	var out catalog.Catalog
	for _, f := range items {
		if !p.relevant[f.Key] {
			continue
		}
		out = append(out, f.toTrack())
	}
	p.logger.Debug("fetched flag project",
		"flags", len(items),
		"tracks", len(out),
		"duration", time.Since(start))
	telemetry.SetSpanOK(span)
	return out, nil
}

func (p *Proxy) fetchFlags(ctx context.Context, enclave *memguard.Enclave) ([]flagItem, error) {
	key, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("proxy: open API key: %w", err)
	}
	defer key.Destroy()

	q := url.Values{}
	q.Set("env", p.config.EnvKey)
	q.Set("summary", "false")
	endpoint := fmt.Sprintf("%s/api/v2/flags/%s?%s",
		p.config.APIURL, url.PathEscape(p.config.ProjectKey), q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("proxy: build request: %w", err)
	}
	req.Header.Set("Authorization", key.String())
	req.Header.Set("Accept", "application/json")
	telemetry.InjectContext(ctx, req.Header)

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBytes))
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var doc flagList
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Body: truncate(string(body), 200), Err: err}
	}
	return doc.Items, nil
}

// Invalidate drops the cached document.
func (p *Proxy) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
}

// Close drops the key and the cached document. Later calls fail with
// ErrMissingAPIKey.
func (p *Proxy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apiKey = nil
	p.cached = nil
}

func (p *Proxy) key() *memguard.Enclave {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.apiKey
}

func (p *Proxy) fresh() ([]byte, bool) {
	if p.config.CacheTTL <= 0 {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil || p.now().Sub(p.cachedAt) >= p.config.CacheTTL {
		return nil, false
	}
	return p.cached, true
}

func (p *Proxy) store(body []byte) {
	if p.config.CacheTTL <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = body
	p.cachedAt = p.now()
}

// =============================================================================
// Upstream document
// =============================================================================

type flagList struct {
	Items []flagItem `json:"items"`
}

type flagItem struct {
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	Variations []variation `json:"variations"`
}

type variation struct {
	Name  string          `json:"name,omitempty"`
	Value json.RawMessage `json:"value"`
}

func (f flagItem) toTrack() catalog.Track {
	t := catalog.Track{ID: f.Key, Title: f.Name, Options: make([]catalog.Option, 0, len(f.Variations))}
	for i, v := range f.Variations {
		text, isString := variationText(v.Value)
		name := v.Name
		if name == "" {
			name = text
		}
		o := catalog.Option{ID: fmt.Sprintf("option%d", i+1), Name: name}
		if isString {
			o.Value = text
		}
		t.Options = append(t.Options, o)
	}
	return t
}

// variationText renders a variation value as a label. Strings are unquoted;
// other JSON values keep their literal text.
func variationText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return strings.TrimSpace(string(raw)), false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
