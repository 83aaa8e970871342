// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flags is a client for LaunchDarkly client-side evaluation.
//
// The client keeps a local cache of evaluated flags for one evaluation
// context at a time:
//
//	Identify(ctx) ──REPORT──▶ /sdk/evalx/{env}/context   (replace cache)
//	stream        ◀──SSE──── /eval/{env}/{context}       (put/patch/delete)
//	Track/Flush   ──POST───▶ /events/bulk/{env}          (custom events)
//
// Readers call Evaluate for a single flag, Snapshot for all flags, or
// Subscribe to receive a fresh State every time the cache changes.
//
// # Thread Safety
//
// Client is safe for concurrent use. Identify replaces the cache for the
// whole client, so callers that need "identify then read" to be atomic per
// flag must serialize those pairs themselves.
package flags

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "djtoggle/flags"

// Service is the narrow flag-service capability used by vote negotiation.
type Service interface {
	// Identify switches the evaluation context and refreshes the cache.
	Identify(ctx context.Context, ec EvaluationContext) error

	// Evaluate returns the cached value of key, or defaultValue.
	Evaluate(key, defaultValue string) string

	// Track queues a custom analytics event.
	Track(name string, data map[string]string)

	// Flush delivers queued events.
	Flush(ctx context.Context) error
}

// State is a snapshot of resolved flag values keyed by flag key.
// Values are in string form. A State handed out by the client is never
// mutated afterwards.
type State map[string]string

// Clone returns a copy of s.
func (s State) Clone() State {
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Config configures a Client.
type Config struct {
	// ClientSideID is the LaunchDarkly environment's client-side ID.
	ClientSideID string

	// BaseURL serves evaluation requests.
	BaseURL string

	// StreamURL serves the evaluation stream.
	StreamURL string

	// EventsURL receives analytics events.
	EventsURL string

	// HTTPClient performs all requests. It must not set a Timeout, since
	// the stream is a long-lived response; callers bound requests by context.
	HTTPClient *http.Client

	// Streaming enables the live evaluation stream in Run.
	Streaming bool

	// FlushInterval is the period of automatic event delivery in Run.
	FlushInterval time.Duration

	// EventCapacity bounds the event queue. Oldest events are dropped first.
	EventCapacity int

	// StreamInitialBackoff and StreamMaxBackoff bound stream reconnect delays.
	StreamInitialBackoff time.Duration
	StreamMaxBackoff     time.Duration

	// UserAgent is sent on every request.
	UserAgent string

	// Logger receives client logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns production endpoints for clientSideID.
func DefaultConfig(clientSideID string) Config {
	return Config{
		ClientSideID:         clientSideID,
		BaseURL:              "https://clientsdk.launchdarkly.com",
		StreamURL:            "https://clientstream.launchdarkly.com",
		EventsURL:            "https://events.launchdarkly.com",
		Streaming:            true,
		FlushInterval:        5 * time.Second,
		EventCapacity:        100,
		StreamInitialBackoff: time.Second,
		StreamMaxBackoff:     30 * time.Second,
		UserAgent:            "djtoggle/0.1",
	}
}

// flagValue is one evaluated flag as delivered by the service.
type flagValue struct {
	Value     json.RawMessage `json:"value"`
	Variation *int            `json:"variation,omitempty"`
	Version   int             `json:"version"`
}

// Client evaluates flags for one context at a time. Create with New.
type Client struct {
	config Config
	logger *slog.Logger
	http   *http.Client

	mu      sync.RWMutex
	flags   map[string]flagValue
	current EvaluationContext

	subMu   sync.Mutex
	subs    map[int]chan State
	nextSub int

	events *eventBuffer

	// contextChanged wakes the stream loop after a successful Identify.
	contextChanged chan struct{}
}

// New creates a Client. The client does no I/O until Identify or Run.
func New(config Config) (*Client, error) {
	if config.ClientSideID == "" {
		return nil, errors.New("flags: client-side ID is required")
	}
	defaults := DefaultConfig(config.ClientSideID)
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.StreamURL == "" {
		config.StreamURL = defaults.StreamURL
	}
	if config.EventsURL == "" {
		config.EventsURL = defaults.EventsURL
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.EventCapacity <= 0 {
		config.EventCapacity = defaults.EventCapacity
	}
	if config.StreamInitialBackoff <= 0 {
		config.StreamInitialBackoff = defaults.StreamInitialBackoff
	}
	if config.StreamMaxBackoff < config.StreamInitialBackoff {
		config.StreamMaxBackoff = defaults.StreamMaxBackoff
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	config.StreamURL = strings.TrimRight(config.StreamURL, "/")
	config.EventsURL = strings.TrimRight(config.EventsURL, "/")

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &Client{
		config:         config,
		logger:         logger.With(slog.String("component", "flags")),
		http:           httpClient,
		flags:          make(map[string]flagValue),
		subs:           make(map[int]chan State),
		events:         newEventBuffer(config.EventCapacity),
		contextChanged: make(chan struct{}, 1),
	}, nil
}

// =============================================================================
// Identify & evaluation
// =============================================================================

// Identify evaluates all flags for ec and makes ec the current context.
//
// # Description
//
// Sends the context to the evaluation endpoint. On success the flag cache
// is replaced wholesale, subscribers receive the new State, an identify
// event is queued and the live stream (if running) reconnects for ec.
// On failure the cache and current context are unchanged.
//
// # Outputs
//
//   - error: *TransportError for network or HTTP failures, or a validation
//     error for an unusable context.
func (c *Client) Identify(ctx context.Context, ec EvaluationContext) error {
	if err := ec.Validate(); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "flags.Identify")
	defer span.End()

	evaluated, err := c.fetchEvaluations(ctx, ec)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	c.mu.Lock()
	c.flags = evaluated
	c.current = ec
	c.mu.Unlock()

	c.events.add(event{Kind: "identify", CreationDate: nowMillis(), Context: &ec})
	c.publish()

	select {
	case c.contextChanged <- struct{}{}:
	default:
	}

	telemetry.SetSpanOK(span)
	span.SetAttributes(attribute.Int("flags.count", len(evaluated)))
	return nil
}

// fetchEvaluations performs the REPORT evaluation request for ec.
func (c *Client) fetchEvaluations(ctx context.Context, ec EvaluationContext) (map[string]flagValue, error) {
	body, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("encode context: %w", err)
	}

	url := fmt.Sprintf("%s/sdk/evalx/%s/context", c.config.BaseURL, c.config.ClientSideID)
	req, err := http.NewRequestWithContext(ctx, "REPORT", url, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Op: "identify", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: "identify", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &TransportError{Op: "identify", StatusCode: resp.StatusCode}
	}

	var evaluated map[string]flagValue
	if err := json.NewDecoder(resp.Body).Decode(&evaluated); err != nil {
		return nil, &TransportError{Op: "identify", StatusCode: resp.StatusCode, Err: fmt.Errorf("decode evaluations: %w", err)}
	}
	if evaluated == nil {
		evaluated = make(map[string]flagValue)
	}
	return evaluated, nil
}

// Evaluate returns the cached value of key in string form.
//
// String values are returned verbatim; other JSON values are returned as
// their JSON text. Missing or null flags yield defaultValue.
func (c *Client) Evaluate(key, defaultValue string) string {
	c.mu.RLock()
	v, ok := c.flags[key]
	c.mu.RUnlock()
	if !ok {
		return defaultValue
	}
	s, ok := stringify(v.Value)
	if !ok {
		return defaultValue
	}
	return s
}

// Snapshot returns the current State.
func (c *Client) Snapshot() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshotLocked()
}

func (c *Client) snapshotLocked() State {
	s := make(State, len(c.flags))
	for k, v := range c.flags {
		if str, ok := stringify(v.Value); ok {
			s[k] = str
		}
	}
	return s
}

// CurrentContext returns the context of the last successful Identify.
func (c *Client) CurrentContext() EvaluationContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Subscribe returns a channel that always holds the latest State.
//
// The channel is buffered with capacity one: a slow reader skips
// intermediate States and sees the newest. The current State is delivered
// immediately. Call cancel to unsubscribe; it closes the channel.
func (c *Client) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)

	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.Snapshot()
	c.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subMu.Unlock()
		})
	}
	return ch, cancel
}

// publish hands the newest State to every subscriber. Taking the snapshot
// under subMu keeps deliveries ordered.
func (c *Client) publish() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if len(c.subs) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}

// =============================================================================
// Events
// =============================================================================

// Track queues a custom event carrying data for the current context.
func (c *Client) Track(name string, data map[string]string) {
	ec := c.CurrentContext()
	e := event{Kind: "custom", Key: name, CreationDate: nowMillis(), Data: data}
	if !ec.IsZero() {
		e.Context = &ec
	}
	c.events.add(e)
}

// Pending returns the number of queued events.
func (c *Client) Pending() int {
	return c.events.len()
}

// Flush delivers all queued events in one bulk request.
//
// Events from a failed delivery are put back at the front of the queue
// (subject to capacity) and a *TransportError is returned.
func (c *Client) Flush(ctx context.Context) error {
	if dropped := c.events.takeDropped(); dropped > 0 {
		c.logger.Warn("event queue full, oldest events dropped",
			slog.Int("dropped", dropped),
			slog.Int("capacity", c.config.EventCapacity))
	}
	batch := c.events.drain()
	if len(batch) == 0 {
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, tracerName, "flags.Flush")
	defer span.End()
	span.SetAttributes(attribute.Int("events.count", len(batch)))

	if err := c.postEvents(ctx, batch); err != nil {
		c.events.requeue(batch)
		telemetry.RecordError(span, err)
		return err
	}
	telemetry.SetSpanOK(span)
	return nil
}

func (c *Client) postEvents(ctx context.Context, batch []event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encode events: %w", err)
	}

	url := fmt.Sprintf("%s/events/bulk/%s", c.config.EventsURL, c.config.ClientSideID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("X-LaunchDarkly-Event-Schema", "4")
	req.Header.Set("X-LaunchDarkly-Payload-ID", uuid.NewString())
	telemetry.InjectContext(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: "flush", Err: err}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &TransportError{Op: "flush", StatusCode: resp.StatusCode}
	}
	return nil
}

// =============================================================================
// Background work
// =============================================================================

// Run flushes events periodically and, when streaming is enabled, keeps the
// evaluation stream connected for the current context. It blocks until ctx
// is done, then makes a final best-effort flush.
func (c *Client) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.flushLoop(ctx)
	}()

	if c.config.Streaming {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.streamLoop(ctx)
		}()
	}

	<-ctx.Done()
	wg.Wait()

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := c.Flush(flushCtx); err != nil {
		c.logger.Warn("final event flush failed",
			slog.String("error", err.Error()),
			slog.Int("undelivered", c.Pending()))
	}
	return nil
}

func (c *Client) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, c.config.FlushInterval)
			if err := c.Flush(flushCtx); err != nil && ctx.Err() == nil {
				c.logger.Warn("event flush failed", slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}

// stringify converts a raw JSON flag value to its string form.
// Returns false for an absent or null value.
func stringify(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err == nil {
			return s, true
		}
	}
	return string(trimmed), true
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
