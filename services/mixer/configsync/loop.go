// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package configsync keeps the track catalog fresh by polling the config
// endpoint.
//
// Each tick supersedes the previous one: the in-flight fetch is cancelled
// and its result discarded even if it arrives later, so the catalog always
// reflects the most recently issued fetch.
//
//	tick ─▶ cancel previous ─▶ generation++ ─▶ fetch ─▶ apply if generation current
//
// # Outcomes
//
//	success, non-empty after silence filter   replace catalog, connected
//	success, empty after silence filter       keep catalog and connectivity
//	transport / status / malformed failure    keep catalog, disconnected
//	cancelled or superseded                   no change
package configsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ErrAlreadyRunning is returned by Start on a running loop.
var ErrAlreadyRunning = errors.New("configsync: loop already running")

// Connectivity is the health of the config endpoint as last observed.
type Connectivity int

const (
	// ConnectivityUnknown is the state before the first completed fetch.
	ConnectivityUnknown Connectivity = iota

	// Connected means the last completed fetch succeeded.
	Connected

	// Disconnected means the last completed fetch failed.
	Disconnected
)

// String returns "unknown", "connected" or "disconnected".
func (c Connectivity) String() string {
	switch c {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Config configures a Loop.
type Config struct {
	// Interval between ticks. Default: 2s.
	Interval time.Duration

	// Initial is the catalog served before the first successful fetch.
	// Default: catalog.Default().
	Initial catalog.Catalog

	// Logger receives loop logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics records fetch outcomes. May be nil.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a 2s polling configuration.
func DefaultConfig() Config {
	return Config{Interval: 2 * time.Second}
}

// Snapshot is the loop's externally visible state.
type Snapshot struct {
	Catalog      catalog.Catalog
	Connectivity Connectivity
}

// Listener is called after the catalog or connectivity changes. Listeners
// run on the fetch goroutine and must not block. A listener never sees an
// older state after a newer one.
type Listener func(Snapshot)

// Loop is the config sync loop. Create with NewLoop.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Loop struct {
	source Source
	config Config
	logger *slog.Logger

	// mu guards the catalog, connectivity and the active fetch handle.
	mu           sync.RWMutex
	catalog      catalog.Catalog
	connectivity Connectivity
	generation   uint64
	cancelFetch  context.CancelFunc

	// applySeq numbers state changes; notifiedSeq is the last one delivered.
	applySeq    uint64
	notifyMu    sync.Mutex
	notifiedSeq uint64
	listeners   []Listener

	// pending holds the done channel of every unfinished fetch by generation.
	pendingMu sync.Mutex
	pending   map[uint64]chan struct{}

	runMu    sync.Mutex
	running  bool
	stopLoop context.CancelFunc
	loopDone chan struct{}
}

// NewLoop creates a stopped loop over source.
func NewLoop(source Source, config Config) *Loop {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	if config.Initial == nil {
		config.Initial = catalog.Default()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		source:  source,
		config:  config,
		logger:  logger.With(slog.String("component", "configsync")),
		catalog: config.Initial.Clone(),
		pending: make(map[uint64]chan struct{}),
	}
}

// OnChange registers fn. Register listeners before Start.
func (l *Loop) OnChange(fn Listener) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Catalog returns a copy of the current catalog.
func (l *Loop) Catalog() catalog.Catalog {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.catalog.Clone()
}

// Connectivity returns the current connectivity state.
func (l *Loop) Connectivity() Connectivity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.connectivity
}

// Snapshot returns catalog and connectivity read together.
func (l *Loop) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Snapshot{Catalog: l.catalog.Clone(), Connectivity: l.connectivity}
}

// Start begins ticking: one fetch immediately, then one per Interval, until
// ctx is done or Stop is called.
//
// Returns ErrAlreadyRunning if the loop is running.
func (l *Loop) Start(ctx context.Context) error {
	l.runMu.Lock()
	defer l.runMu.Unlock()

	if l.running {
		return ErrAlreadyRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	l.running = true
	l.stopLoop = cancel
	l.loopDone = make(chan struct{})

	l.logger.Info("config sync loop starting", slog.Duration("interval", l.config.Interval))
	go l.runLoop(loopCtx, l.loopDone)
	return nil
}

// Stop cancels the in-flight fetch, stops ticking and waits for the loop
// and its fetches to finish. Safe to call repeatedly.
func (l *Loop) Stop() {
	l.runMu.Lock()
	if l.running {
		l.stopLoop()
		<-l.loopDone
		l.running = false
		l.logger.Info("config sync loop stopped")
	}
	l.runMu.Unlock()

	l.mu.Lock()
	if l.cancelFetch != nil {
		l.cancelFetch()
		l.cancelFetch = nil
	}
	l.mu.Unlock()

	l.Wait()
}

// Wait blocks until every fetch issued before the call has been applied
// or discarded.
func (l *Loop) Wait() {
	l.pendingMu.Lock()
	waiting := make([]chan struct{}, 0, len(l.pending))
	for _, done := range l.pending {
		waiting = append(waiting, done)
	}
	l.pendingMu.Unlock()

	for _, done := range waiting {
		<-done
	}
}

// Tick supersedes any in-flight fetch and issues a new one. It does not
// wait for the result; the returned channel is closed once this fetch has
// been applied or discarded.
func (l *Loop) Tick(ctx context.Context) <-chan struct{} {
	fetchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	l.mu.Lock()
	if l.cancelFetch != nil {
		l.cancelFetch()
	}
	l.generation++
	gen := l.generation
	l.cancelFetch = cancel
	l.pendingMu.Lock()
	l.pending[gen] = done
	l.pendingMu.Unlock()
	l.mu.Unlock()

	go l.fetch(fetchCtx, cancel, gen, done)
	return done
}

// fetchDone marks the fetch for generation gen finished.
func (l *Loop) fetchDone(gen uint64, done chan struct{}) {
	l.pendingMu.Lock()
	delete(l.pending, gen)
	l.pendingMu.Unlock()
	close(done)
}

func (l *Loop) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.config.Interval)
	defer ticker.Stop()

	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// fetch runs one catalog fetch for generation gen.
func (l *Loop) fetch(ctx context.Context, cancel context.CancelFunc, gen uint64, done chan struct{}) {
	defer l.fetchDone(gen, done)
	defer cancel()

	ctx, span := telemetry.StartSpan(ctx, "djtoggle/configsync", "configsync.Fetch")
	defer span.End()
	span.SetAttributes(attribute.Int64("configsync.generation", int64(gen)))

	start := time.Now()
	fetched, err := l.source.Fetch(ctx)
	elapsed := time.Since(start)

	l.mu.Lock()
	if gen != l.generation || ctx.Err() != nil {
		l.mu.Unlock()
		telemetry.AddSpanEvent(span, "superseded")
		l.config.Metrics.RecordCatalogFetch(context.WithoutCancel(ctx), "superseded", elapsed)
		return
	}
	l.cancelFetch = nil

	var outcome string
	changed := false
	prevConnectivity := l.connectivity

	switch {
	case err != nil:
		outcome = "failed"
		l.connectivity = Disconnected
		changed = prevConnectivity != Disconnected
		telemetry.RecordError(span, err)
	default:
		filtered := catalog.FilterSilence(fetched)
		if len(filtered) == 0 {
			outcome = "empty"
		} else {
			outcome = "applied"
			l.catalog = filtered
			l.connectivity = Connected
			changed = true
		}
		telemetry.SetSpanOK(span)
	}

	var snap Snapshot
	var seq uint64
	if changed {
		l.applySeq++
		seq = l.applySeq
		snap = Snapshot{Catalog: l.catalog.Clone(), Connectivity: l.connectivity}
	}
	l.mu.Unlock()

	l.config.Metrics.RecordCatalogFetch(ctx, outcome, elapsed)
	l.logOutcome(outcome, err, prevConnectivity, elapsed)

	if changed {
		l.notify(seq, snap)
	}
}

// notify delivers snap unless a later application was already delivered.
func (l *Loop) notify(seq uint64, snap Snapshot) {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()

	if seq <= l.notifiedSeq {
		return
	}
	l.notifiedSeq = seq
	for _, fn := range l.listeners {
		fn(snap)
	}
}

func (l *Loop) logOutcome(outcome string, err error, prev Connectivity, elapsed time.Duration) {
	switch outcome {
	case "failed":
		attrs := []any{slog.String("error", err.Error())}
		var fe *FetchError
		if errors.As(err, &fe) {
			attrs = append(attrs, slog.String("kind", fe.Kind.String()))
			if fe.StatusCode != 0 {
				attrs = append(attrs, slog.Int("status", fe.StatusCode))
			}
		}
		if prev != Disconnected {
			l.logger.Warn("config fetch failed, keeping last catalog", attrs...)
		} else {
			l.logger.Debug("config fetch still failing", attrs...)
		}
	case "empty":
		l.logger.Debug("config fetch returned no playable options, keeping last catalog")
	case "applied":
		if prev != Connected {
			l.logger.Info("config endpoint connected", slog.Duration("latency", elapsed))
		}
	}
}
