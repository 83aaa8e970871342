// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the djtoggle instrument set.
//
// Description:
//
//	Counters and histograms for catalog fetches, vote negotiation, pattern
//	composition and errors. All instruments use the "djtoggle_" prefix.
//	Every Record method is safe on a nil *Metrics, so components can take
//	an optional Metrics without guarding each call.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// CatalogFetchesTotal counts catalog fetches by outcome
	// (applied, empty, failed, superseded).
	CatalogFetchesTotal metric.Int64Counter

	// CatalogFetchDuration records catalog fetch latency in seconds.
	CatalogFetchDuration metric.Float64Histogram

	// NegotiationAttemptsTotal counts identify attempts by track.
	NegotiationAttemptsTotal metric.Int64Counter

	// NegotiationsTotal counts finished negotiations by track and result.
	NegotiationsTotal metric.Int64Counter

	// NegotiationDuration records negotiation latency in seconds.
	NegotiationDuration metric.Float64Histogram

	// VotesTotal counts vote events emitted, by track and option.
	VotesTotal metric.Int64Counter

	// CompositionsTotal counts pattern compositions by status.
	CompositionsTotal metric.Int64Counter

	// StreamSubscribers tracks connected WebSocket subscribers.
	StreamSubscribers metric.Int64UpDownCounter

	// ErrorsTotal counts errors by component.
	ErrorsTotal metric.Int64Counter
}

// NewMetrics creates the instrument set on meter.
//
// Inputs:
//
//	meter - Usually otel.Meter("djtoggle").
//
// Outputs:
//
//	*Metrics - The instruments.
//	error - Non-nil if any instrument cannot be created.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CatalogFetchesTotal, err = meter.Int64Counter(
		"djtoggle_catalog_fetches_total",
		metric.WithDescription("Total catalog fetches"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create catalog_fetches_total: %w", err)
	}

	m.CatalogFetchDuration, err = meter.Float64Histogram(
		"djtoggle_catalog_fetch_duration_seconds",
		metric.WithDescription("Catalog fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2),
	)
	if err != nil {
		return nil, fmt.Errorf("create catalog_fetch_duration: %w", err)
	}

	m.NegotiationAttemptsTotal, err = meter.Int64Counter(
		"djtoggle_negotiation_attempts_total",
		metric.WithDescription("Total identify attempts made while negotiating votes"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create negotiation_attempts_total: %w", err)
	}

	m.NegotiationsTotal, err = meter.Int64Counter(
		"djtoggle_negotiations_total",
		metric.WithDescription("Total vote negotiations"),
		metric.WithUnit("{negotiation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create negotiations_total: %w", err)
	}

	m.NegotiationDuration, err = meter.Float64Histogram(
		"djtoggle_negotiation_duration_seconds",
		metric.WithDescription("Vote negotiation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, fmt.Errorf("create negotiation_duration: %w", err)
	}

	m.VotesTotal, err = meter.Int64Counter(
		"djtoggle_votes_total",
		metric.WithDescription("Total vote events emitted"),
		metric.WithUnit("{vote}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create votes_total: %w", err)
	}

	m.CompositionsTotal, err = meter.Int64Counter(
		"djtoggle_compositions_total",
		metric.WithDescription("Total pattern compositions"),
		metric.WithUnit("{composition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create compositions_total: %w", err)
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter(
		"djtoggle_stream_subscribers",
		metric.WithDescription("Connected pattern stream subscribers"),
		metric.WithUnit("{subscriber}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stream_subscribers: %w", err)
	}

	m.ErrorsTotal, err = meter.Int64Counter(
		"djtoggle_errors_total",
		metric.WithDescription("Total errors by component"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create errors_total: %w", err)
	}

	return m, nil
}

// DefaultMetrics creates the instrument set on the global meter provider.
func DefaultMetrics() (*Metrics, error) {
	return NewMetrics(otel.Meter("djtoggle"))
}

// RecordCatalogFetch records one catalog fetch.
func (m *Metrics) RecordCatalogFetch(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.CatalogFetchesTotal.Add(ctx, 1, attrs)
	m.CatalogFetchDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordNegotiationAttempt records one identify attempt for track.
func (m *Metrics) RecordNegotiationAttempt(ctx context.Context, track string) {
	if m == nil {
		return
	}
	m.NegotiationAttemptsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("track", track)))
}

// RecordNegotiation records a finished negotiation.
func (m *Metrics) RecordNegotiation(ctx context.Context, track, result string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("track", track),
		attribute.String("result", result),
	)
	m.NegotiationsTotal.Add(ctx, 1, attrs)
	m.NegotiationDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordVote records an emitted vote event.
func (m *Metrics) RecordVote(ctx context.Context, track, option string) {
	if m == nil {
		return
	}
	m.VotesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("track", track),
		attribute.String("option", option),
	))
}

// RecordComposition records a composition attempt.
func (m *Metrics) RecordComposition(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.CompositionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// AddStreamSubscribers adjusts the subscriber gauge by delta.
func (m *Metrics) AddStreamSubscribers(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.StreamSubscribers.Add(ctx, delta)
}

// RecordError records an error in component.
func (m *Metrics) RecordError(ctx context.Context, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("component", component)))
}
