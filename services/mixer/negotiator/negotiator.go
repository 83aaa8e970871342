// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package negotiator turns a vote into flag-service evaluations.
//
// The flag service has no "set the winner" call; a vote is observed, not
// imposed. The negotiator re-identifies under a fresh request key until the
// flag evaluates to the voter's option or the attempt budget runs out:
//
//	for attempt := 0; attempt < MaxAttempts; attempt++ {
//	    identify(session, request key "<track>-<attempt>")
//	    if value absent or Evaluate(track) == value { matched }
//	    if identify failed { abort }
//	}
//	Track("vote", {track, option}); Flush()   // exactly once, always
//
// Negotiations for the same track are serialized; different tracks run
// concurrently.
package negotiator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const tracerName = "djtoggle/negotiator"

// VoteEvent is the name of the analytics event emitted for every vote.
const VoteEvent = "vote"

// ErrNegotiationExhausted reports a negotiation that used its whole budget
// without the flag landing on the desired value. It is not fatal; the vote
// event is still emitted.
var ErrNegotiationExhausted = errors.New("negotiator: attempt budget exhausted")

// Identities issues request keys and evaluation contexts.
type Identities interface {
	NewRequestKey(suffix string) string
	Context(ctx context.Context, requestKey string) flags.EvaluationContext
}

// Vote is one voter action.
type Vote struct {
	// Track is the track id, also the flag key.
	Track string

	// Option is the UI-facing option id, reported in the vote event.
	Option string

	// Value is the flag value that counts as a match. Empty matches any
	// evaluation.
	Value string
}

// Result classifies how a negotiation ended.
type Result int

const (
	// ResultMatched means the flag evaluated to the desired value.
	ResultMatched Result = iota

	// ResultUnconditional means no value was requested and the first
	// identify succeeded.
	ResultUnconditional

	// ResultExhausted means every attempt completed without a match.
	ResultExhausted

	// ResultAborted means an identify call failed.
	ResultAborted
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case ResultMatched:
		return "matched"
	case ResultUnconditional:
		return "unconditional"
	case ResultExhausted:
		return "exhausted"
	case ResultAborted:
		return "aborted"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// Outcome is the result of one negotiation.
type Outcome struct {
	Track  string
	Option string
	Result Result

	// Attempts is the number of identify calls that reached the flag
	// service. Calls refused by the rate limiter or an open breaker are
	// not counted.
	Attempts int

	// Evaluated is the last value read for the track, if any.
	Evaluated string

	// Err is ErrNegotiationExhausted, the identify failure, or nil.
	Err error
}

// Config configures a Negotiator.
type Config struct {
	// MaxAttempts is the identify budget per vote. Default: 10.
	MaxAttempts int

	// AttemptTimeout bounds each identify call. Default: 5s.
	AttemptTimeout time.Duration

	// FlushTimeout bounds the best-effort flush after a vote. Default: 2s.
	FlushTimeout time.Duration

	// IdentifyRate is the sustained identify rate shared by all
	// negotiations, per second. Default: 20.
	IdentifyRate rate.Limit

	// IdentifyBurst is the limiter burst. Default: 10.
	IdentifyBurst int

	// Breaker configures the identify circuit breaker.
	Breaker BreakerConfig

	// Logger receives negotiation logs. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics records attempts and outcomes. May be nil.
	Metrics *telemetry.Metrics
}

// DefaultConfig returns a 10-attempt configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    10,
		AttemptTimeout: 5 * time.Second,
		FlushTimeout:   2 * time.Second,
		IdentifyRate:   20,
		IdentifyBurst:  10,
		Breaker:        DefaultBreakerConfig(),
	}
}

// Negotiator runs vote negotiations against a flag service.
//
// # Thread Safety
//
// Safe for concurrent use. Negotiate calls for the same track wait for
// each other.
type Negotiator struct {
	service    flags.Service
	identities Identities
	config     Config
	logger     *slog.Logger
	limiter    *rate.Limiter
	breaker    *Breaker

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	votesMu   sync.RWMutex
	lastVotes map[string]string
}

// New creates a Negotiator. Zero config fields take DefaultConfig values.
func New(service flags.Service, identities Identities, config Config) *Negotiator {
	defaults := DefaultConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = defaults.AttemptTimeout
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if config.IdentifyRate <= 0 {
		config.IdentifyRate = defaults.IdentifyRate
	}
	if config.IdentifyBurst <= 0 {
		config.IdentifyBurst = defaults.IdentifyBurst
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Negotiator{
		service:    service,
		identities: identities,
		config:     config,
		logger:     logger.With(slog.String("component", "negotiator")),
		limiter:    rate.NewLimiter(config.IdentifyRate, config.IdentifyBurst),
		breaker:    NewBreaker(config.Breaker),
		locks:      make(map[string]*sync.Mutex),
		lastVotes:  make(map[string]string),
	}
}

// Breaker exposes the identify circuit breaker.
func (n *Negotiator) Breaker() *Breaker {
	return n.breaker
}

// Negotiate runs the negotiation for vote and emits its vote event.
//
// # Description
//
// The negotiation is tied to the vote, not to the caller: ctx supplies
// values such as the trace, but its cancellation is ignored. Identify
// failures abort the loop; an exhausted budget is reported through
// Outcome.Err as ErrNegotiationExhausted. In every case exactly one vote
// event is emitted and the option is recorded as the track's last vote.
func (n *Negotiator) Negotiate(ctx context.Context, vote Vote) Outcome {
	ctx = context.WithoutCancel(ctx)
	ctx, span := telemetry.StartSpan(ctx, tracerName, "negotiator.Negotiate")
	defer span.End()
	span.SetAttributes(
		attribute.String("vote.track", vote.Track),
		attribute.String("vote.option", vote.Option),
		attribute.Bool("vote.has_value", vote.Value != ""),
	)

	lock := n.trackLock(vote.Track)
	lock.Lock()

	start := time.Now()
	out := n.attempts(ctx, vote)

	n.service.Track(VoteEvent, map[string]string{"track": vote.Track, "option": vote.Option})
	n.recordLastVote(vote.Track, vote.Option)
	lock.Unlock()

	n.config.Metrics.RecordVote(ctx, vote.Track, vote.Option)
	n.config.Metrics.RecordNegotiation(ctx, vote.Track, out.Result.String(), time.Since(start))
	span.SetAttributes(
		attribute.String("vote.result", out.Result.String()),
		attribute.Int("vote.attempts", out.Attempts),
	)

	logger := telemetry.LoggerWithTrace(ctx, n.logger).With(
		slog.String("track", vote.Track),
		slog.String("option", vote.Option),
		slog.Int("attempts", out.Attempts),
	)
	switch out.Result {
	case ResultExhausted:
		logger.Warn("negotiation exhausted without match", slog.String("last_value", out.Evaluated))
		telemetry.AddSpanEvent(span, "exhausted")
	case ResultAborted:
		logger.Error("negotiation aborted", slog.String("error", out.Err.Error()))
		telemetry.RecordError(span, out.Err)
	default:
		logger.Info("negotiation complete", slog.String("result", out.Result.String()))
		telemetry.SetSpanOK(span)
	}

	flushCtx, cancel := context.WithTimeout(ctx, n.config.FlushTimeout)
	defer cancel()
	if err := n.service.Flush(flushCtx); err != nil {
		logger.Debug("vote flush failed", slog.String("error", err.Error()))
	}
	return out
}

// attempts runs the identify loop. Callers hold the track lock.
func (n *Negotiator) attempts(ctx context.Context, vote Vote) Outcome {
	out := Outcome{Track: vote.Track, Option: vote.Option}

	for attempt := 0; attempt < n.config.MaxAttempts; attempt++ {
		requestKey := n.identities.NewRequestKey(fmt.Sprintf("%s-%d", vote.Track, attempt))
		ec := n.identities.Context(ctx, requestKey)

		err := n.identify(ctx, ec, func() {
			out.Attempts++
			n.config.Metrics.RecordNegotiationAttempt(ctx, vote.Track)
		})
		if err != nil {
			out.Result = ResultAborted
			out.Err = fmt.Errorf("identify attempt %d: %w", attempt, err)
			return out
		}

		if vote.Value == "" {
			out.Result = ResultUnconditional
			return out
		}
		out.Evaluated = n.service.Evaluate(vote.Track, "")
		if out.Evaluated == vote.Value {
			out.Result = ResultMatched
			return out
		}
		n.logger.Debug("attempt did not match",
			slog.String("track", vote.Track),
			slog.Int("attempt", attempt),
			slog.String("got", out.Evaluated),
			slog.String("want", vote.Value))
	}

	out.Result = ResultExhausted
	out.Err = ErrNegotiationExhausted
	return out
}

// identify re-identifies through the rate limiter and breaker. sent runs
// only when the call actually reaches the service.
func (n *Negotiator) identify(ctx context.Context, ec flags.EvaluationContext, sent func()) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}
	return n.breaker.Execute(func() error {
		sent()
		attemptCtx, cancel := context.WithTimeout(ctx, n.config.AttemptTimeout)
		defer cancel()
		return n.service.Identify(attemptCtx, ec)
	})
}

func (n *Negotiator) trackLock(track string) *sync.Mutex {
	n.locksMu.Lock()
	defer n.locksMu.Unlock()
	l, ok := n.locks[track]
	if !ok {
		l = &sync.Mutex{}
		n.locks[track] = l
	}
	return l
}

func (n *Negotiator) recordLastVote(track, option string) {
	n.votesMu.Lock()
	defer n.votesMu.Unlock()
	n.lastVotes[track] = option
}

// LastVote returns the option last voted for on track.
func (n *Negotiator) LastVote(track string) (string, bool) {
	n.votesMu.RLock()
	defer n.votesMu.RUnlock()
	option, ok := n.lastVotes[track]
	return option, ok
}

// LastVotes returns a copy of the last vote per track.
func (n *Negotiator) LastVotes() map[string]string {
	n.votesMu.RLock()
	defer n.votesMu.RUnlock()
	out := make(map[string]string, len(n.lastVotes))
	for k, v := range n.lastVotes {
		out[k] = v
	}
	return out
}
