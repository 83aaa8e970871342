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
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// PlayerConfig configures a Player.
type PlayerConfig struct {
	// Logger receives composition failures. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics records composition outcomes. May be nil.
	Metrics *telemetry.Metrics

	// OnApplied, if set, is called by Run after each received state has
	// been handled, whether or not composition succeeded.
	OnApplied func()
}

// Player recomposes the pattern whenever the flag state changes and hands
// the result to the engine.
//
// A failed composition, including a panic inside the composer, is logged
// and leaves the previously scheduled pattern in effect.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Applications are serialized.
type Player struct {
	composer  Composer
	engine    Engine
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	onApplied func()

	mu        sync.Mutex
	lastState flags.State
	current   Expression
}

// NewPlayer creates a player feeding engine.
func NewPlayer(composer Composer, engine Engine, config PlayerConfig) *Player {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		composer:  composer,
		engine:    engine,
		logger:    logger.With(slog.String("component", "player")),
		metrics:   config.Metrics,
		onApplied: config.OnApplied,
	}
}

// Run applies every state received on updates until ctx is done or
// updates is closed. Composition failures never stop the loop.
func (p *Player) Run(ctx context.Context, updates <-chan flags.State) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-updates:
			if !ok {
				return nil
			}
			_ = p.Apply(ctx, state)
			if p.onApplied != nil {
				p.onApplied()
			}
		}
	}
}

// Apply composes state and schedules the result.
//
// Returns the composition or engine error after logging it; the previous
// pattern stays active in that case.
func (p *Player) Apply(ctx context.Context, state flags.State) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.lastState = state.Clone()
	return p.applyLocked(ctx, p.lastState)
}

// Recompose re-applies the last received state, for example after the
// pattern table changed.
func (p *Player) Recompose(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.applyLocked(ctx, p.lastState)
}

// Current returns the last expression handed to the engine.
func (p *Player) Current() Expression {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Player) applyLocked(ctx context.Context, state flags.State) error {
	ctx, span := telemetry.StartSpan(ctx, "djtoggle/pattern", "pattern.Apply")
	defer span.End()
	span.SetAttributes(attribute.Int("pattern.flags", len(state)))

	expr, err := p.safeCompose(state)
	if err != nil {
		telemetry.RecordError(span, err)
		p.metrics.RecordComposition(ctx, false)
		p.logger.Error("pattern composition failed, keeping previous pattern",
			slog.String("error", err.Error()))
		return err
	}
	p.metrics.RecordComposition(ctx, true)

	if expr == p.current {
		telemetry.SetSpanOK(span)
		return nil
	}
	if err := p.engine.SetPattern(expr); err != nil {
		telemetry.RecordError(span, err)
		p.logger.Error("engine rejected pattern, keeping previous pattern",
			slog.String("error", err.Error()))
		return err
	}
	p.current = expr
	telemetry.SetSpanOK(span)
	p.logger.Debug("pattern scheduled", slog.Int("length", len(expr)))
	return nil
}

// safeCompose turns a composer panic into a CompositionError.
func (p *Player) safeCompose(state flags.State) (expr Expression, err error) {
	defer func() {
		if r := recover(); r != nil {
			expr = ""
			err = &CompositionError{Reason: fmt.Sprintf("composer panicked: %v", r)}
		}
	}()
	return p.composer.Compose(state)
}
