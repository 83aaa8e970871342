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
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrEmptyPattern is returned by SetPattern for an empty expression.
var ErrEmptyPattern = errors.New("pattern: empty expression")

// Engine plays one active pattern and exposes transport controls.
type Engine interface {
	// SetPattern schedules expr to replace the active pattern.
	SetPattern(expr Expression) error

	// Start begins playback. Starting a playing engine is a no-op.
	Start() error

	// Stop halts playback. Stopping a stopped engine is a no-op.
	Stop() error

	// Playing reports whether the transport is running.
	Playing() bool

	// Active returns the pattern currently in effect.
	Active() Expression
}

// EngineState is what the engine is doing at a point in time.
type EngineState struct {
	Pattern Expression `json:"pattern"`
	Playing bool       `json:"playing"`
	Cycle   uint64     `json:"cycle"`
}

// SchedulerConfig configures a Scheduler.
type SchedulerConfig struct {
	// CycleLength is the duration of one pattern cycle. Default: 2s.
	CycleLength time.Duration

	// Logger receives transport logs. Nil uses slog.Default().
	Logger *slog.Logger
}

// Scheduler is an Engine that swaps patterns on cycle boundaries.
//
// # Description
//
// While playing, a new pattern is held as pending and becomes active at the
// next cycle boundary so a cycle never plays half of one pattern and half
// of another. While stopped there is no boundary to wait for and the
// pattern becomes active immediately. Listeners are told about every change
// of active pattern or transport state, in order.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Scheduler struct {
	config SchedulerConfig
	logger *slog.Logger

	mu      sync.Mutex
	active  Expression
	pending Expression
	playing bool
	cycle   uint64
	stopCh  chan struct{}
	doneCh  chan struct{}

	changeSeq   uint64
	notifyMu    sync.Mutex
	notifiedSeq uint64
	listeners   []func(EngineState)
}

// NewScheduler creates a stopped scheduler with no active pattern.
func NewScheduler(config SchedulerConfig) *Scheduler {
	if config.CycleLength <= 0 {
		config.CycleLength = 2 * time.Second
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		config: config,
		logger: logger.With(slog.String("component", "engine")),
	}
}

// OnChange registers fn to receive engine state changes.
func (s *Scheduler) OnChange(fn func(EngineState)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetPattern implements Engine.
func (s *Scheduler) SetPattern(expr Expression) error {
	if expr == "" {
		return ErrEmptyPattern
	}

	s.mu.Lock()
	if s.playing {
		s.pending = expr
		s.mu.Unlock()
		s.logger.Debug("pattern queued for next cycle")
		return nil
	}
	s.pending = ""
	if expr == s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = expr
	seq, state := s.changedLocked()
	s.mu.Unlock()

	s.notify(seq, state)
	return nil
}

// Start implements Engine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.playing {
		s.mu.Unlock()
		return nil
	}
	s.playing = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.run(s.stopCh, s.doneCh)
	seq, state := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info("transport started", slog.Duration("cycle_length", s.config.CycleLength))
	s.notify(seq, state)
	return nil
}

// Stop implements Engine. A pending pattern becomes active.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.playing {
		s.mu.Unlock()
		return nil
	}
	s.playing = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done

	s.mu.Lock()
	if s.pending != "" {
		s.active = s.pending
		s.pending = ""
	}
	seq, state := s.changedLocked()
	s.mu.Unlock()

	s.logger.Info("transport stopped")
	s.notify(seq, state)
	return nil
}

// Playing implements Engine.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// Active implements Engine.
func (s *Scheduler) Active() Expression {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// State returns the current engine state.
func (s *Scheduler) State() EngineState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return EngineState{Pattern: s.active, Playing: s.playing, Cycle: s.cycle}
}

func (s *Scheduler) run(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.CycleLength)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.boundary()
		}
	}
}

// boundary advances the cycle and promotes the pending pattern.
func (s *Scheduler) boundary() {
	s.mu.Lock()
	s.cycle++
	if s.pending == "" || s.pending == s.active {
		s.pending = ""
		s.mu.Unlock()
		return
	}
	s.active = s.pending
	s.pending = ""
	seq, state := s.changedLocked()
	s.mu.Unlock()

	s.logger.Debug("pattern applied", slog.Uint64("cycle", state.Cycle))
	s.notify(seq, state)
}

// changedLocked numbers a state change. Callers hold s.mu.
func (s *Scheduler) changedLocked() (uint64, EngineState) {
	s.changeSeq++
	return s.changeSeq, EngineState{Pattern: s.active, Playing: s.playing, Cycle: s.cycle}
}

func (s *Scheduler) notify(seq uint64, state EngineState) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if seq <= s.notifiedSeq {
		return
	}
	s.notifiedSeq = seq
	for _, fn := range s.listeners {
		fn(state)
	}
}
