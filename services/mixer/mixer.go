// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package mixer wires the live mix for one listening session:
//
//	configsync.Loop ──catalog──▶ Vote validation ──▶ negotiator ──▶ flag service
//	flag service ──State──▶ pattern.Player ──Expression──▶ pattern.Scheduler
//
// Controller owns every component's lifecycle and offers a combined View
// plus change notifications for streaming clients.
package mixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/mixer/configsync"
	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/AleutianAI/djtoggle/services/mixer/identity"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/AleutianAI/djtoggle/services/mixer/pattern"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrUnknownTrack is returned by Vote for a track not in the catalog.
	ErrUnknownTrack = errors.New("mixer: unknown track")

	// ErrUnknownOption is returned by Vote for an option not offered on
	// the track.
	ErrUnknownOption = errors.New("mixer: unknown option")

	// ErrAlreadyRunning is returned by Run on a running controller.
	ErrAlreadyRunning = errors.New("mixer: controller already running")
)

// FlagClient is the flag-service client the controller drives.
// *flags.Client implements it.
type FlagClient interface {
	flags.Service

	// Snapshot returns the cached flag state.
	Snapshot() flags.State

	// Subscribe delivers the latest state after every cache change.
	Subscribe() (<-chan flags.State, func())

	// Run keeps the cache live and flushes events until ctx is done.
	Run(ctx context.Context) error
}

// Config configures a Controller.
type Config struct {
	// Sync configures the catalog poll loop.
	Sync configsync.Config

	// Negotiator configures vote negotiation.
	Negotiator negotiator.Config

	// Scheduler configures the pattern engine.
	Scheduler pattern.SchedulerConfig

	// Table is the pattern table. Zero value uses pattern.DefaultTable().
	Table pattern.Table

	// TablePath, if set, is a YAML table watched for changes.
	TablePath string

	// Autoplay starts the transport when Run begins.
	Autoplay bool

	// Invalidate, if set, drops upstream catalog caches before a manual
	// Refresh.
	Invalidate func()

	// Logger is shared by all components. Nil uses slog.Default().
	Logger *slog.Logger

	// Metrics is shared by all components. May be nil.
	Metrics *telemetry.Metrics
}

// View is the combined state shown to voters and listeners.
type View struct {
	Tracks       catalog.Catalog   `json:"tracks"`
	Connectivity string            `json:"connectivity"`
	Flags        flags.State       `json:"flags"`
	LastVotes    map[string]string `json:"last_votes"`
	Pattern      string            `json:"pattern"`
	Playing      bool              `json:"playing"`

	// FlagCircuit is the identify circuit breaker state: CLOSED, OPEN or
	// HALF_OPEN. OPEN means votes are currently refused without contacting
	// the flag service.
	FlagCircuit string `json:"flag_circuit"`
}

// Controller runs the mix. Create with New, then call Run.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Controller struct {
	config     Config
	logger     *slog.Logger
	flags      FlagClient
	identities *identity.Manager
	loop       *configsync.Loop
	negotiator *negotiator.Negotiator
	compositor *pattern.Compositor
	engine     *pattern.Scheduler
	player     *pattern.Player
	changes    *notifier

	runMu   sync.Mutex
	running bool
}

// New assembles a controller from a catalog source, a flag client and an
// identity manager.
func New(source configsync.Source, flagClient FlagClient, identities *identity.Manager, config Config) *Controller {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if len(config.Table.Tracks) == 0 {
		config.Table = pattern.DefaultTable()
	}
	config.Sync.Logger = logger
	config.Sync.Metrics = config.Metrics
	config.Negotiator.Logger = logger
	config.Negotiator.Metrics = config.Metrics
	config.Scheduler.Logger = logger

	c := &Controller{
		config:     config,
		logger:     logger.With(slog.String("component", "mixer")),
		flags:      flagClient,
		identities: identities,
		loop:       configsync.NewLoop(source, config.Sync),
		negotiator: negotiator.New(flagClient, identities, config.Negotiator),
		compositor: pattern.NewCompositor(config.Table),
		engine:     pattern.NewScheduler(config.Scheduler),
		changes:    newNotifier(),
	}
	c.player = pattern.NewPlayer(c.compositor, c.engine, pattern.PlayerConfig{
		Logger:    logger,
		Metrics:   config.Metrics,
		OnApplied: c.changes.signal,
	})

	c.loop.OnChange(func(configsync.Snapshot) { c.changes.signal() })
	c.engine.OnChange(func(pattern.EngineState) { c.changes.signal() })
	return c
}

// Run starts every component and blocks until ctx is done or a component
// fails.
//
// # Description
//
// The session is bootstrapped with an initial identify. A failed bootstrap
// is logged and the controller keeps running on the cached flags. On
// return the poll loop and the transport are stopped.
func (c *Controller) Run(ctx context.Context) error {
	c.runMu.Lock()
	if c.running {
		c.runMu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.runMu.Unlock()
	defer func() {
		c.runMu.Lock()
		c.running = false
		c.runMu.Unlock()
	}()

	if err := c.flags.Identify(ctx, c.identities.Bootstrap(ctx)); err != nil {
		c.logger.Warn("bootstrap identify failed, using cached flags", slog.String("error", err.Error()))
	}

	updates, unsubscribe := c.flags.Subscribe()
	defer unsubscribe()

	if c.config.TablePath != "" {
		table, err := pattern.LoadTableFile(c.config.TablePath)
		if err == nil {
			err = c.compositor.SetTable(table)
		}
		if err != nil {
			c.logger.Warn("pattern table not loaded, using built-in table", slog.String("error", err.Error()))
		}
	}

	_ = c.player.Apply(ctx, c.flags.Snapshot())
	if c.config.Autoplay {
		_ = c.engine.Start()
	}
	defer c.engine.Stop()

	if err := c.loop.Start(ctx); err != nil {
		return fmt.Errorf("start config sync: %w", err)
	}
	defer c.loop.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return c.flags.Run(gctx)
	})
	g.Go(func() error {
		return c.player.Run(gctx, updates)
	})
	if c.config.TablePath != "" {
		g.Go(func() error {
			err := pattern.WatchTable(gctx, c.config.TablePath, c.logger, c.reloadTable)
			if err != nil && gctx.Err() == nil {
				c.logger.Warn("pattern table hot reload disabled", slog.String("error", err.Error()))
			}
			return nil
		})
	}

	c.logger.Info("mixer running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil
	}
	c.logger.Info("mixer stopped")
	return err
}

func (c *Controller) reloadTable(table pattern.Table) {
	if err := c.compositor.SetTable(table); err != nil {
		c.logger.Warn("pattern table rejected", slog.String("error", err.Error()))
		return
	}
	_ = c.player.Recompose(context.Background())
	c.changes.signal()
}

// Vote validates the vote against the current catalog and negotiates it.
//
// # Outputs
//
//   - negotiator.Outcome: How the negotiation ended. Exhaustion and
//     identify failures are reported here, not as an error.
//   - error: ErrUnknownTrack or ErrUnknownOption.
func (c *Controller) Vote(ctx context.Context, trackID, optionID string) (negotiator.Outcome, error) {
	track, ok := c.loop.Catalog().Track(trackID)
	if !ok {
		return negotiator.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownTrack, trackID)
	}
	option, ok := track.Option(optionID)
	if !ok {
		return negotiator.Outcome{}, fmt.Errorf("%w: %q on track %q", ErrUnknownOption, optionID, trackID)
	}

	out := c.negotiator.Negotiate(ctx, negotiator.Vote{Track: track.ID, Option: option.ID, Value: option.Value})
	c.changes.signal()
	return out, nil
}

// StartTransport starts playback.
func (c *Controller) StartTransport() error {
	return c.engine.Start()
}

// StopTransport stops playback.
func (c *Controller) StopTransport() error {
	return c.engine.Stop()
}

// Catalog returns the current catalog.
func (c *Controller) Catalog() catalog.Catalog {
	return c.loop.Catalog()
}

// Snapshot returns the combined view.
func (c *Controller) Snapshot() View {
	synced := c.loop.Snapshot()
	engine := c.engine.State()
	return View{
		Tracks:       synced.Catalog,
		Connectivity: synced.Connectivity.String(),
		Flags:        c.flags.Snapshot(),
		LastVotes:    c.negotiator.LastVotes(),
		Pattern:      engine.Pattern.String(),
		Playing:      engine.Playing,
		FlagCircuit:  c.negotiator.Breaker().State().String(),
	}
}

// Changes returns a channel that receives a signal after any part of the
// View may have changed, and a function to stop receiving. Signals
// coalesce; read Snapshot after each.
func (c *Controller) Changes() (<-chan struct{}, func()) {
	return c.changes.subscribe()
}

// Refresh issues an immediate catalog fetch and waits for it to be
// applied or discarded.
func (c *Controller) Refresh(ctx context.Context) {
	if c.config.Invalidate != nil {
		c.config.Invalidate()
	}
	<-c.loop.Tick(ctx)
}
