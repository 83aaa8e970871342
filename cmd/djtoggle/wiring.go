// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/mixer/configsync"
	"github.com/AleutianAI/djtoggle/services/mixer/flags"
	"github.com/AleutianAI/djtoggle/services/mixer/identity"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/AleutianAI/djtoggle/services/mixer/pattern"
	"github.com/AleutianAI/djtoggle/services/proxy"
	"github.com/AleutianAI/djtoggle/services/storage/badger"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"golang.org/x/time/rate"
)

// configFetchTimeout bounds one HTTP config fetch.
const configFetchTimeout = 10 * time.Second

func newFlagClient(cfg config.DJToggleConfig, logger *slog.Logger) (*flags.Client, error) {
	if cfg.Flags.ClientSideID == "" {
		return nil, fmt.Errorf("flags.client_side_id is not set (or set %s)", config.EnvClientSideID)
	}
	return flags.New(flags.Config{
		ClientSideID:  cfg.Flags.ClientSideID,
		BaseURL:       cfg.Flags.BaseURL,
		StreamURL:     cfg.Flags.StreamURL,
		EventsURL:     cfg.Flags.EventsURL,
		Streaming:     cfg.Flags.Streaming,
		FlushInterval: cfg.Flags.FlushInterval,
		Logger:        logger,
	})
}

func newProxy(cfg config.DJToggleConfig, logger *slog.Logger, metrics *telemetry.Metrics) *proxy.Proxy {
	return proxy.New([]byte(cfg.Proxy.APIKey), proxy.Config{
		APIURL:        cfg.Proxy.APIURL,
		ProjectKey:    cfg.Proxy.ProjectKey,
		EnvKey:        cfg.Proxy.EnvKey,
		RelevantFlags: cfg.Proxy.RelevantFlags,
		CacheTTL:      cfg.Proxy.CacheTTL,
		Logger:        logger,
		Metrics:       metrics,
	})
}

// catalogSource reads sync.config_url when set, otherwise the proxy in
// process.
func catalogSource(cfg config.DJToggleConfig, p *proxy.Proxy) configsync.Source {
	if cfg.Sync.ConfigURL != "" {
		return configsync.NewHTTPSource(cfg.Sync.ConfigURL, &http.Client{Timeout: configFetchTimeout})
	}
	return p.Source()
}

// openSessionStore opens the persistent session store. A nil store with a
// nil error means the session lives in memory only.
func openSessionStore(cfg config.DJToggleConfig, logger *slog.Logger) (identity.SessionStore, func(), error) {
	if cfg.Session.StoreDir == "" {
		return nil, func() {}, nil
	}
	bcfg := badger.DefaultConfig(config.ExpandPath(cfg.Session.StoreDir))
	bcfg.Logger = logger
	store, err := badger.Open(bcfg)
	if err != nil {
		return nil, nil, fmt.Errorf("open session store: %w", err)
	}
	closeFn := func() {
		if err := store.Close(); err != nil {
			logger.Warn("failed to close session store", "error", err)
		}
	}
	return identity.NewBadgerStore(store, cfg.Session.TTL), closeFn, nil
}

func negotiatorConfig(cfg config.DJToggleConfig) negotiator.Config {
	nc := negotiator.DefaultConfig()
	nc.MaxAttempts = cfg.Negotiation.MaxAttempts
	if cfg.Negotiation.AttemptTimeout > 0 {
		nc.AttemptTimeout = cfg.Negotiation.AttemptTimeout
	}
	if cfg.Negotiation.IdentifyRate > 0 {
		nc.IdentifyRate = rate.Limit(cfg.Negotiation.IdentifyRate)
	}
	if cfg.Negotiation.IdentifyBurst > 0 {
		nc.IdentifyBurst = cfg.Negotiation.IdentifyBurst
	}
	return nc
}

func mixerConfig(cfg config.DJToggleConfig, logger *slog.Logger, metrics *telemetry.Metrics) mixer.Config {
	return mixer.Config{
		Sync:       configsync.Config{Interval: cfg.Sync.Interval},
		Negotiator: negotiatorConfig(cfg),
		Scheduler:  pattern.SchedulerConfig{CycleLength: cfg.Pattern.CycleLength},
		TablePath:  config.ExpandPath(cfg.Pattern.TablePath),
		Autoplay:   cfg.Pattern.Autoplay,
		Logger:     logger,
		Metrics:    metrics,
	}
}
