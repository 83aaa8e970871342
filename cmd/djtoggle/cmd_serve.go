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
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/AleutianAI/djtoggle/cmd/djtoggle/config"
	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/mixer/identity"
	"github.com/AleutianAI/djtoggle/services/mixer/routes"
	"github.com/AleutianAI/djtoggle/services/proxy"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg := config.Global
	log := logger.Slog()

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			log.Warn("telemetry shutdown failed", "error", err)
		}
	}()
	metrics, err := telemetry.DefaultMetrics()
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	store, closeStore, err := openSessionStore(cfg, log)
	if err != nil {
		// Non-fatal: the session lives in memory for this run.
		log.Warn("session store unavailable, using an in-memory session", "error", err)
		store, closeStore = nil, func() {}
	}
	defer closeStore()

	flagClient, err := newFlagClient(cfg, log)
	if err != nil {
		return err
	}

	p := newProxy(cfg, log, metrics)
	defer p.Close()
	if cfg.Proxy.APIKey == "" {
		log.Warn("no LaunchDarkly API key configured, /api/config will fail", "env", config.EnvAPIKey)
	}

	mc := mixerConfig(cfg, log, metrics)
	mc.Invalidate = p.Invalidate
	controller := mixer.New(
		catalogSource(cfg, p),
		flagClient,
		identity.NewManager(store, log),
		mc,
	)

	gin.SetMode(gin.ReleaseMode)
	router := routes.NewRouter(cfg.Telemetry.ServiceName)
	routes.SetupRoutes(router, controller, p.Handler(), metrics)
	proxy.MountStatic(router, cfg.Server.StaticDir, log)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: router,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return controller.Run(gctx)
	})
	g.Go(func() error {
		log.Info("Server running", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info("djtoggle stopped")
	return err
}
