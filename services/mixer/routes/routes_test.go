// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/gin-gonic/gin"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type stubMixer struct{}

func (stubMixer) Snapshot() mixer.View { return mixer.View{} }

func (stubMixer) Vote(_ context.Context, track, option string) (negotiator.Outcome, error) {
	return negotiator.Outcome{Track: track, Option: option}, nil
}

func (stubMixer) StartTransport() error { return nil }
func (stubMixer) StopTransport() error  { return nil }

func (stubMixer) Changes() (<-chan struct{}, func()) {
	return make(chan struct{}), func() {}
}

func (stubMixer) Refresh(context.Context) {}

func hasRoute(router *gin.Engine, method, path string) bool {
	for _, r := range router.Routes() {
		if r.Method == method && r.Path == path {
			return true
		}
	}
	return false
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersMixerAPI(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, stubMixer{}, nil, nil)

	coreRoutes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/api/tracks"},
		{"GET", "/api/state"},
		{"POST", "/api/refresh"},
		{"POST", "/api/votes"},
		{"POST", "/api/transport/:action"},
		{"GET", "/api/stream"},
	}
	for _, expected := range coreRoutes {
		if !hasRoute(router, expected.method, expected.path) {
			t.Errorf("Expected route %s %s to be registered", expected.method, expected.path)
		}
	}

	if hasRoute(router, "GET", "/api/config") {
		t.Error("/api/config should not be registered without a config handler")
	}
}

func TestSetupRoutes_WithConfigHandler(t *testing.T) {
	router := gin.New()
	called := false
	SetupRoutes(router, stubMixer{}, func(c *gin.Context) {
		called = true
		c.JSON(http.StatusOK, gin.H{})
	}, nil)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/api/config", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /api/config, got %d", w.Code)
	}
	if !called {
		t.Error("config handler was not invoked")
	}
}

func TestNewRouter_RecoversFromPanics(t *testing.T) {
	router := NewRouter("djtoggle-test")
	router.GET("/boom", func(*gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/boom", nil)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 after panic, got %d", w.Code)
	}
}
