// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/mixer/catalog"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test helpers
// =============================================================================

type fakeMixer struct {
	mu        sync.Mutex
	view      mixer.View
	voteErr   error
	outcome   negotiator.Outcome
	votes     []string
	refreshes int
	changes   chan struct{}
}

func newFakeMixer() *fakeMixer {
	return &fakeMixer{
		view: mixer.View{
			Tracks:       catalog.Default(),
			Connectivity: "connected",
			Pattern:      "stack(a)",
			LastVotes:    map[string]string{},
		},
		changes: make(chan struct{}, 1),
	}
}

func (f *fakeMixer) Snapshot() mixer.View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.view
}

func (f *fakeMixer) Vote(_ context.Context, track, option string) (negotiator.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, track+"/"+option)
	if f.voteErr != nil {
		return negotiator.Outcome{}, f.voteErr
	}
	out := f.outcome
	out.Track, out.Option = track, option
	return out, nil
}

func (f *fakeMixer) StartTransport() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view.Playing = true
	return nil
}

func (f *fakeMixer) StopTransport() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.view.Playing = false
	return nil
}

func (f *fakeMixer) Changes() (<-chan struct{}, func()) {
	return f.changes, func() {}
}

func (f *fakeMixer) Refresh(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	f.view.Connectivity = "connected"
}

func (f *fakeMixer) setPattern(p string) {
	f.mu.Lock()
	f.view.Pattern = p
	f.mu.Unlock()
	f.changes <- struct{}{}
}

func newTestRouter(m Mixer) *gin.Engine {
	router := gin.New()
	router.GET("/health", HealthCheck)
	router.GET("/metrics", Metrics)
	router.GET("/api/tracks", GetTracks(m))
	router.GET("/api/state", GetState(m))
	router.POST("/api/refresh", RefreshCatalog(m))
	router.POST("/api/votes", CastVote(m))
	router.POST("/api/transport/:action", Transport(m))
	router.GET("/api/stream", Stream(m, nil))
	return router
}

func do(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck_ReturnsOK(t *testing.T) {
	w := do(newTestRouter(newFakeMixer()), "GET", "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var response map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, "ok", response["status"])
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
}

// =============================================================================
// Tracks / State Tests
// =============================================================================

func TestGetTracks(t *testing.T) {
	w := do(newTestRouter(newFakeMixer()), "GET", "/api/tracks", "")

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Tracks       []catalog.Track `json:"tracks"`
		Connectivity string          `json:"connectivity"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Tracks, 4)
	assert.Equal(t, "bass", body.Tracks[0].ID)
	assert.Equal(t, "connected", body.Connectivity)
}

func TestGetState(t *testing.T) {
	w := do(newTestRouter(newFakeMixer()), "GET", "/api/state", "")

	require.Equal(t, http.StatusOK, w.Code)
	var view mixer.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "stack(a)", view.Pattern)
}

func TestRefreshCatalog(t *testing.T) {
	m := newFakeMixer()
	m.view.Connectivity = "disconnected"

	w := do(newTestRouter(m), "POST", "/api/refresh", "")

	require.Equal(t, http.StatusOK, w.Code)
	var view mixer.View
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "connected", view.Connectivity)
	assert.Equal(t, 1, m.refreshes)
}

// =============================================================================
// Vote Tests
// =============================================================================

func TestCastVote_Success(t *testing.T) {
	m := newFakeMixer()
	m.outcome = negotiator.Outcome{Result: negotiator.ResultMatched, Attempts: 2}
	w := do(newTestRouter(m), "POST", "/api/votes", `{"track":"bass","option":"option2"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp VoteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, VoteResponse{Track: "bass", Option: "option2", Result: "matched", Attempts: 2}, resp)
}

func TestCastVote_ExhaustedStillOK(t *testing.T) {
	m := newFakeMixer()
	m.outcome = negotiator.Outcome{Result: negotiator.ResultExhausted, Attempts: 10, Err: negotiator.ErrNegotiationExhausted}
	w := do(newTestRouter(m), "POST", "/api/votes", `{"track":"bass","option":"option2"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"result":"exhausted"`)
	assert.Contains(t, w.Body.String(), "budget exhausted")
}

func TestCastVote_Errors(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		voteErr  error
		wantCode int
	}{
		{"malformed body", `{"track":`, nil, http.StatusBadRequest},
		{"missing option", `{"track":"bass"}`, nil, http.StatusBadRequest},
		{"unknown track", `{"track":"vocals","option":"option1"}`, fmt.Errorf("%w: vocals", mixer.ErrUnknownTrack), http.StatusNotFound},
		{"unknown option", `{"track":"bass","option":"option9"}`, fmt.Errorf("%w: option9", mixer.ErrUnknownOption), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newFakeMixer()
			m.voteErr = tt.voteErr
			w := do(newTestRouter(m), "POST", "/api/votes", tt.body)

			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", w.Code, tt.wantCode, w.Body.String())
			}
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

// =============================================================================
// Transport Tests
// =============================================================================

func TestTransport(t *testing.T) {
	m := newFakeMixer()
	router := newTestRouter(m)

	w := do(router, "POST", "/api/transport/start", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"playing":true}`, w.Body.String())

	w = do(router, "POST", "/api/transport/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"playing":false}`, w.Body.String())

	w = do(router, "POST", "/api/transport/rewind", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Stream Tests
// =============================================================================

func TestStream_PushesStateOnConnectAndChange(t *testing.T) {
	m := newFakeMixer()
	server := httptest.NewServer(newTestRouter(m))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/stream"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))

	var msg StreamMessage
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "state", msg.Type)
	assert.Equal(t, "stack(a)", msg.Pattern)
	assert.Len(t, msg.Tracks, 4)

	m.setPattern("stack(b)")
	require.NoError(t, ws.ReadJSON(&msg))
	assert.Equal(t, "stack(b)", msg.Pattern)
}

func TestMetrics_DisabledExporter(t *testing.T) {
	w := do(newTestRouter(newFakeMixer()), "GET", "/metrics", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
