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
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/djtoggle/services/mixer"
	"github.com/AleutianAI/djtoggle/services/mixer/negotiator"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/gin-gonic/gin"
)

// Mixer is the controller surface the HTTP API needs.
type Mixer interface {
	Snapshot() mixer.View
	Vote(ctx context.Context, track, option string) (negotiator.Outcome, error)
	StartTransport() error
	StopTransport() error
	Changes() (<-chan struct{}, func())
	Refresh(ctx context.Context)
}

// VoteRequest is the body of POST /api/votes.
type VoteRequest struct {
	Track  string `json:"track" binding:"required"`
	Option string `json:"option" binding:"required"`
}

// VoteResponse reports a finished negotiation.
type VoteResponse struct {
	Track    string `json:"track"`
	Option   string `json:"option"`
	Result   string `json:"result"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Metrics serves the Prometheus scrape endpoint, or 404 when the
// Prometheus exporter is disabled.
func Metrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "metrics exporter disabled"})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

// GetTracks returns the voteable catalog with connectivity and last votes.
func GetTracks(m Mixer) gin.HandlerFunc {
	return func(c *gin.Context) {
		view := m.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"tracks":       view.Tracks,
			"connectivity": view.Connectivity,
			"last_votes":   view.LastVotes,
		})
	}
}

// GetState returns the full mixer view.
func GetState(m Mixer) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// RefreshCatalog fetches the catalog now instead of at the next poll and
// returns the resulting view.
func RefreshCatalog(m Mixer) gin.HandlerFunc {
	return func(c *gin.Context) {
		m.Refresh(c.Request.Context())
		c.JSON(http.StatusOK, m.Snapshot())
	}
}

// CastVote negotiates a vote and reports the outcome.
//
// Unknown tracks answer 404 and unknown options 400. Exhausted and aborted
// negotiations still answer 200: the vote was recorded either way.
func CastVote(m Mixer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid vote: " + err.Error()})
			return
		}

		out, err := m.Vote(c.Request.Context(), req.Track, req.Option)
		switch {
		case errors.Is(err, mixer.ErrUnknownTrack):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		case errors.Is(err, mixer.ErrUnknownOption):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		case err != nil:
			slog.Error("vote failed", "track", req.Track, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "vote failed"})
			return
		}

		resp := VoteResponse{
			Track:    out.Track,
			Option:   out.Option,
			Result:   out.Result.String(),
			Attempts: out.Attempts,
		}
		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
		c.JSON(http.StatusOK, resp)
	}
}

// Transport handles POST /api/transport/:action with action start or stop.
func Transport(m Mixer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var err error
		switch c.Param("action") {
		case "start":
			err = m.StartTransport()
		case "stop":
			err = m.StopTransport()
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "action must be start or stop"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"playing": m.Snapshot().Playing})
	}
}
