// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// Handler serves GET /api/config.
//
// Failures answer 500 with {"error": ...}; upstream details are logged,
// never returned.
func (p *Proxy) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := p.Config(c.Request.Context())
		switch {
		case errors.Is(err, ErrMissingAPIKey):
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Missing API Key configuration"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch configuration"})
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	}
}

// MountStatic serves a built web client from dir with single-page fallback:
// unknown GET paths return index.html and other methods 404. When dir does
// not exist only GET / answers, with a plain-text notice.
func MountStatic(router *gin.Engine, dir string, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if info, err := os.Stat(dir); dir == "" || err != nil || !info.IsDir() {
		logger.Warn("static directory not found, API mode only", "dir", dir)
		router.GET("/", func(c *gin.Context) {
			c.String(http.StatusOK, "Backend Server Running. Web client not built/found.")
		})
		return
	}

	index := filepath.Join(dir, "index.html")
	router.NoRoute(func(c *gin.Context) {
		if c.Request.Method != http.MethodGet {
			c.String(http.StatusNotFound, "Not Found")
			return
		}
		rel := filepath.FromSlash(strings.TrimPrefix(filepath.ToSlash(filepath.Clean("/"+c.Request.URL.Path)), "/"))
		if rel != "" && rel != "." {
			candidate := filepath.Join(dir, rel)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				c.File(candidate)
				return
			}
		}
		c.File(index)
	})
}
