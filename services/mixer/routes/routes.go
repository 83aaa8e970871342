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
	"github.com/AleutianAI/djtoggle/services/mixer/handlers"
	"github.com/AleutianAI/djtoggle/services/telemetry"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewRouter returns a gin engine with recovery and tracing middleware.
func NewRouter(serviceName string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	return router
}

// SetupRoutes registers the mixer API. configHandler serves /api/config and
// may be nil when this process does not proxy the flag project.
func SetupRoutes(router *gin.Engine, m handlers.Mixer, configHandler gin.HandlerFunc, metrics *telemetry.Metrics) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", handlers.Metrics)

	api := router.Group("/api")
	{
		if configHandler != nil {
			api.GET("/config", configHandler)
		}
		api.GET("/tracks", handlers.GetTracks(m))
		api.GET("/state", handlers.GetState(m))
		api.POST("/refresh", handlers.RefreshCatalog(m))
		api.POST("/votes", handlers.CastVote(m))
		api.POST("/transport/:action", handlers.Transport(m))
		api.GET("/stream", handlers.Stream(m, metrics))
	}
}
