// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SitkaAI/SitkaReason/services/reasoner/config"
	"github.com/SitkaAI/SitkaReason/services/reasoner/events"
	"github.com/SitkaAI/SitkaReason/services/reasoner/handlers"
	"github.com/SitkaAI/SitkaReason/services/reasoner/registry"
)

// SetupRoutes mounts the reasoner's HTTP surface.
func SetupRoutes(router *gin.Engine, reg *registry.Registry, defaults *config.Provider,
	broadcaster *events.Broadcaster) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		runs := v1.Group("/runs")
		{
			runs.POST("", handlers.StartRun(reg, defaults))
			runs.GET("", handlers.ListRuns(reg))
			runs.GET("/:id", handlers.GetStatus(reg))
			runs.GET("/:id/trace", handlers.GetTrace(reg))
			runs.GET("/:id/events", handlers.StreamRunEvents(reg, broadcaster))
			runs.DELETE("/:id", handlers.CancelRun(reg))
		}
		v1.GET("/config/defaults", handlers.GetRunDefaults(defaults))
	}
}
