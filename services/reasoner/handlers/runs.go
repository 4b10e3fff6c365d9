// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the reasoner's HTTP surface. Handlers are a
// thin shell: validation and execution live in the registry and engine.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/SitkaAI/SitkaReason/services/reasoner/config"
	"github.com/SitkaAI/SitkaReason/services/reasoner/datatypes"
	"github.com/SitkaAI/SitkaReason/services/reasoner/registry"
)

// StartRunRequest is the submission payload. Config is optional: when it is
// absent the service's run defaults apply. A supplied Config replaces those
// defaults as a whole; the registry's Normalize then fills only its
// zero-valued strategy, beam width, embedding dim, stop conditions, cache
// section and weights from the built-in defaults.
type StartRunRequest struct {
	Task   datatypes.Task       `json:"task"`
	Config *datatypes.RunConfig `json:"config,omitempty"`
}

// StartRun handles POST /v1/runs.
func StartRun(reg *registry.Registry, defaults *config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req StartRunRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}

		cfg := defaults.RunDefaults()
		if req.Config != nil {
			cfg = *req.Config
		}

		runID, err := reg.Start(req.Task, cfg)
		if err != nil {
			if errors.Is(err, datatypes.ErrInvalidConfig) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			slog.Error("Run submission failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to start run"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{
			"run_id": runID,
			"status": datatypes.StatusPending,
		})
	}
}

// GetStatus handles GET /v1/runs/:id.
func GetStatus(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snap, err := reg.Status(c.Param("id"))
		if err != nil {
			respondRegistryError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// GetTrace handles GET /v1/runs/:id/trace.
func GetTrace(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		trace, err := reg.Trace(c.Param("id"))
		if err != nil {
			respondRegistryError(c, err)
			return
		}
		c.JSON(http.StatusOK, trace)
	}
}

// CancelRun handles DELETE /v1/runs/:id.
func CancelRun(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		outcome, err := reg.Cancel(runID)
		if err != nil {
			respondRegistryError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"run_id":  runID,
			"outcome": outcome,
		})
	}
}

// ListRuns handles GET /v1/runs.
func ListRuns(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": reg.List()})
	}
}

// GetRunDefaults handles GET /v1/config/defaults.
func GetRunDefaults(defaults *config.Provider) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, defaults.RunDefaults())
	}
}

// HealthCheck handles GET /health.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "reasoner"})
}

func respondRegistryError(c *gin.Context, err error) {
	if errors.Is(err, registry.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	slog.Error("Registry operation failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
