// Copyright (C) 2025 Sitka AI (dev@sitka.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/SitkaAI/SitkaReason/services/reasoner/events"
	"github.com/SitkaAI/SitkaReason/services/reasoner/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The service fronts trusted local clients; the outer deployment layer
	// enforces origin policy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait       = 10 * time.Second
	keepAlivePeriod = 30 * time.Second
)

// StreamRunEvents handles GET /v1/runs/:id/events.
//
// # Description
//
// Upgrades to WebSocket and forwards the run's progress events as JSON
// frames. The stream closes after the terminal "DONE" event, when the run
// is already terminal at subscribe time, or when the client goes away.
func StreamRunEvents(reg *registry.Registry, broadcaster *events.Broadcaster) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := c.Param("id")
		snap, err := reg.Status(runID)
		if err != nil {
			respondRegistryError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("WebSocket upgrade failed", "run_id", runID, "error", err)
			return
		}
		defer conn.Close()

		ch, cancel := broadcaster.Subscribe(runID)
		defer cancel()

		// A run that finished before the client connected still gets one
		// closing frame with its final status.
		if snap.Status.IsTerminal() {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(snap)
			return
		}

		// Discard client frames but notice disconnects.
		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		keepAlive := time.NewTicker(keepAlivePeriod)
		defer keepAlive.Stop()

		for {
			select {
			case <-clientGone:
				return

			case <-keepAlive.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case event, ok := <-ch:
				if !ok {
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(event); err != nil {
					slog.Debug("Event write failed, dropping subscriber",
						"run_id", runID, "error", err)
					return
				}
				if event.State == "DONE" {
					return
				}
			}
		}
	}
}
