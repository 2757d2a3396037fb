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
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/aqea/aqea-extractor/services/master"
)

var statusUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The monitor runs on operator machines, not browsers; origin
	// checks add nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const statusStreamInterval = 5 * time.Second

// StatusStream upgrades to a websocket and pushes a status snapshot
// every few seconds until the client disconnects. The terminal monitor
// uses this instead of polling /api/status.
func StatusStream(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := statusUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Warn("status stream upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// Drain control frames so pings and close messages are handled.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(statusStreamInterval)
		defer ticker.Stop()

		for {
			st, err := coord.GetStatus(c.Request.Context())
			if err != nil {
				slog.Error("status stream snapshot failed", "error", err)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(st); err != nil {
				return
			}
			select {
			case <-ticker.C:
			case <-c.Request.Context().Done():
				return
			}
		}
	}
}
