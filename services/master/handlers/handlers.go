// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the master's HTTP API surface. All
// endpoints consume and produce JSON; timestamps are RFC 3339 and
// bytes render as 0xHH strings.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/pkg/validation"
	"github.com/aqea/aqea-extractor/services/master"
)

// RegisterRequest is the POST /api/register body. A missing worker_id
// gets one generated.
type RegisterRequest struct {
	WorkerID     string         `json:"worker_id"`
	Capabilities map[string]any `json:"capabilities"`
}

// Register handles worker registration.
func Register(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		if req.WorkerID == "" {
			req.WorkerID = "worker-" + uuid.NewString()[:8]
		}
		if err := validation.ValidateWorkerID(req.WorkerID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := coord.RegisterWorker(c.Request.Context(), req.WorkerID, c.ClientIP()); err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"worker_id":   req.WorkerID,
			"assigned_at": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// GetWork claims the next pending unit for the calling worker.
// 204 when the plan is drained, 409 when the worker already owns an
// active unit.
func GetWork(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		workerID := c.Query("worker_id")
		if err := validation.ValidateWorkerID(workerID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		units, err := coord.Store().ListWorkUnits(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		for _, u := range units {
			if u.AssignedWorker == workerID &&
				(u.Status == database.UnitAssigned || u.Status == database.UnitProcessing) {
				c.JSON(http.StatusConflict, gin.H{
					"error":   "worker already owns an active unit",
					"work_id": u.WorkID,
				})
				return
			}
		}

		unit, err := coord.ClaimWork(c.Request.Context(), workerID)
		if err != nil {
			storeError(c, err)
			return
		}
		if unit == nil {
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"work_id":           unit.WorkID,
			"language":          unit.Language,
			"source":            unit.Source,
			"range_start":       unit.RangeStart,
			"range_end":         unit.RangeEnd,
			"estimated_entries": unit.EstimatedEntries,
		})
	}
}

// ProgressRequest is the POST /api/work/:work_id/progress body.
type ProgressRequest struct {
	WorkerID         string               `json:"worker_id" binding:"required"`
	EntriesProcessed int                  `json:"entries_processed"`
	CurrentRate      float64              `json:"current_rate"`
	Errors           []database.UnitError `json:"errors"`
}

// Progress applies a progress report to an owned unit.
func Progress(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		workID := c.Param("work_id")
		if err := validation.ValidateWorkID(workID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req ProgressRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		err := coord.ReportProgress(c.Request.Context(), workID, req.WorkerID,
			req.EntriesProcessed, req.CurrentRate, req.Errors)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// CompleteRequest is the POST /api/work/:work_id/complete body.
type CompleteRequest struct {
	WorkerID         string `json:"worker_id" binding:"required"`
	EntriesProcessed int    `json:"entries_processed"`
	Success          *bool  `json:"success"`
}

// Complete finalizes an owned unit.
func Complete(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		workID := c.Param("work_id")
		if err := validation.ValidateWorkID(workID); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req CompleteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		success := true
		if req.Success != nil {
			success = *req.Success
		}
		err := coord.CompleteWork(c.Request.Context(), workID, req.WorkerID, req.EntriesProcessed, success)
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// HeartbeatRequest is the POST /api/heartbeat body.
type HeartbeatRequest struct {
	WorkerID      string `json:"worker_id" binding:"required"`
	Status        string `json:"status"`
	CurrentWorkID string `json:"current_work_id"`
}

// Heartbeat refreshes worker liveness.
func Heartbeat(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req HeartbeatRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
			return
		}
		switch req.Status {
		case "", database.WorkerIdle, database.WorkerWorking, database.WorkerError:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status " + req.Status})
			return
		}
		if err := coord.Heartbeat(c.Request.Context(), req.WorkerID, req.Status, req.CurrentWorkID); err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
	}
}

// Status returns the global snapshot.
func Status(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := coord.GetStatus(c.Request.Context())
		if err != nil {
			storeError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

// Health reports liveness of the master's store layer.
func Health(coord *master.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := coord.Store().Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"backend":   coord.Store().Name(),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// storeError maps store error kinds onto HTTP statuses: ownership
// conflicts are 409, unknown IDs 404 and store trouble 503 (clients
// retry).
func storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, database.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, database.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		slog.Error("store operation failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
	}
}
