// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes assembles the master's gin router.
package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aqea/aqea-extractor/services/master"
	"github.com/aqea/aqea-extractor/services/master/handlers"
	"github.com/aqea/aqea-extractor/services/master/observability"
)

// Setup registers every endpoint of the coordinator API plus the
// Prometheus scrape endpoint.
func Setup(router *gin.Engine, coord *master.Coordinator, metrics *observability.Metrics) {
	router.Use(requestMetrics(metrics))

	api := router.Group("/api")
	{
		api.POST("/register", handlers.Register(coord))
		api.GET("/work", handlers.GetWork(coord))
		api.POST("/work/:work_id/progress", handlers.Progress(coord))
		api.POST("/work/:work_id/complete", handlers.Complete(coord))
		api.POST("/heartbeat", handlers.Heartbeat(coord))
		api.GET("/status", handlers.Status(coord))
		api.GET("/status/stream", handlers.StatusStream(coord))
		api.GET("/health", handlers.Health(coord))
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

// requestMetrics records request counts and latency per route.
func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.RequestsTotal.WithLabelValues(endpoint, statusClass(c.Writer.Status())).Inc()
		metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func statusClass(code int) string {
	switch {
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
