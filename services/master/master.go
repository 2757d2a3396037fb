// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package master implements the coordinator: it partitions a language
// plan into work units, hands them to workers over the HTTP API,
// tracks liveness through heartbeats and returns the units of silent
// workers to the pool.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/pkg/config"
	"github.com/aqea/aqea-extractor/services/master/observability"
)

const (
	storeRetryBase     = 200 * time.Millisecond
	storeRetryCap      = 10 * time.Second
	storeRetryAttempts = 5
)

// Coordinator owns all master-side state transitions. Everything
// persistent lives in the store; the coordinator keeps only counters
// and configuration, so a master restart resumes where it left off.
type Coordinator struct {
	store   database.Store
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	language string
	source   string

	startedAt  time.Time
	softErrors atomic.Int64
	hardErrors atomic.Int64
}

// New builds a coordinator for one language/source run.
func New(store database.Store, cfg *config.Config, language, source string, logger *slog.Logger, metrics *observability.Metrics) *Coordinator {
	return &Coordinator{
		store:     store,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		language:  language,
		source:    source,
		startedAt: time.Now().UTC(),
	}
}

// Store exposes the underlying store for health checks.
func (c *Coordinator) Store() database.Store { return c.store }

// withRetry runs a store operation with exponential backoff on
// transient errors (base 200ms, factor 2, cap 10s, 5 attempts).
// Anything still failing afterwards surfaces to the handler as a 503.
func (c *Coordinator) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 0; attempt < storeRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := storeRetryBase << (attempt - 1)
			if delay > storeRetryCap {
				delay = storeRetryCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			c.logger.Warn("retrying store operation", "op", op, "attempt", attempt+1, "error", err)
		}
		err = fn()
		if err == nil || !errors.Is(err, database.ErrTransient) {
			return err
		}
	}
	return err
}

// CreateWorkPlan builds the work units for the run from the language
// plan and writes them to the coordination store. Deterministic IDs
// ({source}_{lang}_{idx:02d}) make the call idempotent: a master
// restart re-creates nothing.
func (c *Coordinator) CreateWorkPlan(ctx context.Context) ([]*database.WorkUnit, error) {
	plan, ok := c.cfg.Plan(c.language)
	if !ok {
		return nil, fmt.Errorf("no language plan configured for %q", c.language)
	}

	units := make([]*database.WorkUnit, 0, len(plan.AlphabetRanges))
	for i, r := range plan.AlphabetRanges {
		units = append(units, &database.WorkUnit{
			WorkID:           fmt.Sprintf("%s_%s_%02d", c.source, c.language, i+1),
			Language:         c.language,
			Source:           c.source,
			RangeStart:       r.Start,
			RangeEnd:         r.End,
			EstimatedEntries: int(math.Round(float64(plan.EstimatedEntries) * r.Weight)),
			Status:           database.UnitPending,
			MaxRetries:       database.DefaultMaxRetries,
		})
	}
	if err := c.withRetry(ctx, "create_work_units", func() error {
		return c.store.CreateWorkUnits(ctx, units)
	}); err != nil {
		return nil, err
	}

	total := 0
	for _, u := range units {
		total += u.EstimatedEntries
	}
	c.logger.Info("work plan created",
		"language", c.language, "source", c.source,
		"units", len(units), "estimated_entries", total)
	return units, nil
}

// RegisterWorker registers (or refreshes) a worker.
func (c *Coordinator) RegisterWorker(ctx context.Context, workerID, ip string) error {
	err := c.withRetry(ctx, "register_worker", func() error {
		return c.store.RegisterWorker(ctx, &database.WorkerInfo{
			WorkerID: workerID,
			IP:       ip,
			Status:   database.WorkerIdle,
		})
	})
	if err == nil {
		c.logger.Info("worker registered", "worker_id", workerID, "ip", ip)
		c.metrics.WorkersRegistered.Inc()
	}
	return err
}

// ClaimWork atomically assigns the oldest pending unit to the worker.
// Returns (nil, nil) when the plan is drained.
func (c *Coordinator) ClaimWork(ctx context.Context, workerID string) (*database.WorkUnit, error) {
	var unit *database.WorkUnit
	err := c.withRetry(ctx, "claim_next_pending", func() error {
		var err error
		unit, err = c.store.ClaimNextPending(ctx, workerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if unit != nil {
		c.logger.Info("work unit assigned", "work_id", unit.WorkID, "worker_id", workerID)
		c.metrics.UnitsAssigned.Inc()
	}
	return unit, nil
}

// ReportProgress applies a worker's progress update.
func (c *Coordinator) ReportProgress(ctx context.Context, workID, workerID string, processed int, rate float64, softErrors []database.UnitError) error {
	err := c.withRetry(ctx, "update_progress", func() error {
		return c.store.UpdateProgress(ctx, workID, workerID, processed, rate, softErrors)
	})
	if err == nil {
		c.softErrors.Add(int64(len(softErrors)))
		c.metrics.SoftErrors.Add(float64(len(softErrors)))
	}
	return err
}

// CompleteWork finalizes a unit. Repeated completion with a differing
// count is accepted last-writer-wins but logged.
func (c *Coordinator) CompleteWork(ctx context.Context, workID, workerID string, finalCount int, success bool) error {
	prior, err := c.store.GetWorkUnit(ctx, workID)
	if err == nil && prior.Status == database.UnitCompleted && prior.EntriesProcessed != finalCount {
		c.logger.Warn("repeated completion with differing count",
			"work_id", workID, "previous", prior.EntriesProcessed, "final", finalCount)
	}
	err = c.withRetry(ctx, "complete_work", func() error {
		return c.store.CompleteWork(ctx, workID, workerID, finalCount, success)
	})
	if err == nil {
		c.logger.Info("work unit completed",
			"work_id", workID, "worker_id", workerID,
			"entries", finalCount, "success", success)
		c.metrics.UnitsCompleted.Inc()
		c.metrics.EntriesProcessed.Add(float64(finalCount))
	}
	return err
}

// Heartbeat refreshes a worker's liveness.
func (c *Coordinator) Heartbeat(ctx context.Context, workerID, status, currentWorkID string) error {
	return c.withRetry(ctx, "heartbeat", func() error {
		return c.store.Heartbeat(ctx, workerID, status, currentWorkID, time.Now().UTC())
	})
}

// RunSweeps periodically marks silent workers offline and returns
// their units to the pool, until ctx is cancelled.
func (c *Coordinator) RunSweeps(ctx context.Context) {
	interval := c.cfg.Master.SweepInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("sweep loop started",
		"interval", interval, "heartbeat_timeout", c.cfg.Master.HeartbeatTimeout())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reassigned, err := c.store.SweepStaleWorkers(ctx, time.Now().UTC(), c.cfg.Master.HeartbeatTimeout())
			if err != nil {
				c.logger.Error("sweep failed", "error", err)
				c.hardErrors.Add(1)
				continue
			}
			for _, workID := range reassigned {
				c.logger.Warn("work unit reassigned after worker timeout", "work_id", workID)
				c.metrics.UnitsReassigned.Inc()
			}
		}
	}
}

// Status is the /api/status snapshot shape.
type Status struct {
	Overview struct {
		Language     string  `json:"language"`
		Source       string  `json:"source"`
		StartedAt    string  `json:"started_at"`
		RuntimeHours float64 `json:"runtime_hours"`
		Status       string  `json:"status"`
		Backend      string  `json:"backend"`
	} `json:"overview"`
	Progress struct {
		TotalEstimatedEntries int      `json:"total_estimated_entries"`
		TotalProcessedEntries int      `json:"total_processed_entries"`
		ProgressPercent       float64  `json:"progress_percent"`
		CurrentRatePerMinute  float64  `json:"current_rate_per_minute"`
		ETAHours              *float64 `json:"eta_hours"`
	} `json:"progress"`
	WorkUnits struct {
		Total      int `json:"total"`
		Pending    int `json:"pending"`
		Assigned   int `json:"assigned"`
		Processing int `json:"processing"`
		Completed  int `json:"completed"`
		Failed     int `json:"failed"`
	} `json:"work_units"`
	Workers struct {
		Total   int                    `json:"total"`
		Active  int                    `json:"active"`
		Idle    int                    `json:"idle"`
		Offline int                    `json:"offline"`
		Details []*database.WorkerInfo `json:"details"`
	} `json:"workers"`
	Errors struct {
		SoftErrors int64 `json:"soft_errors"`
		HardErrors int64 `json:"hard_errors"`
	} `json:"errors"`
	RecentCompletions []*database.WorkUnit `json:"recent_completions"`
}

// GetStatus assembles a point-in-time view from the store.
func (c *Coordinator) GetStatus(ctx context.Context) (*Status, error) {
	units, err := c.store.ListWorkUnits(ctx)
	if err != nil {
		return nil, err
	}
	workers, err := c.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	st := &Status{}
	st.Overview.Language = c.language
	st.Overview.Source = c.source
	st.Overview.StartedAt = c.startedAt.Format(time.RFC3339)
	st.Overview.RuntimeHours = round2(time.Since(c.startedAt).Hours())
	st.Overview.Backend = c.store.Name()

	var estimated, processed int
	var completed []*database.WorkUnit
	for _, u := range units {
		estimated += u.EstimatedEntries
		st.WorkUnits.Total++
		switch u.Status {
		case database.UnitPending:
			st.WorkUnits.Pending++
		case database.UnitAssigned:
			st.WorkUnits.Assigned++
			processed += u.EntriesProcessed
		case database.UnitProcessing:
			st.WorkUnits.Processing++
			processed += u.EntriesProcessed
		case database.UnitCompleted:
			st.WorkUnits.Completed++
			processed += u.EntriesProcessed
			completed = append(completed, u)
		case database.UnitFailed:
			st.WorkUnits.Failed++
			processed += u.EntriesProcessed
		}
	}
	if len(completed) > 5 {
		completed = completed[len(completed)-5:]
	}
	st.RecentCompletions = completed

	var rate float64
	for _, w := range workers {
		st.Workers.Total++
		switch w.Status {
		case database.WorkerWorking:
			st.Workers.Active++
			rate += w.AverageRate
		case database.WorkerIdle:
			st.Workers.Idle++
		case database.WorkerOffline:
			st.Workers.Offline++
		}
	}
	st.Workers.Details = workers

	st.Progress.TotalEstimatedEntries = estimated
	st.Progress.TotalProcessedEntries = processed
	if estimated > 0 {
		st.Progress.ProgressPercent = round2(float64(processed) / float64(estimated) * 100)
	}
	st.Progress.CurrentRatePerMinute = round2(rate)
	if rate > 0 {
		remaining := float64(estimated - processed)
		eta := round2(remaining / (rate * 60))
		st.Progress.ETAHours = &eta
	}
	if st.Workers.Active > 0 {
		st.Overview.Status = "running"
	} else {
		st.Overview.Status = "idle"
	}
	st.Errors.SoftErrors = c.softErrors.Load()
	st.Errors.HardErrors = c.hardErrors.Load()

	c.metrics.ActiveWorkers.Set(float64(st.Workers.Active))
	return st, nil
}

// LogFinalStatus writes the closing snapshot on shutdown.
func (c *Coordinator) LogFinalStatus(ctx context.Context) {
	st, err := c.GetStatus(ctx)
	if err != nil {
		c.logger.Error("final status unavailable", "error", err)
		return
	}
	c.logger.Info("final status",
		"processed", st.Progress.TotalProcessedEntries,
		"estimated", st.Progress.TotalEstimatedEntries,
		"completed_units", st.WorkUnits.Completed,
		"failed_units", st.WorkUnits.Failed,
		"soft_errors", st.Errors.SoftErrors)
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
