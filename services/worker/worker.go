// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package worker implements the stateless extraction worker: claim a
// unit from the master, stream records from the source, convert,
// upsert in batches, report progress, heartbeat. Workers hold no
// durable state; anything the store refuses lands in NDJSON fallback
// files.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aqea/aqea-extractor/aqea"
	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/datasource"
	"github.com/aqea/aqea-extractor/pkg/config"
)

const (
	heartbeatInterval = 30 * time.Second
	idleSleepMin      = 2 * time.Second
	idleSleepMax      = 10 * time.Second

	rateAlpha = 0.3 // EWMA smoothing for the per-minute rate

	upsertRetryBase     = 500 * time.Millisecond
	upsertRetryCap      = 30 * time.Second
	upsertRetryAttempts = 5

	minBatchSize        = 10
	maxInterBatchDelay  = 10 * time.Second
	interBatchDelayStep = 500 * time.Millisecond
)

// Worker drives the fetch/convert/commit pipeline for one process.
type Worker struct {
	cfg    *config.Config
	client *Client
	store  database.Store
	logger *slog.Logger

	workerID string
	fallback *database.FallbackWriter

	// Batch sizing adapts to store latency (backpressure): halve on
	// repeated upsert trouble, grow back linearly on success.
	batchSize       int
	interBatchDelay time.Duration

	// current assignment, read by the heartbeat loop
	currentWorkID func() string
	setWork       func(string)
}

// New wires a worker. The store is the same abstraction the master
// uses; in fallback-only deployments it is the memory backend.
func New(cfg *config.Config, client *Client, store database.Store, workerID string, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:       cfg,
		client:    client,
		store:     store,
		logger:    logger,
		workerID:  workerID,
		fallback:  database.NewFallbackWriter(cfg.Worker.FallbackDir, workerID),
		batchSize: cfg.Worker.BatchSize,
	}
	current := make(chan string, 1)
	current <- ""
	w.currentWorkID = func() string {
		v := <-current
		current <- v
		return v
	}
	w.setWork = func(id string) {
		<-current
		current <- id
	}
	return w
}

// Run registers with the master and runs the work and heartbeat loops
// until ctx is cancelled. On cancellation the in-flight batch is
// flushed and an aborting progress report is sent; the master's sweep
// reassigns the unit later.
func (w *Worker) Run(ctx context.Context) error {
	var registered string
	for attempt := 1; ; attempt++ {
		id, err := w.client.Register(ctx)
		if err == nil {
			registered = id
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= 5 {
			return err
		}
		w.logger.Warn("registration failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-time.After(5 * time.Second):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.workerID = registered
	w.logger.Info("worker registered", "worker_id", w.workerID, "master", w.cfg.Worker.MasterURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.heartbeatLoop(gctx) })
	g.Go(func() error { return w.workLoop(gctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// heartbeatLoop runs on its own goroutine so conversion work never
// delays liveness signals.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			workID := w.currentWorkID()
			status := database.WorkerIdle
			if workID != "" {
				status = database.WorkerWorking
			}
			if err := w.client.Heartbeat(ctx, status, workID); err != nil && ctx.Err() == nil {
				w.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (w *Worker) workLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		unit, err := w.client.RequestWork(ctx)
		if err != nil {
			if errors.Is(err, ErrAbandonUnit) {
				// Already owning a unit per the master's books; the
				// sweep will release it, back off meanwhile.
				w.logger.Warn("master reports an active unit, backing off")
			} else {
				w.logger.Warn("work request failed", "error", err)
			}
			if !w.idleSleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if unit == nil {
			w.logger.Debug("no work available")
			if !w.idleSleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if err := w.processUnit(ctx, unit); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// idleSleep waits a jittered 2-10s; false when ctx ended.
func (w *Worker) idleSleep(ctx context.Context) bool {
	d := idleSleepMin + time.Duration(rand.Int63n(int64(idleSleepMax-idleSleepMin)))
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// unitRun is the per-assignment mutable state.
type unitRun struct {
	assignment *WorkAssignment

	batch      []*aqea.Entry
	processed  int
	rate       float64 // EWMA entries/minute
	softErrors []database.UnitError
	lastFlush  time.Time
}

func (w *Worker) processUnit(ctx context.Context, assignment *WorkAssignment) error {
	w.setWork(assignment.WorkID)
	defer w.setWork("")

	w.logger.Info("processing work unit",
		"work_id", assignment.WorkID,
		"language", assignment.Language,
		"range_start", assignment.RangeStart,
		"range_end", assignment.RangeEnd)

	source, err := datasource.New(assignment.Source, sourceConfig(w.cfg, assignment.Source), w.logger)
	if err != nil {
		w.logger.Error("unknown source for unit", "source", assignment.Source, "error", err)
		return w.client.Complete(ctx, assignment.WorkID, 0, false)
	}
	defer source.Close()

	allocator, err := aqea.NewAllocator(w.store, w.workerID)
	if err != nil {
		return err
	}
	converter, err := aqea.NewConverter(assignment.Language, assignment.Source, w.workerID, allocator, w.logger)
	if err != nil {
		// Unsupported language in a unit is a poisoned unit, not a
		// worker failure: report and move on.
		w.logger.Error("cannot convert unit language", "language", assignment.Language, "error", err)
		return w.client.Complete(ctx, assignment.WorkID, 0, false)
	}

	run := &unitRun{assignment: assignment, lastFlush: time.Now()}
	records, errc := source.ExtractRange(ctx, assignment.Language, assignment.RangeStart, assignment.RangeEnd)

	flushTicker := time.NewTicker(w.cfg.Worker.FlushInterval())
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Cooperative shutdown: drain what we have and tell the
			// master we are aborting (progress without complete).
			w.flush(context.Background(), run)
			w.reportProgress(context.Background(), run)
			w.logger.Info("aborting unit on shutdown",
				"work_id", assignment.WorkID, "processed", run.processed)
			return ctx.Err()

		case <-flushTicker.C:
			if len(run.batch) > 0 && time.Since(run.lastFlush) >= w.cfg.Worker.FlushInterval() {
				if err := w.flushAndReport(ctx, run); err != nil {
					return err
				}
			}

		case rec, ok := <-records:
			if !ok {
				if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
					w.logger.Error("extraction aborted", "work_id", assignment.WorkID, "error", err)
					w.flush(ctx, run)
					w.reportProgress(ctx, run)
					return w.client.Complete(ctx, assignment.WorkID, run.processed, false)
				}
				// End of stream: final flush, then complete.
				if err := w.flushAndReport(ctx, run); err != nil {
					return err
				}
				if err := w.client.Complete(ctx, assignment.WorkID, run.processed, true); err != nil {
					w.logger.Error("completion report failed", "work_id", assignment.WorkID, "error", err)
					return err
				}
				w.logger.Info("work unit complete",
					"work_id", assignment.WorkID, "processed", run.processed)
				return nil
			}

			entry, err := converter.Convert(ctx, rec)
			if err != nil {
				run.softErrors = append(run.softErrors, classifySoftError(err))
				w.logger.Debug("record skipped", "word", rec.Word, "error", err)
				continue
			}
			run.batch = append(run.batch, entry)
			run.processed++
			if len(run.batch) >= w.batchSize {
				if err := w.flushAndReport(ctx, run); err != nil {
					return err
				}
			}
		}
	}
}

func classifySoftError(err error) database.UnitError {
	kind := "conversion_error"
	if errors.Is(err, aqea.ErrAddressSpaceExhausted) {
		kind = "address_space_exhausted"
	}
	return database.UnitError{Kind: kind, Detail: err.Error()}
}

// flushAndReport commits the batch, updates the rate EWMA and sends a
// progress report. An ownership conflict abandons the unit.
func (w *Worker) flushAndReport(ctx context.Context, run *unitRun) error {
	flushed := len(run.batch)
	w.flush(ctx, run)
	if flushed > 0 {
		elapsed := time.Since(run.lastFlush).Minutes()
		run.lastFlush = time.Now()
		if elapsed > 0 {
			instant := float64(flushed) / elapsed
			if run.rate == 0 {
				run.rate = instant
			} else {
				run.rate = rateAlpha*instant + (1-rateAlpha)*run.rate
			}
		}
	}
	if err := w.reportProgress(ctx, run); err != nil {
		if errors.Is(err, ErrAbandonUnit) {
			w.logger.Warn("unit reassigned, abandoning", "work_id", run.assignment.WorkID)
			return ErrAbandonUnit
		}
		// Master unreachable: keep extracting, the next report carries
		// the cumulative count.
		w.logger.Warn("progress report failed", "error", err)
	}
	if w.interBatchDelay > 0 {
		select {
		case <-time.After(w.interBatchDelay):
		case <-ctx.Done():
		}
	}
	return nil
}

// flush writes the current batch to the store, retrying transient
// failures with backoff and falling back to an NDJSON file when the
// store stays unavailable. The batch is always cleared: entries end up
// in the store or in a fallback file, or, when the fallback write also
// fails, are dropped and recorded as a store_error soft error.
func (w *Worker) flush(ctx context.Context, run *unitRun) {
	if len(run.batch) == 0 {
		return
	}
	batch := run.batch
	run.batch = nil

	var err error
	for attempt := 0; attempt < upsertRetryAttempts; attempt++ {
		if attempt > 0 {
			delay := upsertRetryBase << (attempt - 1)
			if delay > upsertRetryCap {
				delay = upsertRetryCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			}
		}
		var res database.UpsertResult
		res, err = w.store.UpsertEntries(ctx, batch)
		if err == nil {
			w.logger.Debug("batch flushed",
				"inserted", res.Inserted, "updated", res.Updated, "size", len(batch))
			w.recoverBatchSize()
			return
		}
		if !errors.Is(err, database.ErrTransient) {
			break
		}
		w.shrinkBatchSize()
	}

	// Store refused the batch: park it on disk and keep going.
	path, ferr := w.fallback.WriteBatch(batch)
	if ferr != nil {
		w.logger.Error("fallback write failed, batch lost",
			"size", len(batch), "store_error", err, "fallback_error", ferr)
		run.softErrors = append(run.softErrors, database.UnitError{
			Kind: "store_error", Detail: ferr.Error(),
		})
		return
	}
	w.logger.Warn("batch diverted to fallback file",
		"path", path, "size", len(batch), "error", err)
	run.softErrors = append(run.softErrors, database.UnitError{
		Kind: "store_fallback", Detail: path,
	})
}

func (w *Worker) shrinkBatchSize() {
	if half := w.batchSize / 2; half >= minBatchSize {
		w.batchSize = half
	} else {
		w.batchSize = minBatchSize
	}
	if w.interBatchDelay < maxInterBatchDelay {
		w.interBatchDelay += interBatchDelayStep
	}
	w.logger.Debug("backpressure applied",
		"batch_size", w.batchSize, "inter_batch_delay", w.interBatchDelay)
}

func (w *Worker) recoverBatchSize() {
	if w.batchSize < w.cfg.Worker.BatchSize {
		w.batchSize += minBatchSize
		if w.batchSize > w.cfg.Worker.BatchSize {
			w.batchSize = w.cfg.Worker.BatchSize
		}
	}
	if w.interBatchDelay > 0 {
		w.interBatchDelay -= interBatchDelayStep
		if w.interBatchDelay < 0 {
			w.interBatchDelay = 0
		}
	}
}

// reportProgress sends the cumulative count, rate and any soft errors
// accumulated since the last successful report.
func (w *Worker) reportProgress(ctx context.Context, run *unitRun) error {
	errs := run.softErrors
	run.softErrors = nil
	err := w.client.ReportProgress(ctx, run.assignment.WorkID, run.processed, run.rate, errs)
	if err != nil && !errors.Is(err, ErrAbandonUnit) {
		// Re-queue the soft errors for the next report.
		run.softErrors = append(errs, run.softErrors...)
	}
	return err
}

func sourceConfig(cfg *config.Config, source string) datasource.Config {
	sc := cfg.Source(source)
	return datasource.Config{
		RequestDelay:   sc.RequestDelay(),
		MaxConcurrent:  sc.MaxConcurrent,
		RequestTimeout: sc.Timeout(),
		MaxRetries:     sc.MaxRetries,
		BaseURL:        sc.BaseURL,
	}
}
