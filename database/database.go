// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package database holds the entry store and coordination store
// behind one interface with three interchangeable backends:
//
//   - supabase: central PostgREST API, preferred for multi-host runs
//   - sqlite:   local embedded file (WAL mode), single host
//   - memory:   in-process maps, single master mode and tests
//
// At startup the configured backends are tried in order and the first
// one that initializes wins; the choice is frozen for the process
// lifetime. Workers that later lose the store fall back to NDJSON files
// (see fallback.go) without stopping extraction.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aqea/aqea-extractor/aqea"
)

// Error kinds per failure policy. Transient errors are retried with
// backoff; persistent errors freeze the backend selection and divert
// workers to fallback files.
var (
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("coordination conflict")
	ErrTransient  = errors.New("transient store error")
	ErrPersistent = errors.New("persistent store error")
)

// Work unit states.
const (
	UnitPending    = "pending"
	UnitAssigned   = "assigned"
	UnitProcessing = "processing"
	UnitCompleted  = "completed"
	UnitFailed     = "failed"
)

// Worker states.
const (
	WorkerIdle    = "idle"
	WorkerWorking = "working"
	WorkerError   = "error"
	WorkerOffline = "offline"
)

// DefaultMaxRetries bounds how often a unit is handed back to the pool
// after its worker went silent.
const DefaultMaxRetries = 3

// UnitError is one soft error reported against a work unit.
type UnitError struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// WorkUnit is the atomic unit of assignment: one lemma-prefix range of
// one language and source. Owned by the coordination store; mutated
// only by the master (state transitions) and the assigned worker
// (progress).
type WorkUnit struct {
	WorkID           string      `json:"work_id"`
	Language         string      `json:"language"`
	Source           string      `json:"source"`
	RangeStart       string      `json:"range_start"`
	RangeEnd         string      `json:"range_end"`
	EstimatedEntries int         `json:"estimated_entries"`
	Status           string      `json:"status"`
	AssignedWorker   string      `json:"assigned_worker,omitempty"`
	AssignedAt       *time.Time  `json:"assigned_at,omitempty"`
	StartedAt        *time.Time  `json:"started_at,omitempty"`
	CompletedAt      *time.Time  `json:"completed_at,omitempty"`
	EntriesProcessed int         `json:"entries_processed"`
	CurrentRate      float64     `json:"current_rate"`
	RetryCount       int         `json:"retry_count"`
	MaxRetries       int         `json:"max_retries"`
	LastError        string      `json:"last_error,omitempty"`
	Errors           []UnitError `json:"errors,omitempty"`
}

// Clone returns a deep copy so callers never share mutable state with
// the store.
func (w *WorkUnit) Clone() *WorkUnit {
	cp := *w
	if w.AssignedAt != nil {
		t := *w.AssignedAt
		cp.AssignedAt = &t
	}
	if w.StartedAt != nil {
		t := *w.StartedAt
		cp.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Errors = append([]UnitError(nil), w.Errors...)
	return &cp
}

// WorkerInfo is the coordination record for one registered worker.
type WorkerInfo struct {
	WorkerID       string    `json:"worker_id"`
	IP             string    `json:"ip,omitempty"`
	Status         string    `json:"status"`
	CurrentWorkID  string    `json:"current_work_id,omitempty"`
	TotalProcessed int       `json:"total_processed"`
	AverageRate    float64   `json:"average_rate_per_minute"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// UpsertResult reports how a batch upsert split between fresh inserts
// and idempotent updates.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Store is the combined entry store and coordination store contract.
// All methods are safe for concurrent use; claim, complete and element
// reservation are atomic per work unit / tuple.
type Store interface {
	aqea.AllocationStore

	// Name identifies the active backend ("supabase", "sqlite", "memory").
	Name() string
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error

	// UpsertEntries inserts or updates a batch, idempotent by address.
	// On conflict the original created_at is preserved, updated_at is
	// overwritten and meta keys are shallow-merged (incoming wins).
	UpsertEntries(ctx context.Context, entries []*aqea.Entry) (UpsertResult, error)
	// GetEntry returns the entry at an address, or ErrNotFound.
	GetEntry(ctx context.Context, addr aqea.Address) (*aqea.Entry, error)
	// QueryEntries returns entries whose address matches a pattern that
	// fixes any prefix of the bytes, e.g. "0xA0:01:*:*".
	QueryEntries(ctx context.Context, pattern string) ([]*aqea.Entry, error)

	// CreateWorkUnits inserts units transactionally, idempotent by work_id.
	CreateWorkUnits(ctx context.Context, units []*WorkUnit) error
	// ClaimNextPending atomically assigns the oldest pending unit
	// (work_id ascending) to workerID. Returns (nil, nil) when drained.
	ClaimNextPending(ctx context.Context, workerID string) (*WorkUnit, error)
	GetWorkUnit(ctx context.Context, workID string) (*WorkUnit, error)
	ListWorkUnits(ctx context.Context) ([]*WorkUnit, error)
	// UpdateProgress records a progress report. ErrConflict unless
	// workerID owns the unit in state assigned|processing. The first
	// report moves assigned -> processing. Progress is monotone: a
	// lower count than the stored one is ignored.
	UpdateProgress(ctx context.Context, workID, workerID string, entriesProcessed int, rate float64, softErrors []UnitError) error
	// CompleteWork moves an owned unit to completed (or failed when
	// success is false and retries are exhausted semantics are handled
	// by the sweep; an explicit failure report marks it failed).
	CompleteWork(ctx context.Context, workID, workerID string, finalCount int, success bool) error

	RegisterWorker(ctx context.Context, w *WorkerInfo) error
	Heartbeat(ctx context.Context, workerID, status, currentWorkID string, now time.Time) error
	ListWorkers(ctx context.Context) ([]*WorkerInfo, error)
	// SweepStaleWorkers marks workers silent for longer than timeout as
	// offline and returns their assigned/processing units to pending
	// (or failed once max_retries is exhausted). Returns the work IDs
	// put back in the pool.
	SweepStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error)
}

// Config selects and parameterizes backends.
type Config struct {
	// Backends in preference order; default supabase, sqlite, memory.
	Backends []string

	SupabaseURL string
	SupabaseKey string
	SQLitePath  string
}

// Open tries the configured backends in order and returns the first
// that initializes, logging a warning for each fallback. The returned
// backend is frozen for the process lifetime.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backends := cfg.Backends
	if len(backends) == 0 {
		backends = []string{"supabase", "sqlite", "memory"}
	}
	var lastErr error
	for _, name := range backends {
		var (
			store Store
			err   error
		)
		switch name {
		case "supabase":
			store, err = OpenSupabase(ctx, cfg.SupabaseURL, cfg.SupabaseKey, logger)
		case "sqlite":
			store, err = OpenSQLite(ctx, cfg.SQLitePath, logger)
		case "memory":
			store, err = NewMemoryStore(), nil
		default:
			err = fmt.Errorf("unknown backend %q", name)
		}
		if err == nil {
			logger.Info("store backend selected", "backend", name)
			return store, nil
		}
		lastErr = err
		logger.Warn("store backend unavailable, falling back", "backend", name, "error", err)
	}
	return nil, fmt.Errorf("%w: no store backend available: %v", ErrPersistent, lastErr)
}

// patternPrefix converts an address pattern like "0xA0:01:*:*" into the
// literal string prefix shared by all matching canonical addresses.
// The pattern must fix bytes left to right; "*" frees the rest.
func patternPrefix(pattern string) (string, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || pattern == "*" {
		return "0x", nil
	}
	if !strings.HasPrefix(pattern, "0x") {
		return "", fmt.Errorf("%w: pattern %q must start with 0x", aqea.ErrInvalidAddress, pattern)
	}
	parts := strings.Split(pattern[2:], ":")
	if len(parts) != 4 {
		return "", fmt.Errorf("%w: pattern %q must have 4 segments", aqea.ErrInvalidAddress, pattern)
	}
	prefix := "0x"
	sawWildcard := false
	for i, part := range parts {
		if part == "*" {
			sawWildcard = true
			continue
		}
		if sawWildcard {
			return "", fmt.Errorf("%w: pattern %q fixes a byte after a wildcard", aqea.ErrInvalidAddress, pattern)
		}
		if len(part) != 2 {
			return "", fmt.Errorf("%w: pattern segment %q", aqea.ErrInvalidAddress, part)
		}
		var b byte
		if _, err := fmt.Sscanf(part, "%02x", &b); err != nil {
			return "", fmt.Errorf("%w: pattern segment %q", aqea.ErrInvalidAddress, part)
		}
		if i > 0 {
			prefix += ":"
		}
		prefix += fmt.Sprintf("%02X", b)
	}
	return prefix, nil
}
