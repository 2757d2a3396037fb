// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aqea/aqea-extractor/aqea"
)

// SQLiteStore is the single-host embedded backend. WAL mode keeps the
// worker goroutines and the master's sweep from blocking each other.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenSQLite opens (and migrates) the database file. The parent
// directory is created as needed.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLiteStore, error) {
	if path == "" {
		path = "aqea.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create sqlite dir: %v", ErrPersistent, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite: %v", ErrPersistent, err)
	}
	// modernc's driver serializes writes; one connection avoids
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, logger: logger}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: enable WAL: %v", ErrPersistent, err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("sqlite store ready", "path", path)
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS aqea_entries (
		address      TEXT PRIMARY KEY,
		label        TEXT NOT NULL,
		description  TEXT,
		domain       TEXT,
		status       TEXT DEFAULT 'active',
		lang_ui      TEXT,
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL,
		created_by   TEXT,
		meta         TEXT,
		relations    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_entries_domain ON aqea_entries(domain);
	CREATE INDEX IF NOT EXISTS idx_entries_label ON aqea_entries(label);

	CREATE TABLE IF NOT EXISTS work_units (
		work_id           TEXT PRIMARY KEY,
		language          TEXT NOT NULL,
		source            TEXT NOT NULL,
		range_start       TEXT NOT NULL,
		range_end         TEXT NOT NULL,
		estimated_entries INTEGER DEFAULT 0,
		status            TEXT DEFAULT 'pending',
		assigned_worker   TEXT,
		assigned_at       TEXT,
		started_at        TEXT,
		completed_at      TEXT,
		entries_processed INTEGER DEFAULT 0,
		current_rate      REAL DEFAULT 0,
		retry_count       INTEGER DEFAULT 0,
		max_retries       INTEGER DEFAULT 3,
		last_error        TEXT,
		errors            TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_units_status ON work_units(status);

	CREATE TABLE IF NOT EXISTS worker_status (
		worker_id       TEXT PRIMARY KEY,
		ip              TEXT,
		status          TEXT DEFAULT 'idle',
		current_work_id TEXT,
		total_processed INTEGER DEFAULT 0,
		average_rate    REAL DEFAULT 0,
		last_heartbeat  TEXT,
		registered_at   TEXT
	);

	CREATE TABLE IF NOT EXISTS address_allocations (
		aa_byte      INTEGER NOT NULL,
		qq_byte      INTEGER NOT NULL,
		ee_byte      INTEGER NOT NULL,
		lemma_key    TEXT NOT NULL,
		a2_byte      INTEGER NOT NULL,
		allocated_at TEXT,
		allocated_by TEXT,
		UNIQUE(aa_byte, qq_byte, ee_byte, lemma_key),
		UNIQUE(aa_byte, qq_byte, ee_byte, a2_byte)
	);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrPersistent, err)
	}
	return nil
}

func (s *SQLiteStore) Name() string { return "sqlite" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- entry store ---

func (s *SQLiteStore) UpsertEntries(ctx context.Context, entries []*aqea.Entry) (UpsertResult, error) {
	var res UpsertResult
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("%w: begin: %v", ErrTransient, err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		var (
			storedCreated string
			storedMeta    sql.NullString
		)
		err := tx.QueryRowContext(ctx,
			`SELECT created_at, meta FROM aqea_entries WHERE address = ?`, e.Address.String()).
			Scan(&storedCreated, &storedMeta)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			metaJSON, relJSON, mErr := marshalEntryJSON(e.Meta, e.Relations)
			if mErr != nil {
				return res, mErr
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO aqea_entries
					(address, label, description, domain, status, lang_ui,
					 created_at, updated_at, created_by, meta, relations)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.Address.String(), e.Label, e.Description, e.Domain, e.Status, e.LangUI,
				e.CreatedAt.UTC().Format(time.RFC3339), e.UpdatedAt.UTC().Format(time.RFC3339),
				e.CreatedBy, metaJSON, relJSON); err != nil {
				return res, fmt.Errorf("%w: insert %s: %v", ErrTransient, e.Address, err)
			}
			res.Inserted++
		case err != nil:
			return res, fmt.Errorf("%w: select %s: %v", ErrTransient, e.Address, err)
		default:
			merged := e.Meta
			if storedMeta.Valid && storedMeta.String != "" {
				var prev map[string]any
				if err := json.Unmarshal([]byte(storedMeta.String), &prev); err == nil {
					merged = mergeMeta(prev, e.Meta)
				}
			}
			metaJSON, relJSON, mErr := marshalEntryJSON(merged, e.Relations)
			if mErr != nil {
				return res, mErr
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE aqea_entries SET
					label = ?, description = ?, domain = ?, status = ?, lang_ui = ?,
					updated_at = ?, meta = ?, relations = ?
				WHERE address = ?`,
				e.Label, e.Description, e.Domain, e.Status, e.LangUI,
				e.UpdatedAt.UTC().Format(time.RFC3339), metaJSON, relJSON,
				e.Address.String()); err != nil {
				return res, fmt.Errorf("%w: update %s: %v", ErrTransient, e.Address, err)
			}
			res.Updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("%w: commit: %v", ErrTransient, err)
	}
	return res, nil
}

func marshalEntryJSON(meta map[string]any, relations []aqea.Relation) (string, string, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal meta: %v", ErrPersistent, err)
	}
	relJSON, err := json.Marshal(relations)
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal relations: %v", ErrPersistent, err)
	}
	return string(metaJSON), string(relJSON), nil
}

const entryColumns = `address, label, description, domain, status, lang_ui,
	created_at, updated_at, created_by, meta, relations`

func scanEntry(scan func(dest ...any) error) (*aqea.Entry, error) {
	var (
		e                       aqea.Entry
		addr                    string
		createdAt, updatedAt    string
		desc, domain, status    sql.NullString
		langUI, createdBy, meta sql.NullString
		relations               sql.NullString
	)
	if err := scan(&addr, &e.Label, &desc, &domain, &status, &langUI,
		&createdAt, &updatedAt, &createdBy, &meta, &relations); err != nil {
		return nil, err
	}
	parsed, err := aqea.ParseAddress(addr)
	if err != nil {
		return nil, err
	}
	e.Address = parsed
	e.Description = desc.String
	e.Domain = domain.String
	e.Status = status.String
	e.LangUI = langUI.String
	e.CreatedBy = createdBy.String
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		e.UpdatedAt = t
	}
	if meta.Valid && meta.String != "" {
		_ = json.Unmarshal([]byte(meta.String), &e.Meta)
	}
	if relations.Valid && relations.String != "" && relations.String != "null" {
		_ = json.Unmarshal([]byte(relations.String), &e.Relations)
	}
	return &e, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, addr aqea.Address) (*aqea.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM aqea_entries WHERE address = ?`, addr.String())
	e, err := scanEntry(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get entry: %v", ErrTransient, err)
	}
	return e, nil
}

func (s *SQLiteStore) QueryEntries(ctx context.Context, pattern string) ([]*aqea.Entry, error) {
	prefix, err := patternPrefix(pattern)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM aqea_entries WHERE address LIKE ? ORDER BY address`,
		prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", ErrTransient, err)
	}
	defer rows.Close()

	var out []*aqea.Entry
	for rows.Next() {
		e, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ErrTransient, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- coordination store: work units ---

func (s *SQLiteStore) CreateWorkUnits(ctx context.Context, units []*WorkUnit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrTransient, err)
	}
	defer tx.Rollback()

	for _, u := range units {
		maxRetries := u.MaxRetries
		if maxRetries == 0 {
			maxRetries = DefaultMaxRetries
		}
		status := u.Status
		if status == "" {
			status = UnitPending
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_units
				(work_id, language, source, range_start, range_end,
				 estimated_entries, status, max_retries)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(work_id) DO NOTHING`,
			u.WorkID, u.Language, u.Source, u.RangeStart, u.RangeEnd,
			u.EstimatedEntries, status, maxRetries); err != nil {
			return fmt.Errorf("%w: create unit %s: %v", ErrTransient, u.WorkID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrTransient, err)
	}
	return nil
}

func (s *SQLiteStore) ClaimNextPending(ctx context.Context, workerID string) (*WorkUnit, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	// Conditional UPDATE gives claim atomicity: only one writer can move
	// a given unit out of 'pending'.
	row := s.db.QueryRowContext(ctx, `
		UPDATE work_units SET
			status = 'assigned', assigned_worker = ?, assigned_at = ?
		WHERE work_id = (
			SELECT work_id FROM work_units WHERE status = 'pending'
			ORDER BY work_id ASC LIMIT 1
		) AND status = 'pending'
		RETURNING `+unitColumns,
		workerID, now)
	u, err := scanUnit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %v", ErrTransient, err)
	}
	_, _ = s.db.ExecContext(ctx, `
		UPDATE worker_status SET status = 'working', current_work_id = ?, last_heartbeat = ?
		WHERE worker_id = ?`, u.WorkID, now, workerID)
	return u, nil
}

const unitColumns = `work_id, language, source, range_start, range_end,
	estimated_entries, status, assigned_worker, assigned_at, started_at,
	completed_at, entries_processed, current_rate, retry_count, max_retries,
	last_error, errors`

func scanUnit(scan func(dest ...any) error) (*WorkUnit, error) {
	var (
		u                                  WorkUnit
		assignedWorker, lastError, errsRaw sql.NullString
		assignedAt, startedAt, completedAt sql.NullString
	)
	if err := scan(&u.WorkID, &u.Language, &u.Source, &u.RangeStart, &u.RangeEnd,
		&u.EstimatedEntries, &u.Status, &assignedWorker, &assignedAt, &startedAt,
		&completedAt, &u.EntriesProcessed, &u.CurrentRate, &u.RetryCount,
		&u.MaxRetries, &lastError, &errsRaw); err != nil {
		return nil, err
	}
	u.AssignedWorker = assignedWorker.String
	u.LastError = lastError.String
	u.AssignedAt = parseNullTime(assignedAt)
	u.StartedAt = parseNullTime(startedAt)
	u.CompletedAt = parseNullTime(completedAt)
	if errsRaw.Valid && errsRaw.String != "" {
		_ = json.Unmarshal([]byte(errsRaw.String), &u.Errors)
	}
	return &u, nil
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SQLiteStore) GetWorkUnit(ctx context.Context, workID string) (*WorkUnit, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM work_units WHERE work_id = ?`, workID)
	u, err := scanUnit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: work unit %s", ErrNotFound, workID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get unit: %v", ErrTransient, err)
	}
	return u, nil
}

func (s *SQLiteStore) ListWorkUnits(ctx context.Context) ([]*WorkUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+unitColumns+` FROM work_units ORDER BY work_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list units: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*WorkUnit
	for rows.Next() {
		u, err := scanUnit(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan unit: %v", ErrTransient, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateProgress(ctx context.Context, workID, workerID string, entriesProcessed int, rate float64, softErrors []UnitError) error {
	u, err := s.GetWorkUnit(ctx, workID)
	if err != nil {
		return err
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	merged := append(u.Errors, softErrors...)
	errsJSON, _ := json.Marshal(merged)

	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET
			status = 'processing',
			started_at = COALESCE(started_at, ?),
			entries_processed = MAX(entries_processed, ?),
			current_rate = ?,
			errors = ?
		WHERE work_id = ? AND assigned_worker = ? AND status IN ('assigned', 'processing')`,
		now, entriesProcessed, rate, string(errsJSON), workID, workerID)
	if err != nil {
		return fmt.Errorf("%w: update progress: %v", ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s not owned by %s", ErrConflict, workID, workerID)
	}
	_, _ = s.db.ExecContext(ctx, `
		UPDATE worker_status SET last_heartbeat = ?, average_rate = ? WHERE worker_id = ?`,
		now, rate, workerID)
	return nil
}

func (s *SQLiteStore) CompleteWork(ctx context.Context, workID, workerID string, finalCount int, success bool) error {
	u, err := s.GetWorkUnit(ctx, workID)
	if err != nil {
		return err
	}
	if u.Status == UnitCompleted && u.AssignedWorker == workerID {
		_, err := s.db.ExecContext(ctx,
			`UPDATE work_units SET entries_processed = ? WHERE work_id = ?`, finalCount, workID)
		if err != nil {
			return fmt.Errorf("%w: re-complete: %v", ErrTransient, err)
		}
		return nil
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	status := UnitCompleted
	if !success {
		status = UnitFailed
	}
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_units SET
			status = ?, completed_at = ?, entries_processed = ?
		WHERE work_id = ? AND assigned_worker = ? AND status IN ('assigned', 'processing')`,
		status, now, finalCount, workID, workerID)
	if err != nil {
		return fmt.Errorf("%w: complete: %v", ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s not owned by %s", ErrConflict, workID, workerID)
	}
	_, _ = s.db.ExecContext(ctx, `
		UPDATE worker_status SET
			status = 'idle', current_work_id = NULL,
			total_processed = total_processed + ?, last_heartbeat = ?
		WHERE worker_id = ?`, finalCount, now, workerID)
	return nil
}

// --- coordination store: workers ---

func (s *SQLiteStore) RegisterWorker(ctx context.Context, w *WorkerInfo) error {
	now := time.Now().UTC().Format(time.RFC3339)
	status := w.Status
	if status == "" {
		status = WorkerIdle
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO worker_status
			(worker_id, ip, status, total_processed, average_rate, last_heartbeat, registered_at)
		VALUES (?, ?, ?, 0, 0, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			ip = excluded.ip, status = excluded.status, last_heartbeat = excluded.last_heartbeat`,
		w.WorkerID, w.IP, status, now, now)
	if err != nil {
		return fmt.Errorf("%w: register worker: %v", ErrTransient, err)
	}
	return nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, workerID, status, currentWorkID string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE worker_status SET status = COALESCE(NULLIF(?, ''), status),
			current_work_id = ?, last_heartbeat = ?
		WHERE worker_id = ?`,
		status, currentWorkID, now.UTC().Format(time.RFC3339), workerID)
	if err != nil {
		return fmt.Errorf("%w: heartbeat: %v", ErrTransient, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	return nil
}

func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, ip, status, current_work_id, total_processed,
		       average_rate, last_heartbeat, registered_at
		FROM worker_status ORDER BY worker_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: list workers: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []*WorkerInfo
	for rows.Next() {
		var (
			w                        WorkerInfo
			ip, workID               sql.NullString
			lastHeartbeat, registred sql.NullString
		)
		if err := rows.Scan(&w.WorkerID, &ip, &w.Status, &workID,
			&w.TotalProcessed, &w.AverageRate, &lastHeartbeat, &registred); err != nil {
			return nil, fmt.Errorf("%w: scan worker: %v", ErrTransient, err)
		}
		w.IP = ip.String
		w.CurrentWorkID = workID.String
		if t := parseNullTime(lastHeartbeat); t != nil {
			w.LastHeartbeat = *t
		}
		if t := parseNullTime(registred); t != nil {
			w.RegisteredAt = *t
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SweepStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	cutoff := now.Add(-timeout).UTC().Format(time.RFC3339)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin sweep: %v", ErrTransient, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE worker_status SET status = 'offline', current_work_id = NULL
		WHERE status != 'offline' AND last_heartbeat < ?`, cutoff); err != nil {
		return nil, fmt.Errorf("%w: sweep workers: %v", ErrTransient, err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT wu.work_id, wu.retry_count, wu.max_retries
		FROM work_units wu
		JOIN worker_status ws ON ws.worker_id = wu.assigned_worker
		WHERE wu.status IN ('assigned', 'processing') AND ws.status = 'offline'
		ORDER BY wu.work_id`)
	if err != nil {
		return nil, fmt.Errorf("%w: sweep scan: %v", ErrTransient, err)
	}
	type stale struct {
		workID             string
		retries, maxretries int
	}
	var stales []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.workID, &st.retries, &st.maxretries); err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: sweep scan: %v", ErrTransient, err)
		}
		stales = append(stales, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: sweep scan: %v", ErrTransient, err)
	}

	var reassigned []string
	for _, st := range stales {
		if st.retries < st.maxretries {
			if _, err := tx.ExecContext(ctx, `
				UPDATE work_units SET
					status = 'pending', assigned_worker = NULL, assigned_at = NULL,
					started_at = NULL, retry_count = retry_count + 1,
					last_error = 'worker_timeout'
				WHERE work_id = ?`, st.workID); err != nil {
				return nil, fmt.Errorf("%w: reassign %s: %v", ErrTransient, st.workID, err)
			}
			reassigned = append(reassigned, st.workID)
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE work_units SET status = 'failed', last_error = 'worker_timeout'
				WHERE work_id = ?`, st.workID); err != nil {
				return nil, fmt.Errorf("%w: fail %s: %v", ErrTransient, st.workID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit sweep: %v", ErrTransient, err)
	}
	return reassigned, nil
}

// --- allocation store ---

func (s *SQLiteStore) LookupAllocation(ctx context.Context, aa, qq, ee byte, lemmaKey string) (byte, bool, error) {
	var a2 int
	err := s.db.QueryRowContext(ctx, `
		SELECT a2_byte FROM address_allocations
		WHERE aa_byte = ? AND qq_byte = ? AND ee_byte = ? AND lemma_key = ?`,
		aa, qq, ee, lemmaKey).Scan(&a2)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: lookup allocation: %v", ErrTransient, err)
	}
	return byte(a2), true, nil
}

func (s *SQLiteStore) UsedElementIDs(ctx context.Context, aa, qq, ee byte) ([]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a2_byte FROM address_allocations
		WHERE aa_byte = ? AND qq_byte = ? AND ee_byte = ?`, aa, qq, ee)
	if err != nil {
		return nil, fmt.Errorf("%w: used ids: %v", ErrTransient, err)
	}
	defer rows.Close()
	var out []byte
	for rows.Next() {
		var a2 int
		if err := rows.Scan(&a2); err != nil {
			return nil, fmt.Errorf("%w: used ids: %v", ErrTransient, err)
		}
		out = append(out, byte(a2))
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TryReserveElement(ctx context.Context, aa, qq, ee byte, lemmaKey string, a2 byte, allocatedBy string) (bool, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO address_allocations
			(aa_byte, qq_byte, ee_byte, lemma_key, a2_byte, allocated_at, allocated_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		aa, qq, ee, lemmaKey, a2, time.Now().UTC().Format(time.RFC3339), allocatedBy)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: reserve element: %v", ErrTransient, err)
	}
	return true, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
