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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aqea/aqea-extractor/aqea"
)

// SupabaseStore speaks the Supabase PostgREST API. It is the central
// backend for multi-host deployments: server-side unique constraints
// give allocation atomicity, and conditional PATCH filters give
// claim/progress atomicity (one UPDATE statement server-side).
type SupabaseStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// OpenSupabase validates connectivity and returns the store. URL and
// key are required; a failed probe falls through to the next backend.
func OpenSupabase(ctx context.Context, baseURL, apiKey string, logger *slog.Logger) (*SupabaseStore, error) {
	if baseURL == "" || apiKey == "" {
		return nil, fmt.Errorf("%w: supabase url/key not configured", ErrPersistent)
	}
	s := &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
	if err := s.Ping(ctx); err != nil {
		return nil, err
	}
	logger.Info("supabase store ready", "url", s.baseURL)
	return s, nil
}

func (s *SupabaseStore) Name() string { return "supabase" }

func (s *SupabaseStore) Ping(ctx context.Context) error {
	_, _, err := s.do(ctx, http.MethodGet, "aqea_entries?select=address&limit=1", nil, nil)
	return err
}

func (s *SupabaseStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// do performs one PostgREST request. 409 is surfaced as ErrConflict so
// reservation races are distinguishable from real failures.
func (s *SupabaseStore) do(ctx context.Context, method, pathAndQuery string, body any, prefer []string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: marshal request: %v", ErrPersistent, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/rest/v1/"+pathAndQuery, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: build request: %v", ErrPersistent, err)
	}
	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if len(prefer) > 0 {
		req.Header.Set("Prefer", strings.Join(prefer, ","))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return raw, resp.StatusCode, nil
	case resp.StatusCode == http.StatusConflict:
		return raw, resp.StatusCode, fmt.Errorf("%w: %s", ErrConflict, truncateBody(raw))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound:
		return raw, resp.StatusCode, fmt.Errorf("%w: HTTP %d: %s", ErrPersistent, resp.StatusCode, truncateBody(raw))
	default:
		return raw, resp.StatusCode, fmt.Errorf("%w: HTTP %d: %s", ErrTransient, resp.StatusCode, truncateBody(raw))
	}
}

func truncateBody(raw []byte) string {
	s := string(raw)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// --- row shapes ---

type entryRow struct {
	Address     string          `json:"address"`
	Label       string          `json:"label"`
	Description string          `json:"description,omitempty"`
	Domain      string          `json:"domain,omitempty"`
	Status      string          `json:"status,omitempty"`
	LangUI      string          `json:"lang_ui,omitempty"`
	CreatedAt   string          `json:"created_at,omitempty"`
	UpdatedAt   string          `json:"updated_at,omitempty"`
	CreatedBy   string          `json:"created_by,omitempty"`
	Meta        map[string]any  `json:"meta,omitempty"`
	Relations   []aqea.Relation `json:"relations,omitempty"`
}

func entryToRow(e *aqea.Entry) entryRow {
	return entryRow{
		Address:     e.Address.String(),
		Label:       e.Label,
		Description: e.Description,
		Domain:      e.Domain,
		Status:      e.Status,
		LangUI:      e.LangUI,
		CreatedAt:   e.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:   e.UpdatedAt.UTC().Format(time.RFC3339),
		CreatedBy:   e.CreatedBy,
		Meta:        e.Meta,
		Relations:   e.Relations,
	}
}

func rowToEntry(r entryRow) (*aqea.Entry, error) {
	addr, err := aqea.ParseAddress(r.Address)
	if err != nil {
		return nil, err
	}
	e := &aqea.Entry{
		Address:     addr,
		Label:       r.Label,
		Description: r.Description,
		Domain:      r.Domain,
		Status:      r.Status,
		LangUI:      r.LangUI,
		CreatedBy:   r.CreatedBy,
		Meta:        r.Meta,
		Relations:   r.Relations,
	}
	if t, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		e.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, r.UpdatedAt); err == nil {
		e.UpdatedAt = t
	}
	return e, nil
}

// --- entry store ---

func (s *SupabaseStore) UpsertEntries(ctx context.Context, entries []*aqea.Entry) (UpsertResult, error) {
	var res UpsertResult
	if len(entries) == 0 {
		return res, nil
	}

	// Which addresses already exist? Their created_at must survive and
	// their meta is shallow-merged, so they go through PATCH instead of
	// the batch insert.
	addrs := make([]string, len(entries))
	for i, e := range entries {
		addrs[i] = e.Address.String()
	}
	raw, _, err := s.do(ctx, http.MethodGet,
		"aqea_entries?select=address,meta&address=in.("+url.QueryEscape(strings.Join(addrs, ","))+")",
		nil, nil)
	if err != nil {
		return res, err
	}
	var existing []entryRow
	if err := json.Unmarshal(raw, &existing); err != nil {
		return res, fmt.Errorf("%w: decode existing: %v", ErrTransient, err)
	}
	existingMeta := make(map[string]map[string]any, len(existing))
	for _, r := range existing {
		existingMeta[r.Address] = r.Meta
	}

	var inserts []entryRow
	for _, e := range entries {
		row := entryToRow(e)
		prev, ok := existingMeta[row.Address]
		if !ok {
			inserts = append(inserts, row)
			continue
		}
		patch := map[string]any{
			"label":       row.Label,
			"description": row.Description,
			"domain":      row.Domain,
			"status":      row.Status,
			"lang_ui":     row.LangUI,
			"updated_at":  row.UpdatedAt,
			"meta":        mergeMeta(prev, row.Meta),
		}
		if _, _, err := s.do(ctx, http.MethodPatch,
			"aqea_entries?address=eq."+url.QueryEscape(row.Address), patch, nil); err != nil {
			return res, err
		}
		res.Updated++
	}
	if len(inserts) > 0 {
		// ignore-duplicates covers the race where a sibling worker
		// inserted the same address between our read and this write.
		if _, _, err := s.do(ctx, http.MethodPost, "aqea_entries", inserts,
			[]string{"resolution=ignore-duplicates", "return=minimal"}); err != nil {
			return res, err
		}
		res.Inserted += len(inserts)
	}
	return res, nil
}

func (s *SupabaseStore) GetEntry(ctx context.Context, addr aqea.Address) (*aqea.Entry, error) {
	raw, _, err := s.do(ctx, http.MethodGet,
		"aqea_entries?address=eq."+url.QueryEscape(addr.String()), nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode entry: %v", ErrTransient, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	return rowToEntry(rows[0])
}

func (s *SupabaseStore) QueryEntries(ctx context.Context, pattern string) ([]*aqea.Entry, error) {
	prefix, err := patternPrefix(pattern)
	if err != nil {
		return nil, err
	}
	raw, _, err := s.do(ctx, http.MethodGet,
		"aqea_entries?address=like."+url.QueryEscape(prefix+"*")+"&order=address.asc", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []entryRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode entries: %v", ErrTransient, err)
	}
	out := make([]*aqea.Entry, 0, len(rows))
	for _, r := range rows {
		e, err := rowToEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// --- coordination store: work units ---

type unitRow struct {
	WorkID           string      `json:"work_id"`
	Language         string      `json:"language"`
	Source           string      `json:"source"`
	RangeStart       string      `json:"range_start"`
	RangeEnd         string      `json:"range_end"`
	EstimatedEntries int         `json:"estimated_entries"`
	Status           string      `json:"status"`
	AssignedWorker   *string     `json:"assigned_worker"`
	AssignedAt       *string     `json:"assigned_at"`
	StartedAt        *string     `json:"started_at"`
	CompletedAt      *string     `json:"completed_at"`
	EntriesProcessed int         `json:"entries_processed"`
	CurrentRate      float64     `json:"current_rate"`
	RetryCount       int         `json:"retry_count"`
	MaxRetries       int         `json:"max_retries"`
	LastError        *string     `json:"last_error"`
	Errors           []UnitError `json:"errors"`
}

func rowToUnit(r unitRow) *WorkUnit {
	u := &WorkUnit{
		WorkID:           r.WorkID,
		Language:         r.Language,
		Source:           r.Source,
		RangeStart:       r.RangeStart,
		RangeEnd:         r.RangeEnd,
		EstimatedEntries: r.EstimatedEntries,
		Status:           r.Status,
		EntriesProcessed: r.EntriesProcessed,
		CurrentRate:      r.CurrentRate,
		RetryCount:       r.RetryCount,
		MaxRetries:       r.MaxRetries,
		Errors:           r.Errors,
	}
	if r.AssignedWorker != nil {
		u.AssignedWorker = *r.AssignedWorker
	}
	if r.LastError != nil {
		u.LastError = *r.LastError
	}
	u.AssignedAt = parseTimePtr(r.AssignedAt)
	u.StartedAt = parseTimePtr(r.StartedAt)
	u.CompletedAt = parseTimePtr(r.CompletedAt)
	return u
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil
	}
	return &t
}

func (s *SupabaseStore) CreateWorkUnits(ctx context.Context, units []*WorkUnit) error {
	rows := make([]map[string]any, 0, len(units))
	for _, u := range units {
		maxRetries := u.MaxRetries
		if maxRetries == 0 {
			maxRetries = DefaultMaxRetries
		}
		status := u.Status
		if status == "" {
			status = UnitPending
		}
		rows = append(rows, map[string]any{
			"work_id":           u.WorkID,
			"language":          u.Language,
			"source":            u.Source,
			"range_start":       u.RangeStart,
			"range_end":         u.RangeEnd,
			"estimated_entries": u.EstimatedEntries,
			"status":            status,
			"max_retries":       maxRetries,
		})
	}
	_, _, err := s.do(ctx, http.MethodPost, "work_units?on_conflict=work_id", rows,
		[]string{"resolution=ignore-duplicates", "return=minimal"})
	return err
}

func (s *SupabaseStore) ClaimNextPending(ctx context.Context, workerID string) (*WorkUnit, error) {
	// A conditional PATCH on (work_id, status=pending) runs as one
	// UPDATE server-side, so at most one claimer wins each unit; losers
	// get zero rows back and move on to the next candidate.
	for attempt := 0; attempt < 5; attempt++ {
		raw, _, err := s.do(ctx, http.MethodGet,
			"work_units?status=eq.pending&order=work_id.asc&limit=1&select=work_id", nil, nil)
		if err != nil {
			return nil, err
		}
		var candidates []unitRow
		if err := json.Unmarshal(raw, &candidates); err != nil {
			return nil, fmt.Errorf("%w: decode candidates: %v", ErrTransient, err)
		}
		if len(candidates) == 0 {
			return nil, nil
		}
		workID := candidates[0].WorkID
		now := time.Now().UTC().Format(time.RFC3339)
		raw, _, err = s.do(ctx, http.MethodPatch,
			"work_units?work_id=eq."+url.QueryEscape(workID)+"&status=eq.pending",
			map[string]any{
				"status":          UnitAssigned,
				"assigned_worker": workerID,
				"assigned_at":     now,
			},
			[]string{"return=representation"})
		if err != nil {
			return nil, err
		}
		var claimed []unitRow
		if err := json.Unmarshal(raw, &claimed); err != nil {
			return nil, fmt.Errorf("%w: decode claim: %v", ErrTransient, err)
		}
		if len(claimed) == 1 {
			_, _, _ = s.do(ctx, http.MethodPatch,
				"worker_status?worker_id=eq."+url.QueryEscape(workerID),
				map[string]any{"status": WorkerWorking, "current_work_id": workID, "last_heartbeat": now},
				[]string{"return=minimal"})
			return rowToUnit(claimed[0]), nil
		}
		// Lost the race; try the next pending unit.
	}
	return nil, fmt.Errorf("%w: claim contention", ErrTransient)
}

func (s *SupabaseStore) GetWorkUnit(ctx context.Context, workID string) (*WorkUnit, error) {
	raw, _, err := s.do(ctx, http.MethodGet,
		"work_units?work_id=eq."+url.QueryEscape(workID), nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []unitRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode unit: %v", ErrTransient, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: work unit %s", ErrNotFound, workID)
	}
	return rowToUnit(rows[0]), nil
}

func (s *SupabaseStore) ListWorkUnits(ctx context.Context) ([]*WorkUnit, error) {
	raw, _, err := s.do(ctx, http.MethodGet, "work_units?order=work_id.asc", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []unitRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode units: %v", ErrTransient, err)
	}
	out := make([]*WorkUnit, 0, len(rows))
	for _, r := range rows {
		out = append(out, rowToUnit(r))
	}
	return out, nil
}

func (s *SupabaseStore) UpdateProgress(ctx context.Context, workID, workerID string, entriesProcessed int, rate float64, softErrors []UnitError) error {
	u, err := s.GetWorkUnit(ctx, workID)
	if err != nil {
		return err
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	patch := map[string]any{
		"status":       UnitProcessing,
		"current_rate": rate,
	}
	if u.StartedAt == nil {
		patch["started_at"] = now
	}
	if entriesProcessed > u.EntriesProcessed {
		patch["entries_processed"] = entriesProcessed
	}
	if len(softErrors) > 0 {
		patch["errors"] = append(u.Errors, softErrors...)
	}
	raw, _, err := s.do(ctx, http.MethodPatch,
		"work_units?work_id=eq."+url.QueryEscape(workID)+
			"&assigned_worker=eq."+url.QueryEscape(workerID)+
			"&status=in.(assigned,processing)",
		patch, []string{"return=representation"})
	if err != nil {
		return err
	}
	var rows []unitRow
	if err := json.Unmarshal(raw, &rows); err == nil && len(rows) == 0 {
		return fmt.Errorf("%w: %s not owned by %s", ErrConflict, workID, workerID)
	}
	_, _, _ = s.do(ctx, http.MethodPatch,
		"worker_status?worker_id=eq."+url.QueryEscape(workerID),
		map[string]any{"last_heartbeat": now, "average_rate": rate},
		[]string{"return=minimal"})
	return nil
}

func (s *SupabaseStore) CompleteWork(ctx context.Context, workID, workerID string, finalCount int, success bool) error {
	u, err := s.GetWorkUnit(ctx, workID)
	if err != nil {
		return err
	}
	if u.Status == UnitCompleted && u.AssignedWorker == workerID {
		_, _, err := s.do(ctx, http.MethodPatch,
			"work_units?work_id=eq."+url.QueryEscape(workID),
			map[string]any{"entries_processed": finalCount},
			[]string{"return=minimal"})
		return err
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	status := UnitCompleted
	if !success {
		status = UnitFailed
	}
	now := time.Now().UTC().Format(time.RFC3339)
	raw, _, err := s.do(ctx, http.MethodPatch,
		"work_units?work_id=eq."+url.QueryEscape(workID)+
			"&assigned_worker=eq."+url.QueryEscape(workerID)+
			"&status=in.(assigned,processing)",
		map[string]any{
			"status":            status,
			"completed_at":      now,
			"entries_processed": finalCount,
		},
		[]string{"return=representation"})
	if err != nil {
		return err
	}
	var rows []unitRow
	if err := json.Unmarshal(raw, &rows); err == nil && len(rows) == 0 {
		return fmt.Errorf("%w: %s not owned by %s", ErrConflict, workID, workerID)
	}
	workerPatch := map[string]any{
		"status": WorkerIdle, "current_work_id": nil, "last_heartbeat": now,
	}
	if raw, _, err := s.do(ctx, http.MethodGet,
		"worker_status?worker_id=eq."+url.QueryEscape(workerID)+"&select=total_processed",
		nil, nil); err == nil {
		var prior []workerRow
		if json.Unmarshal(raw, &prior) == nil && len(prior) == 1 {
			workerPatch["total_processed"] = prior[0].TotalProcessed + finalCount
		}
	}
	_, _, _ = s.do(ctx, http.MethodPatch,
		"worker_status?worker_id=eq."+url.QueryEscape(workerID),
		workerPatch, []string{"return=minimal"})
	return nil
}

// --- coordination store: workers ---

type workerRow struct {
	WorkerID       string  `json:"worker_id"`
	IP             *string `json:"ip"`
	Status         string  `json:"status"`
	CurrentWorkID  *string `json:"current_work_id"`
	TotalProcessed int     `json:"total_processed"`
	AverageRate    float64 `json:"average_rate"`
	LastHeartbeat  *string `json:"last_heartbeat"`
	RegisteredAt   *string `json:"registered_at"`
}

func (s *SupabaseStore) RegisterWorker(ctx context.Context, w *WorkerInfo) error {
	now := time.Now().UTC().Format(time.RFC3339)
	status := w.Status
	if status == "" {
		status = WorkerIdle
	}
	_, _, err := s.do(ctx, http.MethodPost, "worker_status?on_conflict=worker_id",
		[]map[string]any{{
			"worker_id":      w.WorkerID,
			"ip":             w.IP,
			"status":         status,
			"last_heartbeat": now,
			"registered_at":  now,
		}},
		[]string{"resolution=merge-duplicates", "return=minimal"})
	return err
}

func (s *SupabaseStore) Heartbeat(ctx context.Context, workerID, status, currentWorkID string, now time.Time) error {
	patch := map[string]any{
		"current_work_id": nullable(currentWorkID),
		"last_heartbeat":  now.UTC().Format(time.RFC3339),
	}
	if status != "" {
		patch["status"] = status
	}
	raw, _, err := s.do(ctx, http.MethodPatch,
		"worker_status?worker_id=eq."+url.QueryEscape(workerID), patch,
		[]string{"return=representation"})
	if err != nil {
		return err
	}
	var rows []workerRow
	if err := json.Unmarshal(raw, &rows); err == nil && len(rows) == 0 {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SupabaseStore) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	raw, _, err := s.do(ctx, http.MethodGet, "worker_status?order=worker_id.asc", nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []workerRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode workers: %v", ErrTransient, err)
	}
	out := make([]*WorkerInfo, 0, len(rows))
	for _, r := range rows {
		w := &WorkerInfo{
			WorkerID:       r.WorkerID,
			Status:         r.Status,
			TotalProcessed: r.TotalProcessed,
			AverageRate:    r.AverageRate,
		}
		if r.IP != nil {
			w.IP = *r.IP
		}
		if r.CurrentWorkID != nil {
			w.CurrentWorkID = *r.CurrentWorkID
		}
		if t := parseTimePtr(r.LastHeartbeat); t != nil {
			w.LastHeartbeat = *t
		}
		if t := parseTimePtr(r.RegisteredAt); t != nil {
			w.RegisteredAt = *t
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SupabaseStore) SweepStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	cutoff := now.Add(-timeout).UTC().Format(time.RFC3339)
	_, _, err := s.do(ctx, http.MethodPatch,
		"worker_status?status=neq.offline&last_heartbeat=lt."+url.QueryEscape(cutoff),
		map[string]any{"status": WorkerOffline, "current_work_id": nil},
		[]string{"return=minimal"})
	if err != nil {
		return nil, err
	}

	raw, _, err := s.do(ctx, http.MethodGet, "worker_status?status=eq.offline&select=worker_id", nil, nil)
	if err != nil {
		return nil, err
	}
	var offline []workerRow
	if err := json.Unmarshal(raw, &offline); err != nil {
		return nil, fmt.Errorf("%w: decode offline: %v", ErrTransient, err)
	}
	if len(offline) == 0 {
		return nil, nil
	}
	ids := make([]string, len(offline))
	for i, w := range offline {
		ids[i] = w.WorkerID
	}

	raw, _, err = s.do(ctx, http.MethodGet,
		"work_units?status=in.(assigned,processing)&assigned_worker=in.("+
			url.QueryEscape(strings.Join(ids, ","))+")&order=work_id.asc", nil, nil)
	if err != nil {
		return nil, err
	}
	var units []unitRow
	if err := json.Unmarshal(raw, &units); err != nil {
		return nil, fmt.Errorf("%w: decode stale units: %v", ErrTransient, err)
	}

	var reassigned []string
	for _, r := range units {
		if r.RetryCount < r.MaxRetries {
			_, _, err := s.do(ctx, http.MethodPatch,
				"work_units?work_id=eq."+url.QueryEscape(r.WorkID)+"&status=in.(assigned,processing)",
				map[string]any{
					"status":          UnitPending,
					"assigned_worker": nil,
					"assigned_at":     nil,
					"started_at":      nil,
					"retry_count":     r.RetryCount + 1,
					"last_error":      "worker_timeout",
				},
				[]string{"return=minimal"})
			if err != nil {
				return reassigned, err
			}
			reassigned = append(reassigned, r.WorkID)
		} else {
			_, _, err := s.do(ctx, http.MethodPatch,
				"work_units?work_id=eq."+url.QueryEscape(r.WorkID),
				map[string]any{"status": UnitFailed, "last_error": "worker_timeout"},
				[]string{"return=minimal"})
			if err != nil {
				return reassigned, err
			}
		}
	}
	return reassigned, nil
}

// --- allocation store ---

type allocationRow struct {
	AA          int    `json:"aa_byte"`
	QQ          int    `json:"qq_byte"`
	EE          int    `json:"ee_byte"`
	LemmaKey    string `json:"lemma_key"`
	A2          int    `json:"a2_byte"`
	AllocatedAt string `json:"allocated_at,omitempty"`
	AllocatedBy string `json:"allocated_by,omitempty"`
}

func (s *SupabaseStore) LookupAllocation(ctx context.Context, aa, qq, ee byte, lemmaKey string) (byte, bool, error) {
	raw, _, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("address_allocations?aa_byte=eq.%d&qq_byte=eq.%d&ee_byte=eq.%d&lemma_key=eq.%s&select=a2_byte",
			aa, qq, ee, url.QueryEscape(lemmaKey)), nil, nil)
	if err != nil {
		return 0, false, err
	}
	var rows []allocationRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return 0, false, fmt.Errorf("%w: decode allocation: %v", ErrTransient, err)
	}
	if len(rows) == 0 {
		return 0, false, nil
	}
	return byte(rows[0].A2), true, nil
}

func (s *SupabaseStore) UsedElementIDs(ctx context.Context, aa, qq, ee byte) ([]byte, error) {
	raw, _, err := s.do(ctx, http.MethodGet,
		fmt.Sprintf("address_allocations?aa_byte=eq.%d&qq_byte=eq.%d&ee_byte=eq.%d&select=a2_byte",
			aa, qq, ee), nil, nil)
	if err != nil {
		return nil, err
	}
	var rows []allocationRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode used ids: %v", ErrTransient, err)
	}
	out := make([]byte, 0, len(rows))
	for _, r := range rows {
		out = append(out, byte(r.A2))
	}
	return out, nil
}

func (s *SupabaseStore) TryReserveElement(ctx context.Context, aa, qq, ee byte, lemmaKey string, a2 byte, allocatedBy string) (bool, error) {
	_, status, err := s.do(ctx, http.MethodPost, "address_allocations",
		[]allocationRow{{
			AA: int(aa), QQ: int(qq), EE: int(ee),
			LemmaKey:    lemmaKey,
			A2:          int(a2),
			AllocatedAt: time.Now().UTC().Format(time.RFC3339),
			AllocatedBy: allocatedBy,
		}},
		[]string{"return=minimal"})
	if err != nil {
		if status == http.StatusConflict {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
