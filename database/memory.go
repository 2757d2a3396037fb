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
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aqea/aqea-extractor/aqea"
)

type tupleKey struct {
	aa, qq, ee byte
}

// MemoryStore keeps everything in process memory behind one mutex.
// It backs single-master deployments ("HTTP-only" mode) and tests.
// A master-wide mutex is enough here: the master is single-process and
// every contract operation is short.
type MemoryStore struct {
	mu sync.Mutex

	entries map[aqea.Address]*aqea.Entry
	units   map[string]*WorkUnit
	order   []string // work IDs in creation order
	workers map[string]*WorkerInfo

	allocByLemma map[tupleKey]map[string]byte
	allocUsed    map[tupleKey]map[byte]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:      make(map[aqea.Address]*aqea.Entry),
		units:        make(map[string]*WorkUnit),
		workers:      make(map[string]*WorkerInfo),
		allocByLemma: make(map[tupleKey]map[string]byte),
		allocUsed:    make(map[tupleKey]map[byte]bool),
	}
}

func (s *MemoryStore) Name() string                   { return "memory" }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// --- entry store ---

func (s *MemoryStore) UpsertEntries(ctx context.Context, entries []*aqea.Entry) (UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res UpsertResult
	for _, e := range entries {
		if existing, ok := s.entries[e.Address]; ok {
			merged := *e
			merged.CreatedAt = existing.CreatedAt
			merged.Meta = mergeMeta(existing.Meta, e.Meta)
			s.entries[e.Address] = &merged
			res.Updated++
		} else {
			cp := *e
			s.entries[e.Address] = &cp
			res.Inserted++
		}
	}
	return res, nil
}

func mergeMeta(stored, incoming map[string]any) map[string]any {
	if stored == nil {
		return incoming
	}
	merged := make(map[string]any, len(stored)+len(incoming))
	for k, v := range stored {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

func (s *MemoryStore) GetEntry(ctx context.Context, addr aqea.Address) (*aqea.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, addr)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) QueryEntries(ctx context.Context, pattern string) ([]*aqea.Entry, error) {
	prefix, err := patternPrefix(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*aqea.Entry
	for addr, e := range s.entries {
		if strings.HasPrefix(addr.String(), prefix) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.String() < out[j].Address.String() })
	return out, nil
}

// --- coordination store: work units ---

func (s *MemoryStore) CreateWorkUnits(ctx context.Context, units []*WorkUnit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		if _, exists := s.units[u.WorkID]; exists {
			continue
		}
		cp := u.Clone()
		if cp.Status == "" {
			cp.Status = UnitPending
		}
		if cp.MaxRetries == 0 {
			cp.MaxRetries = DefaultMaxRetries
		}
		s.units[cp.WorkID] = cp
		s.order = append(s.order, cp.WorkID)
	}
	return nil
}

func (s *MemoryStore) ClaimNextPending(ctx context.Context, workerID string) (*WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := append([]string(nil), s.order...)
	sort.Strings(ids)
	for _, id := range ids {
		u := s.units[id]
		if u.Status != UnitPending {
			continue
		}
		now := time.Now().UTC()
		u.Status = UnitAssigned
		u.AssignedWorker = workerID
		u.AssignedAt = &now
		if w, ok := s.workers[workerID]; ok {
			w.Status = WorkerWorking
			w.CurrentWorkID = u.WorkID
			w.LastHeartbeat = now
		}
		return u.Clone(), nil
	}
	return nil, nil
}

func (s *MemoryStore) GetWorkUnit(ctx context.Context, workID string) (*WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.units[workID]
	if !ok {
		return nil, fmt.Errorf("%w: work unit %s", ErrNotFound, workID)
	}
	return u.Clone(), nil
}

func (s *MemoryStore) ListWorkUnits(ctx context.Context) ([]*WorkUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkUnit, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.units[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, workID, workerID string, entriesProcessed int, rate float64, softErrors []UnitError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[workID]
	if !ok {
		return fmt.Errorf("%w: work unit %s", ErrNotFound, workID)
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	if u.Status == UnitAssigned {
		now := time.Now().UTC()
		u.Status = UnitProcessing
		u.StartedAt = &now
	}
	if entriesProcessed > u.EntriesProcessed {
		u.EntriesProcessed = entriesProcessed
	}
	u.CurrentRate = rate
	u.Errors = append(u.Errors, softErrors...)

	if w, ok := s.workers[workerID]; ok {
		w.LastHeartbeat = time.Now().UTC()
		w.AverageRate = rate
	}
	return nil
}

func (s *MemoryStore) CompleteWork(ctx context.Context, workID, workerID string, finalCount int, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.units[workID]
	if !ok {
		return fmt.Errorf("%w: work unit %s", ErrNotFound, workID)
	}
	if u.Status == UnitCompleted && u.AssignedWorker == workerID {
		// Idempotent re-completion; a differing count is last-writer-wins.
		u.EntriesProcessed = finalCount
		return nil
	}
	if u.AssignedWorker != workerID || (u.Status != UnitAssigned && u.Status != UnitProcessing) {
		return fmt.Errorf("%w: %s not owned by %s in state %s", ErrConflict, workID, workerID, u.Status)
	}
	now := time.Now().UTC()
	if success {
		u.Status = UnitCompleted
	} else {
		u.Status = UnitFailed
	}
	u.CompletedAt = &now
	u.EntriesProcessed = finalCount

	if w, ok := s.workers[workerID]; ok {
		w.Status = WorkerIdle
		w.CurrentWorkID = ""
		w.TotalProcessed += finalCount
		w.LastHeartbeat = now
	}
	return nil
}

// --- coordination store: workers ---

func (s *MemoryStore) RegisterWorker(ctx context.Context, w *WorkerInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	cp := *w
	if cp.Status == "" {
		cp.Status = WorkerIdle
	}
	if cp.RegisteredAt.IsZero() {
		cp.RegisteredAt = now
	}
	cp.LastHeartbeat = now
	s.workers[cp.WorkerID] = &cp
	return nil
}

func (s *MemoryStore) Heartbeat(ctx context.Context, workerID, status, currentWorkID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: worker %s", ErrNotFound, workerID)
	}
	if status != "" {
		w.Status = status
	}
	w.CurrentWorkID = currentWorkID
	w.LastHeartbeat = now.UTC()
	return nil
}

func (s *MemoryStore) ListWorkers(ctx context.Context) ([]*WorkerInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*WorkerInfo, 0, len(s.workers))
	for _, w := range s.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *MemoryStore) SweepStaleWorkers(ctx context.Context, now time.Time, timeout time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stale := make(map[string]bool)
	for id, w := range s.workers {
		if w.Status != WorkerOffline && now.Sub(w.LastHeartbeat) > timeout {
			w.Status = WorkerOffline
			w.CurrentWorkID = ""
			stale[id] = true
		} else if w.Status == WorkerOffline {
			stale[id] = true
		}
	}

	var reassigned []string
	for _, u := range s.units {
		if u.Status != UnitAssigned && u.Status != UnitProcessing {
			continue
		}
		if !stale[u.AssignedWorker] {
			continue
		}
		if u.RetryCount < u.MaxRetries {
			u.Status = UnitPending
			u.AssignedWorker = ""
			u.AssignedAt = nil
			u.StartedAt = nil
			u.RetryCount++
			u.LastError = "worker_timeout"
			reassigned = append(reassigned, u.WorkID)
		} else {
			u.Status = UnitFailed
			u.LastError = "worker_timeout"
		}
	}
	sort.Strings(reassigned)
	return reassigned, nil
}

// --- allocation store ---

func (s *MemoryStore) LookupAllocation(ctx context.Context, aa, qq, ee byte, lemmaKey string) (byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.allocByLemma[tupleKey{aa, qq, ee}]; ok {
		if a2, hit := m[lemmaKey]; hit {
			return a2, true, nil
		}
	}
	return 0, false, nil
}

func (s *MemoryStore) UsedElementIDs(ctx context.Context, aa, qq, ee byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.allocUsed[tupleKey{aa, qq, ee}]
	out := make([]byte, 0, len(used))
	for id := range used {
		out = append(out, id)
	}
	return out, nil
}

func (s *MemoryStore) TryReserveElement(ctx context.Context, aa, qq, ee byte, lemmaKey string, a2 byte, allocatedBy string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tupleKey{aa, qq, ee}
	byLemma := s.allocByLemma[key]
	if byLemma == nil {
		byLemma = make(map[string]byte)
		s.allocByLemma[key] = byLemma
	}
	used := s.allocUsed[key]
	if used == nil {
		used = make(map[byte]bool)
		s.allocUsed[key] = used
	}
	if _, exists := byLemma[lemmaKey]; exists {
		return false, nil
	}
	if used[a2] {
		return false, nil
	}
	byLemma[lemmaKey] = a2
	used[a2] = true
	return true, nil
}
