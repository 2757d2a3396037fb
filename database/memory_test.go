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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqea/aqea-extractor/aqea"
)

func testEntry(a2 byte) *aqea.Entry {
	now := time.Now().UTC().Truncate(time.Second)
	return &aqea.Entry{
		Address:   aqea.Address{0xA0, 0x01, 0x11, a2},
		Label:     fmt.Sprintf("word-%02X", a2),
		Domain:    "0xA0",
		Status:    "active",
		LangUI:    "deu",
		CreatedAt: now,
		UpdatedAt: now,
		Meta:      map[string]any{"lemma": fmt.Sprintf("word-%02X", a2), "pos": "noun"},
	}
}

func testUnit(id string) *WorkUnit {
	return &WorkUnit{
		WorkID:           id,
		Language:         "deu",
		Source:           "wiktionary",
		RangeStart:       "A",
		RangeEnd:         "E",
		EstimatedEntries: 100,
	}
}

func TestMemoryUpsertIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	e := testEntry(0x10)

	res, err := s.UpsertEntries(ctx, []*aqea.Entry{e})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	stored, err := s.GetEntry(ctx, e.Address)
	require.NoError(t, err)
	firstCreated := stored.CreatedAt

	// Re-ingest with a later updated_at: created_at must survive.
	again := testEntry(0x10)
	again.UpdatedAt = firstCreated.Add(time.Hour)
	again.Meta = map[string]any{"pos": "verb", "extra": "x"}
	res, err = s.UpsertEntries(ctx, []*aqea.Entry{again})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)

	stored, err = s.GetEntry(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, firstCreated, stored.CreatedAt)
	assert.Equal(t, again.UpdatedAt, stored.UpdatedAt)
	// Shallow merge: incoming keys replace, missing stored keys survive.
	assert.Equal(t, "verb", stored.Meta["pos"])
	assert.Equal(t, "x", stored.Meta["extra"])
	assert.Equal(t, "word-10", stored.Meta["lemma"])
}

func TestMemoryGetEntryNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetEntry(context.Background(), aqea.Address{0xA0, 0x01, 0x01, 0x01})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryQueryEntriesByPrefix(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.UpsertEntries(ctx, []*aqea.Entry{testEntry(0x10), testEntry(0x11)})
	require.NoError(t, err)
	other := testEntry(0x12)
	other.Address = aqea.Address{0xA1, 0x01, 0x11, 0x12}
	_, err = s.UpsertEntries(ctx, []*aqea.Entry{other})
	require.NoError(t, err)

	got, err := s.QueryEntries(ctx, "0xA0:01:*:*")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	all, err := s.QueryEntries(ctx, "*")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = s.QueryEntries(ctx, "0xA0:*:01:*")
	assert.Error(t, err, "byte fixed after wildcard must be rejected")
}

func TestMemoryCreateWorkUnitsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))

	units, err := s.ListWorkUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, UnitPending, units[0].Status)
	assert.Equal(t, DefaultMaxRetries, units[0].MaxRetries)
}

func TestMemoryClaimOrderAndDrain(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{
		testUnit("u_02"), testUnit("u_01"),
	}))

	first, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "u_01", first.WorkID, "claims tie-break by work_id ascending")
	assert.Equal(t, UnitAssigned, first.Status)
	assert.Equal(t, "w1", first.AssignedWorker)
	require.NotNil(t, first.AssignedAt)

	second, err := s.ClaimNextPending(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, "u_02", second.WorkID)

	drained, err := s.ClaimNextPending(ctx, "w3")
	require.NoError(t, err)
	assert.Nil(t, drained)
}

func TestMemoryClaimSingleOwnerUnderConcurrency(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))

	const claimers = 16
	winners := make(chan string, claimers)
	var wg sync.WaitGroup
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, err := s.ClaimNextPending(ctx, fmt.Sprintf("w%d", i))
			if err == nil && u != nil {
				winners <- u.WorkID
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	count := 0
	for range winners {
		count++
	}
	assert.Equal(t, 1, count, "exactly one claimer may win the unit")
}

func TestMemoryProgressLifecycle(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	_, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	// First progress: assigned -> processing.
	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 10, 60, nil))
	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitProcessing, u.Status)
	assert.Equal(t, 10, u.EntriesProcessed)
	require.NotNil(t, u.StartedAt)

	// Monotone: a lower count is ignored.
	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 5, 30, nil))
	u, err = s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, 10, u.EntriesProcessed)

	// Wrong worker: conflict.
	err = s.UpdateProgress(ctx, "u_01", "w2", 20, 60, nil)
	assert.ErrorIs(t, err, ErrConflict)

	// Soft errors accumulate on the unit.
	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 12, 60,
		[]UnitError{{Kind: "conversion_error", Detail: "empty lemma"}}))
	u, err = s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	require.Len(t, u.Errors, 1)
	assert.Equal(t, "conversion_error", u.Errors[0].Kind)
}

func TestMemoryCompleteWork(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	_, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 42, true))
	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitCompleted, u.Status)
	assert.Equal(t, 42, u.EntriesProcessed)
	require.NotNil(t, u.CompletedAt)

	// Idempotent re-completion.
	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 42, true))

	// Another worker cannot complete it.
	err = s.CompleteWork(ctx, "u_01", "w2", 1, true)
	assert.ErrorIs(t, err, ErrConflict)

	// Worker stats rolled up.
	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, 42, workers[0].TotalProcessed)
	assert.Equal(t, WorkerIdle, workers[0].Status)
}

func TestMemoryCompleteFailure(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	_, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 3, false))
	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitFailed, u.Status)
}

func TestMemorySweepReassignsStaleWorkers(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	_, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 3, 60, nil))

	// Within the timeout nothing moves.
	reassigned, err := s.SweepStaleWorkers(ctx, now.Add(time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reassigned)

	// Past the timeout the unit returns to pending with a retry.
	reassigned, err = s.SweepStaleWorkers(ctx, now.Add(10*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u_01"}, reassigned)

	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitPending, u.Status)
	assert.Empty(t, u.AssignedWorker)
	assert.Equal(t, 1, u.RetryCount)
	assert.Equal(t, "worker_timeout", u.LastError)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, WorkerOffline, workers[0].Status)

	// A fresh worker picks it up again.
	u2, err := s.ClaimNextPending(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, u2)
	assert.Equal(t, "u_01", u2.WorkID)
}

func TestMemorySweepFailsAfterMaxRetries(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))

	for retry := 1; retry <= DefaultMaxRetries; retry++ {
		worker := fmt.Sprintf("w%d", retry)
		require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: worker}))
		u, err := s.ClaimNextPending(ctx, worker)
		require.NoError(t, err)
		require.NotNil(t, u)
		now = now.Add(10 * time.Minute)
		_, err = s.SweepStaleWorkers(ctx, now, 2*time.Minute)
		require.NoError(t, err)
	}

	// Retries exhausted: a fourth silent owner fails the unit.
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w4"}))
	u, err := s.ClaimNextPending(ctx, "w4")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, DefaultMaxRetries, u.RetryCount)
	now = now.Add(10 * time.Minute)
	reassigned, err := s.SweepStaleWorkers(ctx, now, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reassigned)

	final, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitFailed, final.Status)

	// Failed units never come back through claim.
	none, err := s.ClaimNextPending(ctx, "w5")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMemoryHeartbeat(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))

	at := time.Now().UTC().Add(time.Minute)
	require.NoError(t, s.Heartbeat(ctx, "w1", WorkerWorking, "u_01", at))

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Equal(t, WorkerWorking, workers[0].Status)
	assert.Equal(t, "u_01", workers[0].CurrentWorkID)
	assert.Equal(t, at, workers[0].LastHeartbeat)

	assert.ErrorIs(t, s.Heartbeat(ctx, "ghost", WorkerIdle, "", at), ErrNotFound)
}

func TestMemoryZeroEstimateUnitCompletes(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	u := testUnit("u_01")
	u.EstimatedEntries = 0
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{u}))

	claimed, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 0, true))

	final, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitCompleted, final.Status)
	assert.Equal(t, 0, final.EntriesProcessed)
}

func TestPatternPrefix(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
		wantErr bool
	}{
		{"0xA0:01:*:*", "0xA0:01", false},
		{"0xA0:*:*:*", "0xA0", false},
		{"0xA0:01:11:2A", "0xA0:01:11:2A", false},
		{"*", "0x", false},
		{"", "0x", false},
		{"0xA0:*:11:*", "", true},
		{"0xA0:01", "", true},
		{"A0:01:*:*", "", true},
	}
	for _, tt := range tests {
		got, err := patternPrefix(tt.pattern)
		if tt.wantErr {
			assert.Error(t, err, tt.pattern)
			continue
		}
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.want, got, tt.pattern)
	}
}
