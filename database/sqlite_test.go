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
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqea/aqea-extractor/aqea"
)

func openTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "aqea.db"), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteUpsertIdempotent(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	e := testEntry(0x10)

	res, err := s.UpsertEntries(ctx, []*aqea.Entry{e})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	stored, err := s.GetEntry(ctx, e.Address)
	require.NoError(t, err)
	firstCreated := stored.CreatedAt

	again := testEntry(0x10)
	again.UpdatedAt = firstCreated.Add(time.Hour)
	again.Meta = map[string]any{"pos": "verb"}
	res, err = s.UpsertEntries(ctx, []*aqea.Entry{again})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)

	stored, err = s.GetEntry(ctx, e.Address)
	require.NoError(t, err)
	assert.Equal(t, firstCreated, stored.CreatedAt)
	assert.Equal(t, "verb", stored.Meta["pos"])
	assert.Equal(t, "word-10", stored.Meta["lemma"], "stored meta keys survive shallow merge")
}

func TestSQLiteQueryEntries(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	_, err := s.UpsertEntries(ctx, []*aqea.Entry{testEntry(0x10), testEntry(0x11)})
	require.NoError(t, err)

	got, err := s.QueryEntries(ctx, "0xA0:01:*:*")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := s.QueryEntries(ctx, "0xA1:*:*:*")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLiteWorkUnitLifecycle(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_02"), testUnit("u_01")}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}), "idempotent by work_id")
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))

	claimed, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "u_01", claimed.WorkID)
	assert.Equal(t, UnitAssigned, claimed.Status)

	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 7, 120,
		[]UnitError{{Kind: "conversion_error", Detail: "x"}}))
	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitProcessing, u.Status)
	assert.Equal(t, 7, u.EntriesProcessed)
	assert.Len(t, u.Errors, 1)

	// Lower count is ignored.
	require.NoError(t, s.UpdateProgress(ctx, "u_01", "w1", 3, 120, nil))
	u, err = s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, 7, u.EntriesProcessed)

	assert.ErrorIs(t, s.UpdateProgress(ctx, "u_01", "w2", 99, 1, nil), ErrConflict)

	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 9, true))
	u, err = s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitCompleted, u.Status)
	assert.Equal(t, 9, u.EntriesProcessed)

	assert.ErrorIs(t, s.CompleteWork(ctx, "u_01", "w2", 1, true), ErrConflict)
	require.NoError(t, s.CompleteWork(ctx, "u_01", "w1", 9, true), "idempotent re-complete")
}

func TestSQLiteSweep(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()
	require.NoError(t, s.RegisterWorker(ctx, &WorkerInfo{WorkerID: "w1"}))
	require.NoError(t, s.CreateWorkUnits(ctx, []*WorkUnit{testUnit("u_01")}))
	_, err := s.ClaimNextPending(ctx, "w1")
	require.NoError(t, err)

	reassigned, err := s.SweepStaleWorkers(ctx, time.Now().UTC().Add(10*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"u_01"}, reassigned)

	u, err := s.GetWorkUnit(ctx, "u_01")
	require.NoError(t, err)
	assert.Equal(t, UnitPending, u.Status)
	assert.Equal(t, 1, u.RetryCount)
	assert.Equal(t, "worker_timeout", u.LastError)
	assert.Empty(t, u.AssignedWorker)
}

func TestSQLiteAllocation(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	_, found, err := s.LookupAllocation(ctx, 0xA0, 0x01, 0x11, "Apfel")
	require.NoError(t, err)
	assert.False(t, found)

	ok, err := s.TryReserveElement(ctx, 0xA0, 0x01, 0x11, "Apfel", 0x2A, "w1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same lemma again: unique constraint refuses.
	ok, err = s.TryReserveElement(ctx, 0xA0, 0x01, 0x11, "Apfel", 0x2B, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Same element ID for another lemma: refused too.
	ok, err = s.TryReserveElement(ctx, 0xA0, 0x01, 0x11, "Birne", 0x2A, "w1")
	require.NoError(t, err)
	assert.False(t, ok)

	a2, found, err := s.LookupAllocation(ctx, 0xA0, 0x01, 0x11, "Apfel")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, byte(0x2A), a2)

	used, err := s.UsedElementIDs(ctx, 0xA0, 0x01, 0x11)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x2A}, used)
}

func TestSQLiteAllocatorEndToEnd(t *testing.T) {
	s := openTestSQLite(t)
	ctx := context.Background()

	al, err := aqea.NewAllocator(s, "w1")
	require.NoError(t, err)

	seen := make(map[byte]bool)
	for i := 0; i < 50; i++ {
		a2, err := al.Allocate(ctx, 0xA0, 0x01, 0x90, fmt.Sprintf("lemma-%d", i))
		require.NoError(t, err)
		assert.False(t, seen[a2], "duplicate A2 %02X", a2)
		seen[a2] = true
	}
}
