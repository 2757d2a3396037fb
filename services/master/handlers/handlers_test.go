// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqea/aqea-extractor/database"
	"github.com/aqea/aqea-extractor/pkg/config"
	"github.com/aqea/aqea-extractor/services/master"
	"github.com/aqea/aqea-extractor/services/master/observability"
	"github.com/aqea/aqea-extractor/services/master/routes"
)

type testMaster struct {
	router *gin.Engine
	coord  *master.Coordinator
	store  *database.MemoryStore
}

func newTestMaster(t *testing.T) *testMaster {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := database.NewMemoryStore()
	cfg := config.Default()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	coord := master.New(store, cfg, "deu", "wiktionary", logger, metrics)
	_, err := coord.CreateWorkPlan(context.Background())
	require.NoError(t, err)

	router := gin.New()
	routes.Setup(router, coord, metrics)
	return &testMaster{router: router, coord: coord, store: store}
}

func (m *testMaster) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	m.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRegisterGeneratesWorkerID(t *testing.T) {
	m := newTestMaster(t)
	w := m.do(t, http.MethodPost, "/api/register", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.NotEmpty(t, resp["worker_id"])
	_, err := time.Parse(time.RFC3339, resp["assigned_at"].(string))
	assert.NoError(t, err)
}

func TestRegisterKeepsSuppliedID(t *testing.T) {
	m := newTestMaster(t)
	w := m.do(t, http.MethodPost, "/api/register", map[string]any{"worker_id": "worker-7"})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "worker-7", resp["worker_id"])
}

func TestRegisterRejectsBadID(t *testing.T) {
	m := newTestMaster(t)
	w := m.do(t, http.MethodPost, "/api/register", map[string]any{"worker_id": "../etc/passwd"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func registerWorker(t *testing.T, m *testMaster, id string) {
	t.Helper()
	w := m.do(t, http.MethodPost, "/api/register", map[string]any{"worker_id": id})
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWorkClaimCycle(t *testing.T) {
	m := newTestMaster(t)
	registerWorker(t, m, "worker-1")

	// The plan has five ranges; units come back in work_id order.
	w := m.do(t, http.MethodGet, "/api/work?worker_id=worker-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	unit := decode[map[string]any](t, w)
	assert.Equal(t, "wiktionary_deu_01", unit["work_id"])
	assert.Equal(t, "deu", unit["language"])
	assert.Equal(t, "A", unit["range_start"])
	assert.Equal(t, "E", unit["range_end"])

	// Claiming again while owning an active unit: 409.
	w = m.do(t, http.MethodGet, "/api/work?worker_id=worker-1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestWorkDrainedReturns204(t *testing.T) {
	m := newTestMaster(t)
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("worker-%d", i)
		registerWorker(t, m, id)
		w := m.do(t, http.MethodGet, "/api/work?worker_id="+id, nil)
		require.Equal(t, http.StatusOK, w.Code, "unit %d", i)
	}
	registerWorker(t, m, "worker-6")
	w := m.do(t, http.MethodGet, "/api/work?worker_id=worker-6", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestProgressAndComplete(t *testing.T) {
	m := newTestMaster(t)
	registerWorker(t, m, "worker-1")
	w := m.do(t, http.MethodGet, "/api/work?worker_id=worker-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	workID := decode[map[string]any](t, w)["work_id"].(string)

	w = m.do(t, http.MethodPost, "/api/work/"+workID+"/progress", map[string]any{
		"worker_id": "worker-1", "entries_processed": 10, "current_rate": 120.5,
		"errors": []map[string]string{{"kind": "conversion_error", "detail": "empty lemma"}},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Ownership mismatch: 409.
	w = m.do(t, http.MethodPost, "/api/work/"+workID+"/progress", map[string]any{
		"worker_id": "worker-2", "entries_processed": 5,
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = m.do(t, http.MethodPost, "/api/work/"+workID+"/complete", map[string]any{
		"worker_id": "worker-1", "entries_processed": 42, "success": true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	unit, err := m.store.GetWorkUnit(context.Background(), workID)
	require.NoError(t, err)
	assert.Equal(t, database.UnitCompleted, unit.Status)
	assert.Equal(t, 42, unit.EntriesProcessed)
	require.Len(t, unit.Errors, 1)
	assert.Equal(t, "conversion_error", unit.Errors[0].Kind)

	// Completing someone else's (now completed) unit: 409.
	w = m.do(t, http.MethodPost, "/api/work/"+workID+"/complete", map[string]any{
		"worker_id": "worker-2", "entries_processed": 1, "success": true,
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestProgressUnknownUnit(t *testing.T) {
	m := newTestMaster(t)
	registerWorker(t, m, "worker-1")
	w := m.do(t, http.MethodPost, "/api/work/nope_99/progress", map[string]any{
		"worker_id": "worker-1", "entries_processed": 1,
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHeartbeat(t *testing.T) {
	m := newTestMaster(t)
	registerWorker(t, m, "worker-1")

	w := m.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"worker_id": "worker-1", "status": "working", "current_work_id": "wiktionary_deu_01",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = m.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"worker_id": "worker-1", "status": "sleeping",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = m.do(t, http.MethodPost, "/api/heartbeat", map[string]any{
		"worker_id": "ghost", "status": "idle",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStatusSnapshot(t *testing.T) {
	m := newTestMaster(t)
	registerWorker(t, m, "worker-1")
	w := m.do(t, http.MethodGet, "/api/work?worker_id=worker-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	workID := decode[map[string]any](t, w)["work_id"].(string)
	w = m.do(t, http.MethodPost, "/api/work/"+workID+"/progress", map[string]any{
		"worker_id": "worker-1", "entries_processed": 100, "current_rate": 60,
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = m.do(t, http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[master.Status](t, w)

	assert.Equal(t, "deu", st.Overview.Language)
	assert.Equal(t, "wiktionary", st.Overview.Source)
	assert.Equal(t, "running", st.Overview.Status)
	_, err := time.Parse(time.RFC3339, st.Overview.StartedAt)
	assert.NoError(t, err)

	assert.Equal(t, 5, st.WorkUnits.Total)
	assert.Equal(t, 4, st.WorkUnits.Pending)
	assert.Equal(t, 1, st.WorkUnits.Processing)
	assert.Equal(t, 1, st.Workers.Total)
	assert.Equal(t, 1, st.Workers.Active)
	assert.Equal(t, 100, st.Progress.TotalProcessedEntries)
	assert.Greater(t, st.Progress.CurrentRatePerMinute, 0.0)
	require.NotNil(t, st.Progress.ETAHours)
}

func TestHealth(t *testing.T) {
	m := newTestMaster(t)
	w := m.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "memory", resp["backend"])
}

func TestMetricsEndpoint(t *testing.T) {
	m := newTestMaster(t)
	w := m.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
