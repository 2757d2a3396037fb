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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aqea/aqea-extractor/aqea"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallbackWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	fw := NewFallbackWriter(dir, "worker-1")
	fw.now = func() time.Time { return time.UnixMilli(1700000000000) }

	batch := []*aqea.Entry{testEntry(0x10), testEntry(0x11)}
	path, err := fw.WriteBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "aqea_entries_worker-1_1700000000000.json"), path)

	// One JSON object per line.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	assert.Len(t, lines, 2)

	back, err := ReadBatch(path)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, batch[0].Address, back[0].Address)
	assert.Equal(t, batch[0].Label, back[0].Label)
	assert.Equal(t, batch[1].Address, back[1].Address)
}

func TestFallbackCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "extracted_data")
	fw := NewFallbackWriter(dir, "worker-2")
	_, err := fw.WriteBatch([]*aqea.Entry{testEntry(0x20)})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestFallbackReingestIsIdempotent(t *testing.T) {
	fw := NewFallbackWriter(t.TempDir(), "worker-3")
	path, err := fw.WriteBatch([]*aqea.Entry{testEntry(0x30)})
	require.NoError(t, err)

	entries, err := ReadBatch(path)
	require.NoError(t, err)

	store := NewMemoryStore()
	ctx := t.Context()
	res, err := store.UpsertEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)
	res, err = store.UpsertEntries(ctx, entries)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)
}
