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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aqea/aqea-extractor/aqea"
)

// DefaultFallbackDir is where workers park batches the store refused.
const DefaultFallbackDir = "extracted_data"

// FallbackWriter persists batches as newline-delimited JSON when the
// entry store is unreachable. One file per failed batch, named
// aqea_entries_{worker_id}_{unix_ms}.json; each line is a full entry.
// The files are re-ingestible by a one-shot importer.
type FallbackWriter struct {
	dir      string
	workerID string

	now func() time.Time
}

// NewFallbackWriter creates the target directory lazily on first write.
func NewFallbackWriter(dir, workerID string) *FallbackWriter {
	if dir == "" {
		dir = DefaultFallbackDir
	}
	return &FallbackWriter{dir: dir, workerID: workerID, now: time.Now}
}

// WriteBatch writes one batch and returns the file path.
func (f *FallbackWriter) WriteBatch(entries []*aqea.Entry) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("create fallback dir: %w", err)
	}
	name := fmt.Sprintf("aqea_entries_%s_%d.json", f.workerID, f.now().UnixMilli())
	path := filepath.Join(f.dir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("create fallback file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encode entry %s: %w", e.Address, err)
		}
	}
	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush fallback file: %w", err)
	}
	return path, nil
}

// ReadBatch loads a fallback file back into entries. Used by tests and
// by external import tooling.
func ReadBatch(path string) ([]*aqea.Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var out []*aqea.Entry
	dec := json.NewDecoder(file)
	for dec.More() {
		var e aqea.Entry
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("decode fallback line: %w", err)
		}
		out = append(out, &e)
	}
	return out, nil
}
