// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datasource provides the pluggable upstream extractors that
// feed raw lexical records into the conversion pipeline. Wiktionary is
// the default source; further sources (PanLex, Wikidata) register in
// the same factory.
package datasource

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aqea/aqea-extractor/aqea"
)

// DataSource is one upstream of raw lexical records. ExtractRange
// streams every record whose normalized lemma falls within
// [rangeStart, succ(rangeEnd)), lazily and in lexicographic order as
// delivered by the upstream. The record channel closes at end of
// stream; the error channel then carries at most one terminal error.
// Per-record failures are soft: the extractor skips and keeps going.
type DataSource interface {
	Name() string
	ExtractRange(ctx context.Context, language, rangeStart, rangeEnd string) (<-chan aqea.Record, <-chan error)
	Close() error
}

// Config carries the per-source tuning knobs from the config file.
type Config struct {
	RequestDelay   time.Duration // minimum inter-request delay, default 200ms
	MaxConcurrent  int           // concurrent upstream requests, default 5
	RequestTimeout time.Duration // per-request timeout, default 30s
	MaxRetries     int           // backoff attempts on 429/5xx, default 5
	UserAgent      string
	// BaseURL overrides the upstream endpoint, mainly for tests. The
	// default is derived per language (e.g. de.wiktionary.org).
	BaseURL string
}

// New builds a data source by name. Unknown names are a config error.
func New(name string, cfg Config, logger *slog.Logger) (DataSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "wiktionary":
		return NewWiktionary(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown data source %q (available: wiktionary)", name)
	}
}

// RangeEndSucc returns the exclusive upper bound for an inclusive
// prefix range end: the smallest string greater than every string
// having rangeEnd as a prefix.
func RangeEndSucc(rangeEnd string) string {
	return rangeEnd + string(rune(0x10FFFF))
}

// InRange reports whether a normalized lemma belongs to the unit
// range: rangeStart <= lemma < succ(rangeEnd).
func InRange(lemma, rangeStart, rangeEnd string) bool {
	return lemma >= rangeStart && lemma < RangeEndSucc(rangeEnd)
}
