// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package aqea

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// Record is the normalized raw record handed over by a source
// extractor. Only Word and Language are required; everything else is
// defensively defaulted during conversion.
type Record struct {
	Word          string   `json:"word"`
	Language      string   `json:"language"`
	POS           string   `json:"pos"`
	Definitions   []string `json:"definitions"`
	IPA           string   `json:"ipa,omitempty"`
	Audio         []string `json:"audio,omitempty"`
	Examples      []string `json:"examples,omitempty"`
	Synonyms      []string `json:"synonyms,omitempty"`
	Antonyms      []string `json:"antonyms,omitempty"`
	Translations  []string `json:"translations,omitempty"`
	Forms         []string `json:"forms,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	Hyphenation   string   `json:"hyphenation,omitempty"`
	FrequencyRank int      `json:"frequency_rank,omitempty"` // 1 = most frequent, 0 = unknown
}

const (
	maxDefinitions   = 10
	maxForms         = 5
	descriptionLimit = 200
)

// Converter turns Records into Entries for one fixed language. The
// AA/QQ/EE bytes are pure functions of the record; the A2 byte comes
// from the allocator, which makes the full address stable across
// re-ingests.
type Converter struct {
	language     string // ISO 639-3
	languageName string
	family       string
	domain       byte
	source       string
	workerID     string
	allocator    *Allocator
	logger       *slog.Logger

	now func() time.Time
}

// NewConverter builds a converter for one language. Unsupported
// languages fail here, before any extraction starts.
func NewConverter(language, source, workerID string, allocator *Allocator, logger *slog.Logger) (*Converter, error) {
	iso3 := NormalizeLanguageCode(language)
	domain, err := LanguageDomain(iso3)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Converter{
		language:     iso3,
		languageName: LanguageName(iso3),
		family:       LanguageFamily(iso3),
		domain:       domain,
		source:       source,
		workerID:     workerID,
		allocator:    allocator,
		logger:       logger,
		now:          time.Now,
	}
	logger.Info("converter initialized",
		"language", c.languageName,
		"domain", fmt.Sprintf("0x%02X", domain),
		"family", c.family)
	return c, nil
}

// Language returns the converter's ISO 639-3 code.
func (c *Converter) Language() string { return c.language }

// Domain returns the converter's AA byte.
func (c *Converter) Domain() byte { return c.domain }

// Convert produces one entry for a record. Records with an empty lemma
// fail with ErrConversion (a soft error: skip and count). Allocation
// failures pass through so callers can distinguish
// ErrAddressSpaceExhausted.
func (c *Converter) Convert(ctx context.Context, rec Record) (*Entry, error) {
	word := strings.TrimSpace(rec.Word)
	if word == "" {
		return nil, fmt.Errorf("%w: empty lemma", ErrConversion)
	}

	pos := strings.ToLower(strings.TrimSpace(rec.POS))
	if pos == "" {
		pos = "unknown"
	}
	qq := POSByte(pos)
	ee := c.semanticCluster(word, pos, rec)

	a2, err := c.allocator.Allocate(ctx, c.domain, qq, ee, word)
	if err != nil {
		return nil, err
	}

	addr := Address{c.domain, qq, ee, a2}
	now := c.now().UTC()

	entry := &Entry{
		Address:     addr,
		Label:       word,
		Description: c.describe(word, pos, rec),
		Domain:      fmt.Sprintf("0x%02X", c.domain),
		Status:      "active",
		LangUI:      c.language,
		CreatedAt:   now,
		UpdatedAt:   now,
		CreatedBy:   "aqea-extractor",
		Meta:        c.buildMeta(word, pos, rec, now),
	}
	if err := entry.Validate(); err != nil {
		return nil, err
	}
	return entry, nil
}

// semanticCluster derives the EE byte. A domain integer d in [0, 255]
// comes from hashing the record's identity (lemma, pos, language, first
// definition); the frequency rank picks the band:
//
//	rank <= 10^3   0x10 + d mod 16
//	rank <= 10^4   0x20 + d mod 32
//	rank <= 10^5   0x40 + d mod 64
//	else/unknown   0x80 + d mod 127
//
// The tail band uses mod 127 rather than 128: 0x80+127 would land on
// the reserved 0xFF. Every band thus avoids 0x00 and 0xFF.
func (c *Converter) semanticCluster(word, pos string, rec Record) byte {
	firstDef := ""
	if len(rec.Definitions) > 0 {
		firstDef = rec.Definitions[0]
	}
	h := fnv.New32a()
	fmt.Fprintf(h, "%s|%s|%s|%s", word, pos, c.language, firstDef)
	d := byte(h.Sum32() % 256)

	rank := rec.FrequencyRank
	switch {
	case rank > 0 && rank <= 1_000:
		return 0x10 + d%16
	case rank > 0 && rank <= 10_000:
		return 0x20 + d%32
	case rank > 0 && rank <= 100_000:
		return 0x40 + d%64
	default:
		return 0x80 + d%127
	}
}

func (c *Converter) describe(word, pos string, rec Record) string {
	desc := fmt.Sprintf("%s %s '%s'", c.languageName, pos, word)
	if len(rec.Definitions) > 0 {
		desc += ". " + truncate(strings.TrimSpace(rec.Definitions[0]), descriptionLimit)
	}
	if rec.IPA != "" {
		desc += fmt.Sprintf(" Pronunciation: /%s/", rec.IPA)
	}
	return desc
}

func (c *Converter) buildMeta(word, pos string, rec Record, now time.Time) map[string]any {
	meta := map[string]any{
		"lemma":           word,
		"pos":             pos,
		"source":          c.source,
		"worker_id":       c.workerID,
		"created_at":      now.Format(time.RFC3339),
		"language":        c.language,
		"language_name":   c.languageName,
		"language_family": c.family,
	}
	if rec.IPA != "" {
		meta["ipa"] = rec.IPA
	}
	if len(rec.Audio) > 0 {
		meta["audio"] = rec.Audio
	}
	if rec.Hyphenation != "" {
		meta["hyphenation"] = rec.Hyphenation
	}
	if len(rec.Definitions) > 0 {
		meta["definitions"] = capList(rec.Definitions, maxDefinitions)
	}
	if len(rec.Examples) > 0 {
		meta["examples"] = capList(rec.Examples, 3)
	}
	if len(rec.Synonyms) > 0 {
		meta["synonyms"] = capList(rec.Synonyms, 5)
	}
	if len(rec.Antonyms) > 0 {
		meta["antonyms"] = capList(rec.Antonyms, 5)
	}
	if len(rec.Translations) > 0 {
		meta["translations"] = rec.Translations
	}
	if len(rec.Forms) > 0 {
		meta["forms"] = capList(rec.Forms, maxForms)
	}
	if len(rec.Labels) > 0 {
		meta["labels"] = rec.Labels
	}
	if rec.FrequencyRank > 0 {
		meta["frequency_rank"] = rec.FrequencyRank
	}
	meta["frequency"] = estimateFrequency(word, pos, rec.Definitions)
	meta["richness_score"] = richnessScore(rec)
	return meta
}

func capList(list []string, n int) []string {
	if len(list) > n {
		return list[:n]
	}
	return list
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// estimateFrequency is a rough per-entry frequency score used only as
// metadata. Real corpus ranks, when present on the record, take
// precedence everywhere that matters.
func estimateFrequency(word, pos string, definitions []string) int {
	freq := 1000
	switch {
	case utf8.RuneCountInString(word) <= 3:
		freq += 500
	case utf8.RuneCountInString(word) <= 5:
		freq += 200
	}
	switch pos {
	case "noun", "verb", "adjective":
		freq += 300
	}
	freq += len(definitions) * 50
	if freq > 9999 {
		freq = 9999
	}
	return freq
}

// richnessScore grades how much linguistic detail a record carries,
// 0-100. Used by downstream consumers to prioritize curation.
func richnessScore(rec Record) int {
	score := 0
	if rec.Word != "" {
		score += 5
	}
	if rec.POS != "" {
		score += 5
	}
	if len(rec.Definitions) > 0 {
		score += 10
	}
	if rec.IPA != "" {
		score += 15
	}
	if len(rec.Audio) > 0 {
		score += 10
	}
	if rec.Hyphenation != "" {
		score += 5
	}
	if len(rec.Forms) > 0 {
		score += 5
	}
	if len(rec.Examples) > 0 {
		score += 15
	}
	if len(rec.Synonyms) > 0 {
		score += 10
	}
	if len(rec.Labels) > 0 {
		score += 5
	}
	if score > 100 {
		score = 100
	}
	return score
}

// DecodedAddress is the structural reading of an address: which
// language, part-of-speech category and cluster band it falls in.
type DecodedAddress struct {
	Language string
	POS      string
	Cluster  byte
	Legacy   bool
}

// DecodeAddress inverts the structural part of address composition.
// The element ID cannot be inverted without the allocation table.
func DecodeAddress(a Address) (DecodedAddress, error) {
	dec := DecodedAddress{POS: POSName(a.QQ()), Cluster: a.EE()}
	if code, ok := LanguageByDomain(a.AA()); ok {
		dec.Language = code
		return dec, nil
	}
	if isLegacyLanguageDomain(a.AA()) {
		dec.Legacy = true
		return dec, nil
	}
	return dec, fmt.Errorf("%w: domain 0x%02X unassigned", ErrInvalidAddress, a.AA())
}
