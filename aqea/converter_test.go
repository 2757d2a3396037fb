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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConverter(t *testing.T, language string) *Converter {
	t.Helper()
	al, err := NewAllocator(newMemAllocStore(), "test-worker")
	require.NoError(t, err)
	conv, err := NewConverter(language, "wiktionary", "test-worker", al, nil)
	require.NoError(t, err)
	return conv
}

func TestNewConverterUnsupportedLanguage(t *testing.T) {
	al, err := NewAllocator(newMemAllocStore(), "w")
	require.NoError(t, err)
	_, err = NewConverter("tlh", "wiktionary", "w", al, nil)
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)
}

func TestConvertGermanNoun(t *testing.T) {
	conv := newTestConverter(t, "deu")
	entry, err := conv.Convert(context.Background(), Record{
		Word:        "Apfel",
		Language:    "deu",
		POS:         "noun",
		Definitions: []string{"rundliche Frucht des Apfelbaums"},
		IPA:         "ˈapfl̩",
	})
	require.NoError(t, err)

	assert.Equal(t, byte(0xA0), entry.Address.AA())
	assert.Equal(t, POSNoun, entry.Address.QQ())
	assert.NotEqual(t, byte(0x00), entry.Address.EE())
	assert.NotEqual(t, byte(0xFF), entry.Address.EE())
	assert.GreaterOrEqual(t, entry.Address.A2(), byte(0x01))
	assert.LessOrEqual(t, entry.Address.A2(), byte(0xFE))

	assert.Equal(t, "Apfel", entry.Label)
	assert.Equal(t, "0xA0", entry.Domain)
	assert.Equal(t, "deu", entry.LangUI)
	assert.True(t, strings.HasPrefix(entry.Description, "German noun 'Apfel'. rundliche Frucht"))
	assert.Contains(t, entry.Description, "Pronunciation: /ˈapfl̩/")

	assert.Equal(t, "Apfel", entry.Meta["lemma"])
	assert.Equal(t, "noun", entry.Meta["pos"])
	assert.Equal(t, "wiktionary", entry.Meta["source"])
	assert.Equal(t, "test-worker", entry.Meta["worker_id"])
	assert.Equal(t, "ˈapfl̩", entry.Meta["ipa"])
	assert.Equal(t, "Germanic", entry.Meta["language_family"])
	created, ok := entry.Meta["created_at"].(string)
	require.True(t, ok)
	_, err = time.Parse(time.RFC3339, created)
	assert.NoError(t, err)
}

func TestConvertDeterministicAddress(t *testing.T) {
	store := newMemAllocStore()
	ctx := context.Background()
	rec := Record{Word: "Haus", Language: "deu", POS: "noun", Definitions: []string{"Gebäude"}}

	al1, err := NewAllocator(store, "w1")
	require.NoError(t, err)
	conv1, err := NewConverter("deu", "wiktionary", "w1", al1, nil)
	require.NoError(t, err)
	first, err := conv1.Convert(ctx, rec)
	require.NoError(t, err)

	// Fresh converter, same allocator state: identical address.
	al2, err := NewAllocator(store, "w2")
	require.NoError(t, err)
	conv2, err := NewConverter("deu", "wiktionary", "w2", al2, nil)
	require.NoError(t, err)
	second, err := conv2.Convert(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, first.Address, second.Address)
}

func TestConvertEmptyLemma(t *testing.T) {
	conv := newTestConverter(t, "deu")
	_, err := conv.Convert(context.Background(), Record{Word: "   ", Language: "deu"})
	assert.ErrorIs(t, err, ErrConversion)
}

func TestConvertMissingPOS(t *testing.T) {
	conv := newTestConverter(t, "eng")
	entry, err := conv.Convert(context.Background(), Record{Word: "thing", Language: "eng"})
	require.NoError(t, err)
	assert.Equal(t, POSUnknown, entry.Address.QQ())
	assert.Equal(t, "unknown", entry.Meta["pos"])
}

func TestSemanticClusterBands(t *testing.T) {
	conv := newTestConverter(t, "eng")
	rec := Record{Word: "water", POS: "noun", Definitions: []string{"a clear liquid"}}

	band := func(rank int) byte {
		r := rec
		r.FrequencyRank = rank
		return conv.semanticCluster("water", "noun", r)
	}

	top := band(500)
	assert.GreaterOrEqual(t, top, byte(0x10))
	assert.LessOrEqual(t, top, byte(0x1F))

	mid := band(5_000)
	assert.GreaterOrEqual(t, mid, byte(0x20))
	assert.LessOrEqual(t, mid, byte(0x3F))

	low := band(50_000)
	assert.GreaterOrEqual(t, low, byte(0x40))
	assert.LessOrEqual(t, low, byte(0x7F))

	tail := band(500_000)
	assert.GreaterOrEqual(t, tail, byte(0x80))
	assert.LessOrEqual(t, tail, byte(0xFE))

	// Unknown rank behaves like the long tail.
	assert.Equal(t, tail, band(0))
}

func TestSemanticClusterPure(t *testing.T) {
	conv := newTestConverter(t, "eng")
	rec := Record{Word: "stone", POS: "noun", Definitions: []string{"hard mineral matter"}}
	a := conv.semanticCluster("stone", "noun", rec)
	b := conv.semanticCluster("stone", "noun", rec)
	assert.Equal(t, a, b)
}

func TestDescribeTruncatesLongDefinition(t *testing.T) {
	conv := newTestConverter(t, "eng")
	long := strings.Repeat("x", 500)
	entry, err := conv.Convert(context.Background(), Record{
		Word: "sesquipedalian", POS: "adjective", Definitions: []string{long},
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entry.Description), 300)
}

func TestBuildMetaCapsLists(t *testing.T) {
	conv := newTestConverter(t, "eng")
	many := make([]string, 20)
	for i := range many {
		many[i] = "definition"
	}
	entry, err := conv.Convert(context.Background(), Record{
		Word: "run", POS: "verb", Definitions: many,
		Examples: many, Synonyms: many, Forms: many,
	})
	require.NoError(t, err)
	assert.Len(t, entry.Meta["definitions"], 10)
	assert.Len(t, entry.Meta["examples"], 3)
	assert.Len(t, entry.Meta["synonyms"], 5)
	assert.Len(t, entry.Meta["forms"], 5)
}

func TestRichnessScore(t *testing.T) {
	assert.Equal(t, 0, richnessScore(Record{}))
	full := Record{
		Word: "w", POS: "noun", Definitions: []string{"d"},
		IPA: "i", Audio: []string{"a"}, Hyphenation: "h",
		Forms: []string{"f"}, Examples: []string{"e"},
		Synonyms: []string{"s"}, Labels: []string{"l"},
	}
	assert.Equal(t, 85, richnessScore(full))
}

func TestDecodeAddress(t *testing.T) {
	conv := newTestConverter(t, "deu")
	entry, err := conv.Convert(context.Background(), Record{
		Word: "Brot", POS: "noun", Definitions: []string{"Backware aus Mehl"},
	})
	require.NoError(t, err)

	dec, err := DecodeAddress(entry.Address)
	require.NoError(t, err)
	assert.Equal(t, "deu", dec.Language)
	assert.Equal(t, "noun", dec.POS)
	assert.Equal(t, entry.Address.EE(), dec.Cluster)
	assert.False(t, dec.Legacy)

	legacy, err := DecodeAddress(Address{0x21, 0x01, 0x01, 0x01})
	require.NoError(t, err)
	assert.True(t, legacy.Legacy)

	_, err = DecodeAddress(Address{0x10, 0x01, 0x01, 0x01})
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
