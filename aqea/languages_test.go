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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLanguageDomainAnchors(t *testing.T) {
	anchors := map[string]byte{
		"deu": 0xA0, "eng": 0xA1, "nld": 0xA2, "fry": 0xA9,
		"fra": 0xB0, "spa": 0xB1, "lat": 0xB8, "srd": 0xB9,
		"rus": 0xC0, "pol": 0xC1, "mkd": 0xCA,
		"cmn": 0xD0, "jpn": 0xD2, "kor": 0xD3, "mon": 0xD9,
	}
	for code, want := range anchors {
		got, err := LanguageDomain(code)
		require.NoError(t, err, code)
		assert.Equal(t, want, got, code)
	}
}

func TestLanguageDomainUnsupported(t *testing.T) {
	_, err := LanguageDomain("xyz")
	assert.ErrorIs(t, err, ErrUnsupportedLanguage)

	// Reserved slots inside the block stay errors until assigned.
	_, ok := LanguageByDomain(0xAF)
	assert.False(t, ok)
}

func TestNormalizeLanguageCode(t *testing.T) {
	assert.Equal(t, "deu", NormalizeLanguageCode("de"))
	assert.Equal(t, "deu", NormalizeLanguageCode(" DE "))
	assert.Equal(t, "eng", NormalizeLanguageCode("en"))
	assert.Equal(t, "cmn", NormalizeLanguageCode("zh"))
	assert.Equal(t, "deu", NormalizeLanguageCode("deu"))
	assert.Equal(t, "qq", NormalizeLanguageCode("qq")) // unknown passes through
}

func TestLanguageNameAndFamily(t *testing.T) {
	assert.Equal(t, "German", LanguageName("deu"))
	assert.Equal(t, "German", LanguageName("de"))
	assert.Equal(t, "Germanic", LanguageFamily("deu"))
	assert.Equal(t, "Romance", LanguageFamily("fra"))
	assert.Equal(t, "Slavic", LanguageFamily("rus"))
	assert.Equal(t, "Asian", LanguageFamily("jpn"))
	assert.Equal(t, "xyz", LanguageName("xyz"))
}

func TestLanguageByDomainRoundTrip(t *testing.T) {
	for _, code := range SupportedLanguages() {
		domain, err := LanguageDomain(code)
		require.NoError(t, err)
		back, ok := LanguageByDomain(domain)
		require.True(t, ok)
		assert.Equal(t, code, back)
		assert.GreaterOrEqual(t, domain, byte(0xA0))
		assert.LessOrEqual(t, domain, byte(0xDF))
	}
}

func TestISO6391(t *testing.T) {
	iso1, ok := ISO6391("deu")
	require.True(t, ok)
	assert.Equal(t, "de", iso1)

	_, ok = ISO6391("xyz")
	assert.False(t, ok)
}
