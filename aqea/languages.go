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
	"fmt"
	"strings"
)

// languageInfo describes one assigned slot in the 0xA0-0xDF language
// domain block. Unassigned slots inside the block are reserved and
// treated as errors until explicitly allocated.
type languageInfo struct {
	code   string // ISO 639-3, lowercase
	name   string // English language name
	family string
	domain byte
}

// Family blocks: 0xA0-0xAF Germanic, 0xB0-0xBF Romance,
// 0xC0-0xCF Slavic, 0xD0-0xDF Asian.
var languageTable = []languageInfo{
	{"deu", "German", "Germanic", 0xA0},
	{"eng", "English", "Germanic", 0xA1},
	{"nld", "Dutch", "Germanic", 0xA2},
	{"swe", "Swedish", "Germanic", 0xA3},
	{"dan", "Danish", "Germanic", 0xA4},
	{"nor", "Norwegian", "Germanic", 0xA5},
	{"isl", "Icelandic", "Germanic", 0xA6},
	{"afr", "Afrikaans", "Germanic", 0xA7},
	{"yid", "Yiddish", "Germanic", 0xA8},
	{"fry", "Frisian", "Germanic", 0xA9},

	{"fra", "French", "Romance", 0xB0},
	{"spa", "Spanish", "Romance", 0xB1},
	{"ita", "Italian", "Romance", 0xB2},
	{"por", "Portuguese", "Romance", 0xB3},
	{"ron", "Romanian", "Romance", 0xB4},
	{"cat", "Catalan", "Romance", 0xB5},
	{"glg", "Galician", "Romance", 0xB6},
	{"oci", "Occitan", "Romance", 0xB7},
	{"lat", "Latin", "Romance", 0xB8},
	{"srd", "Sardinian", "Romance", 0xB9},

	{"rus", "Russian", "Slavic", 0xC0},
	{"pol", "Polish", "Slavic", 0xC1},
	{"ces", "Czech", "Slavic", 0xC2},
	{"slk", "Slovak", "Slavic", 0xC3},
	{"ukr", "Ukrainian", "Slavic", 0xC4},
	{"bel", "Belarusian", "Slavic", 0xC5},
	{"bul", "Bulgarian", "Slavic", 0xC6},
	{"hrv", "Croatian", "Slavic", 0xC7},
	{"srp", "Serbian", "Slavic", 0xC8},
	{"slv", "Slovenian", "Slavic", 0xC9},
	{"mkd", "Macedonian", "Slavic", 0xCA},

	{"cmn", "Mandarin Chinese", "Asian", 0xD0},
	{"yue", "Cantonese", "Asian", 0xD1},
	{"jpn", "Japanese", "Asian", 0xD2},
	{"kor", "Korean", "Asian", 0xD3},
	{"vie", "Vietnamese", "Asian", 0xD4},
	{"tha", "Thai", "Asian", 0xD5},
	{"khm", "Khmer", "Asian", 0xD6},
	{"mya", "Burmese", "Asian", 0xD7},
	{"bod", "Tibetan", "Asian", 0xD8},
	{"mon", "Mongolian", "Asian", 0xD9},
}

var (
	byCode   = map[string]languageInfo{}
	byDomain = map[byte]languageInfo{}
)

// iso6391To3 maps two-letter ISO 639-1 codes to the three-letter codes
// used throughout the address space. Only languages with an assigned
// domain slot appear here.
var iso6391To3 = map[string]string{
	"de": "deu", "en": "eng", "nl": "nld", "sv": "swe", "da": "dan",
	"no": "nor", "is": "isl", "af": "afr", "yi": "yid", "fy": "fry",
	"fr": "fra", "es": "spa", "it": "ita", "pt": "por", "ro": "ron",
	"ca": "cat", "gl": "glg", "oc": "oci", "la": "lat", "sc": "srd",
	"ru": "rus", "pl": "pol", "cs": "ces", "sk": "slk", "uk": "ukr",
	"be": "bel", "bg": "bul", "hr": "hrv", "sr": "srp", "sl": "slv",
	"mk": "mkd",
	"zh": "cmn", "ja": "jpn", "ko": "kor", "vi": "vie", "th": "tha",
	"km": "khm", "my": "mya", "bo": "bod", "mn": "mon",
}

func init() {
	for _, li := range languageTable {
		byCode[li.code] = li
		byDomain[li.domain] = li
	}
}

// NormalizeLanguageCode lowercases a language code and resolves
// two-letter ISO 639-1 codes to their ISO 639-3 form.
func NormalizeLanguageCode(code string) string {
	code = strings.ToLower(strings.TrimSpace(code))
	if len(code) == 2 {
		if iso3, ok := iso6391To3[code]; ok {
			return iso3
		}
	}
	return code
}

// LanguageDomain resolves an ISO 639 code to its AA byte.
func LanguageDomain(code string) (byte, error) {
	li, ok := byCode[NormalizeLanguageCode(code)]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedLanguage, code)
	}
	return li.domain, nil
}

// LanguageName returns the English name for a language code, or the
// code itself when the language is unknown.
func LanguageName(code string) string {
	if li, ok := byCode[NormalizeLanguageCode(code)]; ok {
		return li.name
	}
	return code
}

// LanguageFamily returns the family block name for a language code.
func LanguageFamily(code string) string {
	if li, ok := byCode[NormalizeLanguageCode(code)]; ok {
		return li.family
	}
	return ""
}

// LanguageByDomain resolves an AA byte back to its ISO 639-3 code.
func LanguageByDomain(aa byte) (string, bool) {
	li, ok := byDomain[aa]
	if !ok {
		return "", false
	}
	return li.code, true
}

// ISO6391 returns the two-letter ISO 639-1 code for a language, when
// one exists. Wiktionary subdomains are keyed by these codes.
func ISO6391(code string) (string, bool) {
	iso3 := NormalizeLanguageCode(code)
	for iso1, mapped := range iso6391To3 {
		if mapped == iso3 {
			return iso1, true
		}
	}
	return "", false
}

// SupportedLanguages lists every assigned ISO 639-3 code.
func SupportedLanguages() []string {
	codes := make([]string, 0, len(languageTable))
	for _, li := range languageTable {
		codes = append(codes, li.code)
	}
	return codes
}
