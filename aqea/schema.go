// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package aqea implements the AQEA addressing model: the 4-byte
// AA:QQ:EE:A2 address, the entry schema, the language and part-of-speech
// tables, the converter that turns raw dictionary records into entries,
// and the element-ID allocator.
//
// # Address layout
//
//	AA  language domain (0xA0-0xDF for natural languages)
//	QQ  universal part-of-speech category
//	EE  semantic/frequency cluster within (AA, QQ)
//	A2  element ID within (AA, QQ, EE), range 0x01-0xFE
//
// Addresses render as "0xAA:QQ:EE:A2" with uppercase hex digits.
package aqea

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Error kinds shared across the extraction pipeline. Callers match with
// errors.Is; wrapped variants carry the offending input.
var (
	// ErrUnsupportedLanguage means the ISO 639-3 code has no AA byte.
	// Fatal at startup (exit code 2).
	ErrUnsupportedLanguage = errors.New("language not supported in AQEA family blocks (0xA0-0xDF)")

	// ErrConversion marks a per-record soft failure (empty lemma,
	// unusable record). Workers skip and count these.
	ErrConversion = errors.New("conversion failed")

	// ErrAddressSpaceExhausted means no free A2 remains in a tuple.
	ErrAddressSpaceExhausted = errors.New("address space exhausted")

	// ErrInvalidAddress marks a malformed address string.
	ErrInvalidAddress = errors.New("invalid AQEA address")
)

// Address is a 4-byte AQEA identifier AA:QQ:EE:A2.
type Address [4]byte

// AA returns the language domain byte.
func (a Address) AA() byte { return a[0] }

// QQ returns the part-of-speech byte.
func (a Address) QQ() byte { return a[1] }

// EE returns the semantic cluster byte.
func (a Address) EE() byte { return a[2] }

// A2 returns the element ID byte.
func (a Address) A2() byte { return a[3] }

// String renders the canonical wire form, e.g. "0xA0:01:11:2A".
func (a Address) String() string {
	return fmt.Sprintf("0x%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3])
}

// MarshalJSON encodes the address as its canonical string form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON decodes the canonical string form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

var addressPattern = regexp.MustCompile(`^0x([0-9A-Fa-f]{2}):([0-9A-Fa-f]{2}):([0-9A-Fa-f]{2}):([0-9A-Fa-f]{2})$`)

// ParseAddress parses "0xAA:QQ:EE:A2". Legacy language domains in
// 0x20-0x2F are accepted on read for historical data; new addresses are
// only produced in 0xA0-0xDF.
func ParseAddress(s string) (Address, error) {
	m := addressPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	var a Address
	for i := 0; i < 4; i++ {
		var b byte
		if _, err := fmt.Sscanf(m[i+1], "%02x", &b); err != nil {
			return Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
		}
		a[i] = b
	}
	if !isLanguageDomain(a[0]) && !isLegacyLanguageDomain(a[0]) {
		return Address{}, fmt.Errorf("%w: domain byte 0x%02X out of range", ErrInvalidAddress, a[0])
	}
	return a, nil
}

func isLanguageDomain(aa byte) bool       { return aa >= 0xA0 && aa <= 0xDF }
func isLegacyLanguageDomain(aa byte) bool { return aa >= 0x20 && aa <= 0x2F }

// Universal part-of-speech codes (QQ byte). Codes outside this set are
// reserved; unrecognized input maps to POSUnknown.
const (
	POSNoun        byte = 0x01
	POSVerb        byte = 0x02
	POSAdjective   byte = 0x03
	POSAdverb      byte = 0x04
	POSPreposition byte = 0x05
	POSPronoun     byte = 0x06
	POSDeterminer  byte = 0x07
	POSConjunction byte = 0x08
	POSNumeral     byte = 0x09
	POSInterject   byte = 0x0A
	POSParticle    byte = 0x0B
	POSProperNoun  byte = 0x0C
	POSAuxiliary   byte = 0x0D
	POSClassifier  byte = 0x0E
	POSCopula      byte = 0x0F
	POSUnknown     byte = 0xFF
)

var posCategories = map[string]byte{
	"noun":         POSNoun,
	"verb":         POSVerb,
	"adjective":    POSAdjective,
	"adverb":       POSAdverb,
	"preposition":  POSPreposition,
	"pronoun":      POSPronoun,
	"determiner":   POSDeterminer,
	"article":      POSDeterminer,
	"conjunction":  POSConjunction,
	"numeral":      POSNumeral,
	"interjection": POSInterject,
	"particle":     POSParticle,
	"proper_noun":  POSProperNoun,
	"proper noun":  POSProperNoun,
	"auxiliary":    POSAuxiliary,
	"classifier":   POSClassifier,
	"copula":       POSCopula,
	"unknown":      POSUnknown,
}

// POSByte maps a part-of-speech identifier to its QQ byte. Unknown or
// empty identifiers map to POSUnknown (0xFF).
func POSByte(pos string) byte {
	if b, ok := posCategories[strings.ToLower(strings.TrimSpace(pos))]; ok {
		return b
	}
	return POSUnknown
}

// POSName returns the canonical identifier for a QQ byte, or "unknown".
func POSName(qq byte) string {
	for name, b := range posCategories {
		if b == qq && name != "article" && name != "proper noun" {
			return name
		}
	}
	return "unknown"
}

// Relation links an entry to another address.
type Relation struct {
	Kind   string  `json:"kind"`
	Target Address `json:"target"`
}

// Entry is one stored lexical entry. The address is the primary key;
// re-ingesting the same lemma yields the same address.
type Entry struct {
	Address     Address        `json:"address"`
	Label       string         `json:"label"`
	Description string         `json:"description"`
	Domain      string         `json:"domain"`
	Status      string         `json:"status"`
	LangUI      string         `json:"lang_ui"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CreatedBy   string         `json:"created_by,omitempty"`
	Meta        map[string]any `json:"meta"`
	Relations   []Relation     `json:"relations,omitempty"`
}

// Validate checks the invariants every stored entry must satisfy:
// non-empty control-character-free label, AA in the natural-language
// block, EE outside {0x00, 0xFF} and A2 in [0x01, 0xFE].
func (e *Entry) Validate() error {
	if e.Label == "" {
		return fmt.Errorf("%w: empty label", ErrConversion)
	}
	for _, r := range e.Label {
		if r < 0x20 || r == 0x7F {
			return fmt.Errorf("%w: label contains control character", ErrConversion)
		}
	}
	if !isLanguageDomain(e.Address.AA()) {
		return fmt.Errorf("%w: AA 0x%02X outside 0xA0-0xDF", ErrInvalidAddress, e.Address.AA())
	}
	if ee := e.Address.EE(); ee == 0x00 || ee == 0xFF {
		return fmt.Errorf("%w: reserved EE 0x%02X", ErrInvalidAddress, ee)
	}
	if a2 := e.Address.A2(); a2 == 0x00 || a2 == 0xFF {
		return fmt.Errorf("%w: A2 0x%02X outside 0x01-0xFE", ErrInvalidAddress, a2)
	}
	return nil
}
