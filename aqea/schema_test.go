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
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressString(t *testing.T) {
	a := Address{0xA0, 0x01, 0x11, 0x2A}
	assert.Equal(t, "0xA0:01:11:2A", a.String())
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{"canonical", "0xA0:01:11:2A", Address{0xA0, 0x01, 0x11, 0x2A}, false},
		{"lowercase hex accepted", "0xa1:0f:80:fe", Address{0xA1, 0x0F, 0x80, 0xFE}, false},
		{"legacy domain accepted on read", "0x20:01:01:01", Address{0x20, 0x01, 0x01, 0x01}, false},
		{"unassigned domain", "0x10:01:01:01", Address{}, true},
		{"missing segment", "0xA0:01:11", Address{}, true},
		{"no 0x prefix", "A0:01:11:2A", Address{}, true},
		{"garbage", "hello", Address{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAddress(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAddressStringRoundTrip(t *testing.T) {
	orig := Address{0xD2, 0x02, 0x85, 0x01}
	parsed, err := ParseAddress(orig.String())
	require.NoError(t, err)
	assert.Equal(t, orig, parsed)
}

func TestAddressJSON(t *testing.T) {
	a := Address{0xB0, 0x03, 0x42, 0x7F}
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.Equal(t, `"0xB0:03:42:7F"`, string(raw))

	var back Address
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, a, back)
}

func TestPOSByte(t *testing.T) {
	assert.Equal(t, POSNoun, POSByte("noun"))
	assert.Equal(t, POSNoun, POSByte(" Noun "))
	assert.Equal(t, POSVerb, POSByte("verb"))
	assert.Equal(t, POSCopula, POSByte("copula"))
	assert.Equal(t, POSDeterminer, POSByte("article"))
	assert.Equal(t, POSProperNoun, POSByte("proper_noun"))
	assert.Equal(t, POSUnknown, POSByte(""))
	assert.Equal(t, POSUnknown, POSByte("gerundive"))
}

func TestPOSNameInverts(t *testing.T) {
	assert.Equal(t, "noun", POSName(POSNoun))
	assert.Equal(t, "adverb", POSName(POSAdverb))
	assert.Equal(t, "unknown", POSName(POSUnknown))
	assert.Equal(t, "unknown", POSName(0x55))
}

func TestEntryValidate(t *testing.T) {
	valid := func() *Entry {
		return &Entry{
			Address: Address{0xA0, 0x01, 0x11, 0x2A},
			Label:   "Apfel",
		}
	}

	assert.NoError(t, valid().Validate())

	e := valid()
	e.Label = ""
	assert.ErrorIs(t, e.Validate(), ErrConversion)

	e = valid()
	e.Label = "bad\x00label"
	assert.ErrorIs(t, e.Validate(), ErrConversion)

	e = valid()
	e.Address[0] = 0x20 // legacy domains are read-only, never produced
	assert.ErrorIs(t, e.Validate(), ErrInvalidAddress)

	e = valid()
	e.Address[2] = 0x00
	assert.ErrorIs(t, e.Validate(), ErrInvalidAddress)

	e = valid()
	e.Address[2] = 0xFF
	assert.ErrorIs(t, e.Validate(), ErrInvalidAddress)

	e = valid()
	e.Address[3] = 0x00
	assert.ErrorIs(t, e.Validate(), ErrInvalidAddress)

	e = valid()
	e.Address[3] = 0xFF
	assert.ErrorIs(t, e.Validate(), ErrInvalidAddress)
}
