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

	lru "github.com/hashicorp/golang-lru/v2"
)

// AllocationStore is the persistence primitive behind the element-ID
// allocator. Implementations must make TryReserveElement atomic: at most
// one reservation per (AA, QQ, EE, lemmaKey) and per (AA, QQ, EE, A2)
// can ever succeed, across all processes sharing the store.
type AllocationStore interface {
	// LookupAllocation returns the A2 previously reserved for lemmaKey
	// within the tuple, if any.
	LookupAllocation(ctx context.Context, aa, qq, ee byte, lemmaKey string) (byte, bool, error)

	// UsedElementIDs returns every A2 already reserved within the tuple.
	UsedElementIDs(ctx context.Context, aa, qq, ee byte) ([]byte, error)

	// TryReserveElement reserves a2 for lemmaKey within the tuple.
	// It returns false (and no error) when another writer holds either
	// the lemma key or the element ID.
	TryReserveElement(ctx context.Context, aa, qq, ee byte, lemmaKey string, a2 byte, allocatedBy string) (bool, error)
}

const (
	elementIDMin = 0x01
	elementIDMax = 0xFE
	elementSpan  = elementIDMax - elementIDMin + 1 // 254 usable IDs per tuple
)

// Allocator hands out element IDs (the A2 byte) scoped to an
// (AA, QQ, EE) tuple. Allocation is stable: the same lemma key always
// receives the same A2, including across restarts, because reservations
// live in the shared store. A small LRU in front keeps re-ingest runs
// from hitting the store for every record.
type Allocator struct {
	store       AllocationStore
	allocatedBy string
	cache       *lru.Cache[string, byte]
}

// NewAllocator wires an allocator to its backing store. allocatedBy is
// recorded on every reservation (normally the worker ID).
func NewAllocator(store AllocationStore, allocatedBy string) (*Allocator, error) {
	cache, err := lru.New[string, byte](16384)
	if err != nil {
		return nil, err
	}
	return &Allocator{store: store, allocatedBy: allocatedBy, cache: cache}, nil
}

func cacheKey(aa, qq, ee byte, lemmaKey string) string {
	return fmt.Sprintf("%02X:%02X:%02X:%s", aa, qq, ee, lemmaKey)
}

// preferredElementID derives the deterministic probe start for a lemma
// key, always inside [0x01, 0xFE].
func preferredElementID(lemmaKey string) byte {
	h := fnv.New32a()
	h.Write([]byte(lemmaKey))
	return byte(h.Sum32()%elementSpan) + elementIDMin
}

// Allocate returns the element ID for lemmaKey within (aa, qq, ee),
// reserving a new one when the key has not been seen before. Two calls
// with the same key return the same ID regardless of which process made
// the first reservation. Returns ErrAddressSpaceExhausted once all 254
// IDs of the tuple are taken.
func (al *Allocator) Allocate(ctx context.Context, aa, qq, ee byte, lemmaKey string) (byte, error) {
	key := cacheKey(aa, qq, ee, lemmaKey)
	if a2, ok := al.cache.Get(key); ok {
		return a2, nil
	}

	if a2, ok, err := al.store.LookupAllocation(ctx, aa, qq, ee, lemmaKey); err != nil {
		return 0, err
	} else if ok {
		al.cache.Add(key, a2)
		return a2, nil
	}

	preferred := preferredElementID(lemmaKey)

	// Probe linearly from the preferred slot. Another writer can race us
	// on any candidate, so a failed reservation re-checks the lemma key
	// (the race may have been the same lemma from a sibling worker).
	for round := 0; round < 4; round++ {
		used, err := al.store.UsedElementIDs(ctx, aa, qq, ee)
		if err != nil {
			return 0, err
		}
		taken := make(map[byte]bool, len(used))
		for _, id := range used {
			taken[id] = true
		}
		if len(taken) >= elementSpan {
			return 0, fmt.Errorf("%w: tuple %02X:%02X:%02X", ErrAddressSpaceExhausted, aa, qq, ee)
		}

		for i := 0; i < elementSpan; i++ {
			candidate := byte((int(preferred)-elementIDMin+i)%elementSpan) + elementIDMin
			if taken[candidate] {
				continue
			}
			ok, err := al.store.TryReserveElement(ctx, aa, qq, ee, lemmaKey, candidate, al.allocatedBy)
			if err != nil {
				return 0, err
			}
			if ok {
				al.cache.Add(key, candidate)
				return candidate, nil
			}
			// Lost a race. If the winner reserved our lemma key we are
			// done; otherwise refresh the used set and keep probing.
			if a2, found, err := al.store.LookupAllocation(ctx, aa, qq, ee, lemmaKey); err != nil {
				return 0, err
			} else if found {
				al.cache.Add(key, a2)
				return a2, nil
			}
			break
		}
	}
	return 0, fmt.Errorf("%w: tuple %02X:%02X:%02X (contended)", ErrAddressSpaceExhausted, aa, qq, ee)
}
