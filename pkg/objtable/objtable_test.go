// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package objtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/segment"
)

func TestAllocateLookupRoundTrip(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 2, Offset: 128, Length: 64}
	id := tab.Allocate(segment.KindLeaf, 3, addr, 10)

	e, ok := tab.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, addr, e.Addr)
	assert.EqualValues(t, 3, e.ClassID)
	assert.Equal(t, segment.KindLeaf, e.Kind)
	assert.EqualValues(t, 10, e.BirthEpoch)
	assert.True(t, e.IsLive())
}

func TestRetireThenReclaimInvalidatesTag(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	id := tab.Allocate(segment.KindDataRecord, 0, addr, 1)

	ok := tab.Retire(id, 5)
	require.True(t, ok)

	_, stillFound := tab.Lookup(id)
	assert.True(t, stillFound, "retired entry remains visible until reclaimed")

	n := tab.ReclaimBeforeEpoch(10)
	assert.Equal(t, 1, n)

	_, found := tab.Lookup(id)
	assert.False(t, found, "lookup must fail once the slot has been reclaimed")
}

func TestReclaimRespectsSafeEpoch(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	id := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	tab.Retire(id, 100)

	n := tab.ReclaimBeforeEpoch(50)
	assert.Equal(t, 0, n)

	_, found := tab.Lookup(id)
	assert.True(t, found)
}

func TestReusedSlotGetsFreshTag(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	id1 := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	tab.Retire(id1, 1)
	tab.ReclaimBeforeEpoch(1)

	// Round-robin shard selection returns to id1's shard after NumShards
	// allocations; the fillers move it there.
	for i := 0; i < NumShards-1; i++ {
		tab.Allocate(segment.KindLeaf, 0, addr, 2)
	}
	id2 := tab.Allocate(segment.KindLeaf, 0, addr, 2)
	assert.Equal(t, id1.Handle(), id2.Handle(), "id2 must reuse id1's reclaimed slot")
	assert.NotEqual(t, id1, id2, "a recycled slot must mint a distinguishable NodeID")

	_, found := tab.Lookup(id1)
	assert.False(t, found, "stale NodeID referencing a recycled slot must not resolve")

	e2, found2 := tab.Lookup(id2)
	require.True(t, found2)
	assert.EqualValues(t, 2, e2.BirthEpoch)
}

func TestApplyDeltaIsIdempotent(t *testing.T) {
	tab := New()
	rec := OTDeltaRec{
		HandleIdx:  HandleIndex(7),
		Tag:        1,
		ClassID:    2,
		Kind:       segment.KindValueVec,
		FileID:     9,
		SegmentID:  4,
		Offset:     256,
		Length:     128,
		BirthEpoch: 3,
		RetireEpoch: InfiniteEpoch,
	}

	tab.ApplyDelta(rec)
	tab.ApplyDelta(rec) // replaying the same record must not change the outcome

	id := makeNodeID(uint64(rec.HandleIdx)>>slotBits, uint64(rec.HandleIdx)&slotMask, uint8(rec.Tag))
	e, ok := tab.Lookup(id)
	require.True(t, ok)
	assert.EqualValues(t, 9, e.Addr.FileID)
	assert.EqualValues(t, 256, e.Addr.Offset)
}

func TestRestoreHandlePreservesNodeIDAcrossRestart(t *testing.T) {
	tab := New()
	pe := PersistentEntry{
		HandleIdx:   HandleIndex(42),
		FileID:      5,
		SegmentID:   6,
		Offset:      1024,
		Length:      512,
		ClassID:     4,
		Kind:        segment.KindInternal,
		Tag:         3,
		BirthEpoch:  1,
		RetireEpoch: InfiniteEpoch,
	}
	tab.RestoreHandle(pe.HandleIdx, pe)

	id := makeNodeID(uint64(pe.HandleIdx)>>slotBits, uint64(pe.HandleIdx)&slotMask, pe.Tag)
	e, ok := tab.Lookup(id)
	require.True(t, ok)
	assert.EqualValues(t, 1024, e.Addr.Offset)
	assert.Equal(t, pe.HandleIdx, id.Handle())
}

func TestIterateLiveSnapshotSkipsRetired(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	live := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	dead := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	tab.Retire(dead, 5)

	seen := map[HandleIndex]bool{}
	tab.IterateLiveSnapshot(func(h HandleIndex, e OTEntry) {
		seen[h] = true
	})

	assert.True(t, seen[live.Handle()])
	assert.False(t, seen[dead.Handle()])
}

func TestInvalidNodeIDNeverResolves(t *testing.T) {
	tab := New()
	_, ok := tab.Lookup(Invalid)
	assert.False(t, ok)
}

func TestSlabGrowthAcrossManyAllocations(t *testing.T) {
	tab := New()
	addr := OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}

	ids := make([]NodeID, 0, entriesPerSlab*3)
	for i := 0; i < entriesPerSlab*3; i++ {
		ids = append(ids, tab.Allocate(segment.KindLeaf, 0, addr, uint64(i)))
	}
	for i, id := range ids {
		e, ok := tab.Lookup(id)
		require.True(t, ok)
		assert.EqualValues(t, i, e.BirthEpoch)
	}
}
