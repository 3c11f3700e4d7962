// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/mapping"
)

func newTestAllocatorInDir(t *testing.T, dir string) *Allocator {
	t.Helper()
	reg := fhregistry.New(64)
	t.Cleanup(func() { reg.CloseAll() })
	mgr := mapping.New(mapping.Config{WindowSize: 1 << 20})
	return New(Config{
		DataDir:     dir,
		MaxFileSize: 16 << 20,
		SegmentCap:  64 << 10,
		Registry:    reg,
		Mapper:      mgr,
	})
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	return newTestAllocatorInDir(t, t.TempDir())
}

func TestSizeToClassBoundary(t *testing.T) {
	c, err := SizeToClass(256)
	require.NoError(t, err)
	assert.Equal(t, ClassToSize(c), uint32(256))

	c2, err := SizeToClass(257)
	require.NoError(t, err)
	assert.Greater(t, ClassToSize(c2), uint32(256))
}

func TestSizeToClassInvertible(t *testing.T) {
	for c := uint8(0); c < uint8(NumClasses()); c++ {
		size := ClassToSize(c)
		got, err := SizeToClass(size)
		require.NoError(t, err)
		assert.Equal(t, c, got)
	}
}

func TestAllocateFreeReuse(t *testing.T) {
	a := newTestAllocator(t)

	var allocs []Allocation
	for i := 0; i < 10; i++ {
		alloc, err := a.Allocate(256, KindLeaf)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}

	for i := 0; i < 5; i++ {
		require.NoError(t, a.Free(&allocs[i]))
	}

	stats, err := a.Stats(allocs[0].ClassID)
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.FreesToBitmap)

	seen := map[uint64]bool{}
	for i := 0; i < 5; i++ {
		na, err := a.Allocate(256, KindLeaf)
		require.NoError(t, err)
		seen[na.Offset] = true
	}
	assert.EqualValues(t, 5, stats.FreesToBitmap)
	for i := 0; i < 5; i++ {
		assert.True(t, seen[allocs[i].Offset], "freed offset %d should be handed out again", allocs[i].Offset)
	}
}

func TestNoOverlapBetweenOutstandingAllocations(t *testing.T) {
	a := newTestAllocator(t)
	seen := map[uint64]bool{}
	for i := 0; i < 50; i++ {
		alloc, err := a.Allocate(128, KindLeaf)
		require.NoError(t, err)
		key := alloc.Offset
		assert.False(t, seen[key], "offset %d allocated twice while both outstanding", key)
		seen[key] = true
	}
}

func TestGetPtrRoundTrip(t *testing.T) {
	a := newTestAllocator(t)
	alloc, err := a.Allocate(512, KindDataRecord)
	require.NoError(t, err)

	buf, err := a.GetPtr(alloc)
	require.NoError(t, err)
	copy(buf, []byte("hello segment"))

	buf2, err := a.GetPtr(alloc)
	require.NoError(t, err)
	assert.Equal(t, "hello segment", string(buf2[:13]))
}

func TestDataRecordAllocationsLandInXdFiles(t *testing.T) {
	dir := t.TempDir()
	a := newTestAllocatorInDir(t, dir)

	dataAlloc, err := a.Allocate(512, KindDataRecord)
	require.NoError(t, err)
	assert.True(t, isDataFileID(dataAlloc.FileID), "data record allocation should carry the data type bit")

	indexAlloc, err := a.Allocate(512, KindLeaf)
	require.NoError(t, err)
	assert.False(t, isDataFileID(indexAlloc.FileID), "index allocation should not carry the data type bit")

	xd, err := filepath.Glob(filepath.Join(dir, "xtree_data_*.xd"))
	require.NoError(t, err)
	assert.NotEmpty(t, xd, "expected a .xd data file to be created")

	xi, err := filepath.Glob(filepath.Join(dir, "xtree_c*.xi"))
	require.NoError(t, err)
	assert.NotEmpty(t, xi, "expected a .xi index file to be created")

	buf, err := a.GetPtr(dataAlloc)
	require.NoError(t, err)
	assert.Len(t, buf, 512)
}

func TestDoubleFreeDetected(t *testing.T) {
	a := newTestAllocator(t)
	alloc, err := a.Allocate(64, KindLeaf)
	require.NoError(t, err)

	require.NoError(t, a.Free(&alloc))
	alloc.valid = true // simulate a caller retaining a stale copy
	err = a.Free(&alloc)
	assert.ErrorIs(t, err, ErrDoubleFree)
}

func TestReadOnlyModeRejectsMutation(t *testing.T) {
	a := newTestAllocator(t)
	a.SetReadOnly(true)

	_, err := a.Allocate(64, KindLeaf)
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestBitmapConsistentWithFreeCount(t *testing.T) {
	a := newTestAllocator(t)
	classID, err := SizeToClass(64)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		_, err := a.Allocate(64, KindLeaf)
		require.NoError(t, err)
	}

	ca := a.indexClasses[classID]
	ca.mu.Lock()
	for _, seg := range ca.segments {
		seg.mu.Lock()
		popcount := 0
		for _, w := range seg.bitmap {
			popcount += popcountU64(w)
		}
		assert.Equal(t, seg.freeCount, popcount)
		seg.mu.Unlock()
	}
	ca.mu.Unlock()
}

func popcountU64(x uint64) int {
	n := 0
	for x != 0 {
		x &= x - 1
		n++
	}
	return n
}
