// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package checkpoint

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/segment"
)

func buildTable(n int) *objtable.Table {
	tab := objtable.New()
	for i := 0; i < n; i++ {
		addr := objtable.OTAddr{FileID: 1, SegmentID: uint32(i), Offset: uint64(i * 64), Length: 64}
		tab.Allocate(segment.KindLeaf, 0, addr, uint64(i))
	}
	return tab
}

func TestWriteMapForReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tab := buildTable(25)

	path, err := Write(dir, tab, 42)
	require.NoError(t, err)

	v, err := MapForRead(path)
	require.NoError(t, err)
	defer v.Close()

	assert.EqualValues(t, 42, v.Epoch())
	assert.Equal(t, 25, v.Len())

	seen := map[uint64]bool{}
	for i := 0; i < v.Len(); i++ {
		pe := v.At(i)
		seen[pe.Offset] = true
	}
	assert.Len(t, seen, 25)
}

func TestWriteSkipsRetiredEntries(t *testing.T) {
	dir := t.TempDir()
	tab := objtable.New()
	addr := objtable.OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	live := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	dead := tab.Allocate(segment.KindLeaf, 0, addr, 1)
	tab.Retire(dead, 2)

	path, err := Write(dir, tab, 1)
	require.NoError(t, err)

	v, err := MapForRead(path)
	require.NoError(t, err)
	defer v.Close()

	require.Equal(t, 1, v.Len())
	assert.Equal(t, live.Handle(), v.At(0).HandleIdx)
}

func TestMapForReadDetectsCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	tab := buildTable(3)
	path, err := Write(dir, tab, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[offMagic] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = MapForRead(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestMapForReadDetectsEntriesCorruption(t *testing.T) {
	dir := t.TempDir()
	tab := buildTable(3)
	path, err := Write(dir, tab, 1)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[headerSize] ^= 0xFF // flip a byte inside the first entry
	require.NoError(t, os.WriteFile(path, data, 0o644))

	_, err = MapForRead(path)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFindLatestCheckpointPicksHighestEpoch(t *testing.T) {
	dir := t.TempDir()
	tab := buildTable(1)

	_, err := Write(dir, tab, 1)
	require.NoError(t, err)
	_, err = Write(dir, tab, 5)
	require.NoError(t, err)
	_, err = Write(dir, tab, 3)
	require.NoError(t, err)

	latest, err := FindLatestCheckpoint(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ot_checkpoint_epoch-5.bin"), latest)
}

func TestCleanupOldCheckpointsRetainsTopN(t *testing.T) {
	dir := t.TempDir()
	tab := buildTable(1)

	for _, epoch := range []uint64{1, 2, 3, 4, 5} {
		_, err := Write(dir, tab, epoch)
		require.NoError(t, err)
	}

	require.NoError(t, CleanupOldCheckpoints(dir, 2))

	for _, epoch := range []uint64{1, 2, 3} {
		_, err := os.Stat(filepath.Join(dir, "ot_checkpoint_epoch-"+strconv.FormatUint(epoch, 10)+".bin"))
		assert.True(t, os.IsNotExist(err))
	}
	for _, epoch := range []uint64{4, 5} {
		_, err := os.Stat(filepath.Join(dir, "ot_checkpoint_epoch-"+strconv.FormatUint(epoch, 10)+".bin"))
		assert.NoError(t, err)
	}
}
