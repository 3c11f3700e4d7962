// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package recovery

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/checkpoint"
	"github.com/xtreedb/xtreestore/pkg/deltalog"
	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/segment"
	"github.com/xtreedb/xtreestore/pkg/superblock"
)

func sampleDelta(handle uint64, birth uint64) objtable.OTDeltaRec {
	return objtable.OTDeltaRec{
		HandleIdx:   objtable.HandleIndex(handle),
		Tag:         1,
		ClassID:     0,
		Kind:        segment.KindLeaf,
		FileID:      1,
		SegmentID:   1,
		Offset:      uint64(handle) * 64,
		Length:      64,
		BirthEpoch:  birth,
		RetireEpoch: objtable.InfiniteEpoch,
	}
}

func TestColdStartOnEmptyDirectoryYieldsEmptyTable(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(16)
	defer reg.CloseAll()

	res, err := ColdStart(Options{DataDir: dir, Registry: reg})
	require.NoError(t, err)

	count := 0
	res.Table.IterateLiveSnapshot(func(objtable.HandleIndex, objtable.OTEntry) { count++ })
	assert.Equal(t, 0, count)
	assert.Equal(t, objtable.Invalid, res.Root)
}

func TestColdStartReplaysDeltaLogAfterPublish(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(16)
	defer reg.CloseAll()

	walFH, err := reg.Acquire(filepath.Join(dir, "ot_delta.wal"), true, true)
	require.NoError(t, err)
	wal, err := deltalog.Open(walFH)
	require.NoError(t, err)
	require.NoError(t, wal.Append(sampleDelta(1, 1)))
	require.NoError(t, wal.Append(sampleDelta(2, 2)))
	require.NoError(t, wal.Sync())

	sbFH, err := reg.Acquire(filepath.Join(dir, "xtree.meta"), true, true)
	require.NoError(t, err)
	sb, err := superblock.Open(sbFH)
	require.NoError(t, err)
	root := objtable.NodeID(1).Handle()
	_ = root
	require.NoError(t, sb.Publish(objtable.NodeID(1), 2))
	require.NoError(t, sb.Close())

	res, err := ColdStart(Options{DataDir: dir, Registry: reg})
	require.NoError(t, err)

	count := 0
	res.Table.IterateLiveSnapshot(func(objtable.HandleIndex, objtable.OTEntry) { count++ })
	assert.Equal(t, 2, count)
	assert.Equal(t, objtable.NodeID(1), res.Root)
	assert.EqualValues(t, 2, res.Epoch)
}

func TestColdStartSkipsDeltasCapturedByCheckpoint(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(16)
	defer reg.CloseAll()

	tab := objtable.New()
	addr := objtable.OTAddr{FileID: 1, SegmentID: 1, Offset: 0, Length: 64}
	tab.Allocate(segment.KindLeaf, 0, addr, 1)
	_, err := checkpoint.Write(dir, tab, 5)
	require.NoError(t, err)

	walFH, err := reg.Acquire(filepath.Join(dir, "ot_delta.wal"), true, true)
	require.NoError(t, err)
	wal, err := deltalog.Open(walFH)
	require.NoError(t, err)
	// This delta's birth epoch predates the checkpoint and must be skipped.
	require.NoError(t, wal.Append(sampleDelta(99, 1)))
	// This one postdates the checkpoint and must be applied.
	require.NoError(t, wal.Append(sampleDelta(100, 6)))
	require.NoError(t, wal.Sync())

	res, err := ColdStart(Options{DataDir: dir, Registry: reg})
	require.NoError(t, err)

	_, found99 := res.Table.Lookup(makeHandleNodeID(99))
	assert.False(t, found99, "delta with birth_epoch <= checkpoint epoch must not be (re)applied by replay")

	_, found100 := res.Table.Lookup(makeHandleNodeID(100))
	assert.True(t, found100)
}

// makeHandleNodeID builds the NodeID a freshly-applied delta for handle
// would produce, mirroring how ApplyDelta stamps a slot's tag from the
// delta record itself (tag 1 in sampleDelta).
func makeHandleNodeID(handle uint64) objtable.NodeID {
	hi := objtable.HandleIndex(handle)
	shard := uint64(hi) >> 50
	slot := uint64(hi) & ((uint64(1) << 50) - 1)
	return objtable.NodeID(shard<<(50+8) | slot<<8 | 1)
}
