// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package manifest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func u64(v uint64) *uint64 { return &v }

func TestStoreLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := New(path, "xtree.meta")
	m.Checkpoint = CheckpointEntry{Path: "ot_checkpoint_epoch-5.bin", Epoch: 5, Size: 4096, Entries: 10, CRC32C: 0xdeadbeef}
	m.DeltaLogs = []DeltaLogEntry{
		{Path: "ot_delta.wal", StartEpoch: 5, Size: 1024},
	}
	m.DataFiles = []DataFileEntry{
		{Class: 2, Seq: 0, File: "xtree_c2_0.xi", Bytes: 65536},
	}
	require.NoError(t, m.Store())

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, m.Checkpoint, loaded.Checkpoint)
	assert.Equal(t, m.DeltaLogs, loaded.DeltaLogs)
	assert.Equal(t, m.DataFiles, loaded.DataFiles)
	assert.Equal(t, path, loaded.Path())
}

func TestReloadPicksUpExternalChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	m := New(path, "xtree.meta")
	require.NoError(t, m.Store())

	other, err := Load(path)
	require.NoError(t, err)
	other.Checkpoint.Epoch = 99
	require.NoError(t, other.Store())

	require.NoError(t, m.Reload())
	assert.EqualValues(t, 99, m.Checkpoint.Epoch)
	assert.Equal(t, path, m.Path())
}

func TestPruneOldDeltaLogsRemovesSealedBeforeCheckpoint(t *testing.T) {
	m := New("/tmp/manifest.json", "xtree.meta")
	m.DeltaLogs = []DeltaLogEntry{
		{Path: "a.wal", StartEpoch: 0, EndEpoch: u64(5)},
		{Path: "b.wal", StartEpoch: 5, EndEpoch: u64(10)},
		{Path: "c.wal", StartEpoch: 10, EndEpoch: nil},
	}

	m.PruneOldDeltaLogs(7)

	require.Len(t, m.DeltaLogs, 2)
	assert.Equal(t, "b.wal", m.DeltaLogs[0].Path)
	assert.Equal(t, "c.wal", m.DeltaLogs[1].Path)
}

func TestGetLogsAfterCheckpointReturnsOnlyNewer(t *testing.T) {
	m := New("/tmp/manifest.json", "xtree.meta")
	m.DeltaLogs = []DeltaLogEntry{
		{Path: "a.wal", StartEpoch: 0, EndEpoch: u64(5)},
		{Path: "b.wal", StartEpoch: 5, EndEpoch: u64(10)},
		{Path: "c.wal", StartEpoch: 10, EndEpoch: nil},
	}

	// b.wal starts at the checkpoint epoch itself, so only c.wal starts
	// strictly after it.
	logs := m.GetLogsAfterCheckpoint(5)
	require.Len(t, logs, 1)
	assert.Equal(t, "c.wal", logs[0].Path)
	assert.Greater(t, logs[0].StartEpoch, uint64(5))
}

func TestActiveLogHasNilEndEpoch(t *testing.T) {
	d := DeltaLogEntry{Path: "active.wal", StartEpoch: 1}
	assert.True(t, d.IsActive())
	d.EndEpoch = u64(2)
	assert.False(t, d.IsActive())
}
