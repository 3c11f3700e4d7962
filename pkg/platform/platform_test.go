// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlignUpDown(t *testing.T) {
	assert.EqualValues(t, 4096, AlignUp(1, 4096))
	assert.EqualValues(t, 4096, AlignUp(4096, 4096))
	assert.EqualValues(t, 8192, AlignUp(4097, 4096))
	assert.EqualValues(t, 0, AlignDown(4095, 4096))
	assert.EqualValues(t, 4096, AlignDown(4096, 4096))
	assert.EqualValues(t, 4096, AlignDown(8191, 4096))
}

func TestMapFlushUnmapRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "region.bin")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	pageSize := int(PageSize())
	require.NoError(t, f.Truncate(int64(pageSize)))

	r, err := MapFile(int(f.Fd()), 0, pageSize, MapReadWrite)
	require.NoError(t, err)
	copy(r.Bytes, []byte("hello xtreestore"))

	require.NoError(t, FlushView(r))
	require.NoError(t, Unmap(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello xtreestore", string(data[:16]))
}

func TestWriteFileAtomicVisibleOnlyAfterReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":1}`), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1}`, string(data))

	require.NoError(t, WriteFileAtomic(path, []byte(`{"v":2}`), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))
}

func TestPreallocateGrowsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.xi")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Preallocate(f, 1<<20))
	size, err := FileSize(path)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, size, int64(1<<20))
}

func TestFileSizeAndTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(path, make([]byte, 100), 0o644))

	size, err := FileSize(path)
	require.NoError(t, err)
	assert.EqualValues(t, 100, size)

	require.NoError(t, Truncate(path, 10))
	size, err = FileSize(path)
	require.NoError(t, err)
	assert.EqualValues(t, 10, size)
}

func TestEnsureDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b", "c")
	require.NoError(t, EnsureDirectory(dir))
	fi, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}
