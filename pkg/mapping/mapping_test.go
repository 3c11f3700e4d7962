// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package mapping

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
)

func openWritable(t *testing.T, reg *fhregistry.Registry, path string) *fhregistry.FileHandle {
	t.Helper()
	h, err := reg.Acquire(path, true, true)
	require.NoError(t, err)
	return h
}

func TestPinWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(10)
	defer reg.CloseAll()

	h := openWritable(t, reg, filepath.Join(dir, "a.xi"))
	mgr := New(Config{WindowSize: 1 << 20})

	p, err := mgr.Pin(h, 0, 64, true)
	require.NoError(t, err)
	copy(p.Bytes(), []byte("payload bytes"))
	p.Release()

	p2, err := mgr.Pin(h, 0, 64, false)
	require.NoError(t, err)
	assert.Equal(t, "payload bytes", string(p2.Bytes()[:13]))
	p2.Release()
}

func TestNullPinOnZeroLength(t *testing.T) {
	mgr := New(Config{})
	p, err := mgr.Pin(nil, 0, 0, false)
	require.NoError(t, err)
	assert.True(t, p.IsNull())
}

func TestReadBeyondEOFFails(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(10)
	defer reg.CloseAll()

	h := openWritable(t, reg, filepath.Join(dir, "empty.xi"))
	mgr := New(Config{WindowSize: 4096})

	_, err := mgr.Pin(h, 1<<20, 64, false)
	assert.ErrorIs(t, err, ErrBeyondEOF)
}

func TestBudgetEvictionKeepsUnderCap(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(64)
	defer reg.CloseAll()

	mgr := New(Config{WindowSize: 1 << 20, MaxBudget: 16 << 20, Headroom: 0.1})

	for i := 0; i < 40; i++ {
		h := openWritable(t, reg, filepath.Join(dir, fmt.Sprintf("f%d.xi", i)))
		p, err := mgr.Pin(h, 0, 1<<20, true)
		require.NoError(t, err)
		p.Release()
	}

	stats := mgr.Stats()
	assert.LessOrEqual(t, stats.TotalMemoryMapped, int64(float64(16<<20)*1.05))
}

func TestExtentCountFallback(t *testing.T) {
	dir := t.TempDir()
	reg := fhregistry.New(64)
	defer reg.CloseAll()

	mgr := New(Config{WindowSize: 4096, MaxExtents: 5})
	for i := 0; i < 20; i++ {
		h := openWritable(t, reg, filepath.Join(dir, fmt.Sprintf("g%d.xi", i)))
		p, err := mgr.Pin(h, 0, 64, true)
		require.NoError(t, err)
		p.Release()
	}

	stats := mgr.Stats()
	assert.LessOrEqual(t, stats.TotalExtents, 5)
}
