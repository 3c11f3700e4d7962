// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package fhregistry

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touchFile(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	r := New(1)
	h, err := r.Acquire(path, true, true)
	require.NoError(t, err)
	r.Release(h)
	require.NoError(t, r.CloseAll())
	return path
}

func TestAcquireDeduplicatesCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	path := touchFile(t, dir, "a.xi")

	r := New(10)
	defer r.CloseAll()

	h1, err := r.Acquire(path, false, false)
	require.NoError(t, err)
	h2, err := r.Acquire(path, false, false)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
}

func TestEvictionUnderPressure(t *testing.T) {
	dir := t.TempDir()
	r := New(10)
	defer r.CloseAll()

	for i := 0; i < 15; i++ {
		path := touchFile(t, dir, fmt.Sprintf("f%d.xi", i))
		h, err := r.Acquire(path, false, false)
		require.NoError(t, err)
		r.Release(h)
	}

	assert.LessOrEqual(t, r.OpenCount(), 11)
}

func TestPinnedHandlesSurviveEviction(t *testing.T) {
	dir := t.TempDir()
	r := New(10)
	defer r.CloseAll()

	pinned := make([]*FileHandle, 0, 10)
	for i := 0; i < 10; i++ {
		path := touchFile(t, dir, fmt.Sprintf("pin%d.xi", i))
		h, err := r.Acquire(path, false, false)
		require.NoError(t, err)
		pinned = append(pinned, h)
	}

	for i := 0; i < 5; i++ {
		path := touchFile(t, dir, fmt.Sprintf("extra%d.xi", i))
		h, err := r.Acquire(path, false, false)
		require.NoError(t, err)
		r.Release(h)
	}

	for _, h := range pinned {
		assert.True(t, h.isPinned())
	}
}

func TestEnsureSizeGrowsFile(t *testing.T) {
	dir := t.TempDir()
	path := touchFile(t, dir, "grow.xi")
	r := New(10)
	defer r.CloseAll()

	h, err := r.Acquire(path, true, false)
	require.NoError(t, err)
	defer r.Release(h)

	require.NoError(t, r.EnsureSize(h, 4096))
	fi, err := h.File.Stat()
	require.NoError(t, err)
	assert.EqualValues(t, 4096, fi.Size())
}

func TestCanonicalizeIdempotentForNonexistentLeaf(t *testing.T) {
	dir := t.TempDir()
	a, err := Canonicalize(filepath.Join(dir, "new.xi"))
	require.NoError(t, err)
	b, err := Canonicalize(filepath.Join(dir, "./new.xi"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
