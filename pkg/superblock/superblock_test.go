// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package superblock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/objtable"
)

func openTestSuperblock(t *testing.T) (*Superblock, *fhregistry.Registry) {
	t.Helper()
	dir := t.TempDir()
	reg := fhregistry.New(4)
	fh, err := reg.Acquire(filepath.Join(dir, "xtree.meta"), true, true)
	require.NoError(t, err)
	sb, err := Open(fh)
	require.NoError(t, err)
	t.Cleanup(func() { reg.CloseAll() })
	return sb, reg
}

func TestLoadOnUninitializedVolumeReturnsInvalid(t *testing.T) {
	sb, _ := openTestSuperblock(t)
	root, epoch, err := sb.Load()
	require.NoError(t, err)
	assert.Equal(t, objtable.Invalid, root)
	assert.EqualValues(t, 0, epoch)
}

func TestPublishThenLoadRoundTrip(t *testing.T) {
	sb, _ := openTestSuperblock(t)

	root := objtable.NodeID(12345)
	require.NoError(t, sb.Publish(root, 7))

	gotRoot, gotEpoch, err := sb.Load()
	require.NoError(t, err)
	assert.Equal(t, root, gotRoot)
	assert.EqualValues(t, 7, gotEpoch)
}

func TestRepeatedPublishAdvancesGenerationAndEpoch(t *testing.T) {
	sb, _ := openTestSuperblock(t)

	require.NoError(t, sb.Publish(objtable.NodeID(1), 1))
	genAfterFirst := sb.genPtr().Load()

	require.NoError(t, sb.Publish(objtable.NodeID(2), 2))
	genAfterSecond := sb.genPtr().Load()

	assert.Greater(t, genAfterSecond, genAfterFirst)

	root, epoch, err := sb.Load()
	require.NoError(t, err)
	assert.Equal(t, objtable.NodeID(2), root)
	assert.EqualValues(t, 2, epoch)
}

func TestLoadDetectsCorruptHeader(t *testing.T) {
	sb, _ := openTestSuperblock(t)
	require.NoError(t, sb.Publish(objtable.NodeID(9), 9))

	// Flip a byte inside the header outside the CRC field itself.
	sb.data[offRootID] ^= 0xFF

	_, _, err := sb.Load()
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestSeqIsEvenAfterPublish(t *testing.T) {
	sb, _ := openTestSuperblock(t)
	require.NoError(t, sb.Publish(objtable.NodeID(3), 3))
	assert.EqualValues(t, 0, sb.seqPtr().Load()%2)
}
