// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package deltalog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/segment"
)

func openTestLog(t *testing.T) (*Log, *fhregistry.FileHandle) {
	t.Helper()
	dir := t.TempDir()
	reg := fhregistry.New(4)
	fh, err := reg.Acquire(filepath.Join(dir, "ot_delta.wal"), true, true)
	require.NoError(t, err)
	t.Cleanup(func() { reg.CloseAll() })
	l, err := Open(fh)
	require.NoError(t, err)
	return l, fh
}

func sampleDelta(handle uint64, birth uint64) objtable.OTDeltaRec {
	return objtable.OTDeltaRec{
		HandleIdx:   objtable.HandleIndex(handle),
		Tag:         1,
		ClassID:     2,
		Kind:        segment.KindLeaf,
		FileID:      3,
		SegmentID:   4,
		Offset:      512,
		Length:      128,
		BirthEpoch:  birth,
		RetireEpoch: objtable.InfiniteEpoch,
	}
}

func TestAppendReplayRoundTrip(t *testing.T) {
	l, fh := openTestLog(t)

	require.NoError(t, l.Append(sampleDelta(1, 10)))
	require.NoError(t, l.Append(sampleDelta(2, 11)))
	require.NoError(t, l.Sync())

	var got []objtable.OTDeltaRec
	lastGood, torn, err := Replay(fh, func(d objtable.OTDeltaRec, payload []byte) error {
		got = append(got, d)
		return nil
	})
	require.NoError(t, err)
	assert.False(t, torn)
	assert.Greater(t, lastGood, int64(0))
	require.Len(t, got, 2)
	assert.EqualValues(t, 1, got[0].HandleIdx)
	assert.EqualValues(t, 2, got[1].HandleIdx)
}

func TestAppendWithPayloadRoundTrip(t *testing.T) {
	l, fh := openTestLog(t)

	payload := []byte("node bytes go here")
	require.NoError(t, l.AppendWithPayloads([]Record{{Delta: sampleDelta(5, 1), Payload: payload}}))

	var gotPayload []byte
	_, torn, err := Replay(fh, func(d objtable.OTDeltaRec, p []byte) error {
		gotPayload = p
		return nil
	})
	require.NoError(t, err)
	assert.False(t, torn)
	assert.Equal(t, payload, gotPayload)
}

func TestMaxEpochTracksHighestBirthEpoch(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(sampleDelta(1, 3)))
	require.NoError(t, l.Append(sampleDelta(2, 9)))
	require.NoError(t, l.Append(sampleDelta(3, 5)))
	assert.EqualValues(t, 9, l.MaxEpoch())
}

func TestReplayOnEmptyLogIsCleanEOF(t *testing.T) {
	_, fh := openTestLog(t)
	lastGood, torn, err := Replay(fh, func(objtable.OTDeltaRec, []byte) error {
		t.Fatal("fn should not be called on an empty log")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, torn)
	assert.EqualValues(t, 0, lastGood)
}

func TestReplayDetectsTornTailOnTruncatedFrame(t *testing.T) {
	l, fh := openTestLog(t)
	require.NoError(t, l.Append(sampleDelta(1, 1)))
	require.NoError(t, l.Append(sampleDelta(2, 2)))

	fi, err := fh.File.Stat()
	require.NoError(t, err)
	require.NoError(t, fh.File.Truncate(fi.Size()-10))

	count := 0
	lastGood, torn, err := Replay(fh, func(objtable.OTDeltaRec, []byte) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.True(t, torn)
	assert.Equal(t, 1, count, "only the first, untouched frame should replay")
	assert.Greater(t, lastGood, int64(0))
}

func TestReplayDetectsCorruptPayloadMidStream(t *testing.T) {
	l, fh := openTestLog(t)

	payload1 := []byte("first payload bytes")
	payload2 := []byte("second payload bytes")
	require.NoError(t, l.AppendWithPayloads([]Record{{Delta: sampleDelta(1, 1), Payload: payload1}}))
	require.NoError(t, l.AppendWithPayloads([]Record{{Delta: sampleDelta(2, 2), Payload: payload2}}))

	// Flip a byte inside the first frame's payload, leaving its header (and
	// the second, later frame) untouched — a corrupted payload with a
	// well-formed frame after it, not a torn tail.
	payloadOffset := int64(frameHeaderSize + recSize)
	var b [1]byte
	_, err := fh.File.ReadAt(b[:], payloadOffset)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = fh.File.WriteAt(b[:], payloadOffset)
	require.NoError(t, err)

	count := 0
	_, torn, err := Replay(fh, func(objtable.OTDeltaRec, []byte) error {
		count++
		return nil
	})
	assert.ErrorIs(t, err, ErrCorrupt)
	assert.False(t, torn)
	assert.Equal(t, 0, count, "corrupt frame should not be delivered to fn")
}

func TestCloseRejectsFurtherAppends(t *testing.T) {
	l, _ := openTestLog(t)
	require.NoError(t, l.Append(sampleDelta(1, 1)))
	require.NoError(t, l.Close())

	err := l.Append(sampleDelta(2, 2))
	assert.ErrorIs(t, err, ErrClosing)
}

func TestConcurrentAppendsDoNotOverlap(t *testing.T) {
	l, fh := openTestLog(t)

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(i int) {
			done <- l.Append(sampleDelta(uint64(i), uint64(i)))
		}(i)
	}
	for i := 0; i < 8; i++ {
		require.NoError(t, <-done)
	}

	count := 0
	_, torn, err := Replay(fh, func(objtable.OTDeltaRec, []byte) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.False(t, torn)
	assert.Equal(t, 8, count)
}
