// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package deltalog is the write-ahead delta log (spec §4.8, C8): a framed,
// append-only stream of object-table deltas, each frame CRC-checked,
// optionally carrying a payload, with torn-tail-tolerant replay. The frame
// shape (checksum | type | length | payload) and the scan-forward,
// stop-cleanly-at-first-bad-frame replay loop are grounded on the
// reference journal engine (the "write-ahead-log-with-integrity-and-
// torn-write-recovery" example): Append serializes a frame into a single
// buffer before writing it, and recovery treats a short or invalid final
// frame as a torn tail rather than a fatal error. This package generalizes
// that single-record frame into the two-frame-type (DeltaOnly /
// DeltaWithPayload) layout spec §4.8 requires, and adds concurrent,
// atomically-reserved append offsets the single-writer reference journal
// does not need.
package deltalog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/xtreedb/xtreestore/pkg/checksum"
	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/platform"
	"github.com/xtreedb/xtreestore/pkg/segment"
)

// FrameType distinguishes a delta-only frame from one carrying a payload.
type FrameType uint32

const (
	DeltaOnly FrameType = iota
	DeltaWithPayload
)

const (
	frameHeaderSize = 16
	recSize         = 52

	offFrameType   = 0
	offPayloadSize = 4
	offPayloadCRC  = 8
	offHeaderCRC   = 12

	preallocChunk = 64 << 20
)

var (
	// ErrClosing is returned by Append when the log is being closed.
	ErrClosing = errors.New("deltalog: append rejected, log is closing")
	// ErrCorrupt marks a frame whose header or payload fails its CRC check
	// while later, apparently-valid frames exist beyond it — a genuine
	// corruption rather than a torn tail (spec §7 item 2 vs item 3).
	ErrCorrupt = errors.New("deltalog: frame checksum mismatch mid-stream")
)

// Record is one (delta, optional payload) pair to append.
type Record struct {
	Delta   objtable.OTDeltaRec
	Payload []byte
}

// Log is one append-only delta log file.
type Log struct {
	fh *fhregistry.FileHandle

	endOffset atomic.Int64
	maxEpoch  atomic.Uint64
	closing   atomic.Bool
	inflight  sync.WaitGroup

	preallocMu sync.Mutex
}

// Open opens (or creates) a delta log over fh, positioning the append
// cursor at the file's current length.
func Open(fh *fhregistry.FileHandle) (*Log, error) {
	fi, err := fh.File.Stat()
	if err != nil {
		return nil, fmt.Errorf("deltalog: stat: %w", err)
	}
	l := &Log{fh: fh}
	l.endOffset.Store(fi.Size())
	return l, nil
}

// Append appends a single delta with no payload.
func (l *Log) Append(delta objtable.OTDeltaRec) error {
	return l.AppendWithPayloads([]Record{{Delta: delta}})
}

// AppendWithPayloads builds every frame in batch into one contiguous
// buffer, reserves space for it with a single atomic add against the
// file's end offset, and writes it in one call (spec §4.8 steps 1-6).
func (l *Log) AppendWithPayloads(batch []Record) error {
	if l.closing.Load() {
		return ErrClosing
	}
	l.inflight.Add(1)
	defer l.inflight.Done()
	if l.closing.Load() {
		return ErrClosing
	}

	buf, maxEpoch := encodeBatch(batch)

	size := int64(len(buf))
	offset := l.endOffset.Add(size) - size

	if err := l.maybePreallocate(offset + size); err != nil {
		log.Warnf("deltalog: preallocate failed, continuing without it: %v", err)
	}

	if _, err := l.fh.File.WriteAt(buf, offset); err != nil {
		l.endOffset.Add(-size)
		return fmt.Errorf("deltalog: write at %d: %w", offset, err)
	}

	for {
		cur := l.maxEpoch.Load()
		if maxEpoch <= cur {
			break
		}
		if l.maxEpoch.CompareAndSwap(cur, maxEpoch) {
			break
		}
	}

	return nil
}

// encodeBatch serializes every record in batch into one buffer and
// returns the highest epoch (birth or retire) the batch carries.
func encodeBatch(batch []Record) ([]byte, uint64) {
	total := 0
	for _, r := range batch {
		total += frameHeaderSize + recSize + len(r.Payload)
	}

	buf := make([]byte, total)
	off := 0
	var maxEpoch uint64

	for _, r := range batch {
		frameType := DeltaOnly
		if len(r.Payload) > 0 {
			frameType = DeltaWithPayload
		}

		payloadCRC := uint32(0)
		if len(r.Payload) > 0 {
			payloadCRC = checksum.CRC32CChecksum(r.Payload)
		}

		header := buf[off : off+frameHeaderSize]
		binary.LittleEndian.PutUint32(header[offFrameType:], uint32(frameType))
		binary.LittleEndian.PutUint32(header[offPayloadSize:], uint32(len(r.Payload)))
		binary.LittleEndian.PutUint32(header[offPayloadCRC:], payloadCRC)
		headerCRC := checksum.CRC32CChecksum(header[:offHeaderCRC])
		binary.LittleEndian.PutUint32(header[offHeaderCRC:], headerCRC)
		off += frameHeaderSize

		encodeRec(buf[off:off+recSize], r.Delta)
		off += recSize

		if len(r.Payload) > 0 {
			copy(buf[off:off+len(r.Payload)], r.Payload)
			off += len(r.Payload)
		}

		if r.Delta.BirthEpoch > maxEpoch {
			maxEpoch = r.Delta.BirthEpoch
		}
		if r.Delta.RetireEpoch != objtable.InfiniteEpoch && r.Delta.RetireEpoch > maxEpoch {
			maxEpoch = r.Delta.RetireEpoch
		}
	}

	return buf, maxEpoch
}

func encodeRec(b []byte, d objtable.OTDeltaRec) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(d.HandleIdx))
	binary.LittleEndian.PutUint16(b[8:10], d.Tag)
	b[10] = d.ClassID
	b[11] = uint8(d.Kind)
	binary.LittleEndian.PutUint32(b[12:16], d.FileID)
	binary.LittleEndian.PutUint32(b[16:20], d.SegmentID)
	binary.LittleEndian.PutUint64(b[20:28], d.Offset)
	binary.LittleEndian.PutUint32(b[28:32], d.Length)
	binary.LittleEndian.PutUint32(b[32:36], d.DataCRC32C)
	binary.LittleEndian.PutUint64(b[36:44], d.BirthEpoch)
	binary.LittleEndian.PutUint64(b[44:52], d.RetireEpoch)
}

func decodeRec(b []byte) objtable.OTDeltaRec {
	return objtable.OTDeltaRec{
		HandleIdx:   objtable.HandleIndex(binary.LittleEndian.Uint64(b[0:8])),
		Tag:         binary.LittleEndian.Uint16(b[8:10]),
		ClassID:     b[10],
		Kind:        segment.Kind(b[11]),
		FileID:      binary.LittleEndian.Uint32(b[12:16]),
		SegmentID:   binary.LittleEndian.Uint32(b[16:20]),
		Offset:      binary.LittleEndian.Uint64(b[20:28]),
		Length:      binary.LittleEndian.Uint32(b[28:32]),
		DataCRC32C:  binary.LittleEndian.Uint32(b[32:36]),
		BirthEpoch:  binary.LittleEndian.Uint64(b[36:44]),
		RetireEpoch: binary.LittleEndian.Uint64(b[44:52]),
	}
}

// maybePreallocate reserves disk blocks up to neededOffset+preallocChunk
// whenever less than half a chunk of reserved space remains beyond
// neededOffset (spec §4.8's preallocation policy). The reservation uses
// FALLOC_FL_KEEP_SIZE, so the file's visible length stays at the end of
// the last written frame and Open/Replay never see a zero-filled tail.
// Best-effort: errors are logged, not propagated.
func (l *Log) maybePreallocate(neededOffset int64) error {
	l.preallocMu.Lock()
	defer l.preallocMu.Unlock()

	fi, err := l.fh.File.Stat()
	if err != nil {
		return err
	}
	reserved := fi.Size()
	if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Blocks*512 > reserved {
		reserved = st.Blocks * 512
	}
	if reserved-neededOffset > preallocChunk/2 {
		return nil
	}
	return unix.Fallocate(int(l.fh.File.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, neededOffset+preallocChunk)
}

// Sync durably commits everything written so far.
func (l *Log) Sync() error {
	return platform.FlushFile(int(l.fh.File.Fd()))
}

// Close marks the log closing and waits for in-flight appends to finish.
func (l *Log) Close() error {
	l.closing.Store(true)
	l.inflight.Wait()
	return l.Sync()
}

// MaxEpoch returns the highest epoch any appended delta has carried.
func (l *Log) MaxEpoch() uint64 {
	return l.maxEpoch.Load()
}

// Replay scans the log from byte zero, invoking fn for every well-formed
// frame. It stops at clean EOF, at a torn tail, or at the first
// genuinely-corrupt frame (spec §4.8's replay algorithm, §7's torn-tail
// vs. corruption distinction). lastGoodOffset is always the byte offset
// immediately after the last frame fn was successfully invoked for.
func Replay(fh *fhregistry.FileHandle, fn func(objtable.OTDeltaRec, []byte) error) (lastGoodOffset int64, tornTail bool, err error) {
	fi, statErr := fh.File.Stat()
	if statErr != nil {
		return 0, false, fmt.Errorf("deltalog: stat: %w", statErr)
	}
	size := fi.Size()

	var offset int64
	for {
		remaining := size - offset
		if remaining == 0 {
			return offset, false, nil
		}
		if remaining < frameHeaderSize {
			return offset, true, nil
		}

		header := make([]byte, frameHeaderSize)
		if _, rerr := fh.File.ReadAt(header, offset); rerr != nil {
			return offset, false, fmt.Errorf("deltalog: read header at %d: %w", offset, rerr)
		}

		frameType := FrameType(binary.LittleEndian.Uint32(header[offFrameType:]))
		payloadSize := binary.LittleEndian.Uint32(header[offPayloadSize:])
		payloadCRC := binary.LittleEndian.Uint32(header[offPayloadCRC:])
		headerCRC := binary.LittleEndian.Uint32(header[offHeaderCRC:])

		wantFrameLen := int64(frameHeaderSize+recSize) + int64(payloadSize)

		if checksum.CRC32CChecksum(header[:offHeaderCRC]) != headerCRC {
			return classifyBadFrame(fh, offset, remaining, wantFrameLen)
		}
		if remaining < wantFrameLen {
			return offset, true, nil
		}

		rec := make([]byte, recSize)
		if _, rerr := fh.File.ReadAt(rec, offset+frameHeaderSize); rerr != nil {
			return offset, false, fmt.Errorf("deltalog: read record at %d: %w", offset+frameHeaderSize, rerr)
		}

		var payload []byte
		if frameType == DeltaWithPayload && payloadSize > 0 {
			payload = make([]byte, payloadSize)
			if _, rerr := fh.File.ReadAt(payload, offset+frameHeaderSize+recSize); rerr != nil {
				return offset, false, fmt.Errorf("deltalog: read payload at %d: %w", offset+frameHeaderSize+recSize, rerr)
			}
			if checksum.CRC32CChecksum(payload) != payloadCRC {
				// This frame's header CRC was fine, so wantFrameLen is exact
				// rather than assumed; still probe for a well-formed frame
				// beyond it before conceding a torn tail (I7), otherwise a
				// corrupted payload mid-stream silently truncates replay.
				return classifyBadFrame(fh, offset, remaining, wantFrameLen)
			}
		}

		delta := decodeRec(rec)
		if cberr := fn(delta, payload); cberr != nil {
			return offset, false, cberr
		}

		offset += wantFrameLen
	}
}

// classifyBadFrame decides whether a bad frame at offset (failed header CRC
// or failed payload CRC) is a torn tail or genuine corruption: if the
// remaining bytes are too few to even plausibly hold another complete
// frame, it's torn; otherwise this package peeks for a well-formed frame
// later in the file and, finding one, reports corruption rather than
// silently truncating live data (spec §7 item 2 vs item 3, invariant I7).
func classifyBadFrame(fh *fhregistry.FileHandle, offset, remaining, assumedFrameLen int64) (int64, bool, error) {
	if remaining < frameHeaderSize+recSize {
		return offset, true, nil
	}

	probe := assumedFrameLen
	if probe <= 0 || probe > remaining {
		probe = frameHeaderSize + recSize
	}

	for scan := offset + probe; scan+frameHeaderSize <= offset+remaining; scan++ {
		header := make([]byte, frameHeaderSize)
		if _, rerr := fh.File.ReadAt(header, scan); rerr != nil {
			break
		}
		headerCRC := binary.LittleEndian.Uint32(header[offHeaderCRC:])
		if checksum.CRC32CChecksum(header[:offHeaderCRC]) == headerCRC {
			return offset, false, ErrCorrupt
		}
		// Only probe the one plausible realignment point; a byte-by-byte
		// resync scan across an arbitrarily large file is not worth the
		// cost for a format that should never be corrupted mid-stream.
		break
	}

	return offset, true, nil
}
