// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package superblock is the seqlock-protected, single-page volume header
// (spec §4.7, C7): (root NodeID, commit epoch, generation), CRC-checked,
// published with a retry-on-odd-seq protocol so readers never block a
// writer. The retry/backoff/bounded-attempts shape of Load is grounded on
// the seqlock read loop in the calvinalkan slotcache reference
// (Cache.Generation/readGeneration): read the counter, bail out on an
// odd (in-progress) value, read the payload, re-read the counter and
// compare.
package superblock

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/platform"
)

const (
	pageSize   = 4096
	magicValue = 0x58545253 // "XTRS"
	version    = 1

	offMagic    = 0
	offVersion  = 4
	offHdrSize  = 8
	offSeq      = 12
	offRootID   = 16
	offEpoch    = 24
	offGen      = 32
	offCreated  = 40
	offHdrCRC   = 48
	headerSize  = 52
)

var (
	// ErrCorrupt is returned when the superblock's header CRC does not
	// verify (spec §7: Corruption error class).
	ErrCorrupt = errors.New("superblock: header CRC mismatch")
	// ErrBusy is returned when Load exhausts its retry budget against a
	// writer that keeps the seqlock odd (spec §7: Bounded violation).
	ErrBusy = errors.New("superblock: exhausted retries against an in-progress publish")
)

const (
	readMaxRetries    = 20
	readInitialBackoff = 20 * time.Microsecond
	readMaxBackoff     = 2 * time.Millisecond
)

// Superblock is the mapped single-page header.
type Superblock struct {
	fh     *fhregistry.FileHandle
	region *platform.Region
	data   []byte
}

// Open maps fh's first page as the superblock, growing the file to a full
// page if it is new or short.
func Open(fh *fhregistry.FileHandle) (*Superblock, error) {
	fi, err := fh.File.Stat()
	if err != nil {
		return nil, fmt.Errorf("superblock: stat: %w", err)
	}
	if fi.Size() < pageSize {
		if err := platform.Preallocate(fh.File, pageSize); err != nil {
			return nil, fmt.Errorf("superblock: preallocate: %w", err)
		}
	}

	region, err := platform.MapFile(int(fh.File.Fd()), 0, pageSize, platform.MapReadWrite)
	if err != nil {
		return nil, fmt.Errorf("superblock: map: %w", err)
	}

	return &Superblock{fh: fh, region: region, data: region.Bytes}, nil
}

// Close unmaps the superblock page. It does not close the underlying file
// handle, which the caller (or pkg/fhregistry) owns.
func (s *Superblock) Close() error {
	if err := platform.FlushView(s.region); err != nil {
		return err
	}
	return platform.Unmap(s.region)
}

func (s *Superblock) seqPtr() *atomic.Uint32 {
	return (*atomic.Uint32)(unsafe.Pointer(&s.data[offSeq]))
}

func (s *Superblock) genPtr() *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&s.data[offGen]))
}

// Load reads (root, epoch) using the seqlock retry protocol (spec §4.7).
// If the volume has never been published, it returns (Invalid, 0, nil).
func (s *Superblock) Load() (objtable.NodeID, uint64, error) {
	if binary.LittleEndian.Uint32(s.data[offMagic:]) != magicValue {
		return objtable.Invalid, 0, nil
	}

	backoff := readInitialBackoff
	for attempt := 0; attempt < readMaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			if backoff < readMaxBackoff {
				backoff *= 2
			}
		}

		seq1 := s.seqPtr().Load()
		if seq1%2 != 0 {
			continue
		}

		root := binary.LittleEndian.Uint64(s.data[offRootID:])
		epoch := binary.LittleEndian.Uint64(s.data[offEpoch:])

		seq2 := s.seqPtr().Load()
		if seq1 != seq2 {
			continue
		}

		if err := s.verifyCRC(seq2); err != nil {
			return objtable.Invalid, 0, err
		}
		return objtable.NodeID(root), epoch, nil
	}

	return objtable.Invalid, 0, ErrBusy
}

// Publish writes a new (root, epoch) pair following the seven-step writer
// protocol spec §4.7 specifies.
func (s *Superblock) Publish(root objtable.NodeID, epoch uint64) error {
	seq := s.seqPtr().Load()
	if seq%2 != 0 {
		return fmt.Errorf("superblock: publish called with odd seq %d, writer is not single-threaded", seq)
	}

	s.seqPtr().Store(seq + 1)

	binary.LittleEndian.PutUint64(s.data[offRootID:], uint64(root))
	binary.LittleEndian.PutUint64(s.data[offEpoch:], epoch)

	s.genPtr().Add(1)

	firstPublish := binary.LittleEndian.Uint32(s.data[offMagic:]) != magicValue
	if firstPublish {
		binary.LittleEndian.PutUint32(s.data[offMagic:], magicValue)
		binary.LittleEndian.PutUint32(s.data[offVersion:], version)
		binary.LittleEndian.PutUint32(s.data[offHdrSize:], headerSize)
		binary.LittleEndian.PutUint64(s.data[offCreated:], uint64(time.Now().Unix()))
	}

	finalSeq := seq + 2
	crc := s.computeCRC(finalSeq)
	binary.LittleEndian.PutUint32(s.data[offHdrCRC:], crc)

	s.seqPtr().Store(finalSeq)

	if err := platform.FlushView(s.region); err != nil {
		return fmt.Errorf("superblock: msync: %w", err)
	}
	if err := platform.FlushFile(int(s.fh.File.Fd())); err != nil {
		return fmt.Errorf("superblock: fsync: %w", err)
	}
	return nil
}

// computeCRC computes header_crc32c over the header with the seq field
// substituted by seqForCRC and the header_crc32c field treated as zero
// (spec §4.7 step 5).
func (s *Superblock) computeCRC(seqForCRC uint32) uint32 {
	var buf [headerSize]byte
	copy(buf[:], s.data[:headerSize])
	binary.LittleEndian.PutUint32(buf[offSeq:], seqForCRC)
	binary.LittleEndian.PutUint32(buf[offHdrCRC:], 0)
	return crc32.Checksum(buf[:], crc32.MakeTable(crc32.Castagnoli))
}

func (s *Superblock) verifyCRC(seqAtRead uint32) error {
	want := binary.LittleEndian.Uint32(s.data[offHdrCRC:])
	got := s.computeCRC(seqAtRead)
	if want != got {
		return ErrCorrupt
	}
	return nil
}
