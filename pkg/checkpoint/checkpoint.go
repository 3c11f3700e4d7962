// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package checkpoint is the binary object-table snapshot (spec §4.9, C9):
// a header/footer-CRC-checked, densely packed array of PersistentEntry
// rows, written via atomic rename and read back through a memory-mapped
// view that decodes rows on demand rather than materializing the whole
// array. Its atomic write path is the same platform.WriteFileAtomic the
// manifest (C10) uses, and its header/footer double-CRC shape mirrors the
// delta log's own header_crc/payload_crc split in pkg/deltalog.
package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/platform"
	"github.com/xtreedb/xtreestore/pkg/segment"
)

const (
	magicValue = 0x58434b50 // "XCKP"
	version    = 1
	rowSize    = 48

	headerSize = 32
	footerSize = 8

	offMagic      = 0
	offVersion    = 4
	offRowSize    = 8
	offEpoch      = 12
	offEntryCount = 20
	offHeaderCRC  = 28
)

var (
	// ErrCorrupt covers any header/footer CRC, magic, version, row-size, or
	// size-congruence failure (spec §7 item 2).
	ErrCorrupt = errors.New("checkpoint: corrupt file")

	nameRE = regexp.MustCompile(`^ot_checkpoint_epoch-(\d+)\.bin$`)
)

func fileName(dir string, epoch uint64) string {
	return filepath.Join(dir, fmt.Sprintf("ot_checkpoint_epoch-%d.bin", epoch))
}

func castagnoli(data []byte) uint32 {
	return crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli))
}

// Write streams table's live entries into a new checkpoint file for epoch
// and atomically publishes it (spec §4.9's six-step write algorithm,
// collapsed here into an in-memory build plus one atomic write: the temp-
// file-then-rename dance itself is identical, only the specific ".tmp"
// filename is delegated to platform.WriteFileAtomic's own renameio-based
// temp naming).
func Write(dir string, table *objtable.Table, epoch uint64) (string, error) {
	var entries []objtable.PersistentEntry
	table.IterateLiveSnapshot(func(handle objtable.HandleIndex, e objtable.OTEntry) {
		entries = append(entries, objtable.PersistentEntry{
			HandleIdx:   handle,
			FileID:      e.Addr.FileID,
			SegmentID:   e.Addr.SegmentID,
			Offset:      e.Addr.Offset,
			Length:      e.Addr.Length,
			ClassID:     e.ClassID,
			Kind:        e.Kind,
			Tag:         e.Tag,
			BirthEpoch:  e.BirthEpoch,
			RetireEpoch: e.RetireEpoch,
		})
	})

	entriesBuf := make([]byte, len(entries)*rowSize)
	for i, pe := range entries {
		encodeEntry(entriesBuf[i*rowSize:(i+1)*rowSize], pe)
	}
	entriesCRC := castagnoli(entriesBuf)

	footer := make([]byte, footerSize)
	binary.LittleEndian.PutUint32(footer[0:4], entriesCRC)
	binary.LittleEndian.PutUint32(footer[4:8], 0)
	footerCRC := castagnoli(footer)
	binary.LittleEndian.PutUint32(footer[4:8], footerCRC)

	header := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(header[offMagic:], magicValue)
	binary.LittleEndian.PutUint32(header[offVersion:], version)
	binary.LittleEndian.PutUint32(header[offRowSize:], rowSize)
	binary.LittleEndian.PutUint64(header[offEpoch:], epoch)
	binary.LittleEndian.PutUint64(header[offEntryCount:], uint64(len(entries)))
	binary.LittleEndian.PutUint32(header[offHeaderCRC:], 0)
	headerCRC := castagnoli(header)
	binary.LittleEndian.PutUint32(header[offHeaderCRC:], headerCRC)

	buf := make([]byte, 0, len(header)+len(entriesBuf)+len(footer))
	buf = append(buf, header...)
	buf = append(buf, entriesBuf...)
	buf = append(buf, footer...)

	path := fileName(dir, epoch)
	if err := platform.WriteFileAtomic(path, buf, 0o644); err != nil {
		return "", fmt.Errorf("checkpoint: write %s: %w", path, err)
	}
	return path, nil
}

func encodeEntry(b []byte, pe objtable.PersistentEntry) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(pe.HandleIdx))
	binary.LittleEndian.PutUint32(b[8:12], pe.FileID)
	binary.LittleEndian.PutUint32(b[12:16], pe.SegmentID)
	binary.LittleEndian.PutUint64(b[16:24], pe.Offset)
	binary.LittleEndian.PutUint32(b[24:28], pe.Length)
	b[28] = pe.ClassID
	b[29] = uint8(pe.Kind)
	b[30] = pe.Tag
	b[31] = 0
	binary.LittleEndian.PutUint64(b[32:40], pe.BirthEpoch)
	binary.LittleEndian.PutUint64(b[40:48], pe.RetireEpoch)
}

func decodeEntry(b []byte) objtable.PersistentEntry {
	return objtable.PersistentEntry{
		HandleIdx:   objtable.HandleIndex(binary.LittleEndian.Uint64(b[0:8])),
		FileID:      binary.LittleEndian.Uint32(b[8:12]),
		SegmentID:   binary.LittleEndian.Uint32(b[12:16]),
		Offset:      binary.LittleEndian.Uint64(b[16:24]),
		Length:      binary.LittleEndian.Uint32(b[24:28]),
		ClassID:     b[28],
		Kind:        segment.Kind(b[29]),
		Tag:         b[30],
		BirthEpoch:  binary.LittleEndian.Uint64(b[32:40]),
		RetireEpoch: binary.LittleEndian.Uint64(b[40:48]),
	}
}

// View is a memory-mapped, read-only checkpoint. Entries are decoded from
// the mapping on demand (At) rather than materialized into a Go slice up
// front, keeping the "zero-copy" spirit of spec §4.9's map_for_read
// without relying on unsafe struct aliasing over a wire format whose
// layout Go does not guarantee matches PersistentEntry's in-memory shape.
type View struct {
	region *platform.Region
	epoch  uint64
	count  uint64
}

// MapForRead opens, validates, and maps path read-only.
func MapForRead(path string) (*View, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: stat %s: %w", path, err)
	}
	if fi.Size() < headerSize+footerSize {
		return nil, fmt.Errorf("checkpoint: %s: %w", path, ErrCorrupt)
	}

	region, err := platform.MapFile(int(f.Fd()), 0, int(fi.Size()), platform.MapReadOnly)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: map %s: %w", path, err)
	}

	v := &View{region: region}
	if err := v.validate(fi.Size()); err != nil {
		platform.Unmap(region)
		return nil, err
	}
	return v, nil
}

func (v *View) validate(fileSize int64) error {
	data := v.region.Bytes

	if binary.LittleEndian.Uint32(data[offMagic:]) != magicValue {
		return fmt.Errorf("checkpoint: bad magic: %w", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(data[offVersion:]) != version {
		return fmt.Errorf("checkpoint: unsupported version: %w", ErrCorrupt)
	}
	if binary.LittleEndian.Uint32(data[offRowSize:]) != rowSize {
		return fmt.Errorf("checkpoint: row size mismatch: %w", ErrCorrupt)
	}

	headerCopy := make([]byte, headerSize)
	copy(headerCopy, data[:headerSize])
	binary.LittleEndian.PutUint32(headerCopy[offHeaderCRC:], 0)
	if castagnoli(headerCopy) != binary.LittleEndian.Uint32(data[offHeaderCRC:]) {
		return fmt.Errorf("checkpoint: header CRC mismatch: %w", ErrCorrupt)
	}

	v.epoch = binary.LittleEndian.Uint64(data[offEpoch:])
	v.count = binary.LittleEndian.Uint64(data[offEntryCount:])

	entriesRegion := fileSize - headerSize - footerSize
	if entriesRegion < 0 || entriesRegion%rowSize != 0 || uint64(entriesRegion/rowSize) != v.count {
		return fmt.Errorf("checkpoint: size congruence failure: %w", ErrCorrupt)
	}

	entriesEnd := headerSize + int64(v.count)*rowSize
	entries := data[headerSize:entriesEnd]
	footer := data[entriesEnd : entriesEnd+footerSize]

	wantEntriesCRC := binary.LittleEndian.Uint32(footer[0:4])
	if castagnoli(entries) != wantEntriesCRC {
		return fmt.Errorf("checkpoint: entries CRC mismatch: %w", ErrCorrupt)
	}

	footerCopy := make([]byte, footerSize)
	copy(footerCopy, footer)
	binary.LittleEndian.PutUint32(footerCopy[4:8], 0)
	if castagnoli(footerCopy) != binary.LittleEndian.Uint32(footer[4:8]) {
		return fmt.Errorf("checkpoint: footer CRC mismatch: %w", ErrCorrupt)
	}

	return nil
}

// Close unmaps the checkpoint view.
func (v *View) Close() error {
	return platform.Unmap(v.region)
}

// Epoch returns the checkpoint's commit epoch.
func (v *View) Epoch() uint64 { return v.epoch }

// Len returns the number of entries in the checkpoint.
func (v *View) Len() int { return int(v.count) }

// At decodes and returns entry i.
func (v *View) At(i int) objtable.PersistentEntry {
	start := headerSize + i*rowSize
	return decodeEntry(v.region.Bytes[start : start+rowSize])
}

// FindLatestCheckpoint returns the path of the highest-epoch checkpoint in
// dir, or "" if none exist.
func FindLatestCheckpoint(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("checkpoint: read dir %s: %w", dir, err)
	}

	var bestEpoch uint64
	var bestPath string
	found := false
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		m := nameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		if !found || epoch > bestEpoch {
			bestEpoch, bestPath, found = epoch, filepath.Join(dir, e.Name()), true
		}
	}
	return bestPath, nil
}

// CleanupOldCheckpoints retains the keep highest-epoch checkpoints in dir
// and unlinks the rest.
func CleanupOldCheckpoints(dir string, keep int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("checkpoint: read dir %s: %w", dir, err)
	}

	type candidate struct {
		epoch uint64
		path  string
	}
	var all []candidate
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		m := nameRE.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		epoch, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		all = append(all, candidate{epoch, filepath.Join(dir, e.Name())})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].epoch > all[j].epoch })

	if keep < 0 {
		keep = 0
	}
	if len(all) <= keep {
		return nil
	}
	for _, c := range all[keep:] {
		if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint: remove %s: %w", c.path, err)
		}
	}
	return nil
}
