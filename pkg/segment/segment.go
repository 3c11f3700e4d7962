// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package segment is the size-classed bitmap allocator over mmap-backed
// segments (spec §4.5, C5): a published, copy-on-write segment table gives
// lock-free O(1) pointer resolution on the read path, while allocation and
// free run under a per-class mutex. The published-table growth pattern is
// the Go analogue of the spec's "publish the table root before bumping its
// size" protocol, expressed with atomic.Pointer rather than raw
// acquire/release fences.
package segment

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/mapping"
	"github.com/xtreedb/xtreestore/pkg/platform"
)

// Kind distinguishes the node/data-record classification a caller
// associates with an allocation. It is opaque to the allocator itself
// (carried through to the object table's OTEntry.kind).
type Kind uint8

const (
	KindInternal Kind = iota
	KindLeaf
	KindDataRecord
	KindValueVec
)

// sizeClasses is the compile-time vector of byte sizes spec §3 names.
var sizeClasses = []uint32{
	64, 128, 256, 512, 1024, 2048, 4096, 8192,
	16384, 32768, 65536, 131072, 262144,
}

// SizeToClass maps a request to the smallest class that fits.
func SizeToClass(n uint32) (uint8, error) {
	for i, c := range sizeClasses {
		if n <= c {
			return uint8(i), nil
		}
	}
	return 0, fmt.Errorf("segment: request size %d exceeds largest size class %d", n, sizeClasses[len(sizeClasses)-1])
}

// ClassToSize is SizeToClass's inverse.
func ClassToSize(class uint8) uint32 {
	if int(class) >= len(sizeClasses) {
		return 0
	}
	return sizeClasses[class]
}

// NumClasses returns the number of compile-time size classes.
func NumClasses() int { return len(sizeClasses) }

const blockBits = 64 // bitmap word width

// Allocation is the result of a successful allocate call.
type Allocation struct {
	FileID    uint32
	SegmentID uint32
	ClassID   uint8
	Offset    uint64
	Length    uint32
	valid     bool
}

// IsValid reports whether this Allocation represents a real, live
// allocation — the shape spec §9 calls out as the result-type replacement
// for exceptions: bounded violations (file grow failed, mapping could not
// be created) come back as a zero Allocation with IsValid() == false.
func (a Allocation) IsValid() bool { return a.valid }

var (
	ErrReadOnly      = errors.New("segment: allocator is in read-only mode")
	ErrDoubleFree    = errors.New("segment: double free detected")
	ErrBadOffset     = errors.New("segment: free of out-of-bounds offset")
	ErrSegmentNotFound = errors.New("segment: segment id not published")
	ErrFileIDMismatch  = errors.New("segment: file id does not match segment's owning file")
)

// Segment is a contiguous bitmap-managed region of a data file within one
// size class (spec §3).
type Segment struct {
	FileID     uint32
	SegmentID  uint32
	ClassID    uint8
	BaseOffset uint64
	Capacity   uint64

	mu           sync.Mutex
	bitmap       []uint64
	freeCount    int
	maxAllocated int
	pinned       bool
	pin          *mapping.Pin
	lastAccessNs int64
	writable     bool
	fh           *fhregistry.FileHandle
}

func blockCount(capacity uint64, classSize uint32) int {
	return int(capacity / uint64(classSize))
}

func newSegment(fileID, segmentID uint32, classID uint8, baseOffset, capacity uint64) *Segment {
	classSize := ClassToSize(classID)
	blocks := blockCount(capacity, classSize)
	words := (blocks + blockBits - 1) / blockBits
	bitmap := make([]uint64, words)
	for i := range bitmap {
		bitmap[i] = ^uint64(0)
	}
	// Force tail bits beyond `blocks` to used (spec I4).
	if rem := blocks % blockBits; rem != 0 {
		bitmap[words-1] &= (uint64(1) << uint(rem)) - 1
	}
	return &Segment{
		FileID:     fileID,
		SegmentID:  segmentID,
		ClassID:    classID,
		BaseOffset: baseOffset,
		Capacity:   capacity,
		bitmap:     bitmap,
		freeCount:  blocks,
	}
}

// Stats is the per-class and aggregate statistics view spec §4.5 names.
type Stats struct {
	ClassID         uint8
	Segments        int
	FreeBlocks      int
	UsedBlocks      int
	DeadBytes       uint64
	AllocsFromBump  int64
	AllocsFromBitmap int64
	FreesToBitmap   int64
}

// ClassAllocator owns every segment for one size class.
type ClassAllocator struct {
	classID uint8
	mu      sync.Mutex

	segments []*Segment
	table    atomic.Pointer[[]*Segment]

	active        *Segment
	nextSegmentID atomic.Uint32
	fileSeq       uint32

	maxFileSize int64
	segmentCap  uint64
	dir         string
	dataKind    bool // true => *.xd data-record files; false => *.xi index files

	registry *fhregistry.Registry
	mapper   *mapping.Manager

	stats Stats
}

// Allocator is the full set of per-class allocators plus read-only mode.
// Each size class is split into an index-file allocator and a data-file
// allocator (spec §3's file-ID type bit, §6's "xtree_data_c<C>_<SEQ>.xd"
// naming), since KindDataRecord/KindValueVec allocations must land in
// `.xd` files while KindInternal/KindLeaf allocations land in `.xi`
// files of the same size class.
type Allocator struct {
	indexClasses [len(sizeClasses)]*ClassAllocator
	dataClasses  [len(sizeClasses)]*ClassAllocator
	readOnly     atomic.Bool
}

// isDataKind reports whether kind routes to the data-file allocator
// rather than the index-file allocator.
func isDataKind(kind Kind) bool {
	return kind == KindDataRecord || kind == KindValueVec
}

// isDataFileID reports whether fileID's type bit (spec §3) marks it as a
// data file, letting Free/GetPtr/GetPtrForRecovery route an existing
// allocation back to the allocator that created it without the caller
// having to pass Kind again.
func isDataFileID(fileID uint32) bool {
	return fileID&(1<<31) != 0
}

// Config configures a new Allocator.
type Config struct {
	DataDir     string
	MaxFileSize int64 // e.g. from config.EngineConfig.MaxFileSize
	SegmentCap  uint64 // capacity of a single segment, stripe-aligned
	Registry    *fhregistry.Registry
	Mapper      *mapping.Manager
}

// New creates an Allocator with one index-file and one data-file
// ClassAllocator per size class.
func New(cfg Config) *Allocator {
	if cfg.SegmentCap == 0 {
		cfg.SegmentCap = 4 << 20 // 4 MiB segments by default
	}
	a := &Allocator{}
	newClass := func(classID uint8, dataKind bool) *ClassAllocator {
		ca := &ClassAllocator{
			classID:     classID,
			maxFileSize: cfg.MaxFileSize,
			segmentCap:  cfg.SegmentCap,
			dir:         cfg.DataDir,
			dataKind:    dataKind,
			registry:    cfg.Registry,
			mapper:      cfg.Mapper,
			stats:       Stats{ClassID: classID},
		}
		empty := make([]*Segment, 0)
		ca.table.Store(&empty)
		return ca
	}
	for i := range a.indexClasses {
		a.indexClasses[i] = newClass(uint8(i), false)
		a.dataClasses[i] = newClass(uint8(i), true)
	}
	return a
}

// SetReadOnly toggles allocate/free failing loudly while get_ptr keeps
// working — spec §4.5's serverless-reader mode.
func (a *Allocator) SetReadOnly(ro bool) {
	a.readOnly.Store(ro)
}

func (a *Allocator) classFor(classID uint8, dataKind bool) (*ClassAllocator, error) {
	if int(classID) >= len(a.indexClasses) {
		return nil, fmt.Errorf("segment: invalid class id %d", classID)
	}
	if dataKind {
		return a.dataClasses[classID], nil
	}
	return a.indexClasses[classID], nil
}

// Allocate rounds size up to the smallest class that fits and returns a new
// Allocation from that class, creating a new segment (and, if needed, a new
// data file) when none has a free block. kind selects whether the
// allocation is routed to the class's index-file or data-file allocator.
func (a *Allocator) Allocate(size uint32, kind Kind) (Allocation, error) {
	if a.readOnly.Load() {
		return Allocation{}, ErrReadOnly
	}
	classID, err := SizeToClass(size)
	if err != nil {
		return Allocation{}, err
	}
	ca, err := a.classFor(classID, isDataKind(kind))
	if err != nil {
		return Allocation{}, err
	}
	return ca.allocate()
}

// Free releases an allocation back to its segment's bitmap.
func (a *Allocator) Free(alloc *Allocation) error {
	if a.readOnly.Load() {
		return ErrReadOnly
	}
	ca, err := a.classFor(alloc.ClassID, isDataFileID(alloc.FileID))
	if err != nil {
		return err
	}
	if err := ca.free(*alloc); err != nil {
		return err
	}
	alloc.valid = false
	return nil
}

// GetPtr resolves an allocation to its mapped bytes via the lock-free fast
// path described in spec §4.5.
func (a *Allocator) GetPtr(alloc Allocation) ([]byte, error) {
	ca, err := a.classFor(alloc.ClassID, isDataFileID(alloc.FileID))
	if err != nil {
		return nil, err
	}
	return ca.getPtr(alloc.SegmentID, alloc.FileID, alloc.Offset, alloc.Length)
}

// GetPtrForRecovery is GetPtr's recovery-time variant: if the segment isn't
// yet published, it maps and publishes it first (spec §4.5). fileID's type
// bit (spec §3) determines whether it is replayed against the index-file
// or data-file allocator for classID.
func (a *Allocator) GetPtrForRecovery(classID uint8, fileID, segmentID uint32, offset uint64, length uint32) ([]byte, error) {
	ca, err := a.classFor(classID, isDataFileID(fileID))
	if err != nil {
		return nil, err
	}
	return ca.getPtrForRecovery(fileID, segmentID, offset, length)
}

// Stats returns a snapshot of one class's statistics, combining its
// index-file and data-file allocators.
func (a *Allocator) Stats(classID uint8) (Stats, error) {
	idx, err := a.classFor(classID, false)
	if err != nil {
		return Stats{}, err
	}
	data, err := a.classFor(classID, true)
	if err != nil {
		return Stats{}, err
	}

	idx.mu.Lock()
	s := idx.stats
	s.Segments = len(idx.segments)
	idx.mu.Unlock()

	data.mu.Lock()
	s.Segments += len(data.segments)
	s.FreeBlocks += data.stats.FreeBlocks
	s.UsedBlocks += data.stats.UsedBlocks
	s.DeadBytes += data.stats.DeadBytes
	s.AllocsFromBump += data.stats.AllocsFromBump
	s.AllocsFromBitmap += data.stats.AllocsFromBitmap
	s.FreesToBitmap += data.stats.FreesToBitmap
	data.mu.Unlock()

	for _, ca := range []*ClassAllocator{idx, data} {
		ca.mu.Lock()
		for _, seg := range ca.segments {
			seg.mu.Lock()
			s.FreeBlocks += seg.freeCount
			s.UsedBlocks += blockCount(seg.Capacity, ClassToSize(seg.ClassID)) - seg.freeCount
			seg.mu.Unlock()
		}
		ca.mu.Unlock()
	}

	return s, nil
}

// ReleaseColdPins drops mapping pins for segments whose last access is
// older than threshold, the interlock with C4's budget eviction (spec
// §4.5's "Lazy remap").
func (a *Allocator) ReleaseColdPins(threshold time.Duration) int {
	cutoff := time.Now().Add(-threshold).UnixNano()
	count := 0
	releaseFrom := func(ca *ClassAllocator) {
		ca.mu.Lock()
		for _, seg := range ca.segments {
			seg.mu.Lock()
			if seg.pinned && seg.lastAccessNs < cutoff {
				if seg.pin != nil {
					seg.pin.Release()
					seg.pin = nil
				}
				seg.pinned = false
				count++
			}
			seg.mu.Unlock()
		}
		ca.mu.Unlock()
	}
	for _, ca := range a.indexClasses {
		releaseFrom(ca)
	}
	for _, ca := range a.dataClasses {
		releaseFrom(ca)
	}
	return count
}

func (ca *ClassAllocator) fileName(fileID uint32, seq uint32) string {
	ext := "xi"
	prefix := "xtree"
	if ca.dataKind {
		ext = "xd"
		prefix = "xtree_data"
	}
	return filepath.Join(ca.dir, fmt.Sprintf("%s_c%d_%d.%s", prefix, ca.classID, seq, ext))
}

// encodeFileID packs a type bit, class id, and sequence number into a
// single u32 (spec §3: "File IDs encode (a) a type bit ... (b) a class id,
// and (c) a sequence number within that class").
func encodeFileID(dataKind bool, classID uint8, seq uint32) uint32 {
	var typeBit uint32
	if dataKind {
		typeBit = 1 << 31
	}
	return typeBit | (uint32(classID) << 20) | (seq & 0xFFFFF)
}

// allocate takes one free block from ca's segments, creating a new one if
// needed. Which allocator (index-file or data-file) ca is was already
// decided by the caller's Kind when it looked ca up via classFor.
func (ca *ClassAllocator) allocate() (Allocation, error) {
	ca.mu.Lock()
	defer ca.mu.Unlock()

	if ca.active != nil {
		if alloc, ok := ca.tryAllocateFromLocked(ca.active); ok {
			return alloc, nil
		}
	}

	for _, seg := range ca.segments {
		seg.mu.Lock()
		free := seg.freeCount
		seg.mu.Unlock()
		if free > 0 {
			ca.active = seg
			if alloc, ok := ca.tryAllocateFromLocked(seg); ok {
				return alloc, nil
			}
		}
	}

	seg, err := ca.createSegmentLocked()
	if err != nil {
		return Allocation{}, err
	}
	ca.active = seg
	if alloc, ok := ca.tryAllocateFromLocked(seg); ok {
		return alloc, nil
	}
	return Allocation{}, fmt.Errorf("segment: newly created segment has no free block")
}

// tryAllocateFromLocked attempts to take one free block from seg. Caller
// holds ca.mu.
func (ca *ClassAllocator) tryAllocateFromLocked(seg *Segment) (Allocation, bool) {
	seg.mu.Lock()
	defer seg.mu.Unlock()

	if seg.freeCount == 0 {
		return Allocation{}, false
	}

	classSize := ClassToSize(seg.ClassID)
	for wi, word := range seg.bitmap {
		if word == 0 {
			continue
		}
		bit := trailingZeros64(word)
		idx := wi*blockBits + bit
		seg.bitmap[wi] &^= uint64(1) << uint(bit)
		seg.freeCount--
		if idx+1 > seg.maxAllocated {
			seg.maxAllocated = idx + 1
			ca.stats.AllocsFromBump++
		} else {
			ca.stats.AllocsFromBitmap++
		}
		offset := seg.BaseOffset + uint64(idx)*uint64(classSize)
		return Allocation{
			FileID:    seg.FileID,
			SegmentID: seg.SegmentID,
			ClassID:   seg.ClassID,
			Offset:    offset,
			Length:    classSize,
			valid:     true,
		}, true
	}
	return Allocation{}, false
}

func trailingZeros64(x uint64) int {
	n := 0
	for x&1 == 0 {
		x >>= 1
		n++
	}
	return n
}

// createSegmentLocked allocates and publishes a brand-new segment, rotating
// to a new data file if the active one would exceed MaxFileSize. Caller
// holds ca.mu.
func (ca *ClassAllocator) createSegmentLocked() (*Segment, error) {
	fileID := encodeFileID(ca.dataKind, ca.classID, ca.fileSeq)
	path := ca.fileName(fileID, ca.fileSeq)

	fh, err := ca.registry.Acquire(path, true, true)
	if err != nil {
		return nil, fmt.Errorf("segment: open data file %s: %w", path, err)
	}

	fi, err := fh.File.Stat()
	if err != nil {
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}

	baseOffset := uint64(fi.Size())
	if ca.maxFileSize > 0 && int64(baseOffset)+int64(ca.segmentCap) > ca.maxFileSize {
		ca.fileSeq++
		fileID = encodeFileID(ca.dataKind, ca.classID, ca.fileSeq)
		path = ca.fileName(fileID, ca.fileSeq)
		fh, err = ca.registry.Acquire(path, true, true)
		if err != nil {
			return nil, fmt.Errorf("segment: open rotated data file %s: %w", path, err)
		}
		baseOffset = 0
	}

	newSize := int64(baseOffset) + int64(ca.segmentCap)
	if err := ca.registry.EnsureSize(fh, newSize); err != nil {
		return nil, err
	}

	segmentID := ca.nextSegmentID.Add(1) - 1
	seg := newSegment(fileID, segmentID, ca.classID, baseOffset, ca.segmentCap)
	seg.fh = fh
	seg.writable = true

	pin, err := ca.mapper.Pin(fh, int64(baseOffset), int64(ca.segmentCap), true)
	if err != nil {
		return nil, fmt.Errorf("segment: pin new segment: %w", err)
	}
	seg.pin = pin
	seg.pinned = true
	seg.lastAccessNs = time.Now().UnixNano()

	ca.segments = append(ca.segments, seg)
	ca.publishLocked(segmentID, seg)
	return seg, nil
}

// publishLocked grows the published segment table via copy-on-publish:
// build the new backing array, store its pointer, then (implicitly, since
// Go slices carry their own length) the new length is visible the instant
// the pointer swap is visible — the same "root-store then size-store"
// ordering spec §4.5 describes, collapsed into a single atomic pointer
// swap because a Go slice header already couples data and length.
func (ca *ClassAllocator) publishLocked(segmentID uint32, seg *Segment) {
	old := *ca.table.Load()
	needed := int(segmentID) + 1
	var next []*Segment
	if needed <= len(old) {
		next = make([]*Segment, len(old))
		copy(next, old)
	} else {
		next = make([]*Segment, needed)
		copy(next, old)
	}
	next[segmentID] = seg
	ca.table.Store(&next)
}

// getPtr is the lock-free fast path: atomic load of the published table,
// bounds check, per-segment re-pin only when cold.
func (ca *ClassAllocator) getPtr(segmentID, fileID uint32, offset uint64, length uint32) ([]byte, error) {
	table := *ca.table.Load()
	if int(segmentID) >= len(table) || table[segmentID] == nil {
		return nil, ErrSegmentNotFound
	}
	seg := table[segmentID]
	if seg.FileID != fileID {
		return nil, ErrFileIDMismatch
	}
	if offset < seg.BaseOffset || offset+uint64(length) > seg.BaseOffset+seg.Capacity {
		return nil, fmt.Errorf("segment: offset %d length %d out of segment bounds", offset, length)
	}

	seg.mu.Lock()
	if !seg.pinned {
		pin, err := ca.mapper.Pin(seg.fh, int64(seg.BaseOffset), int64(seg.Capacity), seg.writable)
		if err != nil {
			seg.mu.Unlock()
			return nil, fmt.Errorf("segment: re-pin segment %d: %w", segmentID, err)
		}
		seg.pin = pin
		seg.pinned = true
	}
	seg.lastAccessNs = time.Now().UnixNano()
	base := seg.pin.Bytes()
	rel := offset - seg.BaseOffset
	seg.mu.Unlock()

	return base[rel : rel+uint64(length)], nil
}

// getPtrForRecovery maps and publishes a segment on first touch during
// cold start, when the in-memory published table is still empty.
func (ca *ClassAllocator) getPtrForRecovery(fileID, segmentID uint32, offset uint64, length uint32) ([]byte, error) {
	ca.mu.Lock()
	table := *ca.table.Load()
	if int(segmentID) >= len(table) || table[segmentID] == nil {
		seq := fileID & 0xFFFFF
		path := ca.fileName(fileID, seq)
		fh, err := ca.registry.Acquire(path, true, false)
		if err != nil {
			ca.mu.Unlock()
			return nil, fmt.Errorf("segment: recovery open %s: %w", path, err)
		}
		baseOffset := platform.AlignDown(int64(offset), int64(ca.segmentCap))
		seg := newSegment(fileID, segmentID, ca.classID, uint64(baseOffset), ca.segmentCap)
		seg.fh = fh
		// Mapped writable: payload rehydration copies into the returned bytes.
		seg.writable = true
		// Every block of the segment is presumed occupied by a live entry
		// recovered from the checkpoint/WAL; this is corrected as normal
		// allocate/free traffic resumes post-recovery.
		seg.freeCount = 0
		for i := range seg.bitmap {
			seg.bitmap[i] = 0
		}
		ca.segments = append(ca.segments, seg)
		ca.publishLocked(segmentID, seg)
		if ca.nextSegmentID.Load() <= segmentID {
			ca.nextSegmentID.Store(segmentID + 1)
		}
		table = *ca.table.Load()
	}
	ca.mu.Unlock()
	return ca.getPtr(segmentID, fileID, offset, length)
}

func (ca *ClassAllocator) free(alloc Allocation) error {
	table := *ca.table.Load()
	if int(alloc.SegmentID) >= len(table) || table[alloc.SegmentID] == nil {
		return ErrSegmentNotFound
	}
	seg := table[alloc.SegmentID]

	if alloc.Offset < seg.BaseOffset {
		return ErrBadOffset
	}
	classSize := ClassToSize(alloc.ClassID)
	rel := alloc.Offset - seg.BaseOffset
	if rel%uint64(classSize) != 0 {
		return ErrBadOffset
	}
	idx := rel / uint64(classSize)

	ca.mu.Lock()
	defer ca.mu.Unlock()
	seg.mu.Lock()
	defer seg.mu.Unlock()

	wi := idx / blockBits
	bit := idx % blockBits
	if int(wi) >= len(seg.bitmap) {
		return ErrBadOffset
	}
	if seg.bitmap[wi]&(uint64(1)<<bit) != 0 {
		log.Errorf("segment: double free detected class=%d segment=%d offset=%d", alloc.ClassID, alloc.SegmentID, alloc.Offset)
		return ErrDoubleFree
	}
	seg.bitmap[wi] |= uint64(1) << bit
	seg.freeCount++

	ca.stats.FreesToBitmap++
	ca.stats.DeadBytes += uint64(classSize)
	return nil
}
