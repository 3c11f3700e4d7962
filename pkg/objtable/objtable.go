// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package objtable is the sharded object table (spec §4.6, C6): a stable
// 64-bit NodeID to (address, epoch metadata) mapping with slab-allocated,
// address-stable entries, per-shard locking, idempotent delta application,
// and epoch-based reclamation. Slab-vector growth is published the same
// copy-on-write way pkg/segment publishes its segment table, so a reader
// never takes a lock to find a slab that already existed when it looked.
package objtable

import (
	"sync"
	"sync/atomic"

	"github.com/xtreedb/xtreestore/pkg/segment"
)

const (
	shardBits = 6
	slotBits  = 50
	tagBits   = 8

	shardMask = (uint64(1) << shardBits) - 1
	slotMask  = (uint64(1) << slotBits) - 1
	tagMask   = (uint64(1) << tagBits) - 1

	// NumShards is the number of shards a NodeID's 6-bit shard index can
	// address; spec §4.6 calls 64 the default.
	NumShards = 1 << shardBits

	entriesPerSlab = 4096

	// InfiniteEpoch marks a live (never retired) entry.
	InfiniteEpoch uint64 = ^uint64(0)
)

// NodeID is the opaque, ABA-safe handle spec §3 describes: 6-bit shard
// index | 50-bit slot | 8-bit generation tag.
type NodeID uint64

// Invalid is the distinguished NodeID value meaning "no node".
const Invalid NodeID = NodeID(^uint64(0))

func makeNodeID(shard uint64, slot uint64, tag uint8) NodeID {
	return NodeID((shard&shardMask)<<(slotBits+tagBits) | (slot&slotMask)<<tagBits | uint64(tag)&tagMask)
}

func (n NodeID) decode() (shard uint64, slot uint64, tag uint8) {
	v := uint64(n)
	tag = uint8(v & tagMask)
	slot = (v >> tagBits) & slotMask
	shard = (v >> (tagBits + slotBits)) & shardMask
	return
}

// HandleIndex is a NodeID with its generation tag zeroed — the stable
// cross-restart identity a delta record or checkpoint row references
// (spec §4.11: restore_handle(handle_idx, PersistentEntry)).
type HandleIndex uint64

func (n NodeID) Handle() HandleIndex {
	shard, slot, _ := n.decode()
	return HandleIndex(shard<<slotBits | slot)
}

func (h HandleIndex) decode() (shard uint64, slot uint64) {
	v := uint64(h)
	slot = v & slotMask
	shard = (v >> slotBits) & shardMask
	return
}

// OTAddr is the physical address of a node's bytes (spec §3).
type OTAddr struct {
	FileID    uint32
	SegmentID uint32
	Offset    uint64
	Length    uint32
}

// OTEntry is the object-table row keyed by NodeID (spec §3).
type OTEntry struct {
	Addr        OTAddr
	ClassID     uint8
	Kind        segment.Kind
	BirthEpoch  uint64
	RetireEpoch uint64
	Tag         uint8
}

// IsLive reports whether e has not been retired.
func (e OTEntry) IsLive() bool { return e.RetireEpoch == InfiniteEpoch }

// OTDeltaRec is the 52-byte serialized delta record the WAL carries (spec
// §4.8's field layout); pkg/deltalog owns (de)serialization, this package
// only consumes the decoded struct.
type OTDeltaRec struct {
	HandleIdx   HandleIndex
	Tag         uint16
	ClassID     uint8
	Kind        segment.Kind
	FileID      uint32
	SegmentID   uint32
	Offset      uint64
	Length      uint32
	DataCRC32C  uint32
	BirthEpoch  uint64
	RetireEpoch uint64
}

// PersistentEntry is one checkpoint row (spec §4.9, 48 bytes on disk).
type PersistentEntry struct {
	HandleIdx   HandleIndex
	FileID      uint32
	SegmentID   uint32
	Offset      uint64
	Length      uint32
	ClassID     uint8
	Kind        segment.Kind
	Tag         uint8
	BirthEpoch  uint64
	RetireEpoch uint64
}

type slot struct {
	occupied bool
	tag      uint8
	entry    OTEntry
}

type slab struct {
	entries [entriesPerSlab]slot
}

type shard struct {
	mu       sync.Mutex
	slabs    atomic.Pointer[[]*slab]
	freelist []uint64 // slot indices relative to this shard (slab*entriesPerSlab + offset)
}

func newShard() *shard {
	s := &shard{}
	empty := make([]*slab, 0)
	s.slabs.Store(&empty)
	return s
}

// Table is the sharded object table.
type Table struct {
	shards    [NumShards]*shard
	roundRobin atomic.Uint64
}

// New creates an empty Table.
func New() *Table {
	t := &Table{}
	for i := range t.shards {
		t.shards[i] = newShard()
	}
	return t
}

// Allocate assigns a fresh NodeID to a new entry, picking a shard
// round-robin.
func (t *Table) Allocate(kind segment.Kind, classID uint8, addr OTAddr, birthEpoch uint64) NodeID {
	shardIdx := t.roundRobin.Add(1) % NumShards
	sh := t.shards[shardIdx]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	slotIdx, tag := sh.popFreeOrGrowLocked()
	slabIdx := slotIdx / entriesPerSlab
	offIdx := slotIdx % entriesPerSlab

	slabs := *sh.slabs.Load()
	s := slabs[slabIdx].entries[offIdx:offIdx+1]
	s[0].occupied = true
	s[0].tag = tag
	s[0].entry = OTEntry{
		Addr:        addr,
		ClassID:     classID,
		Kind:        kind,
		BirthEpoch:  birthEpoch,
		RetireEpoch: InfiniteEpoch,
		Tag:         tag,
	}
	return makeNodeID(shardIdx, slotIdx, tag)
}

// popFreeOrGrowLocked returns a slot index and the tag it should be
// stamped with. Caller holds sh.mu.
func (sh *shard) popFreeOrGrowLocked() (uint64, uint8) {
	if n := len(sh.freelist); n > 0 {
		idx := sh.freelist[n-1]
		sh.freelist = sh.freelist[:n-1]
		slabs := *sh.slabs.Load()
		slabIdx := idx / entriesPerSlab
		offIdx := idx % entriesPerSlab
		tag := slabs[slabIdx].entries[offIdx].tag + 1
		return idx, tag
	}

	old := *sh.slabs.Load()
	next := make([]*slab, len(old)+1)
	copy(next, old)
	next[len(old)] = &slab{}
	sh.slabs.Store(&next)

	idx := uint64(len(old)) * entriesPerSlab
	// The rest of the new slab goes on the free list, highest index first,
	// so later allocations fill it in ascending order before another slab
	// is grown.
	for off := uint64(entriesPerSlab - 1); off > 0; off-- {
		sh.freelist = append(sh.freelist, idx+off)
	}
	return idx, 0
}

// Lookup decomposes id and returns its entry if the slot is occupied and
// the tag matches. A tag mismatch (recycled slot) yields ok == false.
func (t *Table) Lookup(id NodeID) (OTEntry, bool) {
	if id == Invalid {
		return OTEntry{}, false
	}
	shardIdx, slotIdx, tag := id.decode()
	sh := t.shards[shardIdx]

	slabs := *sh.slabs.Load()
	slabIdx := slotIdx / entriesPerSlab
	offIdx := slotIdx % entriesPerSlab
	if slabIdx >= uint64(len(slabs)) {
		return OTEntry{}, false
	}
	s := &slabs[slabIdx].entries[offIdx]
	if !s.occupied || s.tag != tag {
		return OTEntry{}, false
	}
	return s.entry, true
}

// Retire marks id's entry retired at retireEpoch. The entry stays visible
// to Lookup until ReclaimBeforeEpoch reclaims it.
func (t *Table) Retire(id NodeID, retireEpoch uint64) bool {
	shardIdx, slotIdx, tag := id.decode()
	sh := t.shards[shardIdx]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	slabs := *sh.slabs.Load()
	slabIdx := slotIdx / entriesPerSlab
	offIdx := slotIdx % entriesPerSlab
	if slabIdx >= uint64(len(slabs)) {
		return false
	}
	s := &slabs[slabIdx].entries[offIdx]
	if !s.occupied || s.tag != tag {
		return false
	}
	s.entry.RetireEpoch = retireEpoch
	return true
}

// ApplyDelta applies a persisted delta record idempotently: populates an
// unused slot, or merges into an occupied one by updating RetireEpoch when
// present (spec §4.6).
func (t *Table) ApplyDelta(rec OTDeltaRec) {
	shardIdx, slotIdx := rec.HandleIdx.decode()
	sh := t.shards[shardIdx]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.ensureCapacityLocked(slotIdx)
	slabs := *sh.slabs.Load()
	slabIdx := slotIdx / entriesPerSlab
	offIdx := slotIdx % entriesPerSlab
	s := &slabs[slabIdx].entries[offIdx]

	if !s.occupied {
		s.occupied = true
		s.tag = uint8(rec.Tag)
		s.entry = OTEntry{
			Addr:        OTAddr{FileID: rec.FileID, SegmentID: rec.SegmentID, Offset: rec.Offset, Length: rec.Length},
			ClassID:     rec.ClassID,
			Kind:        rec.Kind,
			BirthEpoch:  rec.BirthEpoch,
			RetireEpoch: rec.RetireEpoch,
			Tag:         uint8(rec.Tag),
		}
		return
	}

	if rec.RetireEpoch != InfiniteEpoch {
		s.entry.RetireEpoch = rec.RetireEpoch
	}
}

// RestoreHandle populates a specific handle index with a checkpoint row,
// preserving NodeIDs across a restart (spec §4.11).
func (t *Table) RestoreHandle(handle HandleIndex, pe PersistentEntry) {
	shardIdx, slotIdx := handle.decode()
	sh := t.shards[shardIdx]

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.ensureCapacityLocked(slotIdx)
	slabs := *sh.slabs.Load()
	slabIdx := slotIdx / entriesPerSlab
	offIdx := slotIdx % entriesPerSlab
	s := &slabs[slabIdx].entries[offIdx]

	s.occupied = true
	s.tag = pe.Tag
	s.entry = OTEntry{
		Addr:        OTAddr{FileID: pe.FileID, SegmentID: pe.SegmentID, Offset: pe.Offset, Length: pe.Length},
		ClassID:     pe.ClassID,
		Kind:        pe.Kind,
		BirthEpoch:  pe.BirthEpoch,
		RetireEpoch: pe.RetireEpoch,
		Tag:         pe.Tag,
	}
}

// ensureCapacityLocked grows the shard's slab vector until slotIdx is
// addressable. Caller holds sh.mu.
func (sh *shard) ensureCapacityLocked(slotIdx uint64) {
	needSlabs := int(slotIdx/entriesPerSlab) + 1
	old := *sh.slabs.Load()
	if len(old) >= needSlabs {
		return
	}
	next := make([]*slab, needSlabs)
	copy(next, old)
	for i := len(old); i < needSlabs; i++ {
		next[i] = &slab{}
	}
	sh.slabs.Store(&next)
}

// ReclaimBeforeEpoch reclaims every retired entry whose RetireEpoch is at
// or before safeEpoch (no reader can still observe it): marks the slot
// unoccupied, so outstanding NodeIDs stop resolving, and returns it to the
// free list. The slot's tag is bumped when Allocate reuses it. Returns the
// number of entries reclaimed.
func (t *Table) ReclaimBeforeEpoch(safeEpoch uint64) int {
	total := 0
	for _, sh := range t.shards {
		sh.mu.Lock()
		slabs := *sh.slabs.Load()
		for slabIdx, sl := range slabs {
			for offIdx := range sl.entries {
				s := &sl.entries[offIdx]
				if s.occupied && s.entry.RetireEpoch != InfiniteEpoch && s.entry.RetireEpoch <= safeEpoch {
					s.occupied = false
					idx := uint64(slabIdx)*entriesPerSlab + uint64(offIdx)
					sh.freelist = append(sh.freelist, idx)
					total++
				}
			}
		}
		sh.mu.Unlock()
	}
	return total
}

// IterateLiveSnapshot yields every currently-live entry, scanning each
// shard under its own lock (a per-shard snapshot, not a cross-shard one —
// spec §4.6). Reclamation cannot remove an entry the snapshot has not yet
// yielded because it runs under the same per-shard mutex this scan holds.
func (t *Table) IterateLiveSnapshot(fn func(handle HandleIndex, e OTEntry)) {
	for shardIdx, sh := range t.shards {
		sh.mu.Lock()
		slabs := *sh.slabs.Load()
		for slabIdx, sl := range slabs {
			for offIdx := range sl.entries {
				s := &sl.entries[offIdx]
				if s.occupied && s.entry.IsLive() {
					idx := uint64(slabIdx)*entriesPerSlab + uint64(offIdx)
					handle := HandleIndex(uint64(shardIdx)<<slotBits | idx)
					fn(handle, s.entry)
				}
			}
		}
		sh.mu.Unlock()
	}
}
