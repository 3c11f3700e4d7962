// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package mapping is the windowed mmap manager (spec §4.4, C4): per-file
// vectors of MappingExtents ordered by offset, pin/unpin with
// madvise-on-release, and two-tier LRU eviction (memory budget primary,
// extent-count fallback). Its window-growth arithmetic and msync-on-unmap
// durability point are grounded on the mmap persister in the dittofs
// reference WAL, generalized from one append-only file to many
// independently pinned windows.
package mapping

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/platform"
)

// ErrBeyondEOF is returned when a read-only pin is requested starting
// beyond the file's current length.
var ErrBeyondEOF = errors.New("mapping: pin request starts beyond end of file")

// extent is one mmap window over a file.
type extent struct {
	file       *fhregistry.FileHandle
	region     *platform.Region
	fileOffset int64
	length     int64
	pinCount   int
	lastUseNs  int64
	writable   bool
}

// Pin is a scope-bounded, move-only handle to a resolved pointer within a
// mapped window. Its zero value is a "null pin" (spec §8: a zero-length pin
// request returns a null pin, a no-op).
type Pin struct {
	mgr    *Manager
	ext    *extent
	base   int64 // offset of the pinned request within ext.region.Bytes
	length int64
}

// Bytes returns the pinned byte range. Calling this after Release is
// undefined — the caller must not retain it past the Pin's scope.
func (p *Pin) Bytes() []byte {
	if p.ext == nil {
		return nil
	}
	return p.ext.region.Bytes[p.base : p.base+p.length]
}

// IsNull reports whether this is the zero-length no-op pin.
func (p *Pin) IsNull() bool {
	return p.ext == nil
}

// Release drops the pin: decrements the extent's pin count and, per spec
// §4.4, advises the kernel to drop the region's pages once unpinned (the
// actual madvise call is deferred to the next eviction pass so a
// still-warm extent isn't punished for a single transient pin drop — see
// Manager.evictLocked).
func (p *Pin) Release() {
	if p.ext == nil || p.mgr == nil {
		return
	}
	p.mgr.unpin(p.ext)
	p.ext = nil
}

// Stats is the aggregate view spec §4.4 and the memory coordinator need.
type Stats struct {
	TotalExtents       int
	TotalMemoryMapped  int64
	MaxMemoryBudget    int64
	TotalPinsActive    int
	EvictionsCount     int64
	EvictionsBytes     int64
	MemoryUtilization  float64
}

// Manager is the windowed mmap manager, one per data directory.
type Manager struct {
	mu sync.Mutex

	windowSize int64
	maxBudget  int64 // 0 = unlimited
	maxExtents int
	headroom   float64

	byFile map[string][]*extent // ordered by fileOffset
	total  int64

	evictions      int64
	evictionsBytes int64
	nowFn          func() int64
}

// Config configures a Manager per spec §4.4 and §6's environment knobs.
type Config struct {
	WindowSize int64
	MaxBudget  int64
	MaxExtents int
	Headroom   float64 // fraction in [0, 0.5], default 0.10
}

// New creates a Manager.
func New(cfg Config) *Manager {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 128 << 20
	}
	if cfg.Headroom <= 0 {
		cfg.Headroom = 0.10
	}
	if cfg.Headroom > 0.5 {
		cfg.Headroom = 0.5
	}
	if cfg.MaxExtents <= 0 {
		cfg.MaxExtents = 4096
	}
	return &Manager{
		windowSize: cfg.WindowSize,
		maxBudget:  cfg.MaxBudget,
		maxExtents: cfg.MaxExtents,
		headroom:   cfg.Headroom,
		byFile:     make(map[string][]*extent),
		nowFn:      func() int64 { return time.Now().UnixNano() },
	}
}

// Pin maps (or reuses an existing window covering) [offset, offset+length)
// of fh and returns a Pin over that exact sub-range. Zero length returns a
// null pin.
func (m *Manager) Pin(fh *fhregistry.FileHandle, offset, length int64, writable bool) (*Pin, error) {
	if length == 0 {
		return &Pin{}, nil
	}

	windowStart := platform.AlignDown(offset, m.windowSize)
	windowEnd := platform.AlignUp(offset+length, m.windowSize)
	if windowEnd < windowStart+m.windowSize {
		windowEnd = windowStart + m.windowSize
	}

	m.mu.Lock()
	key := fh.CanonicalPath
	for _, e := range m.byFile[key] {
		servesRequest := e.writable || !writable
		if servesRequest && offset >= e.fileOffset && offset+length <= e.fileOffset+e.length {
			e.pinCount++
			e.lastUseNs = m.nowFn()
			m.mu.Unlock()
			return &Pin{mgr: m, ext: e, base: offset - e.fileOffset, length: length}, nil
		}
	}
	m.mu.Unlock()

	if writable {
		if err := m.ensureFileCovers(fh, windowEnd); err != nil {
			return nil, err
		}
	} else {
		size, err := fh.File.Stat()
		if err != nil {
			return nil, fmt.Errorf("mapping: stat %s: %w", fh.CanonicalPath, err)
		}
		if offset >= size.Size() {
			return nil, ErrBeyondEOF
		}
		if windowEnd > size.Size() {
			windowEnd = size.Size()
		}
	}

	mode := platform.MapReadOnly
	if writable {
		mode = platform.MapReadWrite
	}
	region, err := platform.MapFile(int(fh.File.Fd()), windowStart, int(windowEnd-windowStart), mode)
	if err != nil {
		return nil, err
	}

	e := &extent{
		file:       fh,
		region:     region,
		fileOffset: windowStart,
		length:     windowEnd - windowStart,
		pinCount:   1,
		lastUseNs:  m.nowFn(),
		writable:   writable,
	}

	m.mu.Lock()
	m.byFile[key] = insertSorted(m.byFile[key], e)
	m.total += e.length
	m.evictLocked()
	m.mu.Unlock()

	return &Pin{mgr: m, ext: e, base: offset - windowStart, length: length}, nil
}

func (m *Manager) ensureFileCovers(fh *fhregistry.FileHandle, minSize int64) error {
	fi, err := fh.File.Stat()
	if err != nil {
		return fmt.Errorf("mapping: stat %s: %w", fh.CanonicalPath, err)
	}
	if fi.Size() >= minSize {
		return nil
	}
	if err := platform.Preallocate(fh.File, minSize); err != nil {
		return err
	}
	return nil
}

func insertSorted(extents []*extent, e *extent) []*extent {
	i := 0
	for i < len(extents) && extents[i].fileOffset < e.fileOffset {
		i++
	}
	extents = append(extents, nil)
	copy(extents[i+1:], extents[i:])
	extents[i] = e
	return extents
}

func (m *Manager) unpin(e *extent) {
	m.mu.Lock()
	if e.pinCount > 0 {
		e.pinCount--
	}
	m.mu.Unlock()
}

// Prefetch issues willneed advice for ranges intersecting a mapped extent
// of fh; a no-op for unmapped ranges.
func (m *Manager) Prefetch(fh *fhregistry.FileHandle, offset, length int64) error {
	m.mu.Lock()
	extents := m.byFile[fh.CanonicalPath]
	var target *extent
	for _, e := range extents {
		if offset >= e.fileOffset && offset < e.fileOffset+e.length {
			target = e
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return nil
	}
	return platform.AdviseWillNeed(int(fh.File.Fd()), offset, int(length))
}

// evictLocked runs the two-tier eviction spec §4.4 describes. Caller must
// hold m.mu.
func (m *Manager) evictLocked() {
	if m.maxBudget > 0 && m.total > m.maxBudget {
		target := int64(float64(m.maxBudget) * (1 - m.headroom))
		for m.total > target {
			if !m.evictOneLocked() {
				log.Warnf("mapping: memory budget exceeded (%d > %d) and no unpinned extent to evict", m.total, m.maxBudget)
				break
			}
		}
	}

	total := m.countExtentsLocked()
	for total > m.maxExtents {
		if !m.evictOneLocked() {
			log.Warnf("mapping: extent count cap reached (%d) and no unpinned extent to evict", m.maxExtents)
			break
		}
		total--
	}
}

func (m *Manager) countExtentsLocked() int {
	n := 0
	for _, extents := range m.byFile {
		n += len(extents)
	}
	return n
}

// evictOneLocked finds the globally oldest unpinned extent and evicts it.
// Caller must hold m.mu.
func (m *Manager) evictOneLocked() bool {
	var bestKey string
	var bestIdx = -1
	var bestExt *extent

	for key, extents := range m.byFile {
		for idx, e := range extents {
			if e.pinCount > 0 {
				continue
			}
			if bestExt == nil || e.lastUseNs < bestExt.lastUseNs {
				bestKey, bestIdx, bestExt = key, idx, e
			}
		}
	}
	if bestExt == nil {
		return false
	}

	if bestExt.writable {
		if err := platform.FlushView(bestExt.region); err != nil {
			log.Errorf("mapping: msync on eviction failed for %s: %v", bestExt.file.CanonicalPath, err)
		}
	}
	if err := platform.AdviseDontNeed(bestExt.region); err != nil {
		log.Warnf("mapping: madvise dontneed failed: %v", err)
	}
	if err := platform.Unmap(bestExt.region); err != nil {
		log.Errorf("mapping: munmap failed for %s: %v", bestExt.file.CanonicalPath, err)
	}

	extents := m.byFile[bestKey]
	m.byFile[bestKey] = append(extents[:bestIdx], extents[bestIdx+1:]...)
	m.total -= bestExt.length
	m.evictions++
	m.evictionsBytes += bestExt.length
	return true
}

// Stats returns the manager's current aggregate footprint.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	pins := 0
	for _, extents := range m.byFile {
		for _, e := range extents {
			pins += e.pinCount
		}
	}

	util := 0.0
	if m.maxBudget > 0 {
		util = float64(m.total) / float64(m.maxBudget)
	}

	return Stats{
		TotalExtents:      m.countExtentsLocked(),
		TotalMemoryMapped: m.total,
		MaxMemoryBudget:   m.maxBudget,
		TotalPinsActive:   pins,
		EvictionsCount:    m.evictions,
		EvictionsBytes:    m.evictionsBytes,
		MemoryUtilization: util,
	}
}

// SetBudget updates the memory budget the coordinator has assigned this
// manager; an eviction pass runs immediately if the new budget is already
// exceeded.
func (m *Manager) SetBudget(bytes int64) {
	m.mu.Lock()
	m.maxBudget = bytes
	m.evictLocked()
	m.mu.Unlock()
}
