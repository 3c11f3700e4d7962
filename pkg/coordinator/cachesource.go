// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package coordinator

import (
	"github.com/xtreedb/xtreestore/pkg/lrucache"
	"github.com/xtreedb/xtreestore/pkg/mapping"
)

// CacheSource is the coordinator's view of the hot-node cache: an
// aggregate snapshot and a way to push a new budget. pkg/lrucache is an
// external collaborator here (spec §4.12) — the coordinator never
// touches cache entries directly, only Stats and SetMaxMemory.
type CacheSource interface {
	CacheStats() (used, budget int64, entries int, evictions int64)
	SetCacheBudget(bytes int64)
}

// MmapSource is the coordinator's view of the windowed mmap manager (C4).
type MmapSource interface {
	MmapStats() (used, budget int64, extents int, evictions int64)
	SetMmapBudget(bytes int64)
}

type lruCacheSource struct{ c *lrucache.Cache }

// NewLRUCacheSource adapts a *lrucache.Cache as a CacheSource.
func NewLRUCacheSource(c *lrucache.Cache) CacheSource { return lruCacheSource{c: c} }

func (s lruCacheSource) CacheStats() (used, budget int64, entries int, evictions int64) {
	st := s.c.Stats()
	return int64(st.UsedMemory), int64(st.MaxMemory), st.Entries, st.Evictions
}

func (s lruCacheSource) SetCacheBudget(bytes int64) {
	s.c.SetMaxMemory(int(bytes))
}

type mappingSource struct{ m *mapping.Manager }

// NewMappingSource adapts a *mapping.Manager as a MmapSource.
func NewMappingSource(m *mapping.Manager) MmapSource { return mappingSource{m: m} }

func (s mappingSource) MmapStats() (used, budget int64, extents int, evictions int64) {
	st := s.m.Stats()
	return st.TotalMemoryMapped, st.MaxMemoryBudget, st.TotalExtents, st.EvictionsCount
}

func (s mappingSource) SetMmapBudget(bytes int64) {
	s.m.SetBudget(bytes)
}
