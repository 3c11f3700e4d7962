// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package store

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtreedb/xtreestore/pkg/segment"
)

// Collector exposes a Store's live component stats as Prometheus metrics
// on every scrape, rather than requiring callers to push updates — the
// teacher itself depends on github.com/prometheus/client_golang; this
// package exercises the metrics/registration side of that module instead
// of the api-client side internal/metricdata uses to query Prometheus.
type Collector struct {
	store *Store

	mmapMapped     *prometheus.Desc
	mmapBudget     *prometheus.Desc
	mmapExtents    *prometheus.Desc
	mmapEvictions  *prometheus.Desc
	mmapUtil       *prometheus.Desc
	cacheUsed      *prometheus.Desc
	cacheBudget    *prometheus.Desc
	cacheEntries   *prometheus.Desc
	cacheEvictions *prometheus.Desc
	coordRatio     *prometheus.Desc
	coordBudget    *prometheus.Desc
	coordRebalance *prometheus.Desc
	allocSegments  *prometheus.Desc
	allocUsed      *prometheus.Desc
	allocFree      *prometheus.Desc
	allocDead      *prometheus.Desc
	idxState       *prometheus.Desc
	idxAccess      *prometheus.Desc
	idxLoads       *prometheus.Desc
	idxMemory      *prometheus.Desc
}

// NewCollector builds a Collector for s. Register it with a
// prometheus.Registerer of the caller's choosing; this package never
// starts its own HTTP server.
func NewCollector(s *Store) *Collector {
	return &Collector{
		store:          s,
		mmapMapped:     prometheus.NewDesc("xtreestore_mmap_bytes_mapped", "Total bytes currently mmap'd.", nil, nil),
		mmapBudget:     prometheus.NewDesc("xtreestore_mmap_budget_bytes", "Mmap manager's current byte budget.", nil, nil),
		mmapExtents:    prometheus.NewDesc("xtreestore_mmap_extents", "Currently mapped extent count.", nil, nil),
		mmapEvictions:  prometheus.NewDesc("xtreestore_mmap_evictions_total", "Lifetime mmap extent evictions.", nil, nil),
		mmapUtil:       prometheus.NewDesc("xtreestore_mmap_utilization_ratio", "Mapped bytes over budget.", nil, nil),
		cacheUsed:      prometheus.NewDesc("xtreestore_cache_bytes_used", "Hot-node cache bytes in use.", nil, nil),
		cacheBudget:    prometheus.NewDesc("xtreestore_cache_budget_bytes", "Hot-node cache's current byte budget.", nil, nil),
		cacheEntries:   prometheus.NewDesc("xtreestore_cache_entries", "Hot-node cache entry count.", nil, nil),
		cacheEvictions: prometheus.NewDesc("xtreestore_cache_evictions_total", "Lifetime cache entry evictions.", nil, nil),
		coordRatio:     prometheus.NewDesc("xtreestore_coordinator_ratio", "Memory coordinator's current budget split.", []string{"side"}, nil),
		coordBudget:    prometheus.NewDesc("xtreestore_coordinator_budget_bytes", "Memory coordinator's current per-side budget.", []string{"side"}, nil),
		coordRebalance: prometheus.NewDesc("xtreestore_coordinator_rebalances_total", "Lifetime coordinator rebalance count.", nil, nil),
		allocSegments:  prometheus.NewDesc("xtreestore_allocator_segments", "Segment count per size class.", []string{"class"}, nil),
		allocUsed:      prometheus.NewDesc("xtreestore_allocator_used_blocks", "Used blocks per size class.", []string{"class"}, nil),
		allocFree:      prometheus.NewDesc("xtreestore_allocator_free_blocks", "Free blocks per size class.", []string{"class"}, nil),
		allocDead:      prometheus.NewDesc("xtreestore_allocator_dead_bytes", "Dead (freed, unreclaimed) bytes per size class.", []string{"class"}, nil),
		idxState:       prometheus.NewDesc("xtreestore_index_state", "Index registry entry state (1 if loaded, else 0).", []string{"name"}, nil),
		idxAccess:      prometheus.NewDesc("xtreestore_index_access_count", "Lifetime access count per registered index.", []string{"name"}, nil),
		idxLoads:       prometheus.NewDesc("xtreestore_index_load_count", "Lifetime load count per registered index.", []string{"name"}, nil),
		idxMemory:      prometheus.NewDesc("xtreestore_index_estimated_memory_bytes", "Estimated resident memory per loaded index.", []string{"name"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.mmapMapped, c.mmapBudget, c.mmapExtents, c.mmapEvictions, c.mmapUtil,
		c.cacheUsed, c.cacheBudget, c.cacheEntries, c.cacheEvictions,
		c.coordRatio, c.coordBudget, c.coordRebalance,
		c.allocSegments, c.allocUsed, c.allocFree, c.allocDead,
		c.idxState, c.idxAccess, c.idxLoads, c.idxMemory,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector, reading every component's live
// Stats on each scrape.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.store

	ms := s.mapper.Stats()
	ch <- prometheus.MustNewConstMetric(c.mmapMapped, prometheus.GaugeValue, float64(ms.TotalMemoryMapped))
	ch <- prometheus.MustNewConstMetric(c.mmapBudget, prometheus.GaugeValue, float64(ms.MaxMemoryBudget))
	ch <- prometheus.MustNewConstMetric(c.mmapExtents, prometheus.GaugeValue, float64(ms.TotalExtents))
	ch <- prometheus.MustNewConstMetric(c.mmapEvictions, prometheus.CounterValue, float64(ms.EvictionsCount))
	ch <- prometheus.MustNewConstMetric(c.mmapUtil, prometheus.GaugeValue, ms.MemoryUtilization)

	cs := s.cache.Stats()
	ch <- prometheus.MustNewConstMetric(c.cacheUsed, prometheus.GaugeValue, float64(cs.UsedMemory))
	ch <- prometheus.MustNewConstMetric(c.cacheBudget, prometheus.GaugeValue, float64(cs.MaxMemory))
	ch <- prometheus.MustNewConstMetric(c.cacheEntries, prometheus.GaugeValue, float64(cs.Entries))
	ch <- prometheus.MustNewConstMetric(c.cacheEvictions, prometheus.CounterValue, float64(cs.Evictions))

	cm := s.coord.GetMetrics()
	ch <- prometheus.MustNewConstMetric(c.coordRatio, prometheus.GaugeValue, cm.CacheRatio, "cache")
	ch <- prometheus.MustNewConstMetric(c.coordRatio, prometheus.GaugeValue, cm.MmapRatio, "mmap")
	ch <- prometheus.MustNewConstMetric(c.coordBudget, prometheus.GaugeValue, float64(cm.CacheBudget), "cache")
	ch <- prometheus.MustNewConstMetric(c.coordBudget, prometheus.GaugeValue, float64(cm.MmapBudget), "mmap")
	ch <- prometheus.MustNewConstMetric(c.coordRebalance, prometheus.CounterValue, float64(cm.RebalanceCount))

	for class := 0; class < segment.NumClasses(); class++ {
		st, err := s.alloc.Stats(uint8(class))
		if err != nil {
			continue
		}
		label := classLabel(uint8(class))
		ch <- prometheus.MustNewConstMetric(c.allocSegments, prometheus.GaugeValue, float64(st.Segments), label)
		ch <- prometheus.MustNewConstMetric(c.allocUsed, prometheus.GaugeValue, float64(st.UsedBlocks), label)
		ch <- prometheus.MustNewConstMetric(c.allocFree, prometheus.GaugeValue, float64(st.FreeBlocks), label)
		ch <- prometheus.MustNewConstMetric(c.allocDead, prometheus.GaugeValue, float64(st.DeadBytes), label)
	}

	for _, name := range s.indexes.Names() {
		meta, err := s.indexes.Metadata(name)
		if err != nil {
			continue
		}
		loaded := 0.0
		if meta.State.String() == "Loaded" {
			loaded = 1.0
		}
		ch <- prometheus.MustNewConstMetric(c.idxState, prometheus.GaugeValue, loaded, name)
		ch <- prometheus.MustNewConstMetric(c.idxAccess, prometheus.CounterValue, float64(meta.AccessCount), name)
		ch <- prometheus.MustNewConstMetric(c.idxLoads, prometheus.CounterValue, float64(meta.LoadCount), name)
		ch <- prometheus.MustNewConstMetric(c.idxMemory, prometheus.GaugeValue, float64(meta.EstimatedMemory), name)
	}
}

func classLabel(class uint8) string {
	return fmt.Sprintf("%d", segment.ClassToSize(class))
}
