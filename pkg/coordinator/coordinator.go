// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package coordinator is the memory coordinator (spec §4.12, C12): a
// periodic rebalancer that splits one total byte budget between the
// hot-node cache and the windowed mmap manager (C4) using observed
// utilization and eviction pressure. It owns no cache or mmap state
// itself, only the two sources' published Stats and SetBudget hooks, the
// same non-owning-singleton-reference shape spec §8 requires of
// MappingManager/MemoryCoordinator/IndexRegistry.
package coordinator

import (
	"sync"
	"time"

	"github.com/xtreedb/xtreestore/pkg/log"
)

// WorkloadHint selects a target cache/mmap split. Auto runs the
// pressure-driven rebalance rule every tick; any other hint pins a
// target ratio that tick() converges toward at REBALANCE_STEP per tick,
// ignoring eviction pressure.
type WorkloadHint int

const (
	Auto WorkloadHint = iota
	BulkIngestion
	QueryHeavy
	Mixed
	MemoryConstrained
)

func (w WorkloadHint) String() string {
	switch w {
	case BulkIngestion:
		return "BulkIngestion"
	case QueryHeavy:
		return "QueryHeavy"
	case Mixed:
		return "Mixed"
	case MemoryConstrained:
		return "MemoryConstrained"
	default:
		return "Auto"
	}
}

// preset returns the target cache ratio for a workload hint. Auto has no
// target; it is handled by the pressure rule instead.
func (w WorkloadHint) preset() (cacheRatio float64, ok bool) {
	switch w {
	case BulkIngestion:
		return 0.25, true
	case QueryHeavy:
		return 0.65, true
	case Mixed:
		return 0.50, true
	case MemoryConstrained:
		return 0.30, true
	default:
		return 0, false
	}
}

const (
	defaultRebalanceInterval = 5 * time.Second
	pressureThreshold        = 0.8
	rebalanceStep            = 0.05
	minRatio                 = 0.2
	maxRatio                 = 0.8
	// memoryConstrainedBudgetScale is this implementation's reading of
	// spec §4.12's "MemoryConstrained ... with lower total budget": the
	// hint halves whatever total budget was configured, applied once
	// when the hint is set rather than continuously re-derived.
	memoryConstrainedBudgetScale = 0.5
)

// Metrics is the snapshot GetMetrics returns.
type Metrics struct {
	TotalBudget      int64
	CacheBudget      int64
	MmapBudget       int64
	CacheRatio       float64
	MmapRatio        float64
	CacheUtilization float64
	MmapUtilization  float64
	CachePressure    float64
	MmapPressure     float64
	Workload         WorkloadHint
	RebalanceCount   int64
	LastRebalance    time.Time
}

// Coordinator is the C12 memory coordinator.
type Coordinator struct {
	mu sync.Mutex

	cache CacheSource
	mmap  MmapSource

	totalBudget int64
	cacheRatio  float64
	mmapRatio   float64
	workload    WorkloadHint
	interval    time.Duration

	lastTick           time.Time
	lastCacheEvictions int64
	lastMmapEvictions  int64
	haveBaseline       bool
	rebalanceCount     int64
	lastMetrics        Metrics
}

// New creates a Coordinator with a 50/50 initial split and the default
// 5s rebalance interval, matching spec §4.12's stated default.
func New(cache CacheSource, mmap MmapSource) *Coordinator {
	return &Coordinator{
		cache:      cache,
		mmap:       mmap,
		cacheRatio: 0.5,
		mmapRatio:  0.5,
		interval:   defaultRebalanceInterval,
		workload:   Auto,
	}
}

// SetTotalBudget sets the byte total the coordinator splits between the
// two sides. It does not push budgets immediately; the next tick or
// ForceRebalance does.
func (c *Coordinator) SetTotalBudget(bytes int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalBudget = bytes
}

// SetInitialRatios sets the starting cache/mmap split. Values are
// clamped to [MIN_RATIO, MAX_RATIO] and renormalized to sum to 1.
func (c *Coordinator) SetInitialRatios(cacheRatio, mmapRatio float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheRatio, c.mmapRatio = normalizeRatios(cacheRatio, mmapRatio)
}

// SetWorkloadHint selects a preset or Auto. Selecting MemoryConstrained
// applies the memoryConstrainedBudgetScale scale-down to the total budget
// once, immediately; no other hint changes the budget here.
func (c *Coordinator) SetWorkloadHint(w WorkloadHint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workload = w
	if w == MemoryConstrained {
		c.totalBudget = int64(float64(c.totalBudget) * memoryConstrainedBudgetScale)
	}
}

// Tick is called frequently (every N operations or from a timer). It is
// a no-op unless rebalance_interval has elapsed since the last
// rebalance, per spec §4.12. Returns whether a rebalance ran.
func (c *Coordinator) Tick(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastTick.IsZero() && now.Sub(c.lastTick) < c.interval {
		return false
	}
	c.rebalanceLocked(now)
	return true
}

// ForceRebalance runs one rebalance step immediately, bypassing the
// interval throttle.
func (c *Coordinator) ForceRebalance() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rebalanceLocked(time.Now())
}

// GetMetrics returns the most recent rebalance snapshot.
func (c *Coordinator) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMetrics
}

func (c *Coordinator) rebalanceLocked(now time.Time) {
	cacheUsed, cacheBudget, _, cacheEvictions := c.cache.CacheStats()
	mmapUsed, mmapBudget, _, mmapEvictions := c.mmap.MmapStats()

	cacheUtil := utilization(cacheUsed, cacheBudget)
	mmapUtil := utilization(mmapUsed, mmapBudget)

	var cacheDelta, mmapDelta int64
	if c.haveBaseline {
		cacheDelta = cacheEvictions - c.lastCacheEvictions
		mmapDelta = mmapEvictions - c.lastMmapEvictions
	}
	c.lastCacheEvictions = cacheEvictions
	c.lastMmapEvictions = mmapEvictions
	c.haveBaseline = true

	// Pressure is real only when evictions are actually occurring this
	// tick: a side sitting at high utilization with no eviction churn is
	// not under pressure yet, it simply has little headroom.
	cachePressure := 0.0
	if cacheDelta > 0 {
		cachePressure = cacheUtil
	}
	mmapPressure := 0.0
	if mmapDelta > 0 {
		mmapPressure = mmapUtil
	}

	if target, ok := c.workload.preset(); ok {
		c.stepToward(target)
	} else if cachePressure >= pressureThreshold && mmapPressure < pressureThreshold {
		c.shift(rebalanceStep)
	} else if mmapPressure >= pressureThreshold && cachePressure < pressureThreshold {
		c.shift(-rebalanceStep)
	}

	cacheBudgetOut := int64(float64(c.totalBudget) * c.cacheRatio)
	mmapBudgetOut := c.totalBudget - cacheBudgetOut
	c.cache.SetCacheBudget(cacheBudgetOut)
	c.mmap.SetMmapBudget(mmapBudgetOut)

	c.rebalanceCount++
	c.lastTick = now
	c.lastMetrics = Metrics{
		TotalBudget:      c.totalBudget,
		CacheBudget:      cacheBudgetOut,
		MmapBudget:       mmapBudgetOut,
		CacheRatio:       c.cacheRatio,
		MmapRatio:        c.mmapRatio,
		CacheUtilization: cacheUtil,
		MmapUtilization:  mmapUtil,
		CachePressure:    cachePressure,
		MmapPressure:     mmapPressure,
		Workload:         c.workload,
		RebalanceCount:   c.rebalanceCount,
		LastRebalance:    now,
	}

	log.Debugf("coordinator: rebalanced cache=%d mmap=%d ratio=%.2f/%.2f workload=%s",
		cacheBudgetOut, mmapBudgetOut, c.cacheRatio, c.mmapRatio, c.workload)
}

// shift moves delta of total ratio from mmap to cache (negative delta
// moves from cache to mmap), clamped to [MIN_RATIO, MAX_RATIO].
func (c *Coordinator) shift(delta float64) {
	cacheRatio := c.cacheRatio + delta
	if cacheRatio > maxRatio {
		cacheRatio = maxRatio
	}
	if cacheRatio < minRatio {
		cacheRatio = minRatio
	}
	c.cacheRatio = cacheRatio
	c.mmapRatio = 1 - cacheRatio
}

// stepToward moves the current cache ratio at most rebalanceStep closer
// to target, used by workload presets instead of the pressure rule.
func (c *Coordinator) stepToward(target float64) {
	if c.cacheRatio < target {
		c.shift(min(rebalanceStep, target-c.cacheRatio))
	} else if c.cacheRatio > target {
		c.shift(-min(rebalanceStep, c.cacheRatio-target))
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func utilization(used, budget int64) float64 {
	if budget <= 0 {
		return 0
	}
	return float64(used) / float64(budget)
}

// normalizeRatios clamps cacheRatio to [MIN_RATIO, MAX_RATIO] and derives
// mmapRatio as its complement; the caller's mmapRatio argument is only
// used when cacheRatio is unset (zero), so an explicit (0, 0.7) call
// still produces a sane split.
func normalizeRatios(cacheRatio, mmapRatio float64) (float64, float64) {
	if cacheRatio == 0 && mmapRatio != 0 {
		cacheRatio = 1 - mmapRatio
	}
	if cacheRatio < minRatio {
		cacheRatio = minRatio
	}
	if cacheRatio > maxRatio {
		cacheRatio = maxRatio
	}
	return cacheRatio, 1 - cacheRatio
}
