// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package store is the top-level facade wiring C1-C13 into one durability
// engine: it owns every component's lifetime (open at construction, close
// at shutdown) and exposes each as an injected, non-owning reference to
// whatever external index layer sits on top (spec §9's "global state ->
// explicit singletons" design note). It implements no X-tree traversal,
// split, or query logic itself.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtreedb/xtreestore/internal/config"
	"github.com/xtreedb/xtreestore/pkg/checkpoint"
	"github.com/xtreedb/xtreestore/pkg/coordinator"
	"github.com/xtreedb/xtreestore/pkg/deltalog"
	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/lrucache"
	"github.com/xtreedb/xtreestore/pkg/manifest"
	"github.com/xtreedb/xtreestore/pkg/mapping"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/recovery"
	"github.com/xtreedb/xtreestore/pkg/registry"
	"github.com/xtreedb/xtreestore/pkg/segment"
	"github.com/xtreedb/xtreestore/pkg/superblock"
)

const (
	walFileName        = "ot_delta.wal"
	superblockFileName = "xtree.meta"
	// coldPinReleaseInterval is how often the background loop calls
	// segment.Allocator.ReleaseColdPins, following spec §9's "lazy remap
	// interlock" note ("a production scheduler calls release_cold_pins
	// periodically, e.g. every second").
	coldPinReleaseInterval = 1 * time.Second
	coldPinThreshold       = 10 * time.Second
)

// Store is the opened durability engine for one data directory.
type Store struct {
	dataDir string
	cfg     config.EngineConfig

	fhr     *fhregistry.Registry
	mapper  *mapping.Manager
	alloc   *segment.Allocator
	table   *objtable.Table
	sb      *superblock.Superblock
	wal     *deltalog.Log
	man     *manifest.Manifest
	cache   *lrucache.Cache
	coord   *coordinator.Coordinator
	indexes *registry.Registry

	epoch atomic64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	periodic *coordinator.PeriodicDriver
}

// atomic64 avoids importing sync/atomic's typed wrapper just for one
// counter; kept as a named type so Store's field list reads clearly.
type atomic64 struct {
	mu sync.Mutex
	v  uint64
}

func (a *atomic64) next() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.v++
	return a.v
}

func (a *atomic64) observe(v uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v > a.v {
		a.v = v
	}
}

func (a *atomic64) current() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}

// Open runs cold start over dataDir and wires every component together.
func Open(dataDir string, cfg config.EngineConfig) (*Store, error) {
	fhr := fhregistry.New(cfg.MaxOpenFiles)

	mapper := mapping.New(mapping.Config{
		WindowSize: cfg.MmapWindowSize,
		MaxBudget:  cfg.MmapBudget,
	})

	alloc := segment.New(segment.Config{
		DataDir:     dataDir,
		MaxFileSize: cfg.MaxFileSize,
		Registry:    fhr,
		Mapper:      mapper,
	})

	res, err := recovery.ColdStartWithPayloads(recovery.Options{
		DataDir:             dataDir,
		Registry:            fhr,
		Allocator:           alloc,
		CheckpointKeepCount: cfg.CheckpointKeepCount,
	})
	if err != nil {
		fhr.CloseAll()
		return nil, fmt.Errorf("store: cold start: %w", err)
	}

	walFH, err := fhr.Acquire(filepath.Join(dataDir, walFileName), true, true)
	if err != nil {
		res.Superblock.Close()
		fhr.CloseAll()
		return nil, fmt.Errorf("store: acquire delta log handle: %w", err)
	}
	wal, err := deltalog.Open(walFH)
	if err != nil {
		res.Superblock.Close()
		fhr.CloseAll()
		return nil, fmt.Errorf("store: open delta log: %w", err)
	}

	ensureActiveDeltaLogEntry(res.Manifest, walFileName)

	cache := lrucache.New(int(cfg.CacheBudget))

	coord := coordinator.New(coordinator.NewLRUCacheSource(cache), coordinator.NewMappingSource(mapper))
	coord.SetTotalBudget(cfg.MmapBudget + cfg.CacheBudget)
	if cfg.MmapBudget+cfg.CacheBudget > 0 {
		coord.SetInitialRatios(
			float64(cfg.CacheBudget)/float64(cfg.MmapBudget+cfg.CacheBudget),
			float64(cfg.MmapBudget)/float64(cfg.MmapBudget+cfg.CacheBudget),
		)
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Store{
		dataDir: dataDir,
		cfg:     cfg,
		fhr:     fhr,
		mapper:  mapper,
		alloc:   alloc,
		table:   res.Table,
		sb:      res.Superblock,
		wal:     wal,
		man:     res.Manifest,
		cache:   cache,
		coord:   coord,
		indexes: registry.New(),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.epoch.observe(res.Epoch)

	s.wg.Add(1)
	go s.releaseColdPinsLoop()

	interval := time.Duration(cfg.RebalanceIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	periodic, err := coordinator.StartPeriodicDriver(coord, interval)
	if err != nil {
		log.Warnf("store: could not start coordinator periodic driver: %v", err)
	} else {
		s.periodic = periodic
	}

	return s, nil
}

// ensureActiveDeltaLogEntry adds a manifest entry for the live WAL file if
// cold start did not already see one (fresh data directory, or a manifest
// that predates this WAL file).
func ensureActiveDeltaLogEntry(m *manifest.Manifest, name string) {
	for _, d := range m.DeltaLogs {
		if d.Path == name && d.IsActive() {
			return
		}
	}
	m.DeltaLogs = append(m.DeltaLogs, manifest.DeltaLogEntry{Path: name, StartEpoch: 0})
}

func (s *Store) releaseColdPinsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(coldPinReleaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if n := s.alloc.ReleaseColdPins(coldPinThreshold); n > 0 {
				log.Debugf("store: released %d cold segment pins", n)
			}
		}
	}
}

// NextEpoch returns a fresh, monotonically increasing epoch number for a
// new write.
func (s *Store) NextEpoch() uint64 { return s.epoch.next() }

// CurrentEpoch returns the highest epoch observed so far (via recovery or
// NextEpoch), without allocating a new one.
func (s *Store) CurrentEpoch() uint64 { return s.epoch.current() }

// AppendDelta appends delta to the write-ahead log and applies it to the
// in-memory object table, then advances the epoch watermark.
func (s *Store) AppendDelta(delta objtable.OTDeltaRec) error {
	if err := s.wal.Append(delta); err != nil {
		return fmt.Errorf("store: append delta: %w", err)
	}
	s.table.ApplyDelta(delta)
	s.epoch.observe(delta.BirthEpoch)
	return nil
}

// AppendDeltaBatch appends a batch of deltas (optionally carrying
// payloads) as one WAL write and applies each to the object table.
func (s *Store) AppendDeltaBatch(batch []deltalog.Record) error {
	if err := s.wal.AppendWithPayloads(batch); err != nil {
		return fmt.Errorf("store: append delta batch: %w", err)
	}
	for _, rec := range batch {
		s.table.ApplyDelta(rec.Delta)
		s.epoch.observe(rec.Delta.BirthEpoch)
	}
	return nil
}

// PublishRoot publishes (root, epoch) to the superblock.
func (s *Store) PublishRoot(root objtable.NodeID, epoch uint64) error {
	if err := s.sb.Publish(root, epoch); err != nil {
		return fmt.Errorf("store: publish superblock: %w", err)
	}
	s.epoch.observe(epoch)
	return nil
}

// Checkpoint writes a checkpoint of the current live object table at
// epoch, records it and the active delta log in the manifest, and prunes
// old checkpoints.
func (s *Store) Checkpoint(epoch uint64) (string, error) {
	path, err := checkpoint.Write(s.dataDir, s.table, epoch)
	if err != nil {
		return "", fmt.Errorf("store: write checkpoint: %w", err)
	}

	var size int64
	if fi, statErr := os.Stat(path); statErr == nil {
		size = fi.Size()
	}
	var entries uint64
	s.table.IterateLiveSnapshot(func(objtable.HandleIndex, objtable.OTEntry) { entries++ })

	s.man.Checkpoint = manifest.CheckpointEntry{Path: filepath.Base(path), Epoch: epoch, Size: size, Entries: entries}
	s.man.PruneOldDeltaLogs(epoch)
	if err := s.man.Store(); err != nil {
		log.Warnf("store: manifest store after checkpoint: %v", err)
	}

	keep := s.cfg.CheckpointKeepCount
	if keep <= 0 {
		keep = 3
	}
	if err := checkpoint.CleanupOldCheckpoints(s.dataDir, keep); err != nil {
		log.Warnf("store: cleanup old checkpoints: %v", err)
	}

	return path, nil
}

// Table returns the in-memory object table (C6).
func (s *Store) Table() *objtable.Table { return s.table }

// Allocator returns the segment allocator (C5).
func (s *Store) Allocator() *segment.Allocator { return s.alloc }

// Mapper returns the windowed mmap manager (C4).
func (s *Store) Mapper() *mapping.Manager { return s.mapper }

// FileHandles returns the file handle registry (C3).
func (s *Store) FileHandles() *fhregistry.Registry { return s.fhr }

// Cache returns the hot-node cache the memory coordinator rebalances
// against. Its eviction algorithm is out of this package's scope.
func (s *Store) Cache() *lrucache.Cache { return s.cache }

// Coordinator returns the memory coordinator (C12).
func (s *Store) Coordinator() *coordinator.Coordinator { return s.coord }

// Indexes returns the index registry (C13).
func (s *Store) Indexes() *registry.Registry { return s.indexes }

// Manifest returns the data directory's catalog (C10).
func (s *Store) Manifest() *manifest.Manifest { return s.man }

// Superblock returns the seqlock-protected superblock (C7).
func (s *Store) Superblock() *superblock.Superblock { return s.sb }

// Close stops all background activity and closes every owned component.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	if s.periodic != nil {
		if err := s.periodic.Shutdown(); err != nil {
			log.Warnf("store: coordinator periodic driver shutdown: %v", err)
		}
	}

	var firstErr error
	if err := s.wal.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: close delta log: %w", err)
	}
	if err := s.sb.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: close superblock: %w", err)
	}
	if err := s.fhr.CloseAll(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("store: close file handles: %w", err)
	}
	return firstErr
}
