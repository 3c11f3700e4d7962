// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package recovery orchestrates cold start (spec §4.11, C11): manifest
// load, checkpoint bulk-load into the object table, delta-log replay of
// everything the checkpoint did not capture, a final authoritative
// superblock read, and post-recovery hygiene. It is pure orchestration —
// every durability primitive it calls belongs to another package — in the
// same way the teacher's internal/taskManager.Start wires together
// independently-owned subsystems (archiving, metric store init, retention)
// behind one startup sequence rather than owning any of their state
// itself.
package recovery

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/xtreedb/xtreestore/pkg/checkpoint"
	"github.com/xtreedb/xtreestore/pkg/checksum"
	"github.com/xtreedb/xtreestore/pkg/deltalog"
	"github.com/xtreedb/xtreestore/pkg/fhregistry"
	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/manifest"
	"github.com/xtreedb/xtreestore/pkg/objtable"
	"github.com/xtreedb/xtreestore/pkg/platform"
	"github.com/xtreedb/xtreestore/pkg/segment"
	"github.com/xtreedb/xtreestore/pkg/superblock"
)

// Options wires recovery's dependencies. Allocator is only required for
// ColdStartWithPayloads; plain ColdStart never touches it.
type Options struct {
	DataDir             string
	Registry            *fhregistry.Registry
	Allocator           *segment.Allocator
	CheckpointKeepCount int
}

// Result is everything cold start reconstructed.
type Result struct {
	Table      *objtable.Table
	Manifest   *manifest.Manifest
	Superblock *superblock.Superblock
	Root       objtable.NodeID
	Epoch      uint64
}

type logRef struct {
	path       string
	startEpoch uint64
	endEpoch   *uint64
}

// ColdStart runs recovery without payload rehydration.
func ColdStart(opts Options) (*Result, error) {
	return coldStart(opts, false)
}

// ColdStartWithPayloads runs recovery and additionally rehydrates segment
// payloads referenced by payload-bearing delta frames.
func ColdStartWithPayloads(opts Options) (*Result, error) {
	return coldStart(opts, true)
}

func coldStart(opts Options, withPayloads bool) (*Result, error) {
	table := objtable.New()

	m, manifestPath := loadManifest(opts.DataDir)

	checkpointEpoch, err := bulkLoadCheckpoint(opts.DataDir, m, table)
	if err != nil {
		return nil, err
	}

	logs := collectDeltaLogs(opts.DataDir, m, checkpointEpoch)

	for _, lg := range logs {
		if err := replayOneLog(opts, lg, checkpointEpoch, table, withPayloads); err != nil {
			log.Errorf("recovery: stopping replay at %s: %v", lg.path, err)
			break
		}
	}

	sbFH, err := opts.Registry.Acquire(filepath.Join(opts.DataDir, "xtree.meta"), true, true)
	if err != nil {
		return nil, fmt.Errorf("recovery: acquire superblock handle: %w", err)
	}
	sb, err := superblock.Open(sbFH)
	if err != nil {
		return nil, fmt.Errorf("recovery: open superblock: %w", err)
	}
	root, epoch, err := sb.Load()
	if err != nil {
		return nil, fmt.Errorf("recovery: load superblock: %w", err)
	}
	if epoch < checkpointEpoch {
		log.Warnf("recovery: superblock epoch %d is behind checkpoint epoch %d, trusting superblock anyway", epoch, checkpointEpoch)
	}

	hygiene(opts, len(logs))

	if m == nil {
		m = manifest.New(manifestPath, "xtree.meta")
	}

	return &Result{Table: table, Manifest: m, Superblock: sb, Root: root, Epoch: epoch}, nil
}

func loadManifest(dir string) (*manifest.Manifest, string) {
	path := filepath.Join(dir, "manifest.json")
	m, err := manifest.Load(path)
	if err != nil {
		log.Warnf("recovery: manifest load failed (%v), falling back to directory scan", err)
		return nil, path
	}
	return m, path
}

// bulkLoadCheckpoint resolves a checkpoint (manifest first, directory scan
// as fallback), restores every live entry's handle, and returns the
// checkpoint's epoch (0 if none exists).
func bulkLoadCheckpoint(dir string, m *manifest.Manifest, table *objtable.Table) (uint64, error) {
	path := ""
	if m != nil && m.Checkpoint.Path != "" {
		candidate := m.Checkpoint.Path
		if !filepath.IsAbs(candidate) {
			candidate = filepath.Join(dir, candidate)
		}
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path == "" {
		found, err := checkpoint.FindLatestCheckpoint(dir)
		if err != nil {
			return 0, fmt.Errorf("recovery: find latest checkpoint: %w", err)
		}
		path = found
	}
	if path == "" {
		return 0, nil
	}

	view, err := checkpoint.MapForRead(path)
	if err != nil {
		return 0, fmt.Errorf("recovery: map checkpoint %s: %w", path, err)
	}
	defer view.Close()

	for i := 0; i < view.Len(); i++ {
		pe := view.At(i)
		if pe.RetireEpoch == objtable.InfiniteEpoch {
			table.RestoreHandle(pe.HandleIdx, pe)
		}
	}

	return view.Epoch(), nil
}

// collectDeltaLogs resolves the delta-log set from the manifest, falling
// back to a directory scan for "*.wal" files, and drops any log fully
// superseded by the checkpoint.
func collectDeltaLogs(dir string, m *manifest.Manifest, checkpointEpoch uint64) []logRef {
	var refs []logRef

	if m != nil && len(m.DeltaLogs) > 0 {
		for _, d := range m.DeltaLogs {
			refs = append(refs, logRef{path: resolvePath(dir, d.Path), startEpoch: d.StartEpoch, endEpoch: d.EndEpoch})
		}
	} else {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.wal"))
		sort.Strings(matches)
		for _, p := range matches {
			refs = append(refs, logRef{path: p})
		}
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].startEpoch < refs[j].startEpoch })

	var kept []logRef
	for _, r := range refs {
		if r.endEpoch != nil && *r.endEpoch <= checkpointEpoch {
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}

func replayOneLog(opts Options, lg logRef, checkpointEpoch uint64, table *objtable.Table, withPayloads bool) error {
	fh, err := opts.Registry.Acquire(lg.path, true, false)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", lg.path, err)
	}

	lastGood, tornTail, err := deltalog.Replay(fh, func(delta objtable.OTDeltaRec, payload []byte) error {
		if delta.BirthEpoch <= checkpointEpoch {
			return nil
		}
		if withPayloads && len(payload) > 0 {
			if rerr := rehydratePayload(opts.Allocator, delta, payload); rerr != nil {
				return rerr
			}
		}
		table.ApplyDelta(delta)
		return nil
	})
	if err != nil {
		if terr := platform.Truncate(lg.path, lastGood); terr != nil {
			log.Errorf("recovery: truncate %s at %d after replay error: %v", lg.path, lastGood, terr)
		}
		return err
	}
	if tornTail {
		log.Warnf("recovery: torn tail in %s, truncating at offset %d", lg.path, lastGood)
		if terr := platform.Truncate(lg.path, lastGood); terr != nil {
			log.Errorf("recovery: truncate %s at %d after torn tail: %v", lg.path, lastGood, terr)
		}
	}
	return nil
}

func rehydratePayload(alloc *segment.Allocator, delta objtable.OTDeltaRec, payload []byte) error {
	if alloc == nil {
		return fmt.Errorf("recovery: payload rehydration requested but no allocator configured")
	}
	dst, err := alloc.GetPtrForRecovery(delta.ClassID, delta.FileID, delta.SegmentID, delta.Offset, delta.Length)
	if err != nil {
		return fmt.Errorf("recovery: resolve recovery pointer: %w", err)
	}
	if got := checksum.CRC32CChecksum(payload); got != delta.DataCRC32C {
		return fmt.Errorf("recovery: payload CRC mismatch for handle %d", delta.HandleIdx)
	}
	copy(dst, payload)
	return nil
}

// hygiene performs the bounded post-recovery cleanup spec §4.11 step 8
// describes: old checkpoints beyond the retention count, orphaned temp
// files, and a log hint if the delta-log count looks high.
func hygiene(opts Options, deltaLogCount int) {
	keep := opts.CheckpointKeepCount
	if keep <= 0 {
		keep = 3
	}
	if err := checkpoint.CleanupOldCheckpoints(opts.DataDir, keep); err != nil {
		log.Warnf("recovery: cleanup old checkpoints: %v", err)
	}

	tmpFiles, _ := filepath.Glob(filepath.Join(opts.DataDir, "*.tmp"))
	for _, f := range tmpFiles {
		if err := os.Remove(f); err != nil {
			log.Warnf("recovery: remove orphaned temp file %s: %v", f, err)
		}
	}

	const highLogCountHint = 8
	if deltaLogCount > highLogCountHint {
		log.Infof("recovery: %d delta logs present, consider a checkpoint to shorten future recovery", deltaLogCount)
	}
}
