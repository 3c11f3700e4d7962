// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package manifest is the JSON catalog of a data directory's durable state
// (spec §4.10, C10): current superblock path, latest checkpoint, active
// and retired delta logs, data files, and an optional root catalog.
// Store is atomic the same way pkg/checkpoint's write path is — both
// reduce to pkg/platform.WriteFileAtomic, matching the teacher's own
// encoding/json.Marshal-then-write config style in internal/config.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/xtreedb/xtreestore/pkg/platform"
)

const schemaVersion = 1

// CheckpointEntry describes the manifest's pointer to the latest
// checkpoint file.
type CheckpointEntry struct {
	Path    string `json:"path"`
	Epoch   uint64 `json:"epoch"`
	Size    int64  `json:"size"`
	Entries uint64 `json:"entries"`
	CRC32C  uint32 `json:"crc32c"`
}

// DeltaLogEntry describes one delta log file. EndEpoch is nil while the
// log is still the active append target.
type DeltaLogEntry struct {
	Path       string  `json:"path"`
	StartEpoch uint64  `json:"start_epoch"`
	EndEpoch   *uint64 `json:"end_epoch,omitempty"`
	Size       int64   `json:"size"`
}

// IsActive reports whether the log has not yet been sealed.
func (d DeltaLogEntry) IsActive() bool { return d.EndEpoch == nil }

// DataFileEntry describes one per-class-and-sequence data file.
type DataFileEntry struct {
	Class uint8  `json:"class"`
	Seq   uint32 `json:"seq"`
	File  string `json:"file"`
	Bytes int64  `json:"bytes"`
}

// RootEntry names one registered multi-field index root.
type RootEntry struct {
	Name   string    `json:"name"`
	NodeID uint64    `json:"node_id"`
	Epoch  uint64    `json:"epoch"`
	MBR    []float64 `json:"mbr,omitempty"`
}

// Manifest is the manifest.json document.
type Manifest struct {
	Version     int               `json:"version"`
	CreatedUnix int64             `json:"created_unix"`
	Superblock  string            `json:"superblock"`
	Checkpoint  CheckpointEntry   `json:"checkpoint"`
	DeltaLogs   []DeltaLogEntry   `json:"delta_logs"`
	DataFiles   []DataFileEntry   `json:"data_files"`
	Roots       []RootEntry       `json:"roots,omitempty"`

	path string
}

// New creates a fresh manifest for a new data directory, not yet stored.
func New(path string, superblockPath string) *Manifest {
	return &Manifest{
		Version:     schemaVersion,
		CreatedUnix: time.Now().Unix(),
		Superblock:  superblockPath,
		path:        path,
	}
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	m.path = path
	return &m, nil
}

// Reload re-reads the manifest from its original path, replacing this
// instance's fields in place.
func (m *Manifest) Reload() error {
	fresh, err := Load(m.path)
	if err != nil {
		return err
	}
	path := m.path
	*m = *fresh
	m.path = path
	return nil
}

// Store atomically (write-tmp, fsync, rename, fsync-directory) writes the
// manifest to its path.
func (m *Manifest) Store() error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	if err := platform.WriteFileAtomic(m.path, data, 0o644); err != nil {
		return fmt.Errorf("manifest: store %s: %w", m.path, err)
	}
	return nil
}

// Path returns the path this manifest was loaded from or will be stored
// to.
func (m *Manifest) Path() string { return m.path }

// PruneOldDeltaLogs removes every sealed log entry whose end_epoch is at
// or before checkpointEpoch (spec §4.10): once a checkpoint has captured
// everything up to that epoch, the log is fully superseded.
func (m *Manifest) PruneOldDeltaLogs(checkpointEpoch uint64) {
	kept := m.DeltaLogs[:0]
	for _, d := range m.DeltaLogs {
		if d.EndEpoch != nil && *d.EndEpoch <= checkpointEpoch {
			continue
		}
		kept = append(kept, d)
	}
	m.DeltaLogs = kept
}

// GetLogsAfterCheckpoint returns every delta log whose start_epoch is
// strictly after ckpt — the suffix recovery must replay after bulk-loading
// a checkpoint at that epoch.
func (m *Manifest) GetLogsAfterCheckpoint(ckpt uint64) []DeltaLogEntry {
	var out []DeltaLogEntry
	for _, d := range m.DeltaLogs {
		if d.StartEpoch > ckpt {
			out = append(out, d)
		}
	}
	return out
}
