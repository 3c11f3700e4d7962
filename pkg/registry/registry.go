// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package registry is the index registry (spec §4.13, C13): a catalog of
// registered indexes, keyed by field name, that lazily loads and unloads
// them under memory pressure. It never looks inside an Index — traversal,
// split, and query logic belong to that external collaborator — only
// tracks enough metadata (state, access recency, estimated memory) to
// decide what to load or evict. The per-entry load mutex follows
// pkg/fhregistry's Registry, generalized from open file descriptors to
// loaded index handles; there is no pinning here, and any loaded index
// can be unloaded.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xtreedb/xtreestore/pkg/log"
)

// State is an index's lifecycle state.
type State int

const (
	Registered State = iota
	Loading
	Loaded
	Unloading
	Failed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "Loading"
	case Loaded:
		return "Loaded"
	case Unloading:
		return "Unloading"
	case Failed:
		return "Failed"
	default:
		return "Registered"
	}
}

// Index is the opaque handle the registry hands back to callers. Its
// traversal, split, and query behavior live entirely outside this
// package; the registry only needs to be able to unload it and learn its
// resident memory footprint.
type Index interface {
	Close() error
	EstimatedMemory() int64
}

// Config is whatever a Loader needs to construct an Index: the field
// name being indexed and implementation-specific parameters.
type Config struct {
	FieldName string
	Params    map[string]any
}

// Loader constructs an Index from its Config. Supplied at registration
// time; the registry never constructs an Index itself.
type Loader func(cfg Config) (Index, error)

// Metadata is the per-index bookkeeping spec §4.13 names.
type Metadata struct {
	Config          Config
	State           State
	LastAccess      time.Time
	LoadedAt        time.Time
	EstimatedMemory int64
	AccessCount     int64
	LoadCount       int64
}

var (
	// ErrNotRegistered is returned when an operation names an index the
	// registry has never seen.
	ErrNotRegistered = errors.New("registry: index not registered")
	// ErrAlreadyRegistered is returned by RegisterIndex on a duplicate name.
	ErrAlreadyRegistered = errors.New("registry: index already registered")
)

type entry struct {
	loadMu sync.Mutex // serializes load/unload for this one index

	mu     sync.Mutex // guards meta and index below
	meta   Metadata
	loader Loader
	index  Index
}

// Registry is the process-wide index catalog.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// RegisterIndex adds name to the catalog in the Registered state,
// unloaded, with loader as the means to load it on first access.
func (r *Registry) RegisterIndex(name string, cfg Config, loader Loader) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.entries[name] = &entry{
		meta:   Metadata{Config: cfg, State: Registered},
		loader: loader,
	}
	return nil
}

// ManifestRoot is the subset of a manifest root catalog entry the
// registry needs to re-register an index across a restart.
type ManifestRoot struct {
	Name   string
	Params map[string]any
}

// RegisterFromManifest registers one entry per root the manifest
// recorded (spec §4.10's optional root catalog), using loaderFor to
// resolve a Loader per field name.
func (r *Registry) RegisterFromManifest(roots []ManifestRoot, loaderFor func(fieldName string) Loader) error {
	for _, root := range roots {
		loader := loaderFor(root.Name)
		if loader == nil {
			return fmt.Errorf("registry: no loader for manifest root %q", root.Name)
		}
		cfg := Config{FieldName: root.Name, Params: root.Params}
		if err := r.RegisterIndex(root.Name, cfg, loader); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	return e, nil
}

// GetOrLoad returns name's Index, loading it first if necessary. Load is
// serialized per index via the entry's load mutex so concurrent callers
// for the same name block on one load rather than racing.
func (r *Registry) GetOrLoad(name string) (Index, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}

	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.Lock()
	if e.meta.State == Loaded && e.index != nil {
		idx := e.index
		e.meta.LastAccess = time.Now()
		e.meta.AccessCount++
		e.mu.Unlock()
		return idx, nil
	}
	cfg := e.meta.Config
	loader := e.loader
	e.meta.State = Loading
	e.mu.Unlock()

	idx, err := loader(cfg)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.meta.State = Failed
		return nil, fmt.Errorf("registry: load %s: %w", name, err)
	}
	now := time.Now()
	e.index = idx
	e.meta.State = Loaded
	e.meta.LoadedAt = now
	e.meta.LastAccess = now
	e.meta.AccessCount++
	e.meta.LoadCount++
	e.meta.EstimatedMemory = idx.EstimatedMemory()
	return idx, nil
}

// UnloadIndex closes name's loaded Index, if any, and returns the bytes
// its estimated memory was holding. A no-op (0, nil) if not loaded.
func (r *Registry) UnloadIndex(name string) (int64, error) {
	e, err := r.lookup(name)
	if err != nil {
		return 0, err
	}
	return r.unloadEntry(name, e)
}

func (r *Registry) unloadEntry(name string, e *entry) (int64, error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	e.mu.Lock()
	if e.meta.State != Loaded || e.index == nil {
		e.mu.Unlock()
		return 0, nil
	}
	idx := e.index
	freed := e.meta.EstimatedMemory
	e.meta.State = Unloading
	e.mu.Unlock()

	if err := idx.Close(); err != nil {
		e.mu.Lock()
		e.meta.State = Failed
		e.mu.Unlock()
		return 0, fmt.Errorf("registry: unload %s: %w", name, err)
	}

	e.mu.Lock()
	e.index = nil
	e.meta.State = Registered
	e.meta.EstimatedMemory = 0
	e.mu.Unlock()

	log.Debugf("registry: unloaded index %s, freed %d bytes", name, freed)
	return freed, nil
}

type lruCandidate struct {
	name       string
	e          *entry
	lastAccess time.Time
	memory     int64
}

func (r *Registry) loadedSnapshot() []lruCandidate {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []lruCandidate
	for name, e := range r.entries {
		e.mu.Lock()
		if e.meta.State == Loaded {
			out = append(out, lruCandidate{name: name, e: e, lastAccess: e.meta.LastAccess, memory: e.meta.EstimatedMemory})
		}
		e.mu.Unlock()
	}
	return out
}

// UnloadColdIndexes unloads loaded indexes in least-recently-used order
// (by last_access) until at least targetBytes have been freed, or there
// is nothing left to unload. Returns total bytes freed.
func (r *Registry) UnloadColdIndexes(targetBytes int64) (int64, error) {
	candidates := r.loadedSnapshot()
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccess.Before(candidates[j].lastAccess) })

	var freed int64
	for _, c := range candidates {
		if freed >= targetBytes {
			break
		}
		n, err := r.unloadEntry(c.name, c.e)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

// UnloadIdleIndexes unloads every loaded index whose last_access is
// older than maxIdle. Returns total bytes freed.
func (r *Registry) UnloadIdleIndexes(maxIdle time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxIdle)
	var freed int64
	for _, c := range r.loadedSnapshot() {
		if c.lastAccess.After(cutoff) {
			continue
		}
		n, err := r.unloadEntry(c.name, c.e)
		if err != nil {
			return freed, err
		}
		freed += n
	}
	return freed, nil
}

// Metadata returns a snapshot of name's bookkeeping.
func (r *Registry) Metadata(name string) (Metadata, error) {
	e, err := r.lookup(name)
	if err != nil {
		return Metadata{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.meta, nil
}

// Names returns every registered index name.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for name := range r.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
