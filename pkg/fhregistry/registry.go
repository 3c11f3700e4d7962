// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package fhregistry is the process-wide cache of open file descriptors
// (spec §4.3, C3): canonical-path deduplication, pinning, and LRU eviction
// under a configurable cap. Its locking and doubly-linked-list eviction
// order are adapted from pkg/lrucache's Cache, generalized from byte-sized
// cache entries to pinned OS file handles.
package fhregistry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xtreedb/xtreestore/pkg/log"
	"github.com/xtreedb/xtreestore/pkg/platform"
)

// ErrTooManyOpenFiles is returned only when every handle is pinned and an
// eviction pass could not make room — spec §4.3 says to exceed the cap
// temporarily rather than fail in that case, so in practice this registry
// never returns this error; it is kept for callers that want a hard ceiling.
var ErrTooManyOpenFiles = errors.New("fhregistry: open file cap reached and no handle could be evicted")

// FileHandle is a shared, reference-counted open file.
type FileHandle struct {
	File          *os.File
	CanonicalPath string
	Writable      bool

	mu         sync.Mutex
	pinCount   int
	lastUseNs  int64
	registry   *Registry
	prev, next *FileHandle
}

// Pin increments the handle's pin count, making it ineligible for eviction.
func (h *FileHandle) Pin() {
	h.mu.Lock()
	h.pinCount++
	h.mu.Unlock()
}

// Unpin decrements the handle's pin count.
func (h *FileHandle) Unpin() {
	h.mu.Lock()
	if h.pinCount > 0 {
		h.pinCount--
	}
	h.mu.Unlock()
}

func (h *FileHandle) isPinned() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pinCount > 0
}

// Registry is the process-wide file descriptor cache.
type Registry struct {
	mu      sync.Mutex
	maxOpen int
	handles map[string]*FileHandle
	head    *FileHandle // most recently used
	tail    *FileHandle // least recently used
	nowFn   func() int64
}

// New creates a Registry capped at maxOpen simultaneously open descriptors.
func New(maxOpen int) *Registry {
	return &Registry{
		maxOpen: maxOpen,
		handles: make(map[string]*FileHandle),
		nowFn:   func() int64 { return time.Now().UnixNano() },
	}
}

// Canonicalize resolves path the way spec §4.3 requires: idempotent across
// any two inputs referring to the same inode, including when the leaf does
// not yet exist (parent is realpath'd, leaf appended lexically).
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("fhregistry: abs %s: %w", path, err)
	}
	abs = filepath.Clean(abs)

	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real, nil
	}

	dir, leaf := filepath.Split(abs)
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// Parent doesn't exist yet either; fall back to the cleaned
		// absolute path rather than failing acquire outright.
		return abs, nil
	}
	return filepath.Join(realDir, leaf), nil
}

// Acquire returns a shared, pinned FileHandle for path, opening it if
// necessary. The caller must call Release when done with the reference.
func (r *Registry) Acquire(path string, writable, create bool) (*FileHandle, error) {
	canon, err := Canonicalize(path)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if h, ok := r.handles[canon]; ok {
		if writable && !h.Writable {
			r.mu.Unlock()
			if err := r.upgradeToWritable(h); err != nil {
				return nil, err
			}
			r.mu.Lock()
		}
		h.mu.Lock()
		h.pinCount++
		h.lastUseNs = r.nowFn()
		h.mu.Unlock()
		r.touch(h)
		r.mu.Unlock()
		return h, nil
	}

	if len(r.handles) >= r.maxOpen {
		r.evictLocked()
	}
	r.mu.Unlock()

	flags := os.O_RDONLY
	if writable {
		flags = os.O_RDWR
		if create {
			flags |= os.O_CREATE
		}
	}
	f, err := os.OpenFile(canon, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("fhregistry: open %s: %w", canon, err)
	}

	h := &FileHandle{
		File:          f,
		CanonicalPath: canon,
		Writable:      writable,
		pinCount:      1,
		lastUseNs:     r.nowFn(),
		registry:      r,
	}

	r.mu.Lock()
	if existing, ok := r.handles[canon]; ok {
		// Lost a race with another acquirer; use theirs, close ours.
		existing.mu.Lock()
		existing.pinCount++
		existing.mu.Unlock()
		r.touch(existing)
		r.mu.Unlock()
		f.Close()
		return existing, nil
	}
	r.handles[canon] = h
	r.insertFront(h)
	r.mu.Unlock()
	return h, nil
}

func (r *Registry) upgradeToWritable(h *FileHandle) error {
	f, err := os.OpenFile(h.CanonicalPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("fhregistry: upgrade %s to writable: %w", h.CanonicalPath, err)
	}
	h.mu.Lock()
	old := h.File
	h.File = f
	h.Writable = true
	h.mu.Unlock()
	return old.Close()
}

// Release unpins a handle acquired via Acquire. It does not close the file;
// closing happens only via LRU eviction or Close/CloseAll.
func (r *Registry) Release(h *FileHandle) {
	if h == nil {
		return
	}
	h.Unpin()
}

// EnsureSize grows h to at least minSize bytes via platform.Preallocate —
// posix_fallocate on Linux (no implicit fsync), falling back to ftruncate
// where fallocate is unavailable — deferring durability of the size bump
// to the mapping layer's msync on unmap, per spec §4.3.
func (r *Registry) EnsureSize(h *FileHandle, minSize int64) error {
	fi, err := h.File.Stat()
	if err != nil {
		return fmt.Errorf("fhregistry: stat %s: %w", h.CanonicalPath, err)
	}
	if fi.Size() >= minSize {
		return nil
	}
	if err := platform.Preallocate(h.File, minSize); err != nil {
		return fmt.Errorf("fhregistry: grow %s to %d: %w", h.CanonicalPath, minSize, err)
	}
	return nil
}

// OpenCount returns the number of currently open (not necessarily pinned)
// handles, for tests and statistics.
func (r *Registry) OpenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// CloseAll closes every handle regardless of pin state. Intended for
// process shutdown only.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for path, h := range r.handles {
		if err := h.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.handles, path)
	}
	r.head, r.tail = nil, nil
	return firstErr
}

// touch moves h to the front of the LRU list (most recently used).
func (r *Registry) touch(h *FileHandle) {
	if h == r.head {
		return
	}
	r.unlink(h)
	r.insertFront(h)
}

func (r *Registry) insertFront(h *FileHandle) {
	h.next = r.head
	h.prev = nil
	if r.head != nil {
		r.head.prev = h
	}
	r.head = h
	if r.tail == nil {
		r.tail = h
	}
}

func (r *Registry) unlink(h *FileHandle) {
	if h.prev != nil {
		h.prev.next = h.next
	} else {
		r.head = h.next
	}
	if h.next != nil {
		h.next.prev = h.prev
	} else {
		r.tail = h.prev
	}
	h.prev, h.next = nil, nil
}

// evictLocked evicts unpinned handles from the tail (least recently used)
// until under the cap, or until no more unpinned handles remain — spec
// §4.3: "If every handle is pinned, exceed the cap temporarily rather than
// fail."
func (r *Registry) evictLocked() {
	candidate := r.tail
	for len(r.handles) >= r.maxOpen && candidate != nil {
		prev := candidate.prev
		if !candidate.isPinned() {
			r.unlink(candidate)
			delete(r.handles, candidate.CanonicalPath)
			if err := candidate.File.Close(); err != nil {
				log.Warnf("fhregistry: error closing evicted handle %s: %v", candidate.CanonicalPath, err)
			}
		}
		candidate = prev
	}
}
