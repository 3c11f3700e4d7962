// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package platform is the thin POSIX filesystem portability layer every
// other component builds on: mmap/munmap, msync/fsync, atomic rename,
// directory fsync, preallocation, and willneed advice. Windows equivalents
// (FlushViewOfFile, SetEndOfFile, ...) are not implemented: every reference
// repo in this engine's lineage targets Linux, and cross-platform support
// is not exercised by anything in this module.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"golang.org/x/sys/unix"
)

// Region is a single mmap'd window: a byte slice backed by the kernel
// mapping, plus enough bookkeeping to unmap it again.
type Region struct {
	Bytes  []byte
	offset int64
}

// MapMode selects PROT_READ or PROT_READ|PROT_WRITE for MapFile.
type MapMode int

const (
	MapReadOnly MapMode = iota
	MapReadWrite
)

// MapFile maps length bytes of fd starting at offset. offset must be a
// multiple of the system page size; callers (pkg/mapping) are responsible
// for window alignment.
func MapFile(fd int, offset int64, length int, mode MapMode) (*Region, error) {
	if length == 0 {
		return nil, errors.New("platform: zero-length map request")
	}
	prot := unix.PROT_READ
	if mode == MapReadWrite {
		prot |= unix.PROT_WRITE
	}
	data, err := unix.Mmap(fd, offset, length, prot, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap offset=%d length=%d: %w", offset, length, err)
	}
	return &Region{Bytes: data, offset: offset}, nil
}

// Unmap releases a mapped region. The caller must have already flushed it
// if durability is required; Unmap itself does not sync.
func Unmap(r *Region) error {
	if r == nil || r.Bytes == nil {
		return nil
	}
	err := unix.Munmap(r.Bytes)
	r.Bytes = nil
	if err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}

// FlushView runs msync(MS_SYNC) over the region, the durability point for
// writable windows (spec §4.4: "perform msync(MS_SYNC) so that clean pages
// and dirty pages alike reach disk before the mapping is dropped").
func FlushView(r *Region) error {
	if r == nil || len(r.Bytes) == 0 {
		return nil
	}
	if err := unix.Msync(r.Bytes, unix.MS_SYNC); err != nil {
		return fmt.Errorf("platform: msync: %w", err)
	}
	return nil
}

// FlushFile fsyncs a file descriptor's data and metadata.
func FlushFile(fd int) error {
	if err := unix.Fsync(fd); err != nil {
		return fmt.Errorf("platform: fsync: %w", err)
	}
	return nil
}

// FsyncDirectory fsyncs the directory containing path, the second half of
// the atomic_replace durability contract: after a rename, the directory
// entry itself must be fsynced for the rename to survive a crash.
func FsyncDirectory(path string) error {
	dir := filepath.Dir(path)
	f, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("platform: open directory %s: %w", dir, err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return fmt.Errorf("platform: fsync directory %s: %w", dir, err)
	}
	return nil
}

// AtomicReplace replaces dst with the contents of src: write-then-rename,
// followed by a parent-directory fsync, so that a crash can never expose a
// partially written dst (spec §4.1's atomic_replace contract). src is
// consumed (renamed away); callers that built src via os.CreateTemp should
// not also try to remove it afterwards.
func AtomicReplace(src, dst string) error {
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("platform: rename %s -> %s: %w", src, dst, err)
	}
	return FsyncDirectory(dst)
}

// WriteFileAtomic writes data to dst via a temp file in the same directory,
// fsyncs it, renames over dst, and fsyncs the parent directory — the
// manifest (C10) and checkpoint (C9) write paths both reduce to this.
// Implemented on top of github.com/google/renameio/v2, which already
// encapsulates the same-filesystem temp-file-then-rename dance correctly
// (including Windows' differing rename-over-existing-file semantics, not
// that this package exercises those).
func WriteFileAtomic(dst string, data []byte, perm os.FileMode) error {
	t, err := renameio.TempFile("", dst)
	if err != nil {
		return fmt.Errorf("platform: create temp file for %s: %w", dst, err)
	}
	defer t.Cleanup()

	if err := t.Chmod(perm); err != nil {
		return fmt.Errorf("platform: chmod temp file for %s: %w", dst, err)
	}
	if _, err := t.Write(data); err != nil {
		return fmt.Errorf("platform: write temp file for %s: %w", dst, err)
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("platform: replace %s: %w", dst, err)
	}
	return FsyncDirectory(dst)
}

// Preallocate grows path to at least length bytes using fallocate, which on
// Linux reserves the space without an implicit fsync (spec §4.3: durability
// of the size bump is deferred to the mapping layer's msync on unmap).
func Preallocate(f *os.File, length int64) error {
	if err := unix.Fallocate(int(f.Fd()), 0, 0, length); err != nil {
		if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EOPNOTSUPP) {
			return f.Truncate(length)
		}
		return fmt.Errorf("platform: fallocate length=%d: %w", length, err)
	}
	return nil
}

// Truncate sets a file's length, used both to grow files (preallocation
// fallback) and to truncate a WAL's torn tail during recovery.
func Truncate(path string, size int64) error {
	if err := os.Truncate(path, size); err != nil {
		return fmt.Errorf("platform: truncate %s to %d: %w", path, size, err)
	}
	return nil
}

// AdviseWillNeed hints the kernel to prefetch pages covering [offset,
// offset+length) of fd.
func AdviseWillNeed(fd int, offset int64, length int) error {
	if length == 0 {
		return nil
	}
	if err := unix.Fadvise(fd, offset, int64(length), unix.FADV_WILLNEED); err != nil {
		return fmt.Errorf("platform: fadvise willneed: %w", err)
	}
	return nil
}

// AdviseDontNeed hints the kernel that pages covering a mapped region are
// cold and may be dropped — the release side of C4's pin lifecycle.
func AdviseDontNeed(r *Region) error {
	if r == nil || len(r.Bytes) == 0 {
		return nil
	}
	if err := unix.Madvise(r.Bytes, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("platform: madvise dontneed: %w", err)
	}
	return nil
}

// FileSize stats path and returns its length.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("platform: stat %s: %w", path, err)
	}
	return fi.Size(), nil
}

// EnsureDirectory creates path (and parents) if it does not already exist.
func EnsureDirectory(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("platform: mkdir %s: %w", path, err)
	}
	return nil
}

// PageSize is the platform's page size, used to align mmap requests.
func PageSize() int64 {
	return int64(os.Getpagesize())
}

// AlignDown rounds offset down to the nearest multiple of align.
func AlignDown(offset, align int64) int64 {
	if align <= 0 {
		return offset
	}
	return offset - offset%align
}

// AlignUp rounds offset up to the nearest multiple of align.
func AlignUp(offset, align int64) int64 {
	if align <= 0 {
		return offset
	}
	rem := offset % align
	if rem == 0 {
		return offset
	}
	return offset + (align - rem)
}
