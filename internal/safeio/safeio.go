// Package safeio implements the atomic-write and advisory file-locking
// primitives that every other storage component builds on (spec §4.1).
package safeio

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/coreengine/internal/corerr"
)

// AtomicWrite writes data to a temp file in the same directory as path,
// fsyncs it, and renames it over path. A crash at any point leaves either
// the old content intact or the new content fully present — never a
// partial file (spec §4.1, property P10).
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classifyIOErr(err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return classifyIOErr(err)
	}
	tmpPath := tmp.Name()

	// On any failure past this point, best-effort clean up the temp file.
	success := false
	defer func() {
		if !success {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return classifyIOErr(err)
	}
	if err := tmp.Sync(); err != nil {
		return classifyIOErr(err)
	}
	if err := tmp.Close(); err != nil {
		return classifyIOErr(err)
	}
	if perm != 0 {
		if err := os.Chmod(tmpPath, perm); err != nil {
			return classifyIOErr(err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return classifyIOErr(err)
	}

	success = true
	return nil
}

// classifyIOErr maps common OS error conditions to the stable taxonomy.
// Disk-full conditions in particular must surface as StorageFull per
// spec §4.1.
func classifyIOErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "no space left on device") || strings.Contains(msg, "disk quota exceeded") {
		return corerr.Wrap(corerr.StorageFull, err)
	}
	if os.IsNotExist(err) {
		return corerr.Wrap(corerr.NotFound, err)
	}
	if os.IsPermission(err) {
		return corerr.Wrap(corerr.PermissionDenied, err)
	}
	return corerr.Wrap(corerr.InternalError, err)
}

// FileLock is a cooperative, advisory lock on an arbitrary file, used for
// internal serialization where the full Context Lock (ctxlock package) is
// overkill — e.g. guarding the global reflection file so concurrent
// updates from different contexts serialize (spec §5, §9).
//
// Implemented as exclusive file creation rather than flock(2): no pack
// repo depends on a cross-platform advisory-lock library, and the
// create-exclusive marker file is exactly the mechanism spec §4.2
// describes for the heavier Context Lock, so the same idiom is reused
// here at smaller scale.
type FileLock struct {
	path string
	mu   sync.Mutex
	held bool
}

// NewFileLock returns a lock keyed on markerPath. markerPath should be a
// path that does not collide with real data files (by convention,
// "<target>.lock").
func NewFileLock(markerPath string) *FileLock {
	return &FileLock{path: markerPath}
}

// Lock blocks until the marker file can be created exclusively.
func (l *FileLock) Lock() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return classifyIOErr(err)
	}

	for {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			f.Close()
			l.held = true
			return nil
		}
		if !os.IsExist(err) {
			return classifyIOErr(err)
		}
		// Marker exists; yield briefly and retry. Real holders release
		// promptly since this lock only guards short critical sections.
		yield()
	}
}

// Unlock removes the marker file. Idempotent.
func (l *FileLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held {
		return nil
	}
	err := os.Remove(l.path)
	l.held = false
	if err != nil && !os.IsNotExist(err) {
		return classifyIOErr(err)
	}
	return nil
}

// WithLock runs fn while holding the lock, always unlocking afterward.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Lock(); err != nil {
		return err
	}
	defer l.Unlock()
	return fn()
}

// TruncateToLastCompleteLine repairs a possibly-truncated append-only
// file by dropping any trailing bytes after the last newline, restoring
// the invariant that every line is a complete JSON record (spec §4.3
// recovery, §7 storage errors). A file that does not exist yet has
// nothing to repair and is left absent.
func TruncateToLastCompleteLine(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return classifyIOErr(err)
	}
	if len(data) == 0 {
		return nil
	}
	if data[len(data)-1] == '\n' {
		return nil
	}
	idx := strings.LastIndexByte(string(data), '\n')
	if idx < 0 {
		// No complete line at all; truncate to empty.
		return AtomicWrite(path, nil, 0o644)
	}
	return AtomicWrite(path, data[:idx+1], 0o644)
}

// CopyFile copies src to dst via AtomicWrite, used when finalizing
// rotated partitions into the archived set.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return classifyIOErr(err)
	}
	defer in.Close()
	data, err := io.ReadAll(in)
	if err != nil {
		return classifyIOErr(err)
	}
	return AtomicWrite(dst, data, 0o644)
}

// ReadFileIfExists reads path, returning an empty slice (not an error)
// if the file does not exist yet.
func ReadFileIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, classifyIOErr(err)
	}
	return data, nil
}

func yield() {
	// A tiny sleep avoids a hot spin loop while waiting on another
	// process's short critical section.
	time.Sleep(5 * time.Millisecond)
}
