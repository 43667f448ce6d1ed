// Package jsonlstore implements append, read, and rewrite operations on
// newline-delimited JSON record files — the substrate the transcript
// partitions, the context window, and the inbox all sit on (spec §4.3
// leaves this out as a named component, §2 names it "JSONL store").
package jsonlstore

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/safeio"
)

// Append marshals record and appends it as one line to path, creating
// the file (and its parent directory) if necessary. The write is a
// single os.File.Write of the complete line; it is not atomic across a
// concurrent reader mid-line, but a line is only ever appended whole so
// a reader either sees it complete or not at all, modulo a truncated
// final write on crash (recovered by safeio.TruncateToLastCompleteLine).
func Append(path string, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return corerr.Wrap(corerr.InvalidInput, err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	return f.Sync()
}

// ReadAll reads every line of path, unmarshaling each into a new T,
// and returns them in file order. A missing file yields an empty
// slice, not an error.
func ReadAll[T any](path string) ([]T, error) {
	var out []T
	err := ForEach(path, func(line []byte) error {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return corerr.Wrapf(corerr.InvalidData, err, "corrupt record in %s", path)
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// ForEach streams raw lines of path to fn in order, stopping early if fn
// returns an error. A missing file is treated as empty.
func ForEach(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.InternalError, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := fn(cp); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	return nil
}

// ForEachFrom streams raw lines starting at the given byte offset,
// returning the new end offset. Used to resume iteration without
// re-scanning the whole file (e.g. window staleness checks).
func ForEachFrom(path string, offset int64, fn func(line []byte) error) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, corerr.Wrap(corerr.InternalError, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return 0, corerr.Wrap(corerr.InternalError, err)
		}
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	pos := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		pos += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := fn(cp); err != nil {
			return pos, err
		}
	}
	if err := scanner.Err(); err != nil {
		return pos, corerr.Wrap(corerr.InternalError, err)
	}
	return pos, nil
}

// Rewrite replaces path's entire contents with the marshaled records,
// via safeio.AtomicWrite so a crash mid-rewrite cannot corrupt the file.
// Used by compaction to rebuild the window and by the partition manager
// to persist its manifest.
func Rewrite[T any](path string, records []T) error {
	var buf []byte
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return corerr.Wrap(corerr.InvalidInput, err)
		}
		buf = append(buf, data...)
		buf = append(buf, '\n')
	}
	return safeio.AtomicWrite(path, buf, 0o644)
}

// Size returns the current byte length of path, or 0 if it does not exist.
func Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, corerr.Wrap(corerr.InternalError, err)
	}
	return info.Size(), nil
}
