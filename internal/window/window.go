// Package window derives and maintains the context window: a bounded
// JSONL projection of the transcript used as direct LLM input
// (spec §3.5, §4.5).
package window

import (
	"os"
	"path/filepath"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/jsonlstore"
	"github.com/anthropics/coreengine/internal/transcript"
)

const fileName = "context.jsonl"
const dirtyMarker = ".dirty"

// Window manages the derived projection for one context directory.
type Window struct {
	contextDir string
	log        *transcript.Log
}

func New(contextDir string, log *transcript.Log) *Window {
	return &Window{contextDir: contextDir, log: log}
}

func (w *Window) path() string   { return filepath.Join(w.contextDir, fileName) }
func (w *Window) marker() string { return filepath.Join(w.contextDir, dirtyMarker) }

// MarkDirty drops a marker file forcing the next Load to rebuild,
// independent of the other two staleness signals (spec §4.5).
func (w *Window) MarkDirty() error {
	f, err := os.OpenFile(w.marker(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	return f.Close()
}

func (w *Window) isDirtyMarked() bool {
	_, err := os.Stat(w.marker())
	return err == nil
}

func (w *Window) clearDirtyMark() error {
	err := os.Remove(w.marker())
	if err != nil && !os.IsNotExist(err) {
		return corerr.Wrap(corerr.InternalError, err)
	}
	return nil
}

// stale reports whether the on-disk window needs rebuilding: the dirty
// marker is present, the window is empty, its first entry no longer
// matches the transcript's latest anchor, or the transcript has grown
// non-system-prompt entries past what the window recorded.
func (w *Window) stale() (bool, error) {
	if w.isDirtyMarked() {
		return true, nil
	}

	existing, err := jsonlstore.ReadAll[transcript.Entry](w.path())
	if err != nil {
		return false, err
	}
	if len(existing) == 0 {
		return true, nil
	}

	anchor, found, err := w.log.LastAnchor()
	if err != nil {
		return false, err
	}
	if !found || existing[0].ID != anchor.ID {
		return true, nil
	}

	if frozen, _ := anchor.Metadata["window_frozen"].(bool); frozen {
		// This anchor's window was hand-assembled by ReplaceWithAnchor
		// with entries that chronologically precede the anchor in the
		// transcript (rolling compaction's retained-but-not-archived
		// entries, spec §4.10). IterateFromAnchor can never reproduce
		// those, so skip the replay check below and trust the file.
		return false, nil
	}

	var rebuilt []transcript.Entry
	if err := w.log.IterateFromAnchor(func(e transcript.Entry) error {
		rebuilt = append(rebuilt, e)
		return nil
	}); err != nil {
		return false, err
	}
	if len(rebuilt) != len(existing) {
		return true, nil
	}
	if len(rebuilt) > 0 && rebuilt[len(rebuilt)-1].ID != existing[len(existing)-1].ID {
		return true, nil
	}
	return false, nil
}

// Load returns the current window contents, rebuilding lazily when stale.
func (w *Window) Load() ([]transcript.Entry, error) {
	stale, err := w.stale()
	if err != nil {
		return nil, err
	}
	if stale {
		if err := w.rebuild(); err != nil {
			return nil, err
		}
	}
	return jsonlstore.ReadAll[transcript.Entry](w.path())
}

// rebuild recomputes the window from the transcript's latest anchor.
func (w *Window) rebuild() error {
	var entries []transcript.Entry
	if err := w.log.IterateFromAnchor(func(e transcript.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return err
	}
	if err := jsonlstore.Rewrite(w.path(), entries); err != nil {
		return err
	}
	return w.clearDirtyMark()
}

// Rebuild forces an unconditional rebuild, used after manual or archival
// compaction writes a new anchor to the transcript: the new window is
// simply that anchor plus anything appended since (spec §4.10).
func (w *Window) Rebuild() error {
	return w.rebuild()
}

// ReplaceWithAnchor installs a hand-assembled window: anchor (which the
// caller must already have appended to the transcript, with
// Metadata["window_frozen"] set to true) followed by retain, in order.
// Used by rolling compaction, whose retained entries chronologically
// precede the anchor in the transcript and so can never be reproduced by
// replaying forward from it (spec §4.10, "removed from the window only,
// the transcript is never touched").
func (w *Window) ReplaceWithAnchor(anchor transcript.Entry, retain []transcript.Entry) error {
	entries := make([]transcript.Entry, 0, len(retain)+1)
	entries = append(entries, anchor)
	entries = append(entries, retain...)
	if err := jsonlstore.Rewrite(w.path(), entries); err != nil {
		return err
	}
	return w.clearDirtyMark()
}
