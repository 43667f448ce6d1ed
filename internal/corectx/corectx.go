// Package corectx manages context lifecycle: creation, lookup, and the
// auto-destroy sweep, wiring together the lock, transcript, window, and
// state-directory packages for a single named context (spec §3.7–3.8).
package corectx

import (
	"os"
	"path/filepath"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/ctxlock"
	"github.com/anthropics/coreengine/internal/obslog"
	"github.com/anthropics/coreengine/internal/partition"
	"github.com/anthropics/coreengine/internal/statedir"
	"github.com/anthropics/coreengine/internal/transcript"
	"github.com/anthropics/coreengine/internal/window"
)

// Store locates all contexts under a single root directory
// (<home>/contexts/<name>).
type Store struct {
	root   string
	limits partition.Limits
}

func NewStore(root string, limits partition.Limits) *Store {
	return &Store{root: root, limits: limits}
}

func (s *Store) contextDir(name string) string {
	return filepath.Join(s.root, "contexts", name)
}

// ContextDir exposes the on-disk path for a named context, for callers
// that need to open its state directory without acquiring its lock
// (e.g. cross-context message delivery).
func (s *Store) ContextDir(name string) string {
	return s.contextDir(name)
}

// PeekWindow returns another context's current window without
// acquiring its lock: a read-only snapshot, not safe to assume
// up-to-the-instant if another process is actively driving it.
func (s *Store) PeekWindow(name string) ([]transcript.Entry, error) {
	dir := s.contextDir(name)
	log, err := transcript.Open(filepath.Join(dir, statedir.TranscriptDirName), s.limits)
	if err != nil {
		return nil, err
	}
	return window.New(dir, log).Load()
}

// Context bundles the live handles for one open context. Callers obtain
// one via Store.Open, which acquires the context lock, and must call
// Close to release it.
type Context struct {
	Name   string
	Dir    *statedir.Dir
	Log    *transcript.Log
	Window *window.Window
	lock   *ctxlock.Lock
}

// List returns the names of all existing contexts.
func (s *Store) List() ([]string, error) {
	base := filepath.Join(s.root, "contexts")
	entries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, corerr.Wrap(corerr.InternalError, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Exists reports whether a context directory already exists.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.contextDir(name))
	return err == nil
}

// Open acquires the context lock and loads the transcript/window/state
// handles, creating the context (and its context_created anchor) on
// first reference (spec §3.8).
func (s *Store) Open(name string, lockOpts ctxlock.Options, now int64) (*Context, error) {
	dir := s.contextDir(name)
	firstReference := !s.Exists(name)

	d, err := statedir.Open(dir)
	if err != nil {
		return nil, err
	}

	lock, err := ctxlock.Acquire(dir, lockOpts)
	if err != nil {
		return nil, err
	}

	log, err := transcript.Open(filepath.Join(dir, statedir.TranscriptDirName), s.limits)
	if err != nil {
		lock.Release()
		return nil, err
	}

	if firstReference {
		if err := log.Append(transcript.Entry{
			EntryType: transcript.TypeContextCreated,
			From:      transcript.SystemLabel,
			To:        transcript.SystemLabel,
			Timestamp: now,
		}); err != nil {
			lock.Release()
			return nil, err
		}
		if err := d.WriteMeta(statedir.Meta{CreatedAt: now, LastActivityAt: now}); err != nil {
			lock.Release()
			return nil, err
		}
	}

	win := window.New(dir, log)

	if err := d.Touch(now); err != nil {
		lock.Release()
		return nil, err
	}

	return &Context{Name: name, Dir: d, Log: log, Window: win, lock: lock}, nil
}

// Close releases the context lock. Idempotent.
func (c *Context) Close() error {
	return c.lock.Release()
}

// SweepAutoDestroy removes every context (other than skipName, the one
// currently in use) whose destroy timers have elapsed. Called on any
// invocation that touches a different context, per spec §3.8.
func (s *Store) SweepAutoDestroy(skipName string, now int64) error {
	names, err := s.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == skipName {
			continue
		}
		dir := s.contextDir(name)
		d, err := statedir.Open(dir)
		if err != nil {
			return err
		}
		should, err := d.ShouldAutoDestroy(now)
		if err != nil {
			return err
		}
		if !should {
			continue
		}

		st, err := ctxlock.Status(dir, ctxlock.Options{})
		if err != nil {
			return err
		}
		if st == ctxlock.StateActive {
			// Another process is using it; do not destroy out from under it.
			continue
		}

		obslog.Default().Info("auto-destroying inactive context", "context", name)
		if err := d.Destroy(); err != nil {
			return err
		}
	}
	return nil
}
