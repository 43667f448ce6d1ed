// Package statedir manages the per-context directory layout: metadata,
// the editable todo/goal/summary files, the inbox, the per-context
// config override, and the tool-output cache directory (spec §3.6).
package statedir

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/jsonlstore"
	"github.com/anthropics/coreengine/internal/safeio"
)

const (
	TranscriptDirName  = "transcript"
	WindowFileName     = "context.jsonl"
	MetaFileName       = "context_meta.json"
	LocalConfigName    = "local.toml"
	SystemPromptName   = "system_prompt.md"
	TodosFileName      = "todos.md"
	GoalsFileName      = "goals.md"
	SummaryFileName    = "summary.md"
	InboxFileName      = "inbox.jsonl"
	ToolCacheDirName   = "tool_cache"
)

// Meta is context_meta.json: creation/activity bookkeeping and optional
// auto-destroy timers (spec §3.6, §3.8).
type Meta struct {
	CreatedAt                int64  `json:"created_at"`
	LastActivityAt           int64  `json:"last_activity_at"`
	SystemPromptHash         string `json:"system_prompt_hash,omitempty"`
	DestroyAt                int64  `json:"destroy_at,omitempty"`
	DestroyAfterSecondsIdle  int64  `json:"destroy_after_seconds_inactive,omitempty"`
}

// InboxMessage is one pending inter-context message (spec §3.6, §5).
type InboxMessage struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Dir wraps one context's directory on disk.
type Dir struct {
	Path string
}

// Open returns a Dir handle for contextDir, creating the directory (and
// the transcript/tool_cache subdirectories) if absent.
func Open(contextDir string) (*Dir, error) {
	for _, sub := range []string{"", TranscriptDirName, ToolCacheDirName} {
		if err := os.MkdirAll(filepath.Join(contextDir, sub), 0o755); err != nil {
			return nil, corerr.Wrap(corerr.InternalError, err)
		}
	}
	return &Dir{Path: contextDir}, nil
}

func (d *Dir) metaPath() string   { return filepath.Join(d.Path, MetaFileName) }
func (d *Dir) todosPath() string  { return filepath.Join(d.Path, TodosFileName) }
func (d *Dir) goalsPath() string  { return filepath.Join(d.Path, GoalsFileName) }
func (d *Dir) summaryPath() string { return filepath.Join(d.Path, SummaryFileName) }
func (d *Dir) inboxPath() string  { return filepath.Join(d.Path, InboxFileName) }
func (d *Dir) promptPath() string { return filepath.Join(d.Path, SystemPromptName) }
func (d *Dir) localConfigPath() string { return filepath.Join(d.Path, LocalConfigName) }

// ToolCacheDir returns the directory large tool outputs are written to.
func (d *Dir) ToolCacheDir() string { return filepath.Join(d.Path, ToolCacheDirName) }

// LocalConfigPath is the per-context TOML override file, read by the
// config resolver (spec §4.6 layer 5).
func (d *Dir) LocalConfigPath() string { return d.localConfigPath() }

// ReadMeta loads context_meta.json, returning a zero Meta if absent.
func (d *Dir) ReadMeta() (Meta, error) {
	data, err := os.ReadFile(d.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return Meta{}, nil
		}
		return Meta{}, corerr.Wrap(corerr.InternalError, err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, corerr.Wrap(corerr.InvalidData, err)
	}
	return m, nil
}

// WriteMeta atomically persists context_meta.json.
func (d *Dir) WriteMeta(m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return corerr.Wrap(corerr.InvalidInput, err)
	}
	return safeio.AtomicWrite(d.metaPath(), data, 0o644)
}

// Touch updates last_activity_at to now, used on every turn.
func (d *Dir) Touch(now int64) error {
	m, err := d.ReadMeta()
	if err != nil {
		return err
	}
	m.LastActivityAt = now
	return d.WriteMeta(m)
}

// ShouldAutoDestroy reports whether this context's destroy timers have
// elapsed as of now (spec §3.8).
func (d *Dir) ShouldAutoDestroy(now int64) (bool, error) {
	m, err := d.ReadMeta()
	if err != nil {
		return false, err
	}
	if m.DestroyAt > 0 && now >= m.DestroyAt {
		return true, nil
	}
	if m.DestroyAfterSecondsIdle > 0 && m.LastActivityAt > 0 && now >= m.LastActivityAt+m.DestroyAfterSecondsIdle {
		return true, nil
	}
	return false, nil
}

func readTextFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", corerr.Wrap(corerr.InternalError, err)
	}
	return string(data), nil
}

// ReadTodos, ReadGoals, ReadSummary return the current content of each
// editable markdown file, empty string if not yet created.
func (d *Dir) ReadTodos() (string, error)   { return readTextFile(d.todosPath()) }
func (d *Dir) ReadGoals() (string, error)   { return readTextFile(d.goalsPath()) }
func (d *Dir) ReadSummary() (string, error) { return readTextFile(d.summaryPath()) }
func (d *Dir) ReadSystemPrompt() (string, error) { return readTextFile(d.promptPath()) }

// WriteTodos, WriteGoals, WriteSummary atomically replace each file's
// content; built-in tools call these to implement the todo/goal/
// reflection-update operations (spec §4.7).
func (d *Dir) WriteTodos(content string) error {
	return safeio.AtomicWrite(d.todosPath(), []byte(content), 0o644)
}
func (d *Dir) WriteGoals(content string) error {
	return safeio.AtomicWrite(d.goalsPath(), []byte(content), 0o644)
}
func (d *Dir) WriteSummary(content string) error {
	return safeio.AtomicWrite(d.summaryPath(), []byte(content), 0o644)
}
func (d *Dir) WriteSystemPrompt(content string) error {
	return safeio.AtomicWrite(d.promptPath(), []byte(content), 0o644)
}

// DrainInbox reads all pending inbox messages and atomically clears the
// file, implementing the "cleared atomically after being read into the
// prompt" contract of spec §4.9 step 2.
func (d *Dir) DrainInbox() ([]InboxMessage, error) {
	msgs, err := jsonlstore.ReadAll[InboxMessage](d.inboxPath())
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	if err := safeio.AtomicWrite(d.inboxPath(), nil, 0o644); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeliverMessage appends a message to this context's inbox, called by
// the inter-context message send tool targeting this context.
func (d *Dir) DeliverMessage(msg InboxMessage) error {
	return jsonlstore.Append(d.inboxPath(), msg)
}

// Destroy removes the context directory entirely. The caller must hold
// the context lock (or have verified it is unheld) before calling this.
func (d *Dir) Destroy() error {
	if err := os.RemoveAll(d.Path); err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}
	return nil
}
