// Package transcript implements the authoritative, append-only log of
// conversation entries for one context, including anchor semantics used
// to derive the context window (spec §3.1, §3.2, §4.4).
package transcript

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/partition"
	"github.com/google/uuid"
)

// EntryType enumerates the variants of §3.2.
type EntryType string

const (
	TypeMessage           EntryType = "message"
	TypeToolCall          EntryType = "tool_call"
	TypeToolResult        EntryType = "tool_result"
	TypeFlowControlCall   EntryType = "flow_control_call"
	TypeFlowControlResult EntryType = "flow_control_result"
	TypeContextCreated    EntryType = "context_created"
	TypeCompaction        EntryType = "compaction"
	TypeArchival          EntryType = "archival"
	TypeSystemPromptChg   EntryType = "system_prompt_changed"
)

// IsAnchor reports whether t is one of the three anchor variants.
func (t EntryType) IsAnchor() bool {
	switch t {
	case TypeContextCreated, TypeCompaction, TypeArchival:
		return true
	}
	return false
}

// Entry is the atomic unit of conversation (spec §3.1).
type Entry struct {
	ID         string         `json:"id"`
	Timestamp  int64          `json:"timestamp"`
	From       string         `json:"from"`
	To         string         `json:"to"`
	Content    string         `json:"content"`
	EntryType  EntryType      `json:"entry_type"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// SystemLabel is the reserved "from"/"to" value for system-authored entries.
const SystemLabel = "system"

// NewID generates a fresh entry identifier.
func NewID() string {
	return uuid.NewString()
}

// Log wraps a partition.Manager with entry-shaped reads and writes plus
// anchor tracking.
type Log struct {
	pm *partition.Manager
}

// Open loads (or initializes) the transcript stored at dir.
func Open(dir string, limits partition.Limits) (*Log, error) {
	pm, err := partition.Open(dir, limits)
	if err != nil {
		return nil, err
	}
	return &Log{pm: pm}, nil
}

// Append writes one entry, assigning ID/rotation bookkeeping. The caller
// must hold the context lock (spec §3.7).
func (l *Log) Append(e Entry) error {
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.Timestamp == 0 {
		return corerr.New(corerr.InvalidInput, "entry timestamp is required")
	}
	return l.pm.Append(e, e.Timestamp)
}

// IterateAll streams every entry across all partitions in chronological
// file order.
func (l *Log) IterateAll(fn func(Entry) error) error {
	return l.pm.IterateAll(func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return corerr.Wrap(corerr.InvalidData, err)
		}
		return fn(e)
	})
}

// LastAnchor scans the full transcript and returns the most recent
// anchor entry (context_created, compaction, or archival). Every context
// has at least one: the context_created entry written at creation.
func (l *Log) LastAnchor() (Entry, bool, error) {
	var last Entry
	found := false
	err := l.IterateAll(func(e Entry) error {
		if e.EntryType.IsAnchor() {
			last = e
			found = true
		}
		return nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return last, found, nil
}

// IterateFromAnchor streams every entry from the latest anchor onward
// (inclusive of the anchor), skipping system_prompt_changed entries —
// exactly the source sequence the context window is derived from
// (spec §3.5).
func (l *Log) IterateFromAnchor(fn func(Entry) error) error {
	anchor, found, err := l.LastAnchor()
	if err != nil {
		return err
	}
	if !found {
		return corerr.New(corerr.InvalidData, "transcript has no anchor entry")
	}

	reached := false
	return l.IterateAll(func(e Entry) error {
		if !reached {
			if e.ID == anchor.ID {
				reached = true
			} else {
				return nil
			}
		}
		if e.EntryType == TypeSystemPromptChg {
			return nil
		}
		return fn(e)
	})
}

// Search streams raw matching lines via the underlying partition
// manager's bloom-filtered scan, decoding each into an Entry.
func (l *Log) Search(term string, fn func(Entry) error) error {
	term = strings.TrimSpace(term)
	if term == "" {
		return corerr.New(corerr.InvalidInput, "search term is empty")
	}
	return l.pm.Search(term, func(line []byte) error {
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return corerr.Wrap(corerr.InvalidData, err)
		}
		if !strings.Contains(strings.ToLower(e.Content), strings.ToLower(term)) {
			return nil
		}
		return fn(e)
	})
}

// ValidateToolPairing checks the spec §3.1 invariant that every
// tool_call/flow_control_call has at most one matching result with the
// same tool_call_id. Used by compaction before committing a rewrite and
// by diagnostics.
func ValidateToolPairing(entries []Entry) error {
	calls := map[string]bool{}
	results := map[string]int{}
	for _, e := range entries {
		switch e.EntryType {
		case TypeToolCall, TypeFlowControlCall:
			if e.ToolCallID == "" {
				continue
			}
			calls[e.ToolCallID] = true
		case TypeToolResult, TypeFlowControlResult:
			if e.ToolCallID == "" {
				continue
			}
			results[e.ToolCallID]++
		}
	}
	for id, count := range results {
		if count > 1 {
			return corerr.New(corerr.InvalidData, "tool_call_id "+id+" has multiple results")
		}
		if !calls[id] {
			return corerr.New(corerr.InvalidData, "tool_call_id "+id+" has a result with no call")
		}
	}
	return nil
}
