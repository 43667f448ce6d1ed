// Package partition manages a context's rotating set of append-only
// transcript files: the single active partition, the read-only archived
// partitions, and the manifest that names them (spec §3.3, §3.4, §4.3).
package partition

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/anthropics/coreengine/internal/bloom"
	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/jsonlstore"
	"github.com/anthropics/coreengine/internal/safeio"
)

// schemaVersion is recorded in the manifest so readers reject
// incompatible bloom-sidecar formats written by a future version.
const schemaVersion = 1

// Limits controls when the active partition rotates.
type Limits struct {
	MaxEntries     int
	MaxTokens      int
	MaxAgeSeconds  int64
	BytesPerToken  int
	BloomEnabled   bool
	BloomTargetFPR float64
}

// DefaultLimits mirrors the spec's built-in defaults (§4.6 item 1).
func DefaultLimits() Limits {
	return Limits{
		MaxEntries:     1000,
		MaxTokens:      100000,
		MaxAgeSeconds:  30 * 24 * 3600,
		BytesPerToken:  3,
		BloomEnabled:   true,
		BloomTargetFPR: 0.01,
	}
}

// Info describes one partition file, active or archived.
type Info struct {
	Path           string `json:"path"`
	FirstTimestamp int64  `json:"first_timestamp"`
	LastTimestamp  int64  `json:"last_timestamp"`
	EntryCount     int    `json:"entry_count"`
	EstTokens      int    `json:"est_tokens"`
	BloomPath      string `json:"bloom_path,omitempty"`
}

// manifest is the on-disk directory of truth, one JSON object per file.
type manifest struct {
	SchemaVersion int    `json:"schema_version"`
	Active        Info   `json:"active"`
	Archived      []Info `json:"archived"`
}

// Manager owns one context's transcript directory. Writers must hold
// the context lock; readers may use it concurrently without the lock
// (spec §3.7).
type Manager struct {
	dir    string // <context>/transcript
	limits Limits

	mu   sync.Mutex
	man  manifest
	bf   *bloom.Filter // in-memory bloom for the active partition
	load bool
}

func manifestPath(dir string) string { return filepath.Join(dir, "manifest.json") }

// Open loads (or initializes) the manifest for a transcript directory.
func Open(dir string, limits Limits) (*Manager, error) {
	m := &Manager{dir: dir, limits: limits}
	data, err := jsonlstore.ReadAll[manifest](manifestPath(dir))
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		m.man = manifest{
			SchemaVersion: schemaVersion,
			Active:        Info{Path: filepath.Join(dir, "active.jsonl")},
		}
		if err := m.saveManifest(); err != nil {
			return nil, err
		}
	} else {
		m.man = data[len(data)-1]
		if m.man.SchemaVersion != schemaVersion {
			return nil, corerr.New(corerr.InvalidData, "transcript manifest schema version mismatch")
		}
	}

	// Repair a possibly-truncated active partition (crash mid-append
	// leaves a final line with no trailing newline) by dropping it back
	// to the last complete JSON line (spec §4.3).
	if err := safeio.TruncateToLastCompleteLine(m.man.Active.Path); err != nil {
		return nil, err
	}

	// A missing archived partition invalidates only its own manifest
	// entry, not the whole manifest (spec §4.3): drop entries whose file
	// no longer exists on disk and persist the correction.
	if kept, dropped := dropMissingArchived(m.man.Archived); dropped {
		m.man.Archived = kept
		if err := m.saveManifest(); err != nil {
			return nil, err
		}
	}

	if limits.BloomEnabled {
		m.bf = bloom.New(limits.MaxEntries, limits.BloomTargetFPR)
		// Rebuild the in-memory active-partition bloom from existing
		// content so mid-life restarts keep search accuracy.
		err := jsonlstore.ForEach(m.man.Active.Path, func(line []byte) error {
			var e map[string]any
			if err := json.Unmarshal(line, &e); err != nil {
				return nil
			}
			if content, ok := e["content"].(string); ok {
				for _, w := range strings.Fields(content) {
					m.bf.Add(strings.ToLower(w))
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// dropMissingArchived filters out archived entries whose file is no
// longer present on disk, reporting whether any were dropped.
func dropMissingArchived(archived []Info) ([]Info, bool) {
	kept := make([]Info, 0, len(archived))
	dropped := false
	for _, info := range archived {
		if _, err := os.Stat(info.Path); err != nil {
			dropped = true
			continue
		}
		kept = append(kept, info)
	}
	return kept, dropped
}

func (m *Manager) saveManifest() error {
	return jsonlstore.Rewrite(manifestPath(m.dir), []manifest{m.man})
}

// Append writes one marshaled entry to the active partition, rotating
// first if any threshold is met (spec §4.3).
func (m *Manager) Append(entry any, timestamp int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return corerr.Wrap(corerr.InvalidInput, err)
	}
	estTokens := estimateTokens(len(data), m.limits.BytesPerToken)

	if m.shouldRotate(timestamp, estTokens) {
		if err := m.rotate(); err != nil {
			return err
		}
	}

	if err := jsonlstore.Append(m.man.Active.Path, entry); err != nil {
		return err
	}

	if m.man.Active.EntryCount == 0 || timestamp < m.man.Active.FirstTimestamp {
		m.man.Active.FirstTimestamp = timestamp
	}
	if timestamp > m.man.Active.LastTimestamp {
		m.man.Active.LastTimestamp = timestamp
	}
	m.man.Active.EntryCount++
	m.man.Active.EstTokens += estTokens

	if m.bf != nil {
		var e map[string]any
		if json.Unmarshal(data, &e) == nil {
			if content, ok := e["content"].(string); ok {
				for _, w := range strings.Fields(content) {
					m.bf.Add(strings.ToLower(w))
				}
			}
		}
	}

	return m.saveManifest()
}

func (m *Manager) shouldRotate(timestamp int64, incomingTokens int) bool {
	a := m.man.Active
	if a.EntryCount == 0 {
		return false
	}
	if m.limits.MaxEntries > 0 && a.EntryCount+1 > m.limits.MaxEntries {
		return true
	}
	if m.limits.MaxTokens > 0 && a.EstTokens+incomingTokens > m.limits.MaxTokens {
		return true
	}
	if m.limits.MaxAgeSeconds > 0 && a.FirstTimestamp > 0 && timestamp-a.FirstTimestamp >= m.limits.MaxAgeSeconds {
		return true
	}
	return false
}

// rotate finalizes the active partition into the archived set and opens
// a fresh active file. Caller must hold m.mu.
func (m *Manager) rotate() error {
	old := m.man.Active
	finalName := fmt.Sprintf("partition-%d-%d.jsonl", old.FirstTimestamp, old.LastTimestamp)
	finalPath := filepath.Join(m.dir, finalName)

	if err := safeio.CopyFile(old.Path, finalPath); err != nil {
		return err
	}

	if m.bf != nil {
		bloomPath := finalPath + ".bloom"
		if err := safeio.AtomicWrite(bloomPath, m.bf.Marshal(), 0o644); err != nil {
			return err
		}
		old.BloomPath = bloomPath
	}
	old.Path = finalPath

	m.man.Archived = append(m.man.Archived, old)
	m.man.Active = Info{Path: filepath.Join(m.dir, "active.jsonl")}
	if err := safeio.AtomicWrite(m.man.Active.Path, nil, 0o644); err != nil {
		return err
	}

	if m.limits.BloomEnabled {
		m.bf = bloom.New(m.limits.MaxEntries, m.limits.BloomTargetFPR)
	}

	return nil
}

// All returns partition infos in chronological order: archived then active.
func (m *Manager) All() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.man.Archived)+1)
	out = append(out, m.man.Archived...)
	out = append(out, m.man.Active)
	sort.SliceStable(out, func(i, j int) bool { return out[i].FirstTimestamp < out[j].FirstTimestamp })
	return out
}

// Search streams every line from partitions whose bloom filter does not
// exclude term (or from all partitions if a sidecar is missing/disabled),
// invoking fn on each raw line.
func (m *Manager) Search(term string, fn func(line []byte) error) error {
	term = strings.ToLower(term)
	for _, info := range m.All() {
		if info.BloomPath != "" {
			data, err := os.ReadFile(info.BloomPath)
			if err == nil {
				if f, err := bloom.Unmarshal(data); err == nil && !f.MightContain(term) {
					continue
				}
			}
		}
		if err := jsonlstore.ForEach(info.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

// IterateAll streams every entry line across all partitions in order.
func (m *Manager) IterateAll(fn func(line []byte) error) error {
	for _, info := range m.All() {
		if err := jsonlstore.ForEach(info.Path, fn); err != nil {
			return err
		}
	}
	return nil
}

func estimateTokens(byteLen, bytesPerToken int) int {
	if bytesPerToken <= 0 {
		bytesPerToken = 3
	}
	return (byteLen + bytesPerToken - 1) / bytesPerToken
}
