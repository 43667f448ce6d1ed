package compact

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/anthropics/coreengine/internal/api"
	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/ctxlock"
	"github.com/anthropics/coreengine/internal/partition"
	"github.com/anthropics/coreengine/internal/transcript"
)

type fakeClient struct {
	text string
	err  error
}

func (f *fakeClient) CreateMessageStream(context.Context, *api.CreateMessageRequest, api.StreamHandler) (*api.MessageResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &api.MessageResponse{
		StopReason: api.StopReasonEndTurn,
		Content:    []api.ContentBlock{{Type: api.ContentTypeText, Text: f.text}},
	}, nil
}

func newTestContext(t *testing.T) *corectx.Context {
	t.Helper()
	store := corectx.NewStore(t.TempDir(), partition.DefaultLimits())
	c, err := store.Open("t", ctxlock.Options{HeartbeatInterval: time.Second, AcquireTimeout: time.Second}, 1000)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func appendMessage(t *testing.T, c *corectx.Context, from, to, content string, ts int64) {
	t.Helper()
	if err := c.Log.Append(transcript.Entry{
		EntryType: transcript.TypeMessage,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: ts,
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func fixedClock(ts int64) func() int64 { return func() int64 { return ts } }

func TestManualCompactWritesAnchorAndRebuildsWindow(t *testing.T) {
	c := newTestContext(t)
	for i := int64(0); i < 5; i++ {
		appendMessage(t, c, "assistant", "user", "hello", 1000+i)
	}

	client := &fakeClient{text: "a fresh summary"}
	cm := New(client, config.Defaults(), nil, fixedClock(2000))

	if err := cm.ManualCompact(context.Background(), c); err != nil {
		t.Fatalf("ManualCompact: %v", err)
	}

	summary, err := c.Dir.ReadSummary()
	if err != nil {
		t.Fatalf("ReadSummary: %v", err)
	}
	if summary != "a fresh summary" {
		t.Errorf("summary = %q, want %q", summary, "a fresh summary")
	}

	entries, err := c.Window.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryType != transcript.TypeCompaction {
		t.Fatalf("expected window to contain only the compaction anchor, got %d entries", len(entries))
	}
}

func TestManualArchiveWritesAnchorWithoutLLMCall(t *testing.T) {
	c := newTestContext(t)
	appendMessage(t, c, "assistant", "user", "hello", 1000)

	client := &fakeClient{err: context.Canceled}
	cm := New(client, config.Defaults(), nil, fixedClock(2000))

	if err := cm.ManualArchive(c); err != nil {
		t.Fatalf("ManualArchive: %v", err)
	}

	entries, err := c.Window.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(entries) != 1 || entries[0].EntryType != transcript.TypeArchival {
		t.Fatalf("expected window to contain only the archival anchor, got %d entries", len(entries))
	}
}

func TestRollingCompactFallsBackToOldestWhenSelectionUnparsable(t *testing.T) {
	c := newTestContext(t)
	for i := int64(0); i < 10; i++ {
		appendMessage(t, c, "assistant", "user", "entry", 1000+i)
	}

	client := &fakeClient{text: "not json at all"}
	cfg := config.Defaults()
	cfg.RollingCompactDropPercent = 50
	cfg.PreserveRecentEntries = 2
	cm := New(client, cfg, nil, fixedClock(5000))

	before, err := c.Window.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if err := cm.RollingCompact(context.Background(), c); err != nil {
		t.Fatalf("RollingCompact: %v", err)
	}

	after, err := c.Window.Load()
	if err != nil {
		t.Fatalf("Load (post-compaction): %v", err)
	}
	if len(after) >= len(before) {
		t.Fatalf("expected window to shrink, had %d before and %d after", len(before), len(after))
	}
	if after[0].EntryType != transcript.TypeCompaction {
		t.Fatalf("expected first entry to be the compaction anchor, got %s", after[0].EntryType)
	}

	// The last two original entries (preserved) must still be present.
	lastTwo := before[len(before)-2:]
	foundCount := 0
	for _, e := range after {
		for _, want := range lastTwo {
			if e.ID == want.ID {
				foundCount++
			}
		}
	}
	if foundCount != 2 {
		t.Errorf("expected the 2 preserved recent entries to survive compaction, found %d", foundCount)
	}
}

func TestRollingCompactKeepsToolPairsTogether(t *testing.T) {
	c := newTestContext(t)
	appendMessage(t, c, "assistant", "user", "msg", 1000)
	if err := c.Log.Append(transcript.Entry{
		EntryType:  transcript.TypeToolCall,
		From:       "assistant",
		To:         "tool:echo",
		Content:    `{}`,
		ToolCallID: "call-1",
		Metadata:   map[string]any{"tool_name": "echo"},
		Timestamp:  1001,
	}); err != nil {
		t.Fatalf("Append tool_call: %v", err)
	}
	if err := c.Log.Append(transcript.Entry{
		EntryType:  transcript.TypeToolResult,
		From:       "tool:echo",
		To:         "assistant",
		Content:    "ok",
		ToolCallID: "call-1",
		Metadata:   map[string]any{"tool_name": "echo", "is_error": false},
		Timestamp:  1002,
	}); err != nil {
		t.Fatalf("Append tool_result: %v", err)
	}
	for i := int64(0); i < 5; i++ {
		appendMessage(t, c, "assistant", "user", "filler", 1003+i)
	}

	entries, err := c.Window.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	var toolCallID string
	for _, e := range entries {
		if e.EntryType == transcript.TypeToolCall {
			toolCallID = e.ID
		}
	}

	// Select only the tool_call for archiving; closeToolPairs should pull
	// the paired tool_result along with it.
	selected := closeToolPairs(entries, []string{toolCallID})
	var archivedResult bool
	for _, e := range entries {
		if e.EntryType == transcript.TypeToolResult && selected[e.ID] {
			archivedResult = true
		}
	}
	if !archivedResult {
		t.Error("expected the paired tool_result to be pulled into the archive set")
	}
}

func TestShouldRollingCompactRespectsThreshold(t *testing.T) {
	cfg := config.Defaults()
	cfg.AutoCompact = true
	cfg.ContextWindowLimit = 100
	cfg.AutoCompactThresholdPct = 50
	cfg.BytesPerToken = 1

	cm := New(&fakeClient{}, cfg, nil, fixedClock(0))

	small := []transcript.Entry{{Content: strings.Repeat("x", 10)}}
	if cm.ShouldRollingCompact(small) {
		t.Error("small window should not trigger rolling compaction")
	}

	big := []transcript.Entry{{Content: strings.Repeat("x", 80)}}
	if !cm.ShouldRollingCompact(big) {
		t.Error("big window should trigger rolling compaction")
	}
}
