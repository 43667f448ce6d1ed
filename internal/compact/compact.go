// Package compact implements the three compaction modes that bound a
// context window's size: manual full compaction, manual archival, and
// threshold-triggered rolling compaction (spec §4.10).
//
// Grounded on the teacher's internal/conversation/compaction.go: the
// same "ask the model for a summary, use a no-op stream handler, splice
// the result in place of the summarized range" shape, generalized from
// the teacher's in-memory History/ReplaceRange to the append-only
// transcript/window pair — an anchor entry replaces ReplaceRange, and
// rolling compaction's archive-selection step has no teacher
// counterpart (the teacher only ever drops a fixed prefix).
package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/coreengine/internal/api"
	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/obslog"
	"github.com/anthropics/coreengine/internal/obsmetrics"
	"github.com/anthropics/coreengine/internal/transcript"
)

// MessageClient is the narrow LLM surface compaction needs — the same
// seam internal/agentloop uses, so tests can supply a fake without a
// real HTTP server.
type MessageClient interface {
	CreateMessageStream(ctx context.Context, req *api.CreateMessageRequest, handler api.StreamHandler) (*api.MessageResponse, error)
}

// Compactor drives all three compaction modes for contexts opened
// through corectx.
type Compactor struct {
	client  MessageClient
	cfg     config.Config
	metrics *obsmetrics.Metrics
	now     func() int64
}

func New(client MessageClient, cfg config.Config, metrics *obsmetrics.Metrics, now func() int64) *Compactor {
	return &Compactor{client: client, cfg: cfg, metrics: metrics, now: now}
}

// discardSink swallows streaming events; compaction only needs the
// assembled final response.
type discardSink struct{}

func (discardSink) OnMessageStart(api.MessageResponse)              {}
func (discardSink) OnContentBlockStart(int, api.ContentBlock)       {}
func (discardSink) OnTextDelta(int, string)                         {}
func (discardSink) OnThinkingDelta(int, string)                     {}
func (discardSink) OnSignatureDelta(int, string)                    {}
func (discardSink) OnInputJSONDelta(int, string)                    {}
func (discardSink) OnContentBlockStop(int)                          {}
func (discardSink) OnMessageDelta(api.MessageDeltaBody, *api.Usage) {}
func (discardSink) OnMessageStop()                                  {}
func (discardSink) OnError(error)                                   {}

const compactionSystemPrompt = `You are a conversation summarizer. Produce a concise summary that ` +
	`preserves all important context: decisions made, files read or modified, commands run and their ` +
	`results, and the current state of any ongoing task. The summary must let the conversation continue ` +
	`without loss of critical information.`

// ShouldRollingCompact reports whether the window's estimated token
// count has crossed auto_compact_threshold_percent of the effective
// context window limit (spec §4.10, "Rolling compaction").
func (c *Compactor) ShouldRollingCompact(entries []transcript.Entry) bool {
	if !c.cfg.AutoCompact {
		return false
	}
	estimated := estimateTokens(entries, c.cfg.BytesPerToken)
	threshold := c.cfg.ContextWindowLimit * c.cfg.AutoCompactThresholdPct / 100
	return estimated >= threshold
}

func estimateTokens(entries []transcript.Entry, bytesPerToken int) int {
	if bytesPerToken <= 0 {
		bytesPerToken = 3
	}
	total := 0
	for _, e := range entries {
		total += len(e.Content)
	}
	return (total + bytesPerToken - 1) / bytesPerToken
}

// ManualCompact reads everything since the latest anchor, asks the
// model to integrate the existing summary with that range into a fresh
// one, writes a compaction anchor carrying it, replaces the working
// summary file, and rebuilds the window to just that anchor (spec
// §4.10, "Manual full compaction").
func (c *Compactor) ManualCompact(ctx context.Context, cc *corectx.Context) error {
	entries, err := cc.Window.Load()
	if err != nil {
		return err
	}

	existingSummary, err := cc.Dir.ReadSummary()
	if err != nil {
		return err
	}

	summary, err := c.summarize(ctx, existingSummary, entries)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}

	anchor := transcript.Entry{
		EntryType: transcript.TypeCompaction,
		From:      transcript.SystemLabel,
		To:        transcript.SystemLabel,
		Content:   "manual compaction",
		Metadata:  map[string]any{"summary": summary, "mode": "manual"},
		Timestamp: c.now(),
	}
	if err := cc.Log.Append(anchor); err != nil {
		return err
	}
	if err := cc.Dir.WriteSummary(summary); err != nil {
		return err
	}
	if err := cc.Window.Rebuild(); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordCompaction("manual", len(entries))
	}
	return nil
}

// ManualArchive writes an archival anchor with no LLM call and rebuilds
// the window (spec §4.10, "Manual archival").
func (c *Compactor) ManualArchive(cc *corectx.Context) error {
	entries, err := cc.Window.Load()
	if err != nil {
		return err
	}

	anchor := transcript.Entry{
		EntryType: transcript.TypeArchival,
		From:      transcript.SystemLabel,
		To:        transcript.SystemLabel,
		Content:   "manual archival",
		Timestamp: c.now(),
	}
	if err := cc.Log.Append(anchor); err != nil {
		return err
	}
	if err := cc.Window.Rebuild(); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordCompaction("archival", len(entries))
	}
	return nil
}

// RollingCompact asks the model which entries to archive (guided by
// goals/todos), removes the selected entries — and their paired
// tool_call/tool_result partners — from the window only, merges their
// summarized text into the working summary, and writes a compaction
// anchor. Falls back to archiving the oldest N% when the model's
// selection does not parse (spec §4.10, "Rolling compaction").
func (c *Compactor) RollingCompact(ctx context.Context, cc *corectx.Context) error {
	entries, err := cc.Window.Load()
	if err != nil {
		return err
	}

	preserve := c.cfg.PreserveRecentEntries
	if preserve < 0 {
		preserve = 0
	}
	if preserve >= len(entries) {
		return nil // nothing eligible to archive
	}
	candidates := entries[:len(entries)-preserve]
	protected := entries[len(entries)-preserve:]

	goals, err := cc.Dir.ReadGoals()
	if err != nil {
		return err
	}
	todos, err := cc.Dir.ReadTodos()
	if err != nil {
		return err
	}

	archiveIDs, err := c.selectArchiveIDs(ctx, candidates, goals, todos)
	if err != nil {
		obslog.Default().Warn("rolling compaction selection failed, falling back to oldest-N%", "err", err)
		archiveIDs = oldestFraction(candidates, c.cfg.RollingCompactDropPercent)
	}

	archiveSet := closeToolPairs(candidates, archiveIDs)
	if len(archiveSet) == 0 {
		return nil
	}

	var archived, retained []transcript.Entry
	for _, e := range candidates {
		if archiveSet[e.ID] {
			archived = append(archived, e)
		} else {
			retained = append(retained, e)
		}
	}
	retained = append(retained, protected...)

	if err := transcript.ValidateToolPairing(retained); err != nil {
		return corerr.Wrap(corerr.InvalidData, err)
	}

	existingSummary, err := cc.Dir.ReadSummary()
	if err != nil {
		return err
	}
	summary, err := c.summarize(ctx, existingSummary, archived)
	if err != nil {
		return corerr.Wrap(corerr.InternalError, err)
	}

	anchor := transcript.Entry{
		EntryType: transcript.TypeCompaction,
		From:      transcript.SystemLabel,
		To:        transcript.SystemLabel,
		Content:   "rolling compaction",
		Metadata:  map[string]any{"summary": summary, "mode": "rolling", "window_frozen": true},
		Timestamp: c.now(),
	}
	if err := cc.Log.Append(anchor); err != nil {
		return err
	}
	if err := cc.Dir.WriteSummary(summary); err != nil {
		return err
	}
	if err := cc.Window.ReplaceWithAnchor(anchor, retained); err != nil {
		return err
	}

	if c.metrics != nil {
		c.metrics.RecordCompaction("rolling", len(archived))
	}
	return nil
}

// selectArchiveIDs asks the model for a JSON array of entry IDs to
// archive, approximately rolling_compact_drop_percentage% of entries,
// guided by goals and todos.
func (c *Compactor) selectArchiveIDs(ctx context.Context, entries []transcript.Entry, goals, todos string) ([]string, error) {
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Select approximately %d%% of the entries below to archive — prefer older, ", c.cfg.RollingCompactDropPercent)
	prompt.WriteString("less relevant entries over ones that bear on current goals or todos.\n\n")
	if goals != "" {
		prompt.WriteString("Goals:\n" + goals + "\n\n")
	}
	if todos != "" {
		prompt.WriteString("Todos:\n" + todos + "\n\n")
	}
	prompt.WriteString("Entries (id: content):\n")
	for _, e := range entries {
		fmt.Fprintf(&prompt, "%s: %s\n", e.ID, truncate(e.Content, 200))
	}
	prompt.WriteString("\nRespond with a JSON array of the IDs to archive, e.g. [\"id_3\",\"id_4\"], and nothing else.")

	req := &api.CreateMessageRequest{
		Messages: []api.Message{api.NewTextMessage(api.RoleUser, prompt.String())},
		System: []api.SystemBlock{{
			Type: "text",
			Text: "You select which conversation entries to archive during rolling context compaction.",
		}},
	}

	resp, err := c.client.CreateMessageStream(ctx, req, discardSink{})
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, corerr.New(corerr.InternalError, "empty selection response")
	}

	text := extractText(resp.Content)
	var ids []string
	if err := json.Unmarshal([]byte(extractJSONArray(text)), &ids); err != nil {
		return nil, corerr.Wrap(corerr.InvalidData, err)
	}
	if len(ids) == 0 {
		return nil, corerr.New(corerr.InvalidData, "selection contained no archive ids")
	}
	return ids, nil
}

// oldestFraction returns the IDs of the oldest pct% of entries, used
// when the model's selection fails to parse (spec §4.10).
func oldestFraction(entries []transcript.Entry, pct int) []string {
	if pct <= 0 || len(entries) == 0 {
		return nil
	}
	if pct > 100 {
		pct = 100
	}
	n := len(entries) * pct / 100
	if n == 0 {
		n = 1
	}
	ids := make([]string, 0, n)
	for i := 0; i < n && i < len(entries); i++ {
		ids = append(ids, entries[i].ID)
	}
	return ids
}

// closeToolPairs expands a candidate archive-ID set so that a
// tool_call/tool_result pair is always archived together, never split
// (spec §4.10 invariant).
func closeToolPairs(entries []transcript.Entry, ids []string) map[string]bool {
	selected := make(map[string]bool, len(ids))
	for _, id := range ids {
		selected[id] = true
	}

	byCallID := make(map[string][]transcript.Entry)
	for _, e := range entries {
		if e.ToolCallID != "" {
			byCallID[e.ToolCallID] = append(byCallID[e.ToolCallID], e)
		}
	}

	changed := true
	for changed {
		changed = false
		for _, e := range entries {
			if e.ToolCallID == "" || !selected[e.ID] {
				continue
			}
			for _, sibling := range byCallID[e.ToolCallID] {
				if !selected[sibling.ID] {
					selected[sibling.ID] = true
					changed = true
				}
			}
		}
	}
	return selected
}

func (c *Compactor) summarize(ctx context.Context, existingSummary string, entries []transcript.Entry) (string, error) {
	var body strings.Builder
	if existingSummary != "" {
		body.WriteString("Existing summary:\n")
		body.WriteString(existingSummary)
		body.WriteString("\n\n")
	}
	body.WriteString("New entries to integrate:\n")
	for _, e := range entries {
		fmt.Fprintf(&body, "[%s] %s -> %s: %s\n", e.EntryType, e.From, e.To, e.Content)
	}
	body.WriteString("\nProduce one fresh summary integrating the existing summary (if any) with the new entries above.")

	req := &api.CreateMessageRequest{
		Messages: []api.Message{api.NewTextMessage(api.RoleUser, body.String())},
		System:   []api.SystemBlock{{Type: "text", Text: compactionSystemPrompt}},
	}

	resp, err := c.client.CreateMessageStream(ctx, req, discardSink{})
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return "", fmt.Errorf("empty summarization response")
	}

	summary := extractText(resp.Content)
	if summary == "" {
		return "", fmt.Errorf("no text in summarization response")
	}
	return summary, nil
}

func extractText(blocks []api.ContentBlock) string {
	var buf strings.Builder
	for _, b := range blocks {
		if b.Type == api.ContentTypeText {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

// extractJSONArray returns the substring from the first '[' to the
// last ']', tolerating a model response that wraps its JSON in prose or
// a code fence (spec §4.10, §8 scenario 3).
func extractJSONArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
