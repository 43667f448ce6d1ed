// Package agentloop implements the agentic driver: the turn/round loop
// that streams model output, dispatches tool calls through the hook
// pipeline, applies fuel accounting, and resumes until the model (or
// fuel exhaustion) yields control back to the caller (spec §4.9).
//
// Grounded on the teacher's internal/conversation/loop.go: the same
// "build request, stream, inspect stop_reason, execute tools, loop"
// shape, generalized from the teacher's in-memory History and fixed
// hook set to the append-only transcript/window pair and the full
// hookpipeline point table, and extended with fuel accounting,
// tool-output caching, and the flow-control terminal tools this spec
// adds in place of the teacher's implicit "no more tool_use" ending.
package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anthropics/coreengine/internal/api"
	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/hookpipeline"
	"github.com/anthropics/coreengine/internal/obslog"
	"github.com/anthropics/coreengine/internal/obsmetrics"
	"github.com/anthropics/coreengine/internal/tools"
	"github.com/anthropics/coreengine/internal/transcript"
)

// MessageClient is the narrow surface of api.Client the driver needs —
// the external LLM boundary, an abstract collaborator per spec §1.
// *api.Client satisfies this directly; tests supply a fake.
type MessageClient interface {
	CreateMessageStream(ctx context.Context, req *api.CreateMessageRequest, handler api.StreamHandler) (*api.MessageResponse, error)
}

// Engine drives turns for a single open context. One Engine can be
// reused across many contexts and turns; it holds no per-turn state.
type Engine struct {
	client   MessageClient
	registry *tools.Registry
	hooks    *hookpipeline.Runner
	metrics  *obsmetrics.Metrics
	cfg      config.Config
	clock    func() time.Time
}

// New creates an Engine. hooks and metrics may be nil (no hook
// pipeline, no metrics recording).
func New(client MessageClient, registry *tools.Registry, hooks *hookpipeline.Runner, metrics *obsmetrics.Metrics, cfg config.Config) *Engine {
	return &Engine{client: client, registry: registry, hooks: hooks, metrics: metrics, cfg: cfg, clock: time.Now}
}

// WithClock overrides the engine's time source, for deterministic tests.
func (e *Engine) WithClock(fn func() time.Time) *Engine {
	e.clock = fn
	return e
}

func (e *Engine) now() int64 { return e.clock().Unix() }

// RunTurn sends userMessage (if non-empty — a resumed turn after a
// cancellation may have none) and drives rounds until a flow-control
// tool ends the turn, the model stops requesting tools, or fuel is
// exhausted (spec §4.9 round algorithm, step 1-8).
func (e *Engine) RunTurn(ctx context.Context, c *corectx.Context, userMessage string, sink api.StreamHandler) error {
	if userMessage != "" {
		if err := e.appendMessage(c, "user", "assistant", userMessage); err != nil {
			return err
		}
	}

	fuel := e.cfg.Fuel
	firstRound := true

	for {
		entries, err := c.Window.Load()
		if err != nil {
			return err
		}

		systemPrompt, err := e.buildSystemPrompt(ctx, c)
		if err != nil {
			return err
		}

		toolNames := e.registry.Names(hookpipeline.ToolFilter{})
		if e.hooks != nil {
			filter := e.hooks.PreAPITools(ctx, toolNames)
			toolNames = e.registry.Names(hookpipeline.ToolFilter{
				Include:           filter.Include,
				Exclude:           filter.Exclude,
				ExcludeCategories: filter.ExcludeCategories,
			})
		}

		req := &api.CreateMessageRequest{
			Messages: buildMessages(entries),
			System:   []api.SystemBlock{{Type: "text", Text: systemPrompt}},
			Tools:    e.registry.Definitions(toolNames),
		}
		if e.hooks != nil {
			req = applyRequestFieldMerge(e.hooks, ctx, req)
		}

		resp, err := e.client.CreateMessageStream(ctx, req, sink)
		if err != nil {
			// Transport error: reported to the sink already by the
			// client; no entries are synthesized for a failed round
			// (spec §7, "Transport errors").
			return corerr.Wrap(corerr.InternalError, err)
		}
		if resp == nil {
			return corerr.New(corerr.InternalError, "no response received")
		}

		text := extractText(resp.Content)
		calls := extractToolCalls(resp.Content)
		empty := text == "" && len(calls) == 0

		if text != "" {
			if err := e.appendMessage(c, "assistant", "user", text); err != nil {
				return err
			}
		}

		terminal, err := e.runRound(ctx, c, calls, toolNames)
		if err != nil {
			return err
		}

		cost := 1
		reason := "tool_call"
		if empty {
			cost = e.cfg.FuelEmptyResponseCost
			reason = "empty_response"
		}
		if firstRound {
			cost = 0
		}
		firstRound = false

		if e.cfg.Fuel != 0 {
			fuel -= cost
		}
		if e.metrics != nil {
			outcome := "tool_calls"
			if len(calls) == 0 {
				outcome = "final_response"
			}
			if terminal == flowReturnToUser {
				outcome = "final_response"
			}
			e.metrics.RecordRound(outcome, cost, reason)
			e.metrics.FuelRemaining.Set(float64(fuel))
		}

		switch {
		case terminal == flowReturnToUser:
			return nil
		case terminal == flowContinue:
			// another round, regardless of whether ordinary tools ran
		case len(calls) > 0:
			// ordinary tools ran and the model did not yield explicitly
		case empty:
			// no text, no tool calls: loop again rather than ending the
			// turn, so fuel_empty_response_cost can actually bound how
			// many consecutive empty replies are tolerated (spec §4.9,
			// §8 P8) instead of the first one ending the turn outright
		default:
			// model produced a final text response with no tool calls
			return nil
		}

		if e.cfg.Fuel != 0 && fuel <= 0 {
			if err := e.appendFlowControlTerminal(c, "fuel_exhausted"); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.RecordRound("fuel_exhausted", 0, reason)
			}
			return nil
		}
	}
}

type flowOutcome int

const (
	flowNone flowOutcome = iota
	flowContinue
	flowReturnToUser
)

// runRound executes every tool call from one model response, in
// parallel when configured and independence is assumed, then appends
// tool_call/tool_result (or flow_control_call/flow_control_result)
// entries in the model's original order regardless of execution order
// (spec §4.9 step 6, "Ordering guarantees").
func (e *Engine) runRound(ctx context.Context, c *corectx.Context, calls []api.ContentBlock, toolNames []string) (flowOutcome, error) {
	if len(calls) == 0 {
		return flowNone, nil
	}

	advertised := make(map[string]bool, len(toolNames))
	for _, n := range toolNames {
		advertised[n] = true
	}

	results := make([]toolCallResult, len(calls))
	if e.cfg.ParallelToolCalls && len(calls) > 1 {
		g, gctx := errgroup.WithContext(ctx)
		for i, call := range calls {
			i, call := i, call
			g.Go(func() error {
				results[i] = e.executeOne(gctx, c, call, advertised)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, call := range calls {
			results[i] = e.executeOne(ctx, c, call, advertised)
		}
	}

	terminal := flowNone
	for i, call := range calls {
		r := results[i]
		isErr := r.execErr != nil
		output := r.output
		if isErr && output == "" {
			output = r.execErr.Error()
		}

		if err := e.appendToolCall(c, call.ID, call.Name, call.Input, r.isFlow); err != nil {
			return flowNone, err
		}
		if err := e.appendToolResult(c, call.ID, call.Name, output, isErr, r.isFlow); err != nil {
			return flowNone, err
		}

		if r.isFlow && !isErr {
			switch r.flowKind {
			case tools.FlowControlReturnToUser:
				terminal = flowReturnToUser
			case tools.FlowControlContinue:
				if terminal == flowNone {
					terminal = flowContinue
				}
			}
		}
	}
	return terminal, nil
}

type toolCallResult struct {
	output   string
	execErr  error
	isFlow   bool
	flowKind tools.FlowControlKind
}

func (e *Engine) executeOne(ctx context.Context, c *corectx.Context, call api.ContentBlock, advertised map[string]bool) toolCallResult {
	if !e.registry.HasTool(call.Name) {
		msg := fmt.Sprintf("tool %q is not available", call.Name)
		return toolCallResult{execErr: corerr.New(corerr.InvalidInput, msg), output: msg}
	}
	if !advertised[call.Name] {
		// The model called a tool that this round's pre_api_tools filter
		// excluded from the request (it may have been advertised in a
		// prior round); refuse rather than execute against a stale view
		// (spec §E.1).
		msg := fmt.Sprintf("tool %q is not available this round", call.Name)
		return toolCallResult{execErr: corerr.New(corerr.InvalidInput, msg), output: msg}
	}

	isFlow := false
	var flowKind tools.FlowControlKind
	if t, ok := e.registry.Lookup(call.Name); ok {
		if fc, ok := t.(tools.FlowControlTool); ok {
			isFlow = true
			flowKind = fc.FlowControl()
		}
	}

	timeout := time.Duration(e.cfg.ToolTimeoutSeconds) * time.Second
	toolCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		toolCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := e.clock()
	output, err := e.registry.Execute(toolCtx, call.Name, call.Input)
	if err != nil && toolCtx.Err() == context.DeadlineExceeded {
		err = corerr.Wrap(corerr.TimedOut, toolCtx.Err())
	}

	if e.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		e.metrics.RecordTool(call.Name, outcome, e.clock().Sub(start).Seconds())
	}

	result := toolCallResult{output: output, execErr: err, isFlow: isFlow, flowKind: flowKind}
	if err == nil {
		result.output = e.applyOutputPipeline(ctx, c, call.Name, output)
	}
	return result
}

// applyOutputPipeline runs pre_tool_output, the cache-threshold gate,
// and post_tool_output over a successful tool's raw output (spec §4.9
// step 6, "Emit pre_tool_output ... post_tool and post_tool_output").
func (e *Engine) applyOutputPipeline(ctx context.Context, c *corectx.Context, toolName, output string) string {
	if e.hooks == nil {
		return e.maybeCacheOutput(ctx, c, toolName, output)
	}

	pre := e.hooks.ToolOutputHook(ctx, hookpipeline.PreToolOutput, toolName, output)
	if pre.Blocked {
		return pre.BlockMessage
	}

	cached := e.maybeCacheOutput(ctx, c, toolName, pre.Output)

	post := e.hooks.ToolOutputHook(ctx, hookpipeline.PostToolOutput, toolName, cached)
	if post.Blocked {
		return post.BlockMessage
	}
	return post.Output
}

// maybeCacheOutput replaces output with a compact stub when it exceeds
// the configured threshold, writing the full text to the context's VFS
// tool-cache directory (spec §4.9 step 6, §4.6 tool-cache settings).
func (e *Engine) maybeCacheOutput(ctx context.Context, c *corectx.Context, toolName, output string) string {
	if e.cfg.ToolCacheThresholdChars <= 0 || len(output) <= e.cfg.ToolCacheThresholdChars {
		return output
	}

	stub, err := writeToolCache(c, output, e.cfg.ToolCachePreviewChars)
	if err != nil {
		obslog.Default().Warn("tool output cache write failed, delivering raw output", "tool", toolName, "err", err)
		return output
	}

	if e.hooks != nil {
		e.hooks.CacheSummary(ctx, hookpipeline.PreCacheOutput, toolName, output)
		e.hooks.Observe(ctx, hookpipeline.PostCacheOutput, map[string]any{"tool_name": toolName, "uri": stub})
	}
	if e.metrics != nil {
		e.metrics.ToolOutputCached.WithLabelValues(toolName).Inc()
	}
	return stub
}

// appendFlowControlTerminal writes a driver-synthesized
// flow_control_result entry for a turn ending without a model-invoked
// flow-control tool call (spec §4.9 step 8, fuel exhaustion).
func (e *Engine) appendFlowControlTerminal(c *corectx.Context, reason string) error {
	return c.Log.Append(transcript.Entry{
		EntryType: transcript.TypeFlowControlResult,
		From:      transcript.SystemLabel,
		To:        transcript.SystemLabel,
		Content:   "turn ended: " + reason,
		Metadata:  map[string]any{"reason": reason},
		Timestamp: e.now(),
	})
}

func (e *Engine) appendMessage(c *corectx.Context, from, to, content string) error {
	return c.Log.Append(transcript.Entry{
		EntryType: transcript.TypeMessage,
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: e.now(),
	})
}

func (e *Engine) appendToolCall(c *corectx.Context, id, toolName string, input json.RawMessage, isFlow bool) error {
	et := transcript.TypeToolCall
	if isFlow {
		et = transcript.TypeFlowControlCall
	}
	return c.Log.Append(transcript.Entry{
		EntryType:  et,
		From:       "assistant",
		To:         "tool:" + toolName,
		Content:    string(input),
		ToolCallID: id,
		Metadata:   map[string]any{"tool_name": toolName},
		Timestamp:  e.now(),
	})
}

func (e *Engine) appendToolResult(c *corectx.Context, id, toolName, output string, isErr, isFlow bool) error {
	et := transcript.TypeToolResult
	if isFlow {
		et = transcript.TypeFlowControlResult
	}
	return c.Log.Append(transcript.Entry{
		EntryType:  et,
		From:       "tool:" + toolName,
		To:         "assistant",
		Content:    output,
		ToolCallID: id,
		Metadata:   map[string]any{"tool_name": toolName, "is_error": isErr},
		Timestamp:  e.now(),
	})
}

// buildSystemPrompt assembles the system prompt from the stored prompt
// file, hook injections, todos, goals, summary, and inbox messages,
// draining the inbox atomically as it is read (spec §4.9 step 2).
func (e *Engine) buildSystemPrompt(ctx context.Context, c *corectx.Context) (string, error) {
	base, err := c.Dir.ReadSystemPrompt()
	if err != nil {
		return "", err
	}
	goals, err := c.Dir.ReadGoals()
	if err != nil {
		return "", err
	}
	todos, err := c.Dir.ReadTodos()
	if err != nil {
		return "", err
	}
	summary, err := c.Dir.ReadSummary()
	if err != nil {
		return "", err
	}
	inbox, err := c.Dir.DrainInbox()
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	if e.hooks != nil {
		if pre := e.hooks.SystemPromptInjections(ctx, hookpipeline.PreSystemPrompt, map[string]any{"context": c.Name}); pre != "" {
			buf.WriteString(pre)
			buf.WriteString("\n\n")
		}
	}
	if base != "" {
		buf.WriteString(base)
		buf.WriteString("\n\n")
	}
	if goals != "" {
		buf.WriteString("## Goals\n")
		buf.WriteString(goals)
		buf.WriteString("\n\n")
	}
	if todos != "" {
		buf.WriteString("## Todos\n")
		buf.WriteString(todos)
		buf.WriteString("\n\n")
	}
	if summary != "" {
		buf.WriteString("## Summary\n")
		buf.WriteString(summary)
		buf.WriteString("\n\n")
	}
	if len(inbox) > 0 {
		buf.WriteString("## Inbox\n")
		for _, m := range inbox {
			fmt.Fprintf(&buf, "- from %s: %s\n", m.From, m.Content)
		}
		buf.WriteString("\n")
	}
	if e.hooks != nil {
		if post := e.hooks.SystemPromptInjections(ctx, hookpipeline.PostSystemPrompt, map[string]any{"context": c.Name}); post != "" {
			buf.WriteString(post)
		}
	}
	return strings.TrimSpace(buf.String()), nil
}

func applyRequestFieldMerge(hooks *hookpipeline.Runner, ctx context.Context, req *api.CreateMessageRequest) *api.CreateMessageRequest {
	body := map[string]any{
		"model":      req.Model,
		"max_tokens": req.MaxTokens,
	}
	merged := hooks.PreAPIRequest(ctx, body)
	if v, ok := merged["max_tokens"].(float64); ok {
		req.MaxTokens = int(v)
	}
	return req
}

// extractText concatenates every text content block into one string,
// in order.
func extractText(blocks []api.ContentBlock) string {
	var buf strings.Builder
	for _, b := range blocks {
		if b.Type == api.ContentTypeText {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

// extractToolCalls returns every tool_use block, in model order.
func extractToolCalls(blocks []api.ContentBlock) []api.ContentBlock {
	var calls []api.ContentBlock
	for _, b := range blocks {
		if b.Type == api.ContentTypeToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}

// buildMessages converts a window of transcript entries into the
// ordered API message list, grouping consecutive same-role entries
// into one message the way the Messages API expects (spec §3.5 window
// projection feeding directly into the request).
func buildMessages(entries []transcript.Entry) []api.Message {
	var msgs []api.Message
	var curRole string
	var curBlocks []api.ContentBlock

	flush := func() {
		if len(curBlocks) == 0 {
			return
		}
		msgs = append(msgs, api.NewBlockMessage(curRole, curBlocks))
		curBlocks = nil
	}

	for _, e := range entries {
		switch e.EntryType {
		case transcript.TypeMessage:
			role := api.RoleUser
			if e.From == "assistant" {
				role = api.RoleAssistant
			}
			if role != curRole {
				flush()
				curRole = role
			}
			curBlocks = append(curBlocks, api.ContentBlock{Type: api.ContentTypeText, Text: e.Content})

		case transcript.TypeToolCall, transcript.TypeFlowControlCall:
			if curRole != api.RoleAssistant {
				flush()
				curRole = api.RoleAssistant
			}
			name, _ := e.Metadata["tool_name"].(string)
			curBlocks = append(curBlocks, api.ContentBlock{
				Type:  api.ContentTypeToolUse,
				ID:    e.ToolCallID,
				Name:  name,
				Input: json.RawMessage(e.Content),
			})

		case transcript.TypeToolResult, transcript.TypeFlowControlResult:
			if e.ToolCallID == "" {
				// driver-synthesized terminal entry, not a model-facing
				// tool result.
				continue
			}
			if curRole != api.RoleUser {
				flush()
				curRole = api.RoleUser
			}
			isErr, _ := e.Metadata["is_error"].(bool)
			content, _ := json.Marshal(e.Content)
			curBlocks = append(curBlocks, api.ContentBlock{
				Type:      api.ContentTypeToolResult,
				ToolUseID: e.ToolCallID,
				Content:   content,
				IsError:   isErr,
			})

		default:
			// anchors and system_prompt_changed entries are not part of
			// the model-facing message list.
		}
	}
	flush()
	return msgs
}
