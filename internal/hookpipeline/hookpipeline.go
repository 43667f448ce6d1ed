// Package hookpipeline runs the engine's fixed set of lifecycle hook
// points, invoking registered handlers in discovery order and merging
// their results per each point's fixed strategy (spec §4.8).
//
// Grounded on the teacher's internal/hooks runner: subprocess spawn with
// payload on stdin and an event identifier in the environment, non-zero
// exit treated as a no-op rather than a hard failure. Generalized from
// the teacher's six fixed event names to the full hook-point table and
// from "one outcome shape" to per-point typed merge rules.
package hookpipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"

	"github.com/anthropics/coreengine/internal/obslog"
)

// Point identifies one of the fixed lifecycle hook points (spec §4.8 table).
type Point string

const (
	OnStart             Point = "on_start"
	OnEnd               Point = "on_end"
	PreMessage          Point = "pre_message"
	PostMessage         Point = "post_message"
	PreSystemPrompt     Point = "pre_system_prompt"
	PostSystemPrompt    Point = "post_system_prompt"
	PreAPITools         Point = "pre_api_tools"
	PreAPIRequest       Point = "pre_api_request"
	PreTool             Point = "pre_tool"
	PostTool            Point = "post_tool"
	PreToolOutput       Point = "pre_tool_output"
	PostToolOutput      Point = "post_tool_output"
	PreCacheOutput      Point = "pre_cache_output"
	PostCacheOutput     Point = "post_cache_output"
	PreSendMessage      Point = "pre_send_message"
	PostSendMessage     Point = "post_send_message"
	OnContextSwitch     Point = "on_context_switch"
	PreClear            Point = "pre_clear"
	PostClear           Point = "post_clear"
	PreCompact          Point = "pre_compact"
	PostCompact         Point = "post_compact"
	PreRollingCompact   Point = "pre_rolling_compact"
	PostRollingCompact  Point = "post_rolling_compact"
	PreFileWrite        Point = "pre_file_write"
	PreShellExec        Point = "pre_shell_exec"
	PreFetchURL         Point = "pre_fetch_url"
	PreSpawnAgent       Point = "pre_spawn_agent"
	PostSpawnAgent      Point = "post_spawn_agent"
)

// AllPoints lists every hook point, used to validate a plugin's declared
// subscriptions at load time.
var AllPoints = []Point{
	OnStart, OnEnd, PreMessage, PostMessage, PreSystemPrompt, PostSystemPrompt,
	PreAPITools, PreAPIRequest, PreTool, PostTool, PreToolOutput, PostToolOutput,
	PreCacheOutput, PostCacheOutput, PreSendMessage, PostSendMessage,
	OnContextSwitch, PreClear, PostClear, PreCompact, PostCompact,
	PreRollingCompact, PostRollingCompact, PreFileWrite, PreShellExec,
	PreFetchURL, PreSpawnAgent, PostSpawnAgent,
}

func IsKnownPoint(p Point) bool {
	for _, known := range AllPoints {
		if known == p {
			return true
		}
	}
	return false
}

// Handler is one registered observer/mutator for a hook point: either a
// subprocess command (plugin) or a direct in-process function
// (built-in). Exactly one of Command or Func should be set.
type Handler struct {
	Name    string
	Command []string // argv; spawned with payload JSON on stdin
	Func    func(ctx context.Context, payload map[string]any) (Outcome, error)
	Order   int // discovery order; lower runs first
}

// Outcome is the union of everything any hook point's handler may
// return. Each point's merge function reads only the fields relevant to
// it.
type Outcome struct {
	Block             bool           `json:"block,omitempty"`
	Message           string         `json:"message,omitempty"`
	Deny              bool           `json:"deny,omitempty"`
	Text              string         `json:"text,omitempty"`   // system-prompt injection
	Prompt            string         `json:"prompt,omitempty"` // pre_message replacement
	Arguments         map[string]any `json:"arguments,omitempty"`
	IncludeTools      []string       `json:"include,omitempty"`
	ExcludeTools      []string       `json:"exclude,omitempty"`
	ExcludeCategories []string       `json:"exclude_categories,omitempty"`
	RequestFields     map[string]any `json:"request_fields,omitempty"`
	Output            string         `json:"output,omitempty"`
	Summary           string         `json:"summary,omitempty"`
	Delivered         bool           `json:"delivered,omitempty"`
	Response          string         `json:"response,omitempty"`
}

// Registry holds the handlers subscribed to each point.
type Registry struct {
	handlers map[Point][]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Point][]Handler)}
}

// Register subscribes h to point, in discovery order.
func (r *Registry) Register(point Point, h Handler) {
	r.handlers[point] = append(r.handlers[point], h)
}

// handlersFor returns the point's handlers sorted by Order, stable on ties.
func (r *Registry) handlersFor(point Point) []Handler {
	hs := append([]Handler(nil), r.handlers[point]...)
	sort.SliceStable(hs, func(i, j int) bool { return hs[i].Order < hs[j].Order })
	return hs
}

// Runner executes hook points against a Registry.
type Runner struct {
	reg *Registry
}

func NewRunner(reg *Registry) *Runner {
	return &Runner{reg: reg}
}

// invoke runs every handler for point in order, collecting their
// outcomes. A handler that fails (subprocess non-zero exit, or a
// built-in func error) is logged and treated as a no-op outcome — never
// a pipeline failure (spec §4.8, §7 "hook errors").
func (run *Runner) invoke(ctx context.Context, point Point, payload map[string]any) []Outcome {
	var outcomes []Outcome
	for _, h := range run.reg.handlersFor(point) {
		outcome, err := run.call(ctx, point, h, payload)
		if err != nil {
			obslog.Default().Warn("hook handler failed, treating as no-op", "point", point, "handler", h.Name, "err", err)
			continue
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

func (run *Runner) call(ctx context.Context, point Point, h Handler, payload map[string]any) (Outcome, error) {
	if h.Func != nil {
		return h.Func(ctx, payload)
	}
	return runSubprocess(ctx, point, h, payload)
}

func runSubprocess(ctx context.Context, point Point, h Handler, payload map[string]any) (Outcome, error) {
	if len(h.Command) == 0 {
		return Outcome{}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal hook payload: %w", err)
	}

	cmd := exec.CommandContext(ctx, h.Command[0], h.Command[1:]...)
	cmd.Env = append(os.Environ(), "hook="+string(point))
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return Outcome{}, fmt.Errorf("%s", msg)
	}

	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return Outcome{}, nil
	}
	var outcome Outcome
	if err := json.Unmarshal(out, &outcome); err != nil {
		return Outcome{}, fmt.Errorf("hook %s produced non-JSON output: %w", h.Name, err)
	}
	return outcome, nil
}

// --- Observe-only points: on_start, on_end, post_message,
// on_context_switch, pre_clear, post_clear, pre_compact, post_compact,
// pre_rolling_compact, post_rolling_compact. ---

// Observe runs handlers for point without interpreting their return value.
func (run *Runner) Observe(ctx context.Context, point Point, payload map[string]any) {
	run.invoke(ctx, point, payload)
}

// --- pre_message: last writer wins on the replacement prompt. ---

func (run *Runner) PreMessage(ctx context.Context, prompt string) string {
	outcomes := run.invoke(ctx, PreMessage, map[string]any{"prompt": prompt})
	for _, o := range outcomes {
		if o.Prompt != "" {
			prompt = o.Prompt
		}
	}
	return prompt
}

// --- pre_system_prompt / post_system_prompt: concatenate all injections. ---

func (run *Runner) SystemPromptInjections(ctx context.Context, point Point, payload map[string]any) string {
	var buf bytes.Buffer
	for _, o := range run.invoke(ctx, point, payload) {
		if o.Text != "" {
			if buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(o.Text)
		}
	}
	return buf.String()
}

// ToolFilter is the merged result of pre_api_tools: an include set
// (intersection across handlers that supply one) and exclude sets
// (union across all handlers).
type ToolFilter struct {
	Include           []string // nil means "no restriction"
	Exclude           []string
	ExcludeCategories []string
}

// PreAPITools merges every handler's include/exclude sets: include sets
// intersect (a tool must survive every handler that restricts includes);
// exclude sets and exclude_categories union.
func (run *Runner) PreAPITools(ctx context.Context, candidateTools []string) ToolFilter {
	outcomes := run.invoke(ctx, PreAPITools, map[string]any{"tools": candidateTools})

	var filter ToolFilter
	haveInclude := false
	excludeSet := map[string]bool{}
	excludeCatSet := map[string]bool{}

	for _, o := range outcomes {
		if len(o.IncludeTools) > 0 {
			if !haveInclude {
				filter.Include = o.IncludeTools
				haveInclude = true
			} else {
				filter.Include = intersect(filter.Include, o.IncludeTools)
			}
		}
		for _, t := range o.ExcludeTools {
			excludeSet[t] = true
		}
		for _, c := range o.ExcludeCategories {
			excludeCatSet[c] = true
		}
	}
	filter.Exclude = setToSortedSlice(excludeSet)
	filter.ExcludeCategories = setToSortedSlice(excludeCatSet)
	return filter
}

func intersect(a, b []string) []string {
	bSet := map[string]bool{}
	for _, v := range b {
		bSet[v] = true
	}
	var out []string
	for _, v := range a {
		if bSet[v] {
			out = append(out, v)
		}
	}
	return out
}

func setToSortedSlice(s map[string]bool) []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// PreAPIRequest deep-merges every handler's request_fields into body, in
// handler order (later handlers' fields win on conflicting leaf keys).
func (run *Runner) PreAPIRequest(ctx context.Context, body map[string]any) map[string]any {
	outcomes := run.invoke(ctx, PreAPIRequest, map[string]any{"request": body})
	merged := cloneMap(body)
	for _, o := range outcomes {
		if o.RequestFields != nil {
			deepMerge(merged, o.RequestFields)
		}
	}
	return merged
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := dst[k].(map[string]any); ok {
				deepMerge(existing, sub)
				continue
			}
		}
		dst[k] = v
	}
}

// ToolDecision is the merged result of pre_tool: a possible block plus
// any argument overrides, last-writer-wins.
type ToolDecision struct {
	Blocked      bool
	BlockMessage string
	Arguments    map[string]any
}

// PreTool merges pre_tool outcomes: any block wins (first one found, the
// message is that handler's verbatim message per P9); argument overrides
// are last-writer-wins across all handlers, blocking or not.
func (run *Runner) PreTool(ctx context.Context, toolName string, arguments map[string]any) ToolDecision {
	outcomes := run.invoke(ctx, PreTool, map[string]any{"tool_name": toolName, "arguments": arguments})

	decision := ToolDecision{Arguments: arguments}
	for _, o := range outcomes {
		if o.Block && !decision.Blocked {
			decision.Blocked = true
			decision.BlockMessage = o.Message
		}
		if o.Arguments != nil {
			decision.Arguments = o.Arguments
		}
	}
	return decision
}

// OutputDecision is the merged result of post_tool / pre_tool_output /
// post_tool_output: any block wins, output is last-writer-wins.
type OutputDecision struct {
	Blocked      bool
	BlockMessage string
	Output       string
}

func (run *Runner) ToolOutputHook(ctx context.Context, point Point, toolName, output string) OutputDecision {
	outcomes := run.invoke(ctx, point, map[string]any{"tool_name": toolName, "output": output})

	decision := OutputDecision{Output: output}
	for _, o := range outcomes {
		if o.Block && !decision.Blocked {
			decision.Blocked = true
			decision.BlockMessage = o.Message
		}
		if o.Output != "" {
			decision.Output = o.Output
		}
	}
	return decision
}

// CacheSummary runs pre_cache_output/post_cache_output: first non-empty
// summary across handlers wins.
func (run *Runner) CacheSummary(ctx context.Context, point Point, toolName, rawOutput string) string {
	for _, o := range run.invoke(ctx, point, map[string]any{"tool_name": toolName, "output": rawOutput}) {
		if o.Summary != "" {
			return o.Summary
		}
	}
	return ""
}

// SendMessageClaim runs pre_send_message/post_send_message: the first
// handler to claim delivered:true wins; later handlers are not
// consulted for delivery (but all still run, for side effects).
func (run *Runner) SendMessageClaim(ctx context.Context, point Point, payload map[string]any) bool {
	delivered := false
	for _, o := range run.invoke(ctx, point, payload) {
		if o.Delivered && !delivered {
			delivered = true
		}
	}
	return delivered
}

// PermissionGate runs pre_file_write/pre_shell_exec/pre_fetch_url: any
// handler denying wins.
func (run *Runner) PermissionGate(ctx context.Context, point Point, payload map[string]any) bool {
	for _, o := range run.invoke(ctx, point, payload) {
		if o.Deny {
			return true
		}
	}
	return false
}

// SpawnAgentDecision is the merged result of pre_spawn_agent /
// post_spawn_agent: any block wins; a provided response short-circuits
// the actual sub-agent call.
type SpawnAgentDecision struct {
	Blocked      bool
	BlockMessage string
	Response     string
	HasResponse  bool
}

func (run *Runner) SpawnAgentHook(ctx context.Context, point Point, payload map[string]any) SpawnAgentDecision {
	decision := SpawnAgentDecision{}
	for _, o := range run.invoke(ctx, point, payload) {
		if o.Block && !decision.Blocked {
			decision.Blocked = true
			decision.BlockMessage = o.Message
		}
		if o.Response != "" && !decision.HasResponse {
			decision.Response = o.Response
			decision.HasResponse = true
		}
	}
	return decision
}
