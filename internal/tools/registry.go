// Package tools implements the tool registry: built-in tools, plugin
// discovery and schema validation, and MCP tools reached over the
// bridge (spec §4.7). A tool is a tagged sum of three variants —
// built-in (direct Go function), plugin (discovered executable with a
// declared JSON schema), and MCP (virtual URI dispatched through
// internal/mcpbridge) — unlike the teacher's registry, which only ever
// held built-ins.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/anthropics/coreengine/internal/api"
	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/hookpipeline"
	"github.com/anthropics/coreengine/internal/mcpbridge"
	"github.com/anthropics/coreengine/internal/obslog"
)

// Origin identifies which of the three tool variants a registered tool
// is (spec §4.7).
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginPlugin  Origin = "plugin"
	OriginMCP     Origin = "mcp"
)

// Tool is the interface every registered tool implements, regardless
// of origin.
type Tool interface {
	// Name returns the tool name as sent to the API.
	Name() string

	// Description returns a human-readable description for the API.
	Description() string

	// InputSchema returns the JSON Schema for the tool's input parameters.
	InputSchema() json.RawMessage

	// Execute runs the tool with the given JSON input and returns the text result.
	Execute(ctx context.Context, input json.RawMessage) (string, error)

	// RequiresPermission returns true if this tool call needs user approval.
	RequiresPermission(input json.RawMessage) bool
}

// Categorizer is implemented by tools that declare a category tag used
// by pre_api_tools' exclude_categories filter. Tools that don't
// implement it are reported under category "".
type Categorizer interface {
	Category() string
}

// HookSubscriber is implemented by tools (typically plugins) that
// subscribe to specific hook points beyond the fixed pre/post_tool
// pair every tool gets.
type HookSubscriber interface {
	HookPoints() []hookpipeline.Point
}

// PermissionHandler prompts the user for tool execution permission.
type PermissionHandler interface {
	RequestPermission(ctx context.Context, toolName string, input json.RawMessage) (bool, error)
}

// RichPermissionHandler returns detailed permission results including
// decision reasons and suggestions.
type RichPermissionHandler interface {
	PermissionHandler
	CheckPermission(toolName string, input json.RawMessage) config.PermissionResult
}

// PermissionContextProvider gives access to the session-level
// permission context.
type PermissionContextProvider interface {
	GetPermissionContext() *config.ToolPermissionContext
}

// entry bundles a registered tool with its registry-assigned metadata.
type entry struct {
	tool   Tool
	origin Origin
}

// Registry holds registered tools and dispatches execution, applying
// permission checks and the pre_tool/post_tool hook pipeline around
// every call (spec §4.7, §4.8).
type Registry struct {
	mu         sync.RWMutex
	tools      map[string]entry
	order      []string // preserves registration order
	permission PermissionHandler
	hooks      *hookpipeline.Runner
}

// NewRegistry creates a new tool registry. hooks may be nil, in which
// case pre_tool/post_tool are skipped (useful in tests).
func NewRegistry(permission PermissionHandler, hooks *hookpipeline.Runner) *Registry {
	return &Registry{
		tools:      make(map[string]entry),
		permission: permission,
		hooks:      hooks,
	}
}

// Register adds a built-in tool to the registry.
func (r *Registry) Register(t Tool) {
	r.registerWithOrigin(t, OriginBuiltin)
}

func (r *Registry) registerWithOrigin(t Tool, origin Origin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; !exists {
		r.order = append(r.order, name)
	}
	r.tools[name] = entry{tool: t, origin: origin}
}

// HasTool returns true if the named tool is registered.
func (r *Registry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Origin reports which variant the named tool was registered as.
func (r *Registry) Origin(name string) (Origin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.origin, ok
}

// Lookup returns the registered Tool itself, for callers that need to
// type-assert against an optional interface such as FlowControlTool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e.tool, ok
}

// Names returns every registered tool name not currently excluded by
// filter, applying the pre_api_tools intersect-include/union-exclude
// rule (spec §4.8).
func (r *Registry) Names(filter hookpipeline.ToolFilter) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	excludeCat := make(map[string]bool, len(filter.ExcludeCategories))
	for _, c := range filter.ExcludeCategories {
		excludeCat[c] = true
	}
	exclude := make(map[string]bool, len(filter.Exclude))
	for _, n := range filter.Exclude {
		exclude[n] = true
	}
	var include map[string]bool
	if filter.Include != nil {
		include = make(map[string]bool, len(filter.Include))
		for _, n := range filter.Include {
			include[n] = true
		}
	}

	var out []string
	for _, name := range r.order {
		e := r.tools[name]
		if include != nil && !include[name] {
			continue
		}
		if exclude[name] {
			continue
		}
		if c, ok := e.tool.(Categorizer); ok && excludeCat[c.Category()] {
			continue
		}
		out = append(out, name)
	}
	return out
}

// execError is the not_found/invalid_input/timed_out/denied/internal_error
// taxonomy named by spec §4.7's execution contract, layered onto
// corerr's codes rather than reinventing one.
func execError(code corerr.Code, msg string) error { return corerr.New(code, msg) }

// Execute runs the named tool with the given JSON input, applying (in
// order): pre_tool hook, rule-based permission check, the tool itself,
// and post_tool hook. It never returns a driver-fatal error for a tool
// failure — callers should treat any returned error as the tool's
// result text, per spec §4.9 step 6/7's "never fatal to the driver"
// propagation policy.
func (r *Registry) Execute(ctx context.Context, name string, input []byte) (string, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	perm := r.permission
	hooks := r.hooks
	r.mu.RUnlock()

	if !ok {
		return "", execError(corerr.NotFound, "unknown tool: "+name)
	}

	rawInput := json.RawMessage(input)
	arguments := map[string]any{}
	_ = json.Unmarshal(rawInput, &arguments)

	if hooks != nil {
		decision := hooks.PreTool(ctx, name, arguments)
		if decision.Blocked {
			msg := decision.BlockMessage
			if msg == "" {
				msg = "denied by policy"
			}
			return msg, execError(corerr.PermissionDenied, msg)
		}
		if decision.Arguments != nil {
			if merged, err := json.Marshal(decision.Arguments); err == nil {
				rawInput = merged
			}
		}
	}

	if e.tool.RequiresPermission(rawInput) && perm != nil {
		if rph, ok := perm.(RichPermissionHandler); ok {
			result := rph.CheckPermission(name, rawInput)
			switch result.Behavior {
			case config.BehaviorAllow:
			case config.BehaviorDeny:
				msg := "Permission denied."
				if result.Message != "" {
					msg = result.Message
				}
				return msg, execError(corerr.PermissionDenied, msg)
			default:
				allowed, err := perm.RequestPermission(ctx, name, rawInput)
				if err != nil {
					return "", corerr.Wrap(corerr.InternalError, err)
				}
				if !allowed {
					return "Permission denied by user.", execError(corerr.PermissionDenied, "denied by user")
				}
			}
		} else {
			allowed, err := perm.RequestPermission(ctx, name, rawInput)
			if err != nil {
				return "", corerr.Wrap(corerr.InternalError, err)
			}
			if !allowed {
				return "Permission denied by user.", execError(corerr.PermissionDenied, "denied by user")
			}
		}
	}

	result, err := e.tool.Execute(ctx, rawInput)

	if hooks != nil {
		outcome := hooks.ToolOutputHook(ctx, hookpipeline.PostTool, name, result)
		if outcome.Blocked {
			msg := outcome.BlockMessage
			if msg == "" {
				msg = "denied by policy"
			}
			return msg, execError(corerr.PermissionDenied, msg)
		}
		if outcome.Output != "" {
			result = outcome.Output
		}
	}

	return result, err
}

// LastPermissionResult returns the most recent rich permission result
// for a tool execution, if the handler supports it.
func (r *Registry) LastPermissionResult(name string, input json.RawMessage) *config.PermissionResult {
	r.mu.RLock()
	perm := r.permission
	r.mu.RUnlock()

	if rph, ok := perm.(RichPermissionHandler); ok {
		result := rph.CheckPermission(name, input)
		return &result
	}
	return nil
}

// GetPermissionContext returns the session-level permission context, if
// the handler supports it.
func (r *Registry) GetPermissionContext() *config.ToolPermissionContext {
	r.mu.RLock()
	perm := r.permission
	r.mu.RUnlock()

	if pcp, ok := perm.(PermissionContextProvider); ok {
		return pcp.GetPermissionContext()
	}
	return nil
}

// SetPermissionHandler replaces the permission handler at runtime.
func (r *Registry) SetPermissionHandler(h interface{}) {
	if ph, ok := h.(PermissionHandler); ok {
		r.mu.Lock()
		r.permission = ph
		r.mu.Unlock()
	}
}

// Definitions returns API tool definitions for the given set of tool
// names, in registration order.
func (r *Registry) Definitions(names []string) []api.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}

	defs := make([]api.ToolDefinition, 0, len(names))
	for _, name := range r.order {
		if !wanted[name] {
			continue
		}
		t := r.tools[name].tool
		defs = append(defs, api.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// --- Plugin discovery (spec §4.7, §5's "dynamic plugin schemas" redesign flag) ---

// pluginSchema is the JSON a plugin prints for `--schema`.
type pluginSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Category    string          `json:"category"`
	Hooks       []string        `json:"hooks"`
}

// PluginTool wraps a discovered plugin executable.
type PluginTool struct {
	path     string
	schema   pluginSchema
	compiled *jsonschema.Schema
	verbose  bool
}

func (p *PluginTool) Name() string                 { return p.schema.Name }
func (p *PluginTool) Description() string          { return p.schema.Description }
func (p *PluginTool) InputSchema() json.RawMessage { return p.schema.Parameters }
func (p *PluginTool) Category() string             { return p.schema.Category }
func (p *PluginTool) RequiresPermission(json.RawMessage) bool { return true }

func (p *PluginTool) HookPoints() []hookpipeline.Point {
	pts := make([]hookpipeline.Point, 0, len(p.schema.Hooks))
	for _, h := range p.schema.Hooks {
		pt := hookpipeline.Point(h)
		if hookpipeline.IsKnownPoint(pt) {
			pts = append(pts, pt)
		}
	}
	return pts
}

// Execute spawns the plugin, delivering the parameter object on
// standard input and tool_name/verbose in the environment, per spec
// §4.7's execution contract.
func (p *PluginTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	if p.compiled != nil {
		if err := p.compiled.Validate(jsonAny(input)); err != nil {
			return "", execError(corerr.InvalidInput, err.Error())
		}
	}

	cmd := exec.CommandContext(ctx, p.path)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), "tool_name="+p.schema.Name)
	if p.verbose {
		cmd.Env = append(cmd.Env, "verbose=1")
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return "", execError(corerr.TimedOut, "plugin timed out")
	}
	if err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return "", execError(corerr.InternalError, msg)
	}
	return stdout.String(), nil
}

func jsonAny(raw json.RawMessage) any {
	var v any
	_ = json.Unmarshal(raw, &v)
	return v
}

// DiscoverPlugins scans dir for executables, invokes each with
// --schema, and registers the tools they declare. Plugins whose
// schema fails to parse, or whose parameter schema fails to compile,
// are skipped with a logged warning rather than aborting discovery
// (spec §5 redesign flag: "tools whose schemas fail to parse are
// skipped with a warning").
func (r *Registry) DiscoverPlugins(ctx context.Context, dir string, verbose bool) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return corerr.Wrap(corerr.InternalError, err)
	}

	log := obslog.Default()
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil || info.Mode()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, de.Name())

		cmd := exec.CommandContext(ctx, path, "--schema")
		out, err := cmd.Output()
		if err != nil {
			log.Warn("plugin schema invocation failed", "path", path, "error", err)
			continue
		}

		schemas, err := parsePluginSchemas(out)
		if err != nil {
			log.Warn("plugin schema parse failed", "path", path, "error", err)
			continue
		}

		for _, s := range schemas {
			if s.Name == "" {
				log.Warn("plugin schema missing name", "path", path)
				continue
			}
			compiled, err := compileSchema(s.Parameters)
			if err != nil {
				log.Warn("plugin parameter schema invalid, skipping tool", "tool", s.Name, "error", err)
				continue
			}
			r.registerWithOrigin(&PluginTool{path: path, schema: s, compiled: compiled, verbose: verbose}, OriginPlugin)
		}
	}
	return nil
}

func parsePluginSchemas(out []byte) ([]pluginSchema, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty schema output")
	}
	if trimmed[0] == '[' {
		var list []pluginSchema
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, err
		}
		return list, nil
	}
	var single pluginSchema
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, err
	}
	return []pluginSchema{single}, nil
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	const resource = "plugin-schema.json"
	if err := c.AddResource(resource, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return c.Compile(resource)
}

// --- MCP tools (spec §4.7) ---

// MCPTool wraps a tool discovered over the MCP bridge.
type MCPTool struct {
	bridge *mcpbridge.Bridge
	info   mcpbridge.ToolInfo
	timeout time.Duration
}

// NewMCPTool wraps a discovered MCP tool for registration.
func NewMCPTool(bridge *mcpbridge.Bridge, info mcpbridge.ToolInfo, timeout time.Duration) *MCPTool {
	return &MCPTool{bridge: bridge, info: info, timeout: timeout}
}

func (m *MCPTool) Name() string                          { return m.info.Name }
func (m *MCPTool) Description() string                   { return m.info.Description }
func (m *MCPTool) InputSchema() json.RawMessage          { return m.info.Parameters }
func (m *MCPTool) RequiresPermission(json.RawMessage) bool { return true }
func (m *MCPTool) Category() string                      { return "mcp:" + m.info.Server }

func (m *MCPTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	text, err := m.bridge.CallTool(ctx, m.info.URI, input, m.timeout)
	if err != nil {
		return "", err
	}
	return text, nil
}

// DiscoverMCPTools lists every tool the bridge currently exposes and
// registers them.
func (r *Registry) DiscoverMCPTools(ctx context.Context, bridge *mcpbridge.Bridge, timeout time.Duration) error {
	infos, err := bridge.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		r.registerWithOrigin(NewMCPTool(bridge, info, timeout), OriginMCP)
	}
	return nil
}

// sortedKeys returns the keys of m in sorted order, for deterministic
// iteration over a map of flags. Nothing in the package calls it.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
