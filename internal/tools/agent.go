package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/hookpipeline"
)

// AgentRunner drives one full turn in a named context and returns its
// final assistant text. Implemented by a thin adapter around
// internal/agentloop.Engine in cmd/coreengine — the interface lives
// here, not there, because agentloop already imports this package for
// *tools.Registry, and the reverse import would cycle.
type AgentRunner interface {
	RunAgent(ctx context.Context, contextName, prompt string) (string, error)
}

// SpawnAgentInput is the input schema for the spawn_agent tool.
type SpawnAgentInput struct {
	Description     string  `json:"description"`
	Prompt          string  `json:"prompt"`
	SubagentType    string  `json:"subagent_type"`
	RunInBackground *bool   `json:"run_in_background,omitempty"`
	Resume          *string `json:"resume,omitempty"`
}

// agentState tracks a spawned sub-agent's context and outcome.
type agentState struct {
	contextName string
	done        chan struct{}
	result      string
	err         error
	startMs     int64
}

// SpawnAgentTool spawns a sub-agent in its own context, running a full
// agentloop turn against it (synchronously or in the background) and
// returning its final text. Grounded on the teacher's AgentTool
// (agent.go), generalized from the teacher's in-process
// conversation.Loop-per-agent model to one context per sub-agent
// (spec §3.7's "Contexts are independent; there is no parent/child
// relationship enforced by the engine" — spawn_agent is simply the
// built-in that happens to create one context from inside another).
// Wraps every call in pre_spawn_agent/post_spawn_agent (spec hook
// table), the one pair of hook points nothing else in the tree
// exercises.
type SpawnAgentTool struct {
	runner  AgentRunner
	hooks   *hookpipeline.Runner
	bgStore *BackgroundTaskStore

	mu     sync.Mutex
	agents map[string]*agentState
	nextID int
}

func NewSpawnAgentTool(runner AgentRunner, hooks *hookpipeline.Runner, bgStore *BackgroundTaskStore) *SpawnAgentTool {
	return &SpawnAgentTool{
		runner:  runner,
		hooks:   hooks,
		bgStore: bgStore,
		agents:  make(map[string]*agentState),
	}
}

func (t *SpawnAgentTool) Name() string     { return "spawn_agent" }
func (t *SpawnAgentTool) Category() string { return "agent" }

func (t *SpawnAgentTool) Description() string {
	return "Launch a sub-agent in its own context to handle a complex, multi-step task autonomously. Use description for a short summary and prompt for the full task. Supports background execution and resuming a previous sub-agent by ID."
}

func (t *SpawnAgentTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{
  "type": "object",
  "properties": {
    "description": {"type": "string", "description": "A short (3-5 word) description of the task"},
    "prompt": {"type": "string", "description": "The task for the sub-agent to perform"},
    "subagent_type": {"type": "string", "description": "The type of specialized agent to use"},
    "run_in_background": {"type": "boolean", "description": "Set to true to run this agent in the background"},
    "resume": {"type": "string", "description": "Optional sub-agent ID to resume from"}
  },
  "required": ["description", "prompt", "subagent_type"],
  "additionalProperties": false
}`)
}

func (t *SpawnAgentTool) RequiresPermission(_ json.RawMessage) bool {
	return false // sub-agents inherit the parent's permission handler
}

func (t *SpawnAgentTool) Execute(ctx context.Context, input json.RawMessage) (string, error) {
	var in SpawnAgentInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}
	if in.Prompt == "" {
		return "Error: prompt is required", nil
	}

	if in.Resume != nil && *in.Resume != "" {
		return t.resumeAgent(ctx, *in.Resume, in.Prompt)
	}

	decision := t.hooks.SpawnAgentHook(ctx, hookpipeline.PreSpawnAgent, map[string]any{
		"description":   in.Description,
		"subagent_type": in.SubagentType,
		"prompt":        in.Prompt,
	})
	if decision.Blocked {
		return decision.BlockMessage, nil
	}
	if decision.HasResponse {
		return decision.Response, nil
	}

	agentID := t.generateID()
	contextName := "agent-" + agentID
	state := &agentState{contextName: contextName, done: make(chan struct{}), startMs: time.Now().UnixMilli()}

	t.mu.Lock()
	t.agents[agentID] = state
	t.mu.Unlock()

	if in.RunInBackground != nil && *in.RunInBackground {
		bgCtx, bgCancel := context.WithCancel(context.Background())
		bgTask := &BackgroundTask{ID: agentID, Ctx: bgCtx, Cancel: bgCancel, Done: state.done}
		t.bgStore.Add(bgTask)

		go func() {
			defer close(state.done)
			result, err := t.runner.RunAgent(bgCtx, contextName, in.Prompt)
			state.result, state.err = result, err
			bgTask.Result, bgTask.Err = result, err
			t.hooks.Observe(context.Background(), hookpipeline.PostSpawnAgent, map[string]any{
				"agent_id": agentID, "context": contextName, "error": errString(err),
			})
		}()

		out, _ := json.Marshal(map[string]any{
			"status":  "async_launched",
			"agentId": agentID,
			"message": fmt.Sprintf("agent %s launched in background", agentID),
		})
		return string(out), nil
	}

	result, err := t.runner.RunAgent(ctx, contextName, in.Prompt)
	close(state.done)
	state.result, state.err = result, err
	t.hooks.Observe(ctx, hookpipeline.PostSpawnAgent, map[string]any{
		"agent_id": agentID, "context": contextName, "error": errString(err),
	})
	if err != nil {
		return "", err
	}

	out, _ := json.Marshal(map[string]any{
		"status":          "completed",
		"agentId":         agentID,
		"content":         result,
		"totalDurationMs": time.Now().UnixMilli() - state.startMs,
	})
	return string(out), nil
}

func (t *SpawnAgentTool) resumeAgent(ctx context.Context, agentID, prompt string) (string, error) {
	t.mu.Lock()
	state, ok := t.agents[agentID]
	t.mu.Unlock()
	if !ok {
		return fmt.Sprintf("Error: agent %s not found", agentID), nil
	}
	select {
	case <-state.done:
	default:
		return fmt.Sprintf("Error: agent %s is still running", agentID), nil
	}

	decision := t.hooks.SpawnAgentHook(ctx, hookpipeline.PreSpawnAgent, map[string]any{
		"agent_id": agentID,
		"prompt":   prompt,
	})
	if decision.Blocked {
		return decision.BlockMessage, nil
	}
	if decision.HasResponse {
		return decision.Response, nil
	}

	state.done = make(chan struct{})
	startMs := time.Now().UnixMilli()
	result, err := t.runner.RunAgent(ctx, state.contextName, prompt)
	close(state.done)
	state.result, state.err = result, err
	t.hooks.Observe(ctx, hookpipeline.PostSpawnAgent, map[string]any{
		"agent_id": agentID, "context": state.contextName, "error": errString(err),
	})
	if err != nil {
		return "", err
	}

	out, _ := json.Marshal(map[string]any{
		"status":          "completed",
		"agentId":         agentID,
		"content":         result,
		"totalDurationMs": time.Now().UnixMilli() - startMs,
	})
	return string(out), nil
}

func (t *SpawnAgentTool) generateID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return fmt.Sprintf("%d-%d", t.nextID, time.Now().UnixMilli())
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
