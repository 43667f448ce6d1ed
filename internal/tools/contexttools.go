package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/corerr"
	"github.com/anthropics/coreengine/internal/safeio"
	"github.com/anthropics/coreengine/internal/statedir"
)

// These built-ins are grounded on the teacher's TodoWriteTool pattern
// (todo.go: a struct holding mutable state plus a JSON-schema input),
// generalized from the teacher's in-memory + terminal-print semantics
// to persisted-file semantics, since spec §3.6 requires todos.md,
// goals.md, and summary.md to survive process restarts as ordinary
// editable files in the context's state directory.

// TodoUpdateTool replaces the content of the current context's
// todos.md (spec §3.6, §4.7).
type TodoUpdateTool struct{ dir *statedir.Dir }

func NewTodoUpdateTool(dir *statedir.Dir) *TodoUpdateTool { return &TodoUpdateTool{dir: dir} }

func (t *TodoUpdateTool) Name() string        { return "todo_update" }
func (t *TodoUpdateTool) Category() string    { return "context_state" }
func (t *TodoUpdateTool) Description() string {
	return "Replace the current task list (todos.md) with updated markdown content."
}
func (t *TodoUpdateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}},"required":["content"],"additionalProperties":false}`)
}
func (t *TodoUpdateTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *TodoUpdateTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}
	if err := t.dir.WriteTodos(in.Content); err != nil {
		return "", err
	}
	return "todos updated", nil
}

// GoalUpdateTool replaces the content of goals.md.
type GoalUpdateTool struct{ dir *statedir.Dir }

func NewGoalUpdateTool(dir *statedir.Dir) *GoalUpdateTool { return &GoalUpdateTool{dir: dir} }

func (t *GoalUpdateTool) Name() string        { return "goal_update" }
func (t *GoalUpdateTool) Category() string    { return "context_state" }
func (t *GoalUpdateTool) Description() string {
	return "Replace the current goal list (goals.md) with updated markdown content."
}
func (t *GoalUpdateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"content":{"type":"string"}},"required":["content"],"additionalProperties":false}`)
}
func (t *GoalUpdateTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *GoalUpdateTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}
	if err := t.dir.WriteGoals(in.Content); err != nil {
		return "", err
	}
	return "goals updated", nil
}

// ReflectionUpdateTool appends to the process-wide reflection file, a
// shared resource across all contexts. It is guarded by its own file
// lock distinct from any context lock, per spec §4.9 ("Shared
// resources"), so updates from different contexts serialize with each
// other but never block on an unrelated context's lock.
type ReflectionUpdateTool struct {
	path     string
	maxChars int
}

func NewReflectionUpdateTool(homeDir string, maxChars int) *ReflectionUpdateTool {
	return &ReflectionUpdateTool{path: filepath.Join(homeDir, "reflection.md"), maxChars: maxChars}
}

func (t *ReflectionUpdateTool) Name() string        { return "reflection_update" }
func (t *ReflectionUpdateTool) Category() string    { return "context_state" }
func (t *ReflectionUpdateTool) Description() string {
	return "Append a note to the persistent cross-context reflection file."
}
func (t *ReflectionUpdateTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"note":{"type":"string"}},"required":["note"],"additionalProperties":false}`)
}
func (t *ReflectionUpdateTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *ReflectionUpdateTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Note string `json:"note"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}

	lock := safeio.NewFileLock(t.path + ".lock")
	if err := lock.Lock(); err != nil {
		return "", err
	}
	defer lock.Unlock()

	existing, _ := statReadFile(t.path)
	updated := existing + "\n" + in.Note
	if t.maxChars > 0 && len(updated) > t.maxChars {
		updated = updated[len(updated)-t.maxChars:]
	}
	if err := safeio.AtomicWrite(t.path, []byte(updated), 0o644); err != nil {
		return "", err
	}
	return "reflection updated", nil
}

// SendMessageTool delivers a message to another context's inbox
// (spec §4.9's inter-context message send built-in). It only needs
// the target context's state directory, not its lock — inbox
// delivery is an append, safe to interleave with another process
// holding the context lock.
type SendMessageTool struct {
	store *corectx.Store
	from  string
}

func NewSendMessageTool(store *corectx.Store, fromContext string) *SendMessageTool {
	return &SendMessageTool{store: store, from: fromContext}
}

func (t *SendMessageTool) Name() string        { return "send_message" }
func (t *SendMessageTool) Category() string    { return "cross_context" }
func (t *SendMessageTool) Description() string {
	return "Deliver a message to another context's inbox."
}
func (t *SendMessageTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"to":{"type":"string"},"content":{"type":"string"}},"required":["to","content"],"additionalProperties":false}`)
}
func (t *SendMessageTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *SendMessageTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		To      string `json:"to"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}
	if !t.store.Exists(in.To) {
		return "", execError(corerr.NotFound, "no such context: "+in.To)
	}

	dir, err := statedir.Open(t.store.ContextDir(in.To))
	if err != nil {
		return "", err
	}
	msg := statedir.InboxMessage{
		From:      t.from,
		Content:   in.Content,
		Timestamp: time.Now().Unix(),
	}
	if err := dir.DeliverMessage(msg); err != nil {
		return "", err
	}
	return fmt.Sprintf("message delivered to %s", in.To), nil
}

// ReadOtherContextTool lets a tool peek at another context's current
// window without acquiring its lock (read-only, a snapshot — spec §4.7
// names this as a required built-in).
type ReadOtherContextTool struct {
	store *corectx.Store
}

func NewReadOtherContextTool(store *corectx.Store) *ReadOtherContextTool {
	return &ReadOtherContextTool{store: store}
}

func (t *ReadOtherContextTool) Name() string        { return "read_other_context" }
func (t *ReadOtherContextTool) Category() string    { return "cross_context" }
func (t *ReadOtherContextTool) Description() string {
	return "Read another context's current window (its visible conversation state) without locking it."
}
func (t *ReadOtherContextTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"],"additionalProperties":false}`)
}
func (t *ReadOtherContextTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *ReadOtherContextTool) Execute(_ context.Context, input json.RawMessage) (string, error) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(input, &in); err != nil {
		return "", execError(corerr.InvalidInput, err.Error())
	}
	if !t.store.Exists(in.Name) {
		return "", execError(corerr.NotFound, "no such context: "+in.Name)
	}

	entries, err := t.store.PeekWindow(in.Name)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(entries)
	if err != nil {
		return "", corerr.Wrap(corerr.InternalError, err)
	}
	return string(out), nil
}

// ModelInfoTool reports the resolved model and its parameters (spec
// §4.7's model-info query built-in).
type ModelInfoTool struct {
	model      string
	parameters map[string]any
}

func NewModelInfoTool(model string, parameters map[string]any) *ModelInfoTool {
	return &ModelInfoTool{model: model, parameters: parameters}
}

func (t *ModelInfoTool) Name() string        { return "model_info" }
func (t *ModelInfoTool) Category() string    { return "introspection" }
func (t *ModelInfoTool) Description() string {
	return "Report the model name and resolved parameters for the current turn."
}
func (t *ModelInfoTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)
}
func (t *ModelInfoTool) RequiresPermission(json.RawMessage) bool { return false }

func (t *ModelInfoTool) Execute(_ context.Context, _ json.RawMessage) (string, error) {
	out, err := json.Marshal(config.ModelMetadata{Model: t.model, Parameters: t.parameters})
	if err != nil {
		return "", corerr.Wrap(corerr.InternalError, err)
	}
	return string(out), nil
}

// --- Flow control tools (spec §3.4, §4.9) ---

// FlowControlKind distinguishes the two terminal flow-control tools
// from ordinary tools, so the driver can tell round continuation from
// turn termination.
type FlowControlKind string

const (
	FlowControlContinue     FlowControlKind = "continue"
	FlowControlReturnToUser FlowControlKind = "return_to_user"
)

// FlowControlTool is implemented by the agent-continue/return-to-user
// built-ins, letting the driver distinguish their calls/results from
// ordinary tool_call/tool_result entries (spec §3.4).
type FlowControlTool interface {
	Tool
	FlowControl() FlowControlKind
}

// AgentContinueTool signals the driver to start another round without
// returning control to the user.
type AgentContinueTool struct{}

func NewAgentContinueTool() *AgentContinueTool { return &AgentContinueTool{} }

func (t *AgentContinueTool) Name() string        { return "agent_continue" }
func (t *AgentContinueTool) Category() string    { return "flow_control" }
func (t *AgentContinueTool) Description() string {
	return "Continue working agentically without yielding to the user."
}
func (t *AgentContinueTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"}},"additionalProperties":false}`)
}
func (t *AgentContinueTool) RequiresPermission(json.RawMessage) bool { return false }
func (t *AgentContinueTool) FlowControl() FlowControlKind            { return FlowControlContinue }
func (t *AgentContinueTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "continuing", nil
}

// ReturnToUserTool signals the driver to end the turn.
type ReturnToUserTool struct{}

func NewReturnToUserTool() *ReturnToUserTool { return &ReturnToUserTool{} }

func (t *ReturnToUserTool) Name() string        { return "return_to_user" }
func (t *ReturnToUserTool) Category() string    { return "flow_control" }
func (t *ReturnToUserTool) Description() string {
	return "End the turn and yield control back to the user."
}
func (t *ReturnToUserTool) InputSchema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"summary":{"type":"string"}},"additionalProperties":false}`)
}
func (t *ReturnToUserTool) RequiresPermission(json.RawMessage) bool { return false }
func (t *ReturnToUserTool) FlowControl() FlowControlKind            { return FlowControlReturnToUser }
func (t *ReturnToUserTool) Execute(context.Context, json.RawMessage) (string, error) {
	return "returning to user", nil
}

func statReadFile(path string) (string, error) {
	data, err := safeio.ReadFileIfExists(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
