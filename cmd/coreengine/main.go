// Command coreengine is the engine's minimal wiring entrypoint: it
// resolves configuration, opens a context, assembles the tool
// registry, hook pipeline, driver, and compactor, and runs one turn.
//
// This is deliberately not a reimplementation of the teacher's CLI
// surface (cmd/claude/main.go's extensive flag parsing, TUI, and
// session-resume machinery are all out of scope per spec §1's
// "command-line argument parsing" and "interactive terminal UI"
// non-goals). What remains is the wiring itself: the thing that turns
// the packages in internal/ into a running process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/anthropics/coreengine/internal/agentloop"
	"github.com/anthropics/coreengine/internal/api"
	"github.com/anthropics/coreengine/internal/auth"
	"github.com/anthropics/coreengine/internal/compact"
	"github.com/anthropics/coreengine/internal/config"
	"github.com/anthropics/coreengine/internal/corectx"
	"github.com/anthropics/coreengine/internal/ctxlock"
	"github.com/anthropics/coreengine/internal/hookpipeline"
	"github.com/anthropics/coreengine/internal/mcpbridge"
	"github.com/anthropics/coreengine/internal/obslog"
	"github.com/anthropics/coreengine/internal/obsmetrics"
	"github.com/anthropics/coreengine/internal/partition"
	"github.com/anthropics/coreengine/internal/pluginhost"
	"github.com/anthropics/coreengine/internal/tools"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	contextName := flag.String("context", "default", "context to open")
	message := flag.String("message", "", "user message for this turn; required unless -compact is set")
	compactMode := flag.String("compact", "", "run a compaction instead of a turn: manual, archival, or rolling")
	model := flag.String("model", "", "model override (layer 6, highest priority)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	mcpAddr := flag.String("mcp-bridge", "", "if set, dial the MCP bridge daemon at this address and discover its tools")
	flag.Parse()

	if err := run(*contextName, *message, *compactMode, *model, *verbose, *metricsAddr, *mcpAddr); err != nil {
		fmt.Fprintln(os.Stderr, "coreengine:", err)
		os.Exit(1)
	}
}

func run(contextName, message, compactMode, modelOverride string, verbose bool, metricsAddr, mcpAddr string) error {
	paths, err := config.DefaultPaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}

	overrides := config.Overrides{Verbose: &verbose}
	if modelOverride != "" {
		overrides.Model = modelOverride
	}
	cfg, err := config.Resolve(paths, overrides)
	if err != nil {
		return fmt.Errorf("resolve config: %w", err)
	}

	logOpts := obslog.Options{Verbose: cfg.Verbose, Path: cfg.LogPath}
	if _, err := obslog.Configure(logOpts); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := obsmetrics.New(reg)
	if metricsAddr != "" {
		serveMetrics(reg, metricsAddr)
	}

	credStore, err := auth.NewCredentialStore()
	if err != nil {
		return fmt.Errorf("open credential store: %w", err)
	}
	tokenProvider := auth.NewTokenProvider(credStore)

	modelID := api.ResolveModelAlias(cfg.Model)
	client := api.NewClient(tokenProvider,
		api.WithModel(modelID),
		api.WithMaxTokens(8192),
		api.WithVersion("2023-06-01"),
	)

	store := corectx.NewStore(paths.HomeDir, partition.Limits{
		MaxEntries:     cfg.PartitionMaxEntries,
		MaxTokens:      cfg.PartitionMaxTokens,
		MaxAgeSeconds:  cfg.PartitionMaxAgeSeconds,
		BytesPerToken:  cfg.BytesPerToken,
		BloomEnabled:   true,
		BloomTargetFPR: 0.01,
	})

	lockOpts := ctxlock.Options{
		HeartbeatInterval: time.Duration(cfg.LockHeartbeatSeconds) * time.Second,
		StalenessFactor:   cfg.LockStalenessFactor,
		AcquireTimeout:    time.Duration(cfg.LockAcquireTimeoutSeconds) * time.Second,
	}

	if err := store.SweepAutoDestroy(contextName, time.Now().Unix()); err != nil {
		obslog.Default().Warn("auto-destroy sweep failed", "error", err)
	}

	cc, err := store.Open(contextName, lockOpts, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("open context %q: %w", contextName, err)
	}
	defer cc.Close()

	hookReg := hookpipeline.NewRegistry()
	hookRunner := hookpipeline.NewRunner(hookReg)

	// This entrypoint runs one turn non-interactively (spec §1: "the core
	// is not an interactive shell"), so there is no terminal to prompt:
	// bypass permission mode allows every tool call before any rule is
	// consulted, so nothing ever blocks on stdin; the always-allow
	// fallback is not reached while that mode is set.
	permCtx := config.NewToolPermissionContext()
	permCtx.SetMode(config.ModeBypassPermissions)
	permHandler := config.NewRuleBasedPermissionHandler(nil, &tools.AlwaysAllowPermissionHandler{})
	permHandler.SetPermissionContext(permCtx)
	bgStore := tools.NewBackgroundTaskStore()
	registry := newToolRegistry(store, cc, cfg, paths.HomeDir, permHandler, hookRunner, bgStore)

	pluginWatcher, err := pluginhost.Watch(context.Background(), paths.PluginsDir, func(ctx context.Context) error {
		return registry.DiscoverPlugins(ctx, paths.PluginsDir, cfg.Verbose)
	})
	if err != nil {
		obslog.Default().Warn("plugin hot discovery disabled", "dir", paths.PluginsDir, "error", err)
	} else {
		defer pluginWatcher.Close()
	}

	if mcpAddr != "" {
		bridge, err := mcpbridge.Dial(context.Background(), mcpAddr)
		if err != nil {
			obslog.Default().Warn("mcp bridge dial failed, continuing without it", "addr", mcpAddr, "error", err)
		} else {
			defer bridge.Close()
			if err := registry.DiscoverMCPTools(context.Background(), bridge, 30*time.Second); err != nil {
				obslog.Default().Warn("mcp tool discovery failed", "error", err)
			}
		}
	}

	engine := agentloop.New(client, registry, hookRunner, metrics, cfg)
	compactor := compact.New(client, cfg, metrics, func() int64 { return time.Now().Unix() })

	// spawn_agent is registered after the engine exists, since running a
	// sub-agent means driving the same engine against a different
	// context — a tool can't be constructed before the thing it calls.
	registry.Register(tools.NewSpawnAgentTool(&agentRunner{store: store, engine: engine, lockOpts: lockOpts}, hookRunner, bgStore))

	ctx := context.Background()

	switch compactMode {
	case "manual":
		return compactor.ManualCompact(ctx, cc)
	case "archival":
		return compactor.ManualArchive(cc)
	case "rolling":
		return compactor.RollingCompact(ctx, cc)
	case "":
		// fall through to running a turn below
	default:
		return fmt.Errorf("unknown -compact mode %q (want manual, archival, or rolling)", compactMode)
	}

	if message == "" {
		return fmt.Errorf("-message is required unless -compact is set")
	}

	if entries, err := cc.Window.Load(); err != nil {
		obslog.Default().Warn("window load before auto-compact check failed", "error", err)
	} else if compactor.ShouldRollingCompact(entries) {
		if err := compactor.RollingCompact(ctx, cc); err != nil {
			obslog.Default().Warn("auto rolling compaction failed, continuing with uncompacted window", "error", err)
		}
	}

	return engine.RunTurn(ctx, cc, message, &printStreamHandler{})
}

// newToolRegistry assembles the built-in file/shell/task tools plus the
// per-context state and flow-control tools from contexttools.go, bound
// to the context just opened. Grounded on cmd/claude/main.go's
// registration block, trimmed of the tools that have no callable
// surface in this architecture (TodoWriteTool and AskUserTool, both
// deleted — see DESIGN.md).
func newToolRegistry(store *corectx.Store, cc *corectx.Context, cfg config.Config, homeDir string, perm tools.PermissionHandler, hooks *hookpipeline.Runner, bgStore *tools.BackgroundTaskStore) *tools.Registry {
	registry := tools.NewRegistry(perm, hooks)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	registry.Register(tools.NewBashTool(cwd))
	registry.Register(tools.NewFileReadTool())
	registry.Register(tools.NewFileEditTool())
	registry.Register(tools.NewFileWriteTool())
	registry.Register(tools.NewGlobTool(cwd))
	registry.Register(tools.NewGrepTool(cwd))
	registry.Register(tools.NewNotebookEditTool())
	registry.Register(tools.NewWebFetchTool(&http.Client{Timeout: 30 * time.Second}))
	registry.Register(tools.NewWebSearchTool())
	registry.Register(tools.NewWorktreeTool(cwd))
	registry.Register(tools.NewExitPlanModeTool())
	registry.Register(tools.NewConfigTool(cwd))

	registry.Register(tools.NewTaskOutputTool(bgStore))
	registry.Register(tools.NewTaskStopTool(bgStore))

	registry.Register(tools.NewTodoUpdateTool(cc.Dir))
	registry.Register(tools.NewGoalUpdateTool(cc.Dir))
	registry.Register(tools.NewReflectionUpdateTool(homeDir, cfg.ReflectionMaxChars))
	registry.Register(tools.NewSendMessageTool(store, cc.Name))
	registry.Register(tools.NewReadOtherContextTool(store))
	registry.Register(tools.NewModelInfoTool(cfg.Model, cfg.ModelParameters))
	registry.Register(tools.NewAgentContinueTool())
	registry.Register(tools.NewReturnToUserTool())

	return registry
}

// agentRunner implements tools.AgentRunner by opening (or creating) a
// context by name and driving one engine turn against it. This is how
// the spawn_agent tool reaches the engine without internal/tools
// importing internal/agentloop (which already imports internal/tools
// for *tools.Registry).
type agentRunner struct {
	store    *corectx.Store
	engine   *agentloop.Engine
	lockOpts ctxlock.Options
}

func (a *agentRunner) RunAgent(ctx context.Context, contextName, prompt string) (string, error) {
	sub, err := a.store.Open(contextName, a.lockOpts, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("open sub-agent context %q: %w", contextName, err)
	}
	defer sub.Close()

	var sink collectingStreamHandler
	if err := a.engine.RunTurn(ctx, sub, prompt, &sink); err != nil {
		return "", err
	}
	return sink.String(), nil
}

// collectingStreamHandler buffers text deltas instead of printing them,
// for spawn_agent's synchronous callers, which need the sub-agent's
// final text rather than a live terminal stream.
type collectingStreamHandler struct {
	buf strings.Builder
}

func (h *collectingStreamHandler) String() string { return h.buf.String() }

func (h *collectingStreamHandler) OnMessageStart(api.MessageResponse)        {}
func (h *collectingStreamHandler) OnContentBlockStart(int, api.ContentBlock) {}
func (h *collectingStreamHandler) OnTextDelta(_ int, text string)            { h.buf.WriteString(text) }
func (h *collectingStreamHandler) OnThinkingDelta(int, string)               {}
func (h *collectingStreamHandler) OnSignatureDelta(int, string)              {}
func (h *collectingStreamHandler) OnInputJSONDelta(int, string)              {}
func (h *collectingStreamHandler) OnContentBlockStop(int)                   {}
func (h *collectingStreamHandler) OnMessageDelta(api.MessageDeltaBody, *api.Usage) {}
func (h *collectingStreamHandler) OnMessageStop()                           {}
func (h *collectingStreamHandler) OnError(error)                            {}

func serveMetrics(reg *prometheus.Registry, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			obslog.Default().Warn("metrics server stopped", "addr", addr, "error", err)
		}
	}()
}

// printStreamHandler prints text deltas to stdout as they arrive.
// Grounded on the teacher's conversation.PrintStreamHandler
// (internal/conversation/loop.go), extended with the two delta
// methods (OnThinkingDelta/OnSignatureDelta) api.StreamHandler added
// beyond the teacher's narrower interface.
type printStreamHandler struct{}

func (printStreamHandler) OnMessageStart(api.MessageResponse)             {}
func (printStreamHandler) OnContentBlockStart(int, api.ContentBlock)      {}
func (printStreamHandler) OnTextDelta(_ int, text string)                 { fmt.Print(text) }
func (printStreamHandler) OnThinkingDelta(int, string)                    {}
func (printStreamHandler) OnSignatureDelta(int, string)                   {}
func (printStreamHandler) OnInputJSONDelta(int, string)                   {}
func (printStreamHandler) OnContentBlockStop(int)                        {}
func (printStreamHandler) OnMessageDelta(api.MessageDeltaBody, *api.Usage) {}
func (printStreamHandler) OnMessageStop()                                { fmt.Println() }

func (printStreamHandler) OnError(err error) {
	fmt.Fprintf(os.Stderr, "\nstream error: %v\n", err)
}
