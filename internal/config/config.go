// Package config resolves the engine's layered configuration: built-in
// defaults, a global TOML file, two designated environment overrides, a
// model-metadata table entry, a per-context TOML file, and finally
// per-invocation overrides passed through by the driver (spec §4.6).
//
// Grounded on afittestide-asimi-cli/config.go's koanf+TOML wiring
// (koanf.New, file.Provider + toml/v2 parser, env.Provider with a
// prefix/transform func), generalized from that repo's flat single-file
// load to the spec's explicit six-layer precedence and its one
// non-standard merge rule (tool filters).
package config

import (
	"os"
	"path/filepath"
	"strings"

	koanftoml "github.com/knadh/koanf/parsers/toml/v2"
	koanfenv "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	koanf "github.com/knadh/koanf/v2"

	"github.com/anthropics/coreengine/internal/corerr"
)

// ToolFilter is the per-layer tool-inclusion/exclusion setting. Merge
// rule (spec §4.6): `Include` at a lower layer is replaced wholesale by
// a higher layer that also sets `Include`; `Exclude`/`ExcludeCategories`
// append across all layers that set them.
type ToolFilter struct {
	Include           []string `koanf:"include"`
	Exclude           []string `koanf:"exclude"`
	ExcludeCategories []string `koanf:"exclude_categories"`
}

// Config is the fully resolved, immutable structure every other
// component consumes.
type Config struct {
	ContextWindowLimit         int        `koanf:"context_window_limit"`
	WarnThresholdPercent       int        `koanf:"warn_threshold_percent"`
	AutoCompact                bool       `koanf:"auto_compact"`
	AutoCompactThresholdPct    int        `koanf:"auto_compact_threshold_percent"`
	RollingCompactDropPercent  int        `koanf:"rolling_compact_drop_percentage"`
	ReflectionEnabled          bool       `koanf:"reflection_enabled"`
	ReflectionMaxChars         int        `koanf:"reflection_max_chars"`
	Fuel                       int        `koanf:"fuel"`
	FuelEmptyResponseCost      int        `koanf:"fuel_empty_response_cost"`
	LockHeartbeatSeconds       int        `koanf:"lock_heartbeat_seconds"`
	LockStalenessFactor        float64    `koanf:"lock_staleness_factor"`
	LockAcquireTimeoutSeconds  int        `koanf:"lock_acquire_timeout_seconds"`
	ToolCacheThresholdChars    int        `koanf:"tool_cache_threshold_chars"`
	ToolCachePreviewChars      int        `koanf:"tool_cache_preview_chars"`
	PartitionMaxEntries        int        `koanf:"partition_max_entries"`
	PartitionMaxTokens         int        `koanf:"partition_max_tokens"`
	PartitionMaxAgeSeconds     int64      `koanf:"partition_max_age_seconds"`
	BytesPerToken              int        `koanf:"bytes_per_token"`
	PreserveRecentEntries      int        `koanf:"preserve_recent_entries"`
	ToolTimeoutSeconds         int        `koanf:"tool_timeout_seconds"`
	ParallelToolCalls          bool       `koanf:"parallel_tool_calls"`
	DestroyAfterSecondsInactive int64     `koanf:"destroy_after_seconds_inactive"`
	Verbose                    bool       `koanf:"verbose"`
	LogPath                    string     `koanf:"log_path"`

	Model  string `koanf:"model"`
	APIKey string `koanf:"api_key"`

	ModelParameters map[string]any `koanf:"-"` // contributed by layer 4, not user-settable directly

	ToolFilters ToolFilter `koanf:"tool_filter"`
}

// Defaults enumerates the spec's built-in default values (§4.6 item 1).
func Defaults() Config {
	return Config{
		ContextWindowLimit:          200000,
		WarnThresholdPercent:        80,
		AutoCompact:                 false,
		AutoCompactThresholdPct:     80,
		RollingCompactDropPercent:   50,
		ReflectionEnabled:           true,
		ReflectionMaxChars:          10000,
		Fuel:                        30,
		FuelEmptyResponseCost:       15,
		LockHeartbeatSeconds:        30,
		LockStalenessFactor:         1.5,
		LockAcquireTimeoutSeconds:   30,
		ToolCacheThresholdChars:     4000,
		ToolCachePreviewChars:       500,
		PartitionMaxEntries:         1000,
		PartitionMaxTokens:          100000,
		PartitionMaxAgeSeconds:      30 * 24 * 3600,
		BytesPerToken:               3,
		PreserveRecentEntries:       4,
		ToolTimeoutSeconds:          120,
		ParallelToolCalls:           true,
		DestroyAfterSecondsInactive: 0,
	}
}

// ModelMetadata is one entry of models.toml: per-model API parameter
// overrides contributed as config layer 4.
type ModelMetadata struct {
	Model      string         `koanf:"model"`
	Parameters map[string]any `koanf:"parameters"`
}

// Paths names the on-disk locations the resolver reads from.
type Paths struct {
	HomeDir          string // env override or user-profile subdirectory
	GlobalConfigPath string // <home>/config.toml
	ModelsTOMLPath   string // <home>/models.toml
	LocalConfigPath  string // <context>/local.toml, empty if none
	PluginsDir       string // <home>/plugins
}

// DefaultPaths resolves Paths using the spec's documented environment
// variables, falling back to a user-profile subdirectory.
func DefaultPaths() (Paths, error) {
	home := os.Getenv("CORE_HOME")
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return Paths{}, corerr.Wrap(corerr.InternalError, err)
		}
		home = filepath.Join(userHome, ".coreengine")
	}
	return Paths{
		HomeDir:          home,
		GlobalConfigPath: filepath.Join(home, "config.toml"),
		ModelsTOMLPath:   filepath.Join(home, "models.toml"),
		PluginsDir:       filepath.Join(home, "plugins"),
	}, nil
}

// Overrides carries per-invocation values the driver passes through
// (layer 6), applied last and unconditionally.
type Overrides struct {
	Model      string
	APIKey     string
	AutoCompact *bool
	Fuel       *int
	Verbose    *bool
}

// Resolve merges all six layers in order and returns the final,
// immutable configuration.
func Resolve(paths Paths, overrides Overrides) (Config, error) {
	k := koanf.New(".")

	cfg := Defaults()
	if err := k.Load(structProvider(cfg), nil); err != nil {
		return Config{}, corerr.Wrap(corerr.InternalError, err)
	}

	if _, err := os.Stat(paths.GlobalConfigPath); err == nil {
		if err := k.Load(file.Provider(paths.GlobalConfigPath), koanftoml.Parser()); err != nil {
			return Config{}, corerr.Wrapf(corerr.InvalidData, err, "loading global config %s", paths.GlobalConfigPath)
		}
	}

	// Only the two designated keys are env-overridable per spec §4.6 item 3;
	// any other CORE_ variable is dropped by returning an empty key.
	if err := k.Load(koanfenv.Provider(".", koanfenv.Opt{
		Prefix: "CORE_",
		TransformFunc: func(key, value string) (string, any) {
			switch strings.TrimPrefix(key, "CORE_") {
			case "API_KEY":
				return "api_key", value
			case "MODEL":
				return "model", value
			}
			return "", nil
		},
	}), nil); err != nil {
		return Config{}, corerr.Wrap(corerr.InternalError, err)
	}

	var resolved Config
	if err := k.Unmarshal("", &resolved); err != nil {
		return Config{}, corerr.Wrap(corerr.InternalError, err)
	}
	priorToolFilter := resolved.ToolFilters

	if meta, ok, err := loadModelMetadata(paths.ModelsTOMLPath, resolved.Model); err != nil {
		return Config{}, err
	} else if ok {
		resolved.ModelParameters = meta.Parameters
	}

	if paths.LocalConfigPath != "" {
		if _, err := os.Stat(paths.LocalConfigPath); err == nil {
			lk := koanf.New(".")
			if err := lk.Load(file.Provider(paths.LocalConfigPath), koanftoml.Parser()); err != nil {
				return Config{}, corerr.Wrapf(corerr.InvalidData, err, "loading local config %s", paths.LocalConfigPath)
			}
			var localCfg Config
			if err := lk.Unmarshal("", &localCfg); err != nil {
				return Config{}, corerr.Wrap(corerr.InternalError, err)
			}
			mergeLayer(&resolved, localCfg, lk)
			priorToolFilter = mergeToolFilter(priorToolFilter, localCfg.ToolFilters, lk.Exists("tool_filter.include"))
		}
	}
	resolved.ToolFilters = priorToolFilter

	applyOverrides(&resolved, overrides)

	return resolved, nil
}

// structProvider adapts a populated Config struct into a koanf
// provider so defaults participate in the same merge machinery as file
// and env layers.
func structProvider(cfg Config) koanf.Provider {
	return confmapProvider{cfg}
}

type confmapProvider struct{ cfg Config }

func (p confmapProvider) ReadBytes() ([]byte, error) { return nil, corerr.New(corerr.InternalError, "unsupported") }
func (p confmapProvider) Read() (map[string]any, error) {
	return structToMap(p.cfg), nil
}

func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"context_window_limit":             cfg.ContextWindowLimit,
		"warn_threshold_percent":           cfg.WarnThresholdPercent,
		"auto_compact":                     cfg.AutoCompact,
		"auto_compact_threshold_percent":   cfg.AutoCompactThresholdPct,
		"rolling_compact_drop_percentage":  cfg.RollingCompactDropPercent,
		"reflection_enabled":               cfg.ReflectionEnabled,
		"reflection_max_chars":             cfg.ReflectionMaxChars,
		"fuel":                             cfg.Fuel,
		"fuel_empty_response_cost":         cfg.FuelEmptyResponseCost,
		"lock_heartbeat_seconds":           cfg.LockHeartbeatSeconds,
		"lock_staleness_factor":            cfg.LockStalenessFactor,
		"lock_acquire_timeout_seconds":     cfg.LockAcquireTimeoutSeconds,
		"tool_cache_threshold_chars":       cfg.ToolCacheThresholdChars,
		"tool_cache_preview_chars":         cfg.ToolCachePreviewChars,
		"partition_max_entries":            cfg.PartitionMaxEntries,
		"partition_max_tokens":             cfg.PartitionMaxTokens,
		"partition_max_age_seconds":        cfg.PartitionMaxAgeSeconds,
		"bytes_per_token":                  cfg.BytesPerToken,
		"preserve_recent_entries":          cfg.PreserveRecentEntries,
		"tool_timeout_seconds":             cfg.ToolTimeoutSeconds,
		"parallel_tool_calls":              cfg.ParallelToolCalls,
		"destroy_after_seconds_inactive":   cfg.DestroyAfterSecondsInactive,
		"verbose":                          cfg.Verbose,
		"log_path":                         cfg.LogPath,
		"model":                            cfg.Model,
		"api_key":                          cfg.APIKey,
	}
}

// mergeLayer applies a higher-priority layer over resolved for the keys
// that layer's source actually sets (src.Exists). Only model, api_key,
// fuel, auto_compact, verbose and context_window_limit are applied; any
// other key set in the layer is ignored. Tool filters are merged
// separately by mergeToolFilter.
func mergeLayer(resolved *Config, layer Config, src *koanf.Koanf) {
	if src.Exists("model") {
		resolved.Model = layer.Model
	}
	if src.Exists("api_key") {
		resolved.APIKey = layer.APIKey
	}
	if src.Exists("fuel") {
		resolved.Fuel = layer.Fuel
	}
	if src.Exists("auto_compact") {
		resolved.AutoCompact = layer.AutoCompact
	}
	if src.Exists("verbose") {
		resolved.Verbose = layer.Verbose
	}
	if src.Exists("context_window_limit") {
		resolved.ContextWindowLimit = layer.ContextWindowLimit
	}
}

// mergeToolFilter implements the spec's one non-standard merge rule:
// include is replaced wholesale when the higher layer also sets it;
// exclude/exclude_categories always append.
func mergeToolFilter(base, incoming ToolFilter, incomingSetsInclude bool) ToolFilter {
	merged := base
	if incomingSetsInclude {
		merged.Include = incoming.Include
	}
	merged.Exclude = append(append([]string(nil), merged.Exclude...), incoming.Exclude...)
	merged.ExcludeCategories = append(append([]string(nil), merged.ExcludeCategories...), incoming.ExcludeCategories...)
	return merged
}

func applyOverrides(cfg *Config, o Overrides) {
	if o.Model != "" {
		cfg.Model = o.Model
	}
	if o.APIKey != "" {
		cfg.APIKey = o.APIKey
	}
	if o.AutoCompact != nil {
		cfg.AutoCompact = *o.AutoCompact
	}
	if o.Fuel != nil {
		cfg.Fuel = *o.Fuel
	}
	if o.Verbose != nil {
		cfg.Verbose = *o.Verbose
	}
}

// loadModelMetadata reads models.toml and returns the entry matching
// modelName, if any (spec §4.6 item 4).
func loadModelMetadata(path, modelName string) (ModelMetadata, bool, error) {
	if modelName == "" {
		return ModelMetadata{}, false, nil
	}
	if _, err := os.Stat(path); err != nil {
		return ModelMetadata{}, false, nil
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), koanftoml.Parser()); err != nil {
		return ModelMetadata{}, false, corerr.Wrapf(corerr.InvalidData, err, "loading model metadata %s", path)
	}

	var table map[string]ModelMetadata
	if err := k.Unmarshal("models", &table); err != nil {
		return ModelMetadata{}, false, corerr.Wrap(corerr.InternalError, err)
	}
	meta, ok := table[modelName]
	return meta, ok, nil
}
