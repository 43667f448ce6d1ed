// Package obslog configures the engine's structured diagnostic logger.
//
// Matches the pattern in afittestide-asimi-cli/main.go: a rotating file
// sink from lumberjack behind a log/slog text handler. Hook and tool
// subprocess failures, lock staleness recoveries, and compaction
// outcomes are logged here rather than surfaced as driver failures
// (spec §7).
package obslog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the rotating log sink.
type Options struct {
	// Path to the log file. If empty, logs go to stderr and are not rotated.
	Path string
	// Verbose enables debug-level output (mirrors config.Verbose).
	Verbose    bool
	MaxSizeMB  int // defaults to 10
	MaxBackups int // defaults to 5
	MaxAgeDays int // defaults to 30
}

var (
	mu      sync.Mutex
	current *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Configure installs the package-level logger used by Default(). Safe to
// call more than once (e.g. after config reload changes the verbose flag).
func Configure(opts Options) (*slog.Logger, error) {
	var w io.Writer = os.Stderr

	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
			return nil, err
		}
		maxSize := opts.MaxSizeMB
		if maxSize == 0 {
			maxSize = 10
		}
		maxBackups := opts.MaxBackups
		if maxBackups == 0 {
			maxBackups = 5
		}
		maxAge := opts.MaxAgeDays
		if maxAge == 0 {
			maxAge = 30
		}
		w = &lumberjack.Logger{
			Filename:   opts.Path,
			MaxSize:    maxSize,
			MaxBackups: maxBackups,
			MaxAge:     maxAge,
			Compress:   true,
		}
	}

	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))

	mu.Lock()
	current = logger
	mu.Unlock()

	return logger, nil
}

// Default returns the currently configured logger.
func Default() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return current
}
