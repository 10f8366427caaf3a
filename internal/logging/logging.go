// Package logging provides category-scoped logging for the telic loop.
// Each subsystem logs to its own file under <sprint>/.telic/logs/, with an
// optional mirrored console core when verbose mode is on. Logging is
// initialized once per process with the sprint directory.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category identifies a loop subsystem.
type Category string

const (
	CategoryLoop      Category = "loop"      // Decision engine iterations
	CategoryState     Category = "state"     // State store, gate transitions
	CategoryInvoker   Category = "invoker"   // Sub-agent process lifecycle
	CategoryPlanner   Category = "planner"   // Planning phase, quality gates
	CategoryServices  Category = "services"  // Service readiness supervision
	CategoryTasks     Category = "tasks"     // Task executor
	CategoryTests     Category = "tests"     // Test scheduler
	CategoryMeta      Category = "meta"      // Stuck detection, strategy
	CategoryEpic      Category = "epic"      // Epic decomposition, checkpoints
	CategoryCoherence Category = "coherence" // Coherence evaluation
)

var (
	mu      sync.RWMutex
	loggers = make(map[Category]*zap.SugaredLogger)
	base    *zap.Logger
	logsDir string
	verbose bool
)

// Initialize sets up the log directory and the shared zap core.
// Must be called once before any category logger is used; callers that log
// before initialization get a no-op logger.
func Initialize(sprintDir string, verboseMode bool) error {
	if sprintDir == "" {
		return fmt.Errorf("sprint directory required")
	}

	dir := filepath.Join(sprintDir, ".telic", "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()

	logsDir = dir
	verbose = verboseMode
	loggers = make(map[Category]*zap.SugaredLogger)

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if verboseMode {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	base = logger
	return nil
}

// Sync flushes all category loggers. Safe to call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	for _, l := range loggers {
		_ = l.Sync()
	}
	if base != nil {
		_ = base.Sync()
	}
}

// Get returns the sugared logger for a category, creating it on first use.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := buildCategoryLogger(cat)
	loggers[cat] = l
	return l
}

// buildCategoryLogger wires a file core (always, when initialized) plus the
// console core from the base logger when verbose. Called with mu held.
func buildCategoryLogger(cat Category) *zap.SugaredLogger {
	if logsDir == "" {
		return zap.NewNop().Sugar()
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewConsoleEncoder(encCfg)

	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	path := filepath.Join(logsDir, string(cat)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if base != nil {
			return base.Sugar().Named(string(cat))
		}
		return zap.NewNop().Sugar()
	}

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.AddSync(file), level),
	}
	if verbose && base != nil {
		cores = append(cores, base.Core())
	}
	return zap.New(zapcore.NewTee(cores...)).Sugar().Named(string(cat))
}

// Per-category convenience helpers. Info-level by default, Debug variants for
// the chatty paths.

func Loop(format string, args ...interface{})      { Get(CategoryLoop).Infof(format, args...) }
func LoopDebug(format string, args ...interface{}) { Get(CategoryLoop).Debugf(format, args...) }

func State(format string, args ...interface{})      { Get(CategoryState).Infof(format, args...) }
func StateDebug(format string, args ...interface{}) { Get(CategoryState).Debugf(format, args...) }

func Invoker(format string, args ...interface{})      { Get(CategoryInvoker).Infof(format, args...) }
func InvokerDebug(format string, args ...interface{}) { Get(CategoryInvoker).Debugf(format, args...) }

func Planner(format string, args ...interface{})      { Get(CategoryPlanner).Infof(format, args...) }
func PlannerDebug(format string, args ...interface{}) { Get(CategoryPlanner).Debugf(format, args...) }

func Services(format string, args ...interface{}) { Get(CategoryServices).Infof(format, args...) }

func Tasks(format string, args ...interface{})      { Get(CategoryTasks).Infof(format, args...) }
func TasksDebug(format string, args ...interface{}) { Get(CategoryTasks).Debugf(format, args...) }

func Tests(format string, args ...interface{})      { Get(CategoryTests).Infof(format, args...) }
func TestsDebug(format string, args ...interface{}) { Get(CategoryTests).Debugf(format, args...) }

func Meta(format string, args ...interface{}) { Get(CategoryMeta).Infof(format, args...) }

func Epic(format string, args ...interface{}) { Get(CategoryEpic).Infof(format, args...) }

func Coherence(format string, args ...interface{}) { Get(CategoryCoherence).Infof(format, args...) }
