package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Identifier is the SYSLOG_IDENTIFIER attached to journal entries.
const Identifier = "framerelay"

// Logger is satisfied by *slog.Logger. Components that only emit records
// accept this instead of the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`

	// Output overrides stdout detection. Used by tests.
	Output io.Writer `toml:"-"`
}

type moduleEntry struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

type registry struct {
	mu          sync.RWMutex
	config      Config
	initialized bool
	modules     map[string]*moduleEntry
	global      slog.LevelVar
}

var reg = newRegistry()

func newRegistry() *registry {
	return &registry{modules: make(map[string]*moduleEntry)}
}

// Initialize sets up the logging system. Loggers obtained earlier are
// rebuilt with the configured format and their level re-evaluated.
func Initialize(config Config) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.config = config
	reg.initialized = true
	reg.global.Set(levelOrDefault(config.Level, slog.LevelInfo))

	for name, entry := range reg.modules {
		entry.level.Set(reg.moduleLevel(name))
		entry.logger = slog.New(createHandler(config.Format, config.Output, entry.level)).With("module", name)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, config.Output, &reg.global)))
}

// GetLogger returns the logger for a module, creating it on first use.
func GetLogger(module string) *slog.Logger {
	reg.mu.RLock()
	entry, ok := reg.modules[module]
	reg.mu.RUnlock()
	if ok {
		return entry.logger
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if entry, ok = reg.modules[module]; ok {
		return entry.logger
	}

	levelVar := &slog.LevelVar{}
	levelVar.Set(reg.moduleLevel(module))

	format := "text"
	var out io.Writer
	if reg.initialized {
		format = reg.config.Format
		out = reg.config.Output
	}

	entry = &moduleEntry{
		logger: slog.New(createHandler(format, out, levelVar)).With("module", module),
		level:  levelVar,
	}
	reg.modules[module] = entry
	return entry.logger
}

// SetModuleLevel changes a module's level at runtime.
// Returns false if the level string is not recognised.
func SetModuleLevel(module, level string) bool {
	parsed := parseLevel(level)
	if parsed == nil {
		return false
	}
	GetLogger(module)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.modules[module].level.Set(*parsed)
	return true
}

// SetLevels replaces the global level and the module overrides at runtime,
// keeping the handlers. Modules without an override follow level.
func SetLevels(level string, modules map[string]string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	reg.config.Level = level
	reg.config.Modules = modules
	reg.initialized = true
	reg.global.Set(levelOrDefault(level, slog.LevelInfo))
	for name, entry := range reg.modules {
		entry.level.Set(reg.moduleLevel(name))
	}
}

// moduleLevel must be called with reg.mu held.
func (r *registry) moduleLevel(module string) slog.Level {
	if !r.initialized {
		return slog.LevelInfo
	}
	level := levelOrDefault(r.config.Level, slog.LevelInfo)
	if override, ok := r.config.Modules[module]; ok {
		level = levelOrDefault(override, level)
	}
	return level
}

// createHandler builds the handler chain: stdout (or the configured writer)
// plus journald when it is reachable.
func createHandler(format string, out io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	writer := out
	if writer == nil {
		writer = os.Stdout
	}

	var streamHandler slog.Handler
	if format == "json" {
		streamHandler = slog.NewJSONHandler(writer, opts)
	} else {
		streamHandler = slog.NewTextHandler(writer, opts)
	}

	if out != nil {
		return streamHandler
	}

	var handlers []slog.Handler
	if isStdoutAvailable() {
		handlers = append(handlers, streamHandler)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level))
	}

	switch len(handlers) {
	case 0:
		return streamHandler
	case 1:
		return handlers[0]
	default:
		return NewMultiHandler(handlers...)
	}
}

// isStdoutAvailable reports whether stdout is a terminal, pipe, socket or
// regular file. /dev/null is a device and does not count.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	return mode&(os.ModeCharDevice|os.ModeNamedPipe|os.ModeSocket) != 0 || mode.IsRegular()
}

func levelOrDefault(level string, fallback slog.Level) slog.Level {
	if parsed := parseLevel(level); parsed != nil {
		return *parsed
	}
	return fallback
}

// parseLevel converts a level name to slog.Level, nil if unknown.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error", "fatal":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
