// Package corelog provides global structured logging for the repair core.
// Use dot import to access L_trace/L_debug/L_info/L_warn/L_error directly.
//
// Unlike a typical CLI's logger, the default output is io.Discard: the
// core is a library consumed by a TUI, CLI, and federation layer, and
// must never assume it owns the process's stderr. Callers that want
// output pass a writer in Config.Output to Init explicitly (cmd/sessionmend
// does this at startup).
package corelog

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
)

// Log levels
const (
	LevelFatal = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	mu     sync.RWMutex
	logger *log.Logger
	once   sync.Once

	// currentLevel drives manual trace filtering, since charmbracelet/log
	// has no trace level of its own.
	currentLevel int32 = LevelInfo
)

// Config configures the global logger.
type Config struct {
	Level      int
	Output     io.Writer // nil = io.Discard
	ShowCaller bool
}

// DefaultConfig returns a library-safe default: info level, discarded output.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Output: io.Discard,
	}
}

// Init initializes the global logger. Safe to call multiple times; only
// the first call (or an explicit Configure) takes effect.
func Init(cfg *Config) {
	once.Do(func() { configure(cfg) })
}

// Configure reconfigures the logger at any time (e.g. a CLI wiring stderr
// after parsing --debug/--trace flags).
func Configure(cfg *Config) {
	configure(cfg)
}

func configure(cfg *Config) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = io.Discard
	}

	mu.Lock()
	logger = log.NewWithOptions(out, log.Options{
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
		ReportCaller:    cfg.ShowCaller,
		CallerOffset:    2,
	})
	mu.Unlock()

	atomic.StoreInt32(&currentLevel, int32(cfg.Level))
	setUnderlyingLevel(cfg.Level)
}

func setUnderlyingLevel(level int) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		return
	}
	switch level {
	case LevelTrace, LevelDebug:
		l.SetLevel(log.DebugLevel)
	case LevelInfo:
		l.SetLevel(log.InfoLevel)
	case LevelWarn:
		l.SetLevel(log.WarnLevel)
	case LevelError, LevelFatal:
		l.SetLevel(log.ErrorLevel)
	}
}

func ensureInit() {
	mu.RLock()
	ready := logger != nil
	mu.RUnlock()
	if !ready {
		Init(nil)
	}
}

func hasFmtVerb(s string) bool {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == '%' {
			next := s[i+1]
			if next != '%' && strings.ContainsRune("vsdtfgeopqxXbcUT+#", rune(next)) {
				return true
			}
		}
	}
	return false
}

func split(msg string, args []interface{}) (string, []interface{}) {
	if len(args) == 0 {
		return msg, nil
	}
	if hasFmtVerb(msg) {
		return fmt.Sprintf(msg, args...), nil
	}
	return msg, args
}

func logAt(level log.Level, msg string, args ...interface{}) {
	ensureInit()
	finalMsg, keyvals := split(msg, args)

	mu.RLock()
	l := logger
	mu.RUnlock()

	switch level {
	case log.DebugLevel:
		l.Debug(finalMsg, keyvals...)
	case log.InfoLevel:
		l.Info(finalMsg, keyvals...)
	case log.WarnLevel:
		l.Warn(finalMsg, keyvals...)
	case log.ErrorLevel:
		l.Error(finalMsg, keyvals...)
	case log.FatalLevel:
		l.Fatal(finalMsg, keyvals...)
	}
}

// L_trace logs at trace level; only emitted when the level is LevelTrace.
func L_trace(msg string, args ...interface{}) {
	if atomic.LoadInt32(&currentLevel) < int32(LevelTrace) {
		return
	}
	logAt(log.DebugLevel, "TRAC "+msg, args...)
}

// L_debug logs at debug level.
func L_debug(msg string, args ...interface{}) { logAt(log.DebugLevel, msg, args...) }

// L_info logs at info level.
func L_info(msg string, args ...interface{}) { logAt(log.InfoLevel, msg, args...) }

// L_warn logs at warn level.
func L_warn(msg string, args ...interface{}) { logAt(log.WarnLevel, msg, args...) }

// L_error logs at error level.
func L_error(msg string, args ...interface{}) { logAt(log.ErrorLevel, msg, args...) }

// SetLevel changes the log level at runtime.
func SetLevel(level int) {
	ensureInit()
	atomic.StoreInt32(&currentLevel, int32(level))
	setUnderlyingLevel(level)
}

// GetLevel returns the current log level.
func GetLevel() int {
	return int(atomic.LoadInt32(&currentLevel))
}
