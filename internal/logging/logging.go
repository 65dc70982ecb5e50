// Package logging provides the process-wide structured logger (C1).
//
// Logging is routed to the systemd journal when a journal socket is
// present (coreos/go-systemd/v22/journal) and falls back to stderr
// otherwise. The level is mutable at runtime so that config reload can
// adjust verbosity without restarting the process.
package logging

import (
	"fmt"
	"os"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func newStderrSink() *os.File { return os.Stderr }

// Level mirrors the spec's numeric log level (0=debug .. 4=critical).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelCritical
)

// String returns the zap-compatible level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError, LevelCritical:
		return "error"
	default:
		return "info"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// ParseLevel converts the spec's 0..4 integer into a Level. Out-of-range
// values are rejected — callers validate config before calling this.
func ParseLevel(n int) (Level, error) {
	if n < int(LevelDebug) || n > int(LevelCritical) {
		return LevelInfo, fmt.Errorf("logging: level %d out of range [0,4]", n)
	}
	return Level(n), nil
}

var (
	mu      sync.Mutex
	current *zap.Logger
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// journalCore adapts zapcore.Core to write through go-systemd's journal
// client instead of a file descriptor, preserving structured fields as
// journal key/value pairs.
type journalCore struct {
	zapcore.LevelEnabler
	fields []zapcore.Field
}

func newJournalCore(enab zapcore.LevelEnabler) zapcore.Core {
	return &journalCore{LevelEnabler: enab}
}

func (c *journalCore) With(fields []zapcore.Field) zapcore.Core {
	clone := &journalCore{LevelEnabler: c.LevelEnabler}
	clone.fields = append(append([]zapcore.Field{}, c.fields...), fields...)
	return clone
}

func (c *journalCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *journalCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range append(append([]zapcore.Field{}, c.fields...), fields...) {
		f.AddTo(enc)
	}
	enc.Fields["logger"] = ent.LoggerName
	return journal.Send(ent.Message, journalPriority(ent.Level), toStringMap(enc.Fields))
}

func (c *journalCore) Sync() error { return nil }

func journalPriority(lvl zapcore.Level) journal.Priority {
	switch lvl {
	case zapcore.DebugLevel:
		return journal.PriDebug
	case zapcore.InfoLevel:
		return journal.PriInfo
	case zapcore.WarnLevel:
		return journal.PriWarning
	case zapcore.ErrorLevel:
		return journal.PriErr
	default:
		return journal.PriCrit
	}
}

func toStringMap(m map[string]interface{}) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

// Init builds the process-wide logger at the given level. format is
// "json" (production encoder) or "console" (development encoder);
// anything else defaults to "json". Safe to call once at startup; use
// SetLevel for hot-reload adjustments afterward.
func Init(lvl Level, format string) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()

	level = zap.NewAtomicLevelAt(lvl.zapLevel())

	var encCfg zapcore.EncoderConfig
	var enc zapcore.Encoder
	if format == "console" {
		encCfg = zap.NewDevelopmentEncoderConfig()
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg = zap.NewProductionEncoderConfig()
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	var core zapcore.Core
	if journal.Enabled() {
		core = newJournalCore(level)
	} else {
		core = zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(newStderrSink())), level)
	}

	current = zap.New(core)
	return current
}

// L returns the current process-wide logger. Init must be called first;
// prior to that a no-op logger is returned so early startup code never
// nil-derefs.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if current == nil {
		return zap.NewNop()
	}
	return current
}

// SetLevel atomically adjusts the minimum level of the current logger.
// Used by ConfigManager subscribers on hot reload.
func SetLevel(lvl Level) {
	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(lvl.zapLevel())
}

// Reset discards the current logger. Legal only in tests.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	current = nil
}
