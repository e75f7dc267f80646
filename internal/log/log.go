// Package log provides structured logging for the orchestration core.
// It wraps zap with category fields and publishes every entry on a broker
// so subscribers (the orchestrator's event stream, tests) can observe logs
// without tailing a file. Logging is on at info level; a non-empty
// SWARM_DEBUG lowers the level to debug.
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cbriice/agentswarm/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
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
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Category groups related log messages by subsystem.
type Category string

const (
	CatStore        Category = "store"
	CatMailbox      Category = "mailbox"
	CatPane         Category = "pane"
	CatWorktree     Category = "worktree"
	CatWorkflow     Category = "workflow"
	CatRecovery     Category = "recovery"
	CatOrchestrator Category = "orchestrator"
	CatConfig       Category = "config"
	CatWatcher      Category = "watcher"
)

// Entry is a single structured log record, published to subscribers.
type Entry struct {
	Level    Level
	Category Category
	Message  string
	Fields   []any
}

// logger wraps a zap.Logger and a broker used to fan log entries out to
// in-process subscribers (e.g. an orchestrator event stream).
type logger struct {
	mu       sync.RWMutex
	zl       *zap.Logger
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

var (
	defaultLogger *logger
	once          sync.Once
)

// Init initializes the global logger. Any non-empty SWARM_DEBUG enables debug level;
// SWARM_NO_COLOR disables ANSI color in the console encoder. Presentation
// only — neither affects orchestration semantics.
func Init() (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger()
	})
	if initErr != nil {
		return nil, initErr
	}
	return func() {
		if defaultLogger != nil && defaultLogger.zl != nil {
			_ = defaultLogger.zl.Sync()
		}
	}, nil
}

func newLogger() (*logger, error) {
	debug := os.Getenv("SWARM_DEBUG") != ""
	noColor := os.Getenv("SWARM_NO_COLOR") != ""

	minLevel := LevelInfo
	if debug {
		minLevel = LevelDebug
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if !noColor {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(minLevel.zapLevel()),
	)

	return &logger{
		zl:       zap.New(core),
		enabled:  true,
		minLevel: minLevel,
		broker:   pubsub.NewBroker[Entry](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.enabled = enabled
	defaultLogger.mu.Unlock()
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.Lock()
	defaultLogger.minLevel = level
	defaultLogger.mu.Unlock()
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) { emit(LevelDebug, cat, msg, fields...) }

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) { emit(LevelInfo, cat, msg, fields...) }

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) { emit(LevelWarn, cat, msg, fields...) }

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) { emit(LevelError, cat, msg, fields...) }

// ErrorErr logs an error with the error value attached.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	emit(LevelError, cat, msg, fields...)
}

func emit(level Level, cat Category, msg string, fields ...any) {
	if defaultLogger == nil {
		return
	}
	defaultLogger.mu.RLock()
	enabled, minLevel := defaultLogger.enabled, defaultLogger.minLevel
	defaultLogger.mu.RUnlock()
	if !enabled || level < minLevel {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields)/2+1)
	zapFields = append(zapFields, zap.String("category", string(cat)))
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = "field"
		}
		zapFields = append(zapFields, zap.Any(key, fields[i+1]))
	}
	if len(fields)%2 != 0 {
		zapFields = append(zapFields, zap.Any("unmatched", fields[len(fields)-1]))
	}

	switch level {
	case LevelDebug:
		defaultLogger.zl.Debug(msg, zapFields...)
	case LevelWarn:
		defaultLogger.zl.Warn(msg, zapFields...)
	case LevelError:
		defaultLogger.zl.Error(msg, zapFields...)
	default:
		defaultLogger.zl.Info(msg, zapFields...)
	}

	if defaultLogger.broker != nil {
		defaultLogger.broker.Publish(pubsub.CreatedEvent, Entry{Level: level, Category: cat, Message: msg, Fields: fields})
	}
}

// Subscribe returns a channel of log entries, cleaned up when ctx is done.
func Subscribe(ctx context.Context) <-chan pubsub.Event[Entry] {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}
