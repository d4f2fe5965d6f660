// Package log is the process-wide leveled logger. Call sites pass a message
// followed by alternating key/value pairs.
package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Options configures Setup. Zero values give INFO console output on stderr.
type Options struct {
	Level  Level
	Format string // "console" or "json"
	Output io.Writer
}

var (
	mu     sync.RWMutex
	sugar  = newSugar(Options{})
	atomic = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Setup replaces the global logger.
func Setup(opts Options) {
	s := newSugar(opts)
	mu.Lock()
	sugar = s
	mu.Unlock()
}

// SetLevel changes the minimum level without rebuilding the logger.
func SetLevel(l Level) {
	atomic.SetLevel(toZapLevel(l))
}

// ParseLevel maps config strings like "debug" to a Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

func newSugar(opts Options) *zap.SugaredLogger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	atomic.SetLevel(toZapLevel(opts.Level))

	core := zapcore.NewCore(enc, zapcore.AddSync(out), atomic)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func current() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(msg string, kv ...any) {
	current().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warnw(msg, kv...)
}

// Error logs err under the "err" key ahead of the remaining pairs.
func Error(msg string, err error, kv ...any) {
	extended := append([]any{"err", err}, kv...)
	current().Errorw(msg, extended...)
}

// Sync flushes buffered entries. Call before exit.
func Sync() error {
	return current().Sync()
}
