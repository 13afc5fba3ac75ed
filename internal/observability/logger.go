// Package observability owns the process-wide zap logger: a console core for
// operators and an optional rotating JSON file for audits and `logs --follow`.
package observability

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/countygis/agentcore/internal/config"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	global   atomic.Pointer[zap.Logger]
	initOnce sync.Once
)

const (
	colorReset   = "\x1b[0m"
	timestampFmt = "2006-01-02T15:04:05.000Z07:00"
)

// sgrCodes maps configurable color names to ANSI foreground codes.
var sgrCodes = map[string]int{
	"black":   30,
	"red":     31,
	"green":   32,
	"yellow":  33,
	"blue":    34,
	"magenta": 35,
	"cyan":    36,
	"white":   37,
}

// ansiColor returns the escape sequence for a color name, or "" if unknown.
func ansiColor(name string) string {
	code, ok := sgrCodes[strings.ToLower(name)]
	if !ok {
		return ""
	}
	return fmt.Sprintf("\x1b[%dm", code)
}

// NewLogger builds a logger without touching the global instance. When
// cfg.LogFile is set, entries are also written as JSON to a rotating file.
func NewLogger(cfg config.LoggerConfig, console zapcore.WriteSyncer) *zap.Logger {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Level != "" {
		// Unknown level names keep the info default.
		_ = level.UnmarshalText([]byte(cfg.Level))
	}

	logger := zap.New(zapcore.NewTee(buildCores(cfg, console, level)...), buildOptions(cfg)...)
	if cfg.ServiceName != "" {
		logger = logger.Named(cfg.ServiceName)
	}
	return logger
}

func buildCores(cfg config.LoggerConfig, console zapcore.WriteSyncer, level zap.AtomicLevel) []zapcore.Core {
	var consoleEnc zapcore.Encoder
	if cfg.Format == "console" {
		consoleEnc = consoleEncoder(cfg.Colors)
	} else {
		consoleEnc = jsonEncoder()
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, console, level)}

	if cfg.LogFile == "" {
		return cores
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	return append(cores, zapcore.NewCore(jsonEncoder(), zapcore.AddSync(rotator), level))
}

func buildOptions(cfg config.LoggerConfig) []zap.Option {
	opts := []zap.Option{zap.AddStacktrace(zap.ErrorLevel)}
	if cfg.AddSource {
		opts = append(opts, zap.AddCaller())
	}
	return opts
}

func baseEncoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.TimeEncoderOfLayout(timestampFmt)
	return ec
}

func jsonEncoder() zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(ec)
}

// consoleEncoder renders one line per entry. Logger names get a trailing dot
// so "agentcore.mcp." reads apart from the message.
func consoleEncoder(colors config.ColorConfig) zapcore.Encoder {
	ec := baseEncoderConfig()
	ec.EncodeLevel = newColorizedLevelEncoder(colors)
	ec.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(name + ".")
	}
	return zapcore.NewConsoleEncoder(ec)
}

// newColorizedLevelEncoder wraps the upper-case level name in the configured
// color. Levels without a color are written plain.
func newColorizedLevelEncoder(colors config.ColorConfig) zapcore.LevelEncoder {
	palette := map[zapcore.Level]string{
		zapcore.DebugLevel:  ansiColor(colors.Debug),
		zapcore.InfoLevel:   ansiColor(colors.Info),
		zapcore.WarnLevel:   ansiColor(colors.Warn),
		zapcore.ErrorLevel:  ansiColor(colors.Error),
		zapcore.DPanicLevel: ansiColor(colors.DPanic),
		zapcore.PanicLevel:  ansiColor(colors.Panic),
		zapcore.FatalLevel:  ansiColor(colors.Fatal),
	}
	return func(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		name := level.CapitalString()
		if color := palette[level]; color != "" {
			name = color + name + colorReset
		}
		enc.AppendString(name)
	}
}

// Initialize installs the global logger. Only the first call has any effect.
func Initialize(cfg config.LoggerConfig, console zapcore.WriteSyncer) {
	initOnce.Do(func() {
		logger := NewLogger(cfg, console)
		global.Store(logger)
		zap.ReplaceGlobals(logger)
		zap.RedirectStdLog(logger)
	})
}

// InitializeLogger initializes the global logger on stdout, dropping colors
// when stdout is not a terminal.
func InitializeLogger(cfg config.LoggerConfig) {
	fd := os.Stdout.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		cfg.Colors = config.ColorConfig{}
	}
	Initialize(cfg, zapcore.Lock(os.Stdout))
}

// ResetForTest clears the global logger so a test can initialize its own.
func ResetForTest() {
	global.Store(nil)
	initOnce = sync.Once{}
}

// GetLogger returns the global logger, or a development logger named
// "fallback" when nothing has been initialized yet.
func GetLogger() *zap.Logger {
	if logger := global.Load(); logger != nil {
		return logger
	}
	fallback, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	fallback = fallback.Named("fallback")
	fallback.Warn("Global logger requested before initialization")
	return fallback
}

// Sync flushes the global logger. Errors from syncing a terminal or pipe are
// expected on most platforms and are not reported.
func Sync() {
	logger := global.Load()
	if logger == nil {
		return
	}
	err := logger.Sync()
	if err == nil || isUnsyncableStream(err) {
		return
	}
	fmt.Fprintln(os.Stderr, "Error: failed to sync logger:", err)
}

func isUnsyncableStream(err error) bool {
	return errors.Is(err, syscall.EINVAL) ||
		errors.Is(err, syscall.ENOTTY) ||
		errors.Is(err, syscall.ENOTSUP)
}
