// Package logger configures the process-wide zap logger.
package logger

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder.
type Format string

const (
	FormatConsole Format = "CONSOLE"
	FormatJSON    Format = "JSON"
)

// Component names used with Named loggers.
const (
	ComponentAPI       = "api"
	ComponentStore     = "store"
	ComponentSecurity  = "security"
	ComponentProjects  = "projects"
	ComponentDocuments = "documents"
	ComponentTasks     = "tasks"
	ComponentExecutor  = "executor"
	ComponentTriggers  = "triggers"
	ComponentServices  = "services"
	ComponentStorage   = "storage"
)

var once sync.Once

func parseLevel(level string) zapcore.Level {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return zapcore.DebugLevel
	case "WARN":
		return zapcore.WarnLevel
	case "ERROR":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

// New builds a logger writing to stdout.
func New(level string, format Format) *zap.Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if Format(strings.ToUpper(string(format))) == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), zap.NewAtomicLevelAt(parseLevel(level)))
	return zap.New(core, zap.AddCaller())
}

// Initialize installs the global logger once. Later calls are no-ops.
func Initialize(level string, format Format) {
	once.Do(func() {
		l := New(level, format)
		zap.ReplaceGlobals(l)
		l.Info("Logger initialized", zap.String("level", level), zap.String("format", string(format)))
	})
}

// GetLogger returns the global logger. Before Initialize it is zap's no-op
// logger, which keeps tests quiet.
func GetLogger() *zap.Logger {
	return zap.L()
}

// For returns a sugared logger named after a component.
func For(component string) *zap.SugaredLogger {
	return zap.L().Named(component).Sugar()
}
