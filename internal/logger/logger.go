// Package logger builds the node's zap loggers.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// AppLogFile receives the structured application log
	AppLogFile = "lanchat.log"
	// DebugLogFile receives best-effort diagnostics such as thumbnail failures
	DebugLogFile = "debug.log"
)

// Options configures New.
type Options struct {
	Level string
	// JSON switches the console encoder to JSON
	JSON bool
	// Dir holds the log files. Empty disables file sinks.
	Dir string
	// Console defaults to stderr
	Console zapcore.WriteSyncer
}

// Loggers holds the application logger and the debug sink.
type Loggers struct {
	App   *zap.Logger
	Debug *zap.Logger

	closers []func() error
}

// ParseLevel maps a config level name to a zap level
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
}

// New builds the console + file application logger and the debug.log sink.
// The debug sink never fails construction: if its file cannot be opened it
// becomes a no-op logger.
func New(opts Options) (*Loggers, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stderr)
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	var consoleEnc zapcore.Encoder
	if opts.JSON {
		consoleEnc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	} else {
		consoleEnc = zapcore.NewConsoleEncoder(consoleCfg)
	}

	l := &Loggers{}
	cores := []zapcore.Core{zapcore.NewCore(consoleEnc, console, level)}

	debug := zap.NewNop()
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		app, err := l.open(filepath.Join(opts.Dir, AppLogFile))
		if err != nil {
			return nil, err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), app, level))

		if sink, err := l.open(filepath.Join(opts.Dir, DebugLogFile)); err == nil {
			debug = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, zapcore.DebugLevel))
		}
	}

	l.App = zap.New(zapcore.NewTee(cores...))
	l.Debug = debug
	return l, nil
}

func (l *Loggers) open(path string) (zapcore.WriteSyncer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	l.closers = append(l.closers, f.Close)
	return zapcore.Lock(f), nil
}

// Close flushes and closes the file sinks.
func (l *Loggers) Close() error {
	_ = l.App.Sync()
	_ = l.Debug.Sync()
	var first error
	for _, c := range l.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	l.closers = nil
	return first
}
