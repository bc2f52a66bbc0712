// Package logx builds the process logger: a console encoder on stdout, plus
// an optional rotated log file.
package logx

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	// Stdout defaults to os.Stdout.
	Stdout io.Writer
}

func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

func encoderConfig(color bool) zapcore.EncoderConfig {
	level := zapcore.CapitalLevelEncoder
	if color {
		level = zapcore.CapitalColorLevelEncoder
	}
	return zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		NameKey:     "logger",
		EncodeLevel: level,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}
}

// New returns the logger and a close func that flushes it. The file, if
// any, never gets color escapes.
func New(opt Options) (*zap.Logger, func() error, error) {
	lvl, err := ParseLevel(opt.Level)
	if err != nil {
		return nil, nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)

	var out io.Writer = os.Stdout
	if opt.Stdout != nil {
		out = opt.Stdout
	}
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(opt.Stdout == nil)), zapcore.AddSync(out), atomicLevel),
	}

	var file *lumberjack.Logger
	if opt.File != "" {
		file = &lumberjack.Logger{
			Filename:   opt.File,
			MaxSize:    opt.MaxSizeMB,
			MaxBackups: opt.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig(false)), zapcore.AddSync(file), atomicLevel))
	}

	logger := zap.New(zapcore.NewTee(cores...))
	closeFn := func() error {
		_ = logger.Sync()
		if file != nil {
			return file.Close()
		}
		return nil
	}
	return logger, closeFn, nil
}
