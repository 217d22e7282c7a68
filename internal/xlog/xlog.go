// Package xlog wires up the structured logger shared by every
// component. It keeps a terse "[INFO]/[FAIL]/[ERROR]" tagging
// convention but expresses it as zap levels with structured fields
// instead of interpolated strings, and colors the level tag on the
// stderr encoder the way a terminal client should.
package xlog

import (
	"os"

	"github.com/fatih/color"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	infoTag  = color.New(color.FgCyan).Sprint("INFO")
	warnTag  = color.New(color.FgYellow).Sprint("FAIL")
	errTag   = color.New(color.FgRed, color.Bold).Sprint("ERROR")
	fatalTag = color.New(color.FgRed, color.Bold, color.Underline).Sprint("FATAL")
)

func levelEncoder(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch level {
	case zapcore.DebugLevel:
		enc.AppendString("DEBUG")
	case zapcore.InfoLevel:
		enc.AppendString(infoTag)
	case zapcore.WarnLevel:
		enc.AppendString(warnTag)
	case zapcore.ErrorLevel:
		enc.AppendString(errTag)
	default:
		enc.AppendString(fatalTag)
	}
}

// New builds the process-wide logger. When debugPath is non-empty,
// debug-level records are additionally written to that file (the
// CLI's -d flag).
func New(debugPath string) (*zap.Logger, error) {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		MessageKey:   "msg",
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  levelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	stderrCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(zapcore.InfoLevel),
	)

	cores := []zapcore.Core{stderrCore}

	if debugPath != "" {
		f, err := os.OpenFile(debugPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		debugCore := zapcore.NewCore(
			zapcore.NewJSONEncoder(encCfg),
			zapcore.Lock(f),
			zap.NewAtomicLevelAt(zapcore.DebugLevel),
		)
		cores = append(cores, debugCore)
	}

	return zap.New(zapcore.NewTee(cores...)), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
