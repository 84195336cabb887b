// Package logger builds the process-wide zap logger. Components receive
// sugared child loggers; nothing logs through ambient globals.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls log destination and verbosity.
type Config struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string `json:"level,omitempty" yaml:"level,omitempty"`

	// Path is an optional rotated log file; stderr is always written.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// MaxSizeMB and MaxBackups bound the rotated file set.
	MaxSizeMB  int `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
}

// New constructs a zap logger writing to stderr and, when configured, a
// rotated file.
func New(config Config) *zap.Logger {
	level := zapcore.InfoLevel
	_ = level.Set(config.Level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.AddSync(os.Stderr), level),
	}
	if config.Path != "" {
		rotated := &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    orDefault(config.MaxSizeMB, 100),
			MaxBackups: orDefault(config.MaxBackups, 3),
		}
		jsonEncoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		cores = append(cores, zapcore.NewCore(jsonEncoder, zapcore.AddSync(rotated), level))
	}
	return zap.New(zapcore.NewTee(cores...))
}

// Nop returns a logger discarding everything; used by tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}

func orDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
