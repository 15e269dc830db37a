// Copyright 2016 by Thorsten von Eicken, see LICENSE file

// Package obslog wraps a console-encoded *zap.Logger with helpers that
// attach node context to every log line. The driver layers below keep
// their own printf-style hooks; everything above them logs through this.
package obslog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the log level.
type Config struct {
	Level string // debug, info, warn, error; default info
}

// New builds a console-encoded *zap.Logger.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), zapcore.Lock(zapcore.AddSync(os.Stdout)), level)
	return zap.New(core, zap.AddCaller()), nil
}

// WithLink returns a logger annotated with link-role and device-id context,
// attached to every call site in the link and runtime packages.
func WithLink(log *zap.Logger, role string, deviceID byte) *zap.Logger {
	return log.With(zap.String("link_role", role), zap.Uint8("device_id", deviceID))
}
