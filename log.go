package main

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// logLevel maps a configured log level onto zap: silent keeps errors only,
// verbose enables debug output.
func logLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "silent":
		return zapcore.ErrorLevel, nil
	case "", "normal":
		return zapcore.InfoLevel, nil
	case "verbose":
		return zapcore.DebugLevel, nil
	default:
		return zapcore.InfoLevel, errors.Errorf("unknown log level %q", s)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := logLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.DisableStacktrace = true
	cfg.Sampling = nil
	return cfg.Build()
}
