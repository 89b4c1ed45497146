package mlog

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogConfig struct {
	// Level, can be "debug", "info", "warn", "error". Default is "info".
	Level string `yaml:"level"`

	// File, write logs to this file instead of stderr.
	File string `yaml:"file"`

	// Production, if true, logs will be json format.
	Production bool `yaml:"production"`
}

var (
	stderr = zapcore.Lock(os.Stderr)
	lvl    = zap.NewAtomicLevelAt(zap.InfoLevel)
	l      = zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncoderConfig()), stderr, lvl))
	s      = l.Sugar()
)

func NewLogger(lc *LogConfig) (*zap.Logger, error) {
	level, err := parseLogLevel(lc.Level)
	if err != nil {
		return nil, err
	}

	var out zapcore.WriteSyncer
	if lf := lc.File; len(lf) > 0 {
		f, err := os.OpenFile(lf, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = zapcore.Lock(f)
	} else {
		out = stderr
	}

	if lc.Production {
		return zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), out, level)), nil
	}
	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(defaultEncoderConfig()), out, level)), nil
}

func defaultEncoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}

// L returns the package level logger, which writes to stderr.
func L() *zap.Logger {
	return l
}

// S returns the sugared version of L.
func S() *zap.SugaredLogger {
	return s
}

// SetLevel sets the level of the package level logger.
func SetLevel(level zapcore.Level) {
	lvl.SetLevel(level)
}

func Lvl() zapcore.Level {
	return lvl.Level()
}

func parseLogLevel(s string) (zapcore.Level, error) {
	switch s {
	case "debug":
		return zap.DebugLevel, nil
	case "", "info":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level [%s]", s)
	}
}
