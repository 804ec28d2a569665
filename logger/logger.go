// Package logger builds the zap logger used across the daemon.
package logger

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	// Env is "dev" (colored console) or "prod" (JSON). Default "dev".
	Env string

	// Level is the minimum level: debug, info, warn, error. Default
	// "info".
	Level string

	// NodeID is added to every entry when set.
	NodeID string
}

// New builds a logger for the configuration. It falls back to a
// production logger if the configuration cannot be built.
func New(cfg Config) *zap.Logger {
	level := ParseLevel(cfg.Level)

	var zcfg zap.Config
	if strings.ToLower(cfg.Env) == "prod" {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	l, err := zcfg.Build()
	if err != nil {
		l, _ = zap.NewProduction()
	}

	if cfg.NodeID != "" {
		l = l.With(zap.String("node", cfg.NodeID))
	}
	return l
}

func ParseLevel(lvl string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
