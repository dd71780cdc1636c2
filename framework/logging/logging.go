// Package logging строит zap логгер для сервисов sagaflow.
package logging

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config конфигурация логгера
type Config struct {
	Level       string // debug, info, warn, error
	Format      string // json, console
	Development bool
}

// NewLogger создает логгер по конфигурации
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Sampling = &zap.SamplingConfig{
			Initial:    100,
			Thereafter: 100,
		}
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stdout"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zc.Encoding = "json"
	case "console":
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	return zc.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))
}

// ParseLevel разбирает уровень логирования; пустая строка означает info
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zap.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return l, fmt.Errorf("unsupported log level: %s", level)
	}
	return l, nil
}

// OrNop возвращает no-op логгер вместо nil
func OrNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

type correlationKey struct{}

// ContextWithCorrelationID кладет correlation id в контекст
func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationKey{}, correlationID)
}

// CorrelationIDFromContext достает correlation id из контекста
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// WithContext добавляет к логгеру correlation_id из контекста
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	logger = OrNop(logger)
	if id := CorrelationIDFromContext(ctx); id != "" {
		return logger.With(zap.String("correlation_id", id))
	}
	return logger
}
