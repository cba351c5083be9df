package config

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger builds the process logger: JSON production output, or the
// console development encoder when APP_ENV=development.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zc = zap.NewDevelopmentConfig()
	}

	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("app", cfg.AppName)), nil
}
