package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bilibilidm/botd/backend/config"
)

// New builds the root logger. Components take named children from it
// instead of writing through a package-level logger.
func New(cfg config.Config) (*zap.Logger, error) {
	if cfg.Debug {
		dev := zap.NewDevelopmentConfig()
		dev.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		return dev.Build()
	}
	prod := zap.NewProductionConfig()
	prod.EncoderConfig.TimeKey = "ts"
	prod.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return prod.Build()
}
