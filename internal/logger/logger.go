package logger

import (
	"os"
	"strings"

	"github.com/amerfu/llmrouter/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Logger *zap.Logger
	level  = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Initialize builds the process logger: JSON for format "json", colored
// console output otherwise.
func Initialize(cfg config.LoggingConfig) (*zap.Logger, error) {
	var zapConfig zap.Config

	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	level.SetLevel(parseLevel(cfg.Level))
	zapConfig.Level = level

	// Set output paths
	if cfg.OutputPath != "" && cfg.OutputPath != "stdout" {
		if cfg.OutputPath == "stderr" {
			zapConfig.OutputPaths = []string{"stderr"}
			zapConfig.ErrorOutputPaths = []string{"stderr"}
		} else {
			zapConfig.OutputPaths = []string{cfg.OutputPath}
			zapConfig.ErrorOutputPaths = []string{cfg.OutputPath}
		}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	Logger = logger
	return logger, nil
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

func parseLevel(l string) zapcore.Level {
	switch strings.ToLower(l) {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	case "fatal":
		return zap.FatalLevel
	default:
		return zap.InfoLevel
	}
}

func init() {
	// Initialize with default logger if not already initialized
	if Logger == nil {
		var logger *zap.Logger
		if os.Getenv("ENV") == "production" {
			logger, _ = zap.NewProduction()
		} else {
			logger, _ = zap.NewDevelopment()
		}
		Logger = logger
	}
}
