package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `yaml:"logFormat" env:"LOG_FORMAT" env-default:"console"`
	Level  string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`
}

// Validate normalizes and checks the format and level
func (c *LoggingConfig) Validate() error {
	c.Format = strings.ToLower(c.Format)
	switch c.Format {
	case "json", "console", "logfmt":
	default:
		return fmt.Errorf("logFormat must be 'json', 'console', or 'logfmt', got '%s'", c.Format)
	}

	c.Level = strings.ToLower(c.Level)
	if _, err := zapcore.ParseLevel(c.Level); err != nil || c.Level == "dpanic" || c.Level == "panic" || c.Level == "fatal" {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error, got '%s'", c.Level)
	}
	return nil
}

// NewLogger builds a zap logger writing to stdout
func NewLogger(cfg *LoggingConfig) (*zap.Logger, error) {
	return NewLoggerTo(cfg, os.Stdout)
}

// NewLoggerTo builds a zap logger writing to w. The console and json formats
// follow zap's development and production presets; logfmt uses a plain core.
func NewLoggerTo(cfg *LoggingConfig, w io.Writer) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	switch cfg.Format {
	case "logfmt":
		encoder = zaplogfmt.NewEncoder(zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		})
	case "json":
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		encoder = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(w), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}
