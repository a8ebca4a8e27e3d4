// Package logger builds the zap logger shared by the server and the device agent.
package logger

import (
	"fmt"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects level, encoding and optional file rotation.
type Config struct {
	Level string
	// Mode is "development" for colored console output, JSON otherwise.
	Mode string
	// Filename enables a rotating JSON log file in addition to the console.
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Mode:       "production",
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// IsDevelopment reports whether console output should be human readable.
func (c Config) IsDevelopment() bool {
	return c.Mode == "dev" || c.Mode == "development"
}

// New builds a logger for cfg.
func New(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var console zapcore.Encoder
	if cfg.IsDevelopment() {
		console = developmentEncoder()
	} else {
		console = jsonEncoder()
	}

	cores := []zapcore.Core{
		zapcore.NewCore(console, zapcore.Lock(os.Stdout), level),
	}
	if cfg.Filename != "" {
		cores = append(cores, zapcore.NewCore(jsonEncoder(), fileWriter(cfg), level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

func jsonEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func developmentEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func fileWriter(cfg Config) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		LocalTime:  true,
	})
}
