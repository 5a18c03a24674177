package logging

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ===== ZAP BACKEND =====

// ZapConfig defines the daemon's logging sinks
type ZapConfig struct {
	Level      string // "critical", "error", "warning", "info", "debug"
	Stdout     bool   // Log at Level to stdout; when false stdout gets warnings and above whatever Level is
	File       string // Optional log file path, rotated by size
	FileFormat string // "console" or "json"
	MaxSizeMB  int
	MaxBackups int
	Caller     bool
}

// DefaultZapConfig mirrors the rotation policy used for the daemon log file
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:      "info",
		Stdout:     true,
		FileFormat: "console",
		MaxSizeMB:  2,
		MaxBackups: 10,
	}
}

// ZapLogger adapts a zap logger to the Logger interface
type ZapLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger builds a tee of a stdout core and an optional rotating file core
func NewZapLogger(config ZapConfig) (*ZapLogger, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(zapcore.AddSync(os.Stdout)),
			stdoutLevel(config, level),
		),
	}

	if config.File != "" {
		var encoder zapcore.Encoder
		switch config.FileFormat {
		case "json":
			encoder = zapcore.NewJSONEncoder(encoderConfig)
		default:
			encoder = zapcore.NewConsoleEncoder(encoderConfig)
		}
		rotator := &lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	return NewZapLoggerFrom(zap.New(zapcore.NewTee(cores...), opts...)), nil
}

// stdoutLevel is level, or warn when stdout is restricted
func stdoutLevel(config ZapConfig, level zapcore.Level) zapcore.Level {
	if !config.Stdout {
		return zapcore.WarnLevel
	}
	return level
}

// NewZapLoggerFrom wraps an existing zap logger
func NewZapLoggerFrom(zapLogger *zap.Logger) *ZapLogger {
	return &ZapLogger{
		logger: zapLogger,
		sugar:  zapLogger.Sugar(),
	}
}

func (z *ZapLogger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case LogLevelDebug:
		z.sugar.Debugf(format, args...)
	case LogLevelInfo:
		z.sugar.Infof(format, args...)
	case LogLevelWarn:
		z.sugar.Warnf(format, args...)
	default:
		z.sugar.Errorf(format, args...)
	}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelDebug, format, args...)
}

func (z *ZapLogger) Infof(format string, args ...interface{}) {
	z.LogLevelf(LogLevelInfo, format, args...)
}

func (z *ZapLogger) Warnf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelWarn, format, args...)
}

func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.LogLevelf(LogLevelError, format, args...)
}

// Sync flushes any buffered log entries
func (z *ZapLogger) Sync() error {
	return z.logger.Sync()
}

// ParseLevel accepts the daemon's level names. zap v1.20 has no zapcore.ParseLevel.
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "critical":
		return zapcore.DPanicLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
