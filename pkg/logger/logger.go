package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var l = zap.NewNop()

// InitLogger replaces the process logger. "prod" selects the JSON encoder,
// anything else the console development config.
func InitLogger(env string) {
	var cfg zap.Config

	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "time"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "test":
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	default:
		cfg = zap.NewDevelopmentConfig()
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}

	l = logger
}

// With returns a child logger carrying fields. It skips the wrapper frame
// adjustment, so use it directly rather than through the helpers below.
func With(fields ...zap.Field) *zap.Logger {
	return l.WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

func Info(msg string, fields ...zap.Field) {
	l.Info(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	l.Error(msg, fields...)
}

func Debug(msg string, fields ...zap.Field) {
	l.Debug(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	l.Warn(msg, fields...)
}

func Sync() error {
	return l.Sync()
}
