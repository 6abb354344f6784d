package obs

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerOnce sync.Once
	logger     *zap.SugaredLogger
)

// Logger returns the shared structured logger used across the service.
func Logger() *zap.SugaredLogger {
	loggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		if os.Getenv("LOG_LEVEL") == "debug" {
			cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		} else {
			cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l.Sugar()
	})
	return logger
}

// SetLoggerForTests swaps the shared logger and returns a restore function.
func SetLoggerForTests(l *zap.SugaredLogger) func() {
	prev := Logger()
	logger = l
	return func() { logger = prev }
}
