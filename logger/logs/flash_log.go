package logs

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var flashLogger *FlashLog

func GetLogger() *FlashLog {
	return flashLogger
}

// FlashLog wraps the structured zap logger and exposes the sugared API the
// rest of the broker logs through.
type FlashLog struct {
	zap *zap.Logger
	*zap.SugaredLogger
}

type Field = zap.Field

func LogInit(level string) {
	old := level
	level = strings.ToLower(level)
	logLevel := zap.InfoLevel
	switch level {
	case "debug":
		logLevel = zap.DebugLevel
	case "info":
	case "warn":
		logLevel = zap.WarnLevel
	case "error":
		logLevel = zap.ErrorLevel
	case "dpanic":
		logLevel = zap.DPanicLevel
	case "panic":
		logLevel = zap.PanicLevel
	case "fatal":
		logLevel = zap.FatalLevel
	default:
		panic(fmt.Errorf("unSupport log level [%v]", old))
	}
	NewFlashLog(logLevel)
}

// NewFlashLog 系统自动配置；重复调用时以最后一次为准
func NewFlashLog(level zapcore.Level) *FlashLog {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	atom := zap.NewAtomicLevelAt(level)

	config := zap.Config{
		Level:            atom,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(fmt.Sprintf("log init failed: %v", err))
	}
	logger.Info("log init ok", zap.Time("runTime", time.Now()))
	sugar := logger.Sugar()
	flashLogger = &FlashLog{
		zap:           logger,
		SugaredLogger: sugar,
	}
	return flashLogger
}

func (a *FlashLog) Close() error {
	a.zap.Sync()
	a.SugaredLogger.Sync()
	return nil
}
