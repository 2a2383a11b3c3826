package server

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log is the package-level SugaredLogger. It is set by InitLogger and read
// by every component; nothing in this package constructs its own logger.
var Log *zap.SugaredLogger

func init() {
	// A usable logger exists even if InitLogger is never called (e.g. in
	// tests that construct a Gateway directly).
	Log = zap.NewNop().Sugar()
}

// InitLogger wires a zap.SugaredLogger writing to both stderr and a rolling
// log file. level is one of debug|info|warn|error; unrecognized values fall
// back to info.
func InitLogger(filePath string, level string) error {
	lj := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    10, // MB
		MaxBackups: 3,
		MaxAge:     7, // days
		Compress:   false,
	}

	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel:   zapcore.CapitalLevelEncoder,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	zapLevel := parseLevel(level)
	fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(lj), zapLevel)
	consoleCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(os.Stderr)), zapLevel)

	core := zapcore.NewTee(fileCore, consoleCore)
	logger := zap.New(core, zap.AddCaller())
	Log = logger.Sugar()
	return nil
}

// SyncLogger flushes any buffered log entries. Call before process exit.
func SyncLogger() {
	if Log != nil {
		_ = Log.Sync()
	}
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
