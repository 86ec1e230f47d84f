// Copyright 2024 Bloomberg Finance L.P.
// Distributed under the terms of the Apache 2.0 license.

// Package logging builds the process logger: zap, leveled from config, to
// stdout or to a rotating file (100 MB, 10 backups) when a log file is
// configured.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxLogFileMB  = 100
	maxLogBackups = 10
)

// New constructs the root logger. An unrecognized level falls back to debug
// rather than failing startup.
func New(level, filePath string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	var sink zapcore.WriteSyncer
	if filePath != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   filePath,
			MaxSize:    maxLogFileMB,
			MaxBackups: maxLogBackups,
		})
	} else {
		sink = zapcore.AddSync(os.Stdout)
	}

	return zap.New(zapcore.NewCore(encoder, sink, lvl))
}
