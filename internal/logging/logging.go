// Package logging 构造进程使用的 zap logger。
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level string // debug/info/warn/error
	JSON  bool
	// File 非空时写入滚动文件，否则写 stderr
	File       string
	MaxSizeMB  int
	MaxBackups int
}

func DefaultOptions() Options {
	return Options{Level: "info", MaxSizeMB: 64, MaxBackups: 3}
}

func New(o Options) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(o.Level)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if o.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	var ws zapcore.WriteSyncer
	if o.File != "" {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    o.MaxSizeMB,
			MaxBackups: o.MaxBackups,
		})
	} else {
		ws = zapcore.Lock(os.Stderr)
	}
	core := zapcore.NewCore(enc, ws, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))), nil
}
