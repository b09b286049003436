// Copyright 2026 The Dingo Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logutil builds the zap loggers used across the coordinator,
// matching the teacher's Adjust/Named pairing so every component ends
// up with a consistently-scoped sub-logger.
package logutil

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// RotateConfig configures the optional rotating file sink. Zero value
// means "no file sink, console only".
type RotateConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Adjust returns logger if non-nil, otherwise a sane development
// default. Mirrors the teacher's logutil.Adjust used throughout
// pkg/txn/client.
func Adjust(logger *zap.Logger) *zap.Logger {
	if logger != nil {
		return logger
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		// zap.NewDevelopment practically never fails; fall back to a
		// no-op logger rather than panicking out of a library.
		return zap.NewNop()
	}
	return l
}

// New builds a logger writing to stderr and, if cfg is non-nil, a
// lumberjack-rotated file, at the given level.
func New(level zapcore.Level, cfg *RotateConfig) *zap.Logger {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), level),
	}
	if cfg != nil && cfg.Filename != "" {
		sink := &lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(sink), level))
	}
	return zap.New(zapcore.NewTee(cores...))
}
