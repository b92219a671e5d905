// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package log

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"github.com/pbinitiative/zenflow/internal/profile"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var logger = zap.NewNop().Sugar()

// Init builds the application logger for the current profile. PROD logs JSON, other profiles log to the
// console in development format.
func Init() {
	var (
		l   *zap.Logger
		err error
	)
	switch profile.Current {
	case profile.PROD:
		l, err = zap.NewProduction()
	default:
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		l, err = cfg.Build()
	}
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %s", err))
	}
	logger = l.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

// Set replaces the application logger, tests use it with zaptest loggers.
func Set(l *zap.Logger) {
	logger = l.Sugar()
}

func Sync() {
	_ = logger.Sync()
}

func Debug(format string, args ...any) {
	logger.Debugf(format, args...)
}

func Info(format string, args ...any) {
	logger.Infof(format, args...)
}

func Warn(format string, args ...any) {
	logger.Warnf(format, args...)
}

func Error(format string, args ...any) {
	logger.Errorf(format, args...)
}

func Infof(ctx context.Context, format string, args ...any) {
	withContext(ctx).Infof(format, args...)
}

func Errorf(ctx context.Context, format string, args ...any) {
	withContext(ctx).Errorf(format, args...)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	if key, ok := appcontext.InstanceKey(ctx); ok {
		return logger.With("processInstanceKey", key)
	}
	return logger
}

// Hclog returns a named hclog logger for library packages. Its level follows the profile.
func Hclog(name string) hclog.Logger {
	level := hclog.Debug
	if profile.Current == profile.PROD {
		level = hclog.Info
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: profile.Current == profile.PROD,
	})
}
