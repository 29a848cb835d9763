// SPDX-License-Identifier: MIT
//
// Copyright © 2020 Kent Gibson <warthog618@gmail.com>.

// Package logging builds the zap logger used by the cellsock command.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New creates a console logger writing to stderr at the named level.
//
// An empty or invalid level selects info.
func New(level string) *zap.Logger {
	return NewWithSink(level, zapcore.Lock(os.Stderr))
}

// NewWithSink creates a console logger writing to ws.
func NewWithSink(level string, ws zapcore.WriteSyncer) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), ws, ParseLevel(level))
	return zap.New(core, zap.AddCaller())
}

// ParseLevel returns the named level, or info if the name is empty or
// invalid.
func ParseLevel(level string) zapcore.Level {
	if level == "" {
		return zapcore.InfoLevel
	}
	l, err := zapcore.ParseLevel(level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return l
}
