// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

// Package trace provides a decorator for io.ReadWriter that logs all reads
// and writes.
package trace

import (
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Trace is a trace log on an io.ReadWriter.
//
// All reads and writes are written to the logger.
type Trace struct {
	rw    io.ReadWriter
	l     *zap.Logger
	level zapcore.Level
	hex   bool
}

// Option modifies a Trace object created by New.
type Option func(*Trace)

// New creates a new trace on the io.ReadWriter.
func New(rw io.ReadWriter, options ...Option) *Trace {
	t := &Trace{
		rw:    rw,
		level: zapcore.DebugLevel,
	}
	for _, option := range options {
		option(t)
	}
	if t.l == nil {
		t.l = zap.NewExample()
	}
	return t
}

// WithLogger specifies the logger to be used to log trace messages.
//
// By default traces are logged to Stdout.
func WithLogger(l *zap.Logger) Option {
	return func(t *Trace) {
		t.l = l
	}
}

// WithLevel sets the level traces are logged at. The default is debug.
func WithLevel(level zapcore.Level) Option {
	return func(t *Trace) {
		t.level = level
	}
}

// WithHex logs the data as hex rather than as a string.
func WithHex() Option {
	return func(t *Trace) {
		t.hex = true
	}
}

func (t *Trace) log(dir string, p []byte) {
	ce := t.l.Check(t.level, dir)
	if ce == nil {
		return
	}
	if t.hex {
		ce.Write(zap.Binary("data", p))
		return
	}
	ce.Write(zap.ByteString("data", p))
}

func (t *Trace) Read(p []byte) (n int, err error) {
	n, err = t.rw.Read(p)
	if n > 0 {
		t.log("r", p[:n])
	}
	return n, err
}

func (t *Trace) Write(p []byte) (n int, err error) {
	n, err = t.rw.Write(p)
	if n > 0 {
		t.log("w", p[:n])
	}
	return n, err
}
