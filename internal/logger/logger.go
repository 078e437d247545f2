// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package logger defines a type for writing to logs and constructs the
// structured logger used by programs in this module.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logf is the basic logger type: a printf-like func. Like [log.Printf], the
// format need not end in a newline. Logf functions must be safe for concurrent
// use.
type Logf func(format string, args ...any)

// Write implements the [io.Writer] interface.
func (f Logf) Write(p []byte) (n int, err error) {
	f("%s", p)
	return len(p), nil
}

// Printf returns a [Logf] that writes every message to l at the given level.
func Printf(l *slog.Logger, level slog.Level) Logf {
	return func(format string, args ...any) {
		l.Log(context.Background(), level, fmt.Sprintf(format, args...))
	}
}

// LevelFromVerbosity maps the number of times a verbosity flag was given to a
// log level: 0 is warnings, 1 is info, 2 and more is debug.
func LevelFromVerbosity(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelWarn
	case v == 1:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// Options configure [New].
type Options struct {
	// Writer receives log lines when File is empty.
	Writer io.Writer
	// File, if not empty, is a path of a log file that is rotated
	// automatically.
	File string
	// Level is the minimal level of log lines to write. It can be changed
	// after the logger was created.
	Level *slog.LevelVar
}

const (
	maxFileSizeMB  = 10
	maxFileBackups = 5
	maxFileAgeDays = 28
)

// New returns a text logger configured by opts and a function that releases
// its output.
func New(opts Options) (*slog.Logger, func() error) {
	level := opts.Level
	if level == nil {
		level = new(slog.LevelVar)
	}

	w := opts.Writer
	closeFunc := func() error { return nil }
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    maxFileSizeMB,
			MaxBackups: maxFileBackups,
			MaxAge:     maxFileAgeDays,
		}
		w, closeFunc = lj, lj.Close
	}
	if w == nil {
		w = io.Discard
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeFunc
}
