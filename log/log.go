// Copyright 2016 The Upspin Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package log exports leveled logging primitives that write through a
// zap logger to stderr.
package log

// We call this log instead of logging for two reasons:
// 1) It's shorter to type;
// 2) it mimics Go's log package and can be used as a drop-in replacement for it.

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the interface for logging messages.
type Logger interface {
	// Printf writes a formated message to the log.
	Printf(format string, v ...interface{})

	// Print writes a message to the log.
	Print(v ...interface{})

	// Println writes a line to the log.
	Println(v ...interface{})

	// Fatal writes a message to the log and aborts.
	Fatal(v ...interface{})

	// Fatalf writes a formated message to the log and aborts.
	Fatalf(format string, v ...interface{})
}

// level represents the level of logging.
type level int32

// Different levels of logging.
const (
	debug level = iota
	info
	errors
	disabled
)

// Pre-allocated Loggers at each logging level.
var (
	Debug Logger = &logger{level: debug}
	Info  Logger = &logger{level: info}
	Error Logger = &logger{level: errors}
)

var (
	currentLevel atomic.Int32
	backend      atomic.Pointer[zap.Logger]

	osExit = os.Exit
)

func init() {
	currentLevel.Store(int32(info))
	SetOutput(os.Stderr)
}

// SetOutput directs all log output to w. It is mostly useful in tests.
func SetOutput(w io.Writer) {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(cfg), zapcore.AddSync(w), zapcore.DebugLevel)
	backend.Store(zap.New(core))
}

// Leveled is a set of Loggers, one per level, that share a list of
// structured fields attached to every message.
type Leveled struct {
	Debug Logger
	Info  Logger
	Error Logger
}

// With returns loggers that attach the given fields to each message,
// for instance zap.String("server", id).
func With(fields ...zap.Field) *Leveled {
	return &Leveled{
		Debug: &logger{level: debug, fields: fields},
		Info:  &logger{level: info, fields: fields},
		Error: &logger{level: errors, fields: fields},
	}
}

type logger struct {
	level  level
	fields []zap.Field
}

var _ Logger = (*logger)(nil)

func (l *logger) enabled() bool {
	return l.level >= level(currentLevel.Load())
}

func (l *logger) write(msg string) {
	z := backend.Load()
	if len(l.fields) > 0 {
		z = z.With(l.fields...)
	}
	msg = strings.TrimSuffix(msg, "\n")
	switch l.level {
	case debug:
		z.Debug(msg)
	case info:
		z.Info(msg)
	default:
		z.Error(msg)
	}
}

// Printf writes a formated message to the log.
func (l *logger) Printf(format string, v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(fmt.Sprintf(format, v...))
}

// Print writes a message to the log.
func (l *logger) Print(v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(fmt.Sprint(v...))
}

// Println writes a line to the log.
func (l *logger) Println(v ...interface{}) {
	if !l.enabled() {
		return // Don't log at lower levels.
	}
	l.write(fmt.Sprintln(v...))
}

// Fatal writes a message to the log and aborts, regardless of the current log level.
func (l *logger) Fatal(v ...interface{}) {
	l.write(fmt.Sprint(v...))
	Flush()
	osExit(1)
}

// Fatalf writes a formated message to the log and aborts, regardless of the current log level.
func (l *logger) Fatalf(format string, v ...interface{}) {
	l.write(fmt.Sprintf(format, v...))
	Flush()
	osExit(1)
}

// String returns the name of the logger.
func (l *logger) String() string {
	return toString(l.level)
}

func toString(level level) string {
	switch level {
	case info:
		return "info"
	case debug:
		return "debug"
	case errors:
		return "error"
	case disabled:
		return "disabled"
	}
	return "unknown"
}

func toLevel(level string) (level, error) {
	switch level {
	case "info":
		return info, nil
	case "debug":
		return debug, nil
	case "error":
		return errors, nil
	case "disabled":
		return disabled, nil
	}
	return disabled, fmt.Errorf("invalid log level %q", level)
}

// GetLevel returns the current logging level.
func GetLevel() string {
	return toString(level(currentLevel.Load()))
}

// SetLevel sets the current level of logging.
func SetLevel(level string) error {
	l, err := toLevel(level)
	if err != nil {
		return err
	}
	currentLevel.Store(int32(l))
	return nil
}

// At returns whether the level will be logged currently.
func At(name string) bool {
	l, err := toLevel(name)
	if err != nil {
		return false
	}
	return level(currentLevel.Load()) <= l
}

// Printf writes a formated message to the log.
func Printf(format string, v ...interface{}) {
	Info.Printf(format, v...)
}

// Print writes a message to the log.
func Print(v ...interface{}) {
	Info.Print(v...)
}

// Println writes a line to the log.
func Println(v ...interface{}) {
	Info.Println(v...)
}

// Fatal writes a message to the log and aborts.
func Fatal(v ...interface{}) {
	Info.Fatal(v...)
}

// Fatalf writes a formated message to the log and aborts.
func Fatalf(format string, v ...interface{}) {
	Info.Fatalf(format, v...)
}

// Flush writes any buffered log entries. It is registered as a
// shutdown handler by the servers.
func Flush() {
	backend.Load().Sync()
}

// NewStdLogger returns a standard library logger that writes to l, for
// packages such as net/http that want one.
func NewStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(logWriter{l}, "", 0)
}

type logWriter struct{ l Logger }

func (w logWriter) Write(p []byte) (int, error) {
	w.l.Print(string(p))
	return len(p), nil
}
