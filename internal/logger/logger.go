// Copyright 2023 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger. Output goes
// to stderr by default, or to a size-rotated file once Init is given a
// file path. Strace-style diagnostics use the TRACE severity, below
// DEBUG.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels accepted by setLoggingLevel, most verbose first.
const (
	traceSeverity   = "TRACE"
	debugSeverity   = "DEBUG"
	infoSeverity    = "INFO"
	warningSeverity = "WARNING"
	errorSeverity   = "ERROR"
	offSeverity     = "OFF"
)

// LevelTrace sorts below slog's built-in levels.
const LevelTrace = slog.Level(-8)

// LevelOff disables all output.
const LevelOff = slog.Level(12)

const (
	textFormat      = "text"
	timestampFormat = "02/01/2006 03:04:05.000000"
)

type loggerFactory struct {
	// file is non-nil once logging goes to a rotating file instead of
	// stderr.
	file     *lumberjack.Logger
	format   string
	level    *slog.LevelVar
	logLevel string
}

var (
	defaultLoggerFactory = &loggerFactory{
		format:   textFormat,
		level:    new(slog.LevelVar),
		logLevel: infoSeverity,
	}
	defaultLogger = defaultLoggerFactory.newLogger("")
)

// Config selects where and how the process logs.
type Config struct {
	// FilePath, when non-empty, switches output to a rotating file.
	FilePath string

	// Format is "text" or "json".
	Format string

	// Severity is one of TRACE, DEBUG, INFO, WARNING, ERROR, OFF.
	Severity string

	// MaxFileSizeMB bounds one log file before rotation. Zero means
	// the lumberjack default.
	MaxFileSizeMB int
}

// Init points the default logger at the configured destination. Must
// be called before the guest is spawned; the logger is process-wide.
func Init(c Config) error {
	if c.Format != "" {
		defaultLoggerFactory.format = c.Format
	}
	if c.Severity != "" {
		defaultLoggerFactory.logLevel = strings.ToUpper(c.Severity)
	}
	if c.FilePath != "" {
		defaultLoggerFactory.file = &lumberjack.Logger{
			Filename: c.FilePath,
			MaxSize:  c.MaxFileSizeMB,
		}
	}
	defaultLogger = defaultLoggerFactory.newLogger("")
	return nil
}

// Tracef logs at TRACE severity.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf logs at DEBUG severity.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Debug(fmt.Sprintf(format, v...))
}

// Infof logs at INFO severity.
func Infof(format string, v ...interface{}) {
	defaultLogger.Info(fmt.Sprintf(format, v...))
}

// Warnf logs at WARNING severity.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs at ERROR severity.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Error(fmt.Sprintf(format, v...))
}

////////////////////////////////////////////////////////////////////////
// Factory
////////////////////////////////////////////////////////////////////////

func (f *loggerFactory) newLogger(prefix string) *slog.Logger {
	setLoggingLevel(f.logLevel, f.level)
	return slog.New(f.createJsonOrTextHandler(f.writer(), f.level, prefix))
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr(prefix, f.format == textFormat),
	}
	if f.format == textFormat {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

// replaceAttr renames slog's attributes to the stable output schema:
// a severity attribute with our level names, a message attribute with
// the prefix folded in, and a timestamp shaped per format.
func replaceAttr(prefix string, text bool) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			return slog.String("severity", severityName(a.Value.Any().(slog.Level)))

		case slog.MessageKey:
			return slog.String("message", prefix+a.Value.String())

		case slog.TimeKey:
			t := a.Value.Time()
			if text {
				return slog.String("time", t.Format(timestampFormat))
			}
			return slog.Any("timestamp", jsonTimestamp{
				Seconds: t.Unix(),
				Nanos:   int64(t.Nanosecond()),
			})
		}
		return a
	}
}

type jsonTimestamp struct {
	Seconds int64 `json:"seconds"`
	Nanos   int64 `json:"nanos"`
}

func severityName(l slog.Level) string {
	switch {
	case l < slog.LevelDebug:
		return traceSeverity
	case l < slog.LevelInfo:
		return debugSeverity
	case l < slog.LevelWarn:
		return infoSeverity
	case l < slog.LevelError:
		return warningSeverity
	default:
		return errorSeverity
	}
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch strings.ToUpper(level) {
	case traceSeverity:
		programLevel.Set(LevelTrace)
	case debugSeverity:
		programLevel.Set(slog.LevelDebug)
	case warningSeverity:
		programLevel.Set(slog.LevelWarn)
	case errorSeverity:
		programLevel.Set(slog.LevelError)
	case offSeverity:
		programLevel.Set(LevelOff)
	default:
		programLevel.Set(slog.LevelInfo)
	}
}
