package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	loggerMu sync.RWMutex
	logger   = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	logFile  io.Closer
)

// SetupLogging configures the process logger. Console output always goes to
// stderr; when logPath is set, JSON lines are appended to that file as well.
func SetupLogging(verbose bool, logPath string) error {
	var writer io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	var file *os.File
	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return errors.Wrap(err, "create log dir")
			}
		}
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		file = f
		writer = zerolog.MultiLevelWriter(writer, f)
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	loggerMu.Lock()
	prev := logFile
	logFile = nil
	if file != nil {
		logFile = file
	}
	logger = zerolog.New(writer).With().Timestamp().Logger().Level(level)
	loggerMu.Unlock()

	CloseWithErr(prev, "log file")
	return nil
}

// SetLogOutput redirects all log output to w. Used by tests and embedders.
func SetLogOutput(w io.Writer, verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func current() zerolog.Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

// Debugf logs a debug message.
func Debugf(format string, args ...any) {
	l := current()
	l.Debug().Msg(fmt.Sprintf(format, args...))
}

// Infof logs an info message.
func Infof(format string, args ...any) {
	l := current()
	l.Info().Msg(fmt.Sprintf(format, args...))
}

// Warnf logs a warning message.
func Warnf(format string, args ...any) {
	l := current()
	l.Warn().Msg(fmt.Sprintf(format, args...))
}

// Errorf logs an error message.
func Errorf(format string, args ...any) {
	l := current()
	l.Error().Msg(fmt.Sprintf(format, args...))
}

// Highlightf logs a highlighted message.
func Highlightf(format string, args ...any) {
	l := current()
	l.Info().Bool("note", true).Msg(fmt.Sprintf(format, args...))
}
