// Package logging holds the process wide structured logger.
//
// Engine code obtains its logger through GetLogger or one of the With helpers
// so level and destination are controlled from one place. Logs go to stderr by
// default because the CLI writes result tables to stdout.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	logger   *slog.Logger
	loggerMu sync.RWMutex
	logFile  *os.File
	isInited bool
)

// Level is the textual log level used in configuration files.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

type Config struct {
	Level      Level
	OutputPath string // empty for stderr
	Format     string // "json" or "text"
}

// Init installs the global logger. Calling it twice without Close is an error.
func Init(cfg Config) error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	if isInited {
		return fmt.Errorf("logger already initialized; call Close() first to reinitialize")
	}

	var writer io.Writer = os.Stderr
	if cfg.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.OutputPath), 0o750); err != nil {
			return err
		}
		f, err := os.OpenFile(cfg.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return err
		}
		writer = f
		logFile = f
	}

	logger = slog.New(newHandler(writer, cfg.Format, ParseLevel(string(cfg.Level))))
	isInited = true
	return nil
}

// InitWithWriter is used by tests to capture output.
func InitWithWriter(w io.Writer, level Level) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = slog.New(newHandler(w, "text", ParseLevel(string(level))))
	isInited = true
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// ParseLevel maps DEBUG/INFO/WARN/ERROR (any case) to slog levels, INFO otherwise.
func ParseLevel(s string) slog.Level {
	switch Level(strings.ToUpper(strings.TrimSpace(s))) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Close releases the log file, if any. Init may be called again afterwards.
func Close() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()

	var err error
	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}
	logger = nil
	isInited = false
	return err
}

// GetLogger returns the global logger, creating an INFO stderr logger on first use.
func GetLogger() *slog.Logger {
	loggerMu.RLock()
	if isInited {
		l := logger
		loggerMu.RUnlock()
		return l
	}
	loggerMu.RUnlock()

	loggerMu.Lock()
	defer loggerMu.Unlock()
	if !isInited {
		logger = slog.New(newHandler(os.Stderr, "text", slog.LevelInfo))
		isInited = true
	}
	return logger
}
