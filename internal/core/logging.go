package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/multiworld/internal/core/data"
)

// Log modes.
const (
	LogModeText   = "txt"
	LogModeNone   = "none"
	LogModeSQLite = "sqlite"
)

// NewLogger builds the logger shared by every component. Besides stdout, entries
// are appended to a file (txt mode), a SQLite database (sqlite mode) or nowhere
// (none). The returned function releases whatever the mode opened.
func NewLogger(cfg *Config) (*logrus.Logger, func() error, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg *Config, stdout io.Writer) (*logrus.Logger, func() error, error) {
	logLvl, levelErr := logrus.ParseLevel(cfg.Logging.Level)
	if levelErr != nil {
		logLvl = logrus.InfoLevel
	}

	logger := &logrus.Logger{
		Out: stdout,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks: make(logrus.LevelHooks),
		Level: logLvl,
	}
	closer := func() error { return nil }
	if levelErr != nil {
		defer logger.Warnf("invalid log level %q, using %s", cfg.Logging.Level, logLvl)
	}

	mode := strings.ToLower(cfg.Logging.Mode)
	switch mode {
	case LogModeNone:
	case LogModeSQLite:
		db, err := data.Open(cfg.Logging.SQLitePath, false)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log database: %w", err)
		}
		logger.AddHook(&data.LogHook{DB: db})
		closer = func() error { return data.Close(db) }
	default:
		if mode != LogModeText {
			defer logger.Warnf("unknown log mode %q, using %s", cfg.Logging.Mode, LogModeText)
		}
		if err := os.MkdirAll(cfg.Logging.Directory, 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		filename := filepath.Join(cfg.Logging.Directory, time.Now().Format("2006-01-02_15-04-05")+".log")
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		logger.Out = io.MultiWriter(stdout, f)
		closer = f.Close
	}

	return logger, closer, nil
}
