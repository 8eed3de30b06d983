package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

const (
	FormatText  = "text"
	FormatJSON  = "json"
	FormatColor = "color"
)

// MasterName names the supervisor's log file.
const MasterName = "master"

// Config describes where a process logs. With Dir set, each process writes
// Dir/<name>.log (the master uses "master", workers "<pool>-<slot>");
// otherwise everything goes to stderr. Rotation follows lumberjack semantics.
type Config struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// WorkerName is the log name of one worker process.
func WorkerName(pool string, slot int) string { return fmt.Sprintf("%s-%d", pool, slot) }

// Writer returns a rotating writer for name, or nil when Dir is empty.
func (c Config) Writer(name string) io.WriteCloser {
	if c.Dir == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   filepath.Join(c.Dir, name+".log"),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// ParseLevel maps debug/info/warn/error to a slog level; empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("logger: unknown level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New builds the logger for one process. The returned closer flushes and
// closes the log file, if any.
func New(c Config, name string) (*slog.Logger, io.Closer, error) {
	level, err := ParseLevel(c.Level)
	if err != nil {
		return nil, nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	var w io.Writer = os.Stderr
	var closer io.Closer = nopCloser{}
	if fw := c.Writer(name); fw != nil {
		w, closer = fw, fw
	}

	format := c.Format
	if format == "" {
		format = FormatText
		if c.Dir == "" {
			format = FormatColor
		}
	}
	var h slog.Handler
	switch format {
	case FormatText:
		h = slog.NewTextHandler(w, opts)
	case FormatJSON:
		h = slog.NewJSONHandler(w, opts)
	case FormatColor:
		h = NewColorTextHandler(w, opts, true)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("logger: unknown format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
