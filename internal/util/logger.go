// Package util holds logging and host helpers shared by the botlink commands.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const logFilePrefix = "botlink_"

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string
	Directory  string
	MaxBackups int
	Console    bool

	// Out replaces stdout for the console writer. Used by tests.
	Out io.Writer
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger points the global zerolog logger at a dated file in
// cfg.Directory and, optionally, a human-readable console writer.
// It returns the path of the log file.
func InitLogger(cfg LogConfig) (string, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := filepath.Join(cfg.Directory, LogFileName(time.Now()))
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	// JSON to the file, pretty to the console
	writers := []io.Writer{logFile}
	if cfg.Console {
		out := cfg.Out
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "botlink").
		Caller().
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if removed := CleanOldLogs(cfg.Directory, cfg.MaxBackups); len(removed) > 0 {
		log.Debug().Strs("files", removed).Msg("removed old log files")
	}

	return logFilePath, nil
}

// LogFileName returns the daily log file name for t.
func LogFileName(t time.Time) string {
	return fmt.Sprintf("%s%s.log", logFilePrefix, t.Format("2006-01-02"))
}

// CleanOldLogs keeps the newest maxBackups botlink log files in directory
// and returns the paths it removed.
func CleanOldLogs(directory string, maxBackups int) []string {
	if maxBackups <= 0 {
		return nil
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil
	}

	type logFile struct {
		path    string
		modTime time.Time
	}

	var files []logFile
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".log" || !strings.HasPrefix(name, logFilePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFile{path: filepath.Join(directory, name), modTime: info.ModTime()})
	}

	if len(files) <= maxBackups {
		return nil
	}

	// oldest first
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	var removed []string
	for _, f := range files[:len(files)-maxBackups] {
		if err := os.Remove(f.path); err == nil {
			removed = append(removed, f.path)
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
