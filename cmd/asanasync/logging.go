package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/antigravity-dev/asanasync/internal/config"
)

func parseLevel(logLevel string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// logSink is where log output goes: stderr, plus a size-rotated file when
// [general].log_file is set. The file stays open across logger rebuilds.
type logSink struct {
	file *lumberjack.Logger
}

func newLogSink(logFile string) *logSink {
	s := &logSink{}
	if strings.TrimSpace(logFile) != "" {
		s.file = &lumberjack.Logger{
			Filename:   config.ExpandHome(logFile),
			MaxSize:    50, // megabytes
			MaxBackups: 7,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return s
}

func (s *logSink) writer() io.Writer {
	if s.file == nil {
		return os.Stderr
	}
	return io.MultiWriter(os.Stderr, s.file)
}

func (s *logSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// logLevel is shared by every logger built here so a config reload can
// change verbosity in place.
var logLevel slog.LevelVar

func configureLogger(level string, useDev bool, sink *logSink) *slog.Logger {
	logLevel.Set(parseLevel(level))
	opts := &slog.HandlerOptions{Level: &logLevel}
	if useDev {
		return slog.New(slog.NewTextHandler(sink.writer(), opts))
	}
	return slog.New(slog.NewJSONHandler(sink.writer(), opts))
}
