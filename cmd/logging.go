package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// setupLogging writes human-readable logs to stderr and appends the same
// events to path. An empty path keeps console-only logging.
func setupLogging(path, level string) (io.Closer, error) {
	lvl := zerolog.InfoLevel
	if trimmed := strings.TrimSpace(level); trimmed != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(trimmed))
		if err != nil {
			return nil, errors.Wrapf(err, "parse log level %q", level)
		}
		lvl = parsed
	}
	zerolog.SetGlobalLevel(lvl)

	console := zerolog.ConsoleWriter{Out: os.Stderr}
	path = strings.TrimSpace(path)
	if path == "" {
		log.Logger = zerolog.New(console).With().Timestamp().Logger()
		return nil, nil
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create log dir %s", dir)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open log file %s", path)
	}
	fileWriter := zerolog.ConsoleWriter{Out: file, NoColor: true}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, fileWriter)).With().Timestamp().Logger()
	return file, nil
}
