// Package logging sets up the agent's leveled, rotating log.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	TimestampFormat = "01/02/2006 03:04:05 PM"

	LevelCritical = "critical"
)

type Options struct {
	Level string
	// File enables a rotating log file in addition to stderr.
	File       string
	MaxBackups int
	MaxAgeDays int
	MaxSizeMB  int
	Stderr     io.Writer
}

// New returns a logger and a closer for its file output.
func New(opts Options) (*log.Logger, io.Closer) {
	logger := log.New()
	logger.SetLevel(ParseLevel(opts.Level))
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: TimestampFormat,
		DisableColors:   true,
	})

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	if opts.File == "" {
		logger.SetOutput(stderr)
		return logger, nopCloser{}
	}

	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxBackups: orDefault(opts.MaxBackups, 7),
		MaxAge:     orDefault(opts.MaxAgeDays, 7),
		MaxSize:    orDefault(opts.MaxSizeMB, 50),
	}
	logger.SetOutput(io.MultiWriter(stderr, file))
	return logger, file
}

// ParseLevel maps debug, info, warning, error and critical onto logrus
// levels. Unknown names fall back to debug.
func ParseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return log.InfoLevel
	case "warning", "warn":
		return log.WarnLevel
	case "error", LevelCritical:
		return log.ErrorLevel
	default:
		return log.DebugLevel
	}
}

// Critical logs at error level tagged as critical. Critical conditions are
// code/table mismatches that need an operator, never transient failures.
func Critical(logger log.FieldLogger, msg string) {
	logger.WithField("severity", LevelCritical).Error(msg)
}

func Exception(logger log.FieldLogger, err error, msg string) {
	logger.WithError(err).Error(msg)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
